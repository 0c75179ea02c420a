// Copyright 2025 Machine King Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package retention deletes events past each index's retention window
// on a schedule.
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/machine-king-labs/lognog/catalog"
	"github.com/machine-king-labs/lognog/internal/logs"
	"github.com/machine-king-labs/lognog/storage"
)

// Enforcer runs the periodic retention sweep. Sweeps for the same
// index are serialized; a tick that finds an index still being swept
// skips it rather than queueing behind it.
type Enforcer struct {
	store   storage.Adapter
	catalog *catalog.Store
	log     logs.StructuredLogger

	mu     sync.Mutex
	active map[string]bool
}

func NewEnforcer(store storage.Adapter, cat *catalog.Store, log logs.StructuredLogger) *Enforcer {
	return &Enforcer{
		store:   store,
		catalog: cat,
		log:     log.With("component", "retention"),
		active:  map[string]bool{},
	}
}

// Run sweeps on every tick of interval until ctx is cancelled.
// Scheduled failures are logged and retried next tick.
func (e *Enforcer) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.Sweep(ctx, time.Now().UTC()); err != nil && ctx.Err() == nil {
				e.log.Errorf("retention sweep: %v", err)
			}
		}
	}
}

// Sweep enforces retention for every index once. Indexes sweep
// concurrently with each other but never with themselves.
func (e *Enforcer) Sweep(ctx context.Context, now time.Time) error {
	indexes, err := e.catalog.ListIndexes(ctx)
	if err != nil {
		return fmt.Errorf("listing indexes: %w", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(indexes))
	for _, idx := range indexes {
		if !e.begin(idx.Name) {
			continue // a previous sweep of this index is still running
		}
		wg.Add(1)
		go func(name string, days int) {
			defer wg.Done()
			defer e.end(name)
			if err := e.sweepIndex(ctx, name, days, now); err != nil {
				errs <- err
			}
		}(idx.Name, idx.RetentionDays)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		return err // surface the first failure; the rest are next tick's problem
	}
	return nil
}

func (e *Enforcer) begin(index string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[index] {
		return false
	}
	e.active[index] = true
	return true
}

func (e *Enforcer) end(index string) {
	e.mu.Lock()
	delete(e.active, index)
	e.mu.Unlock()
}

// sweepIndex deletes everything in one index older than its window.
// Deletion is idempotent: running it twice is a no-op the second time.
func (e *Enforcer) sweepIndex(ctx context.Context, index string, retentionDays int, now time.Time) error {
	cutoff := now.Add(-time.Duration(retentionDays) * 24 * time.Hour)

	var sql string
	if e.store.Backend() == storage.BackendColumnar {
		// Lightweight delete; parts rewrite in the background.
		sql = "ALTER TABLE events DELETE WHERE index_name = ? AND timestamp < ?"
	} else {
		sql = "DELETE FROM events WHERE index_name = ? AND timestamp < ?"
	}
	err := e.store.ExecuteWrite(ctx, sql, []storage.Param{
		storage.String(index), storage.DateTime(cutoff),
	})
	if err != nil {
		return fmt.Errorf("retention %s: %w", index, err)
	}
	e.log.Infof("retention swept index=%s cutoff=%s", index, cutoff.Format(time.RFC3339))
	return nil
}
