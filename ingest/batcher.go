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

package ingest

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/machine-king-labs/lognog/catalog"
	"github.com/machine-king-labs/lognog/internal/logs"
	"github.com/machine-king-labs/lognog/storage"
)

const (
	retryInitialInterval = 100 * time.Millisecond
	retryMaxInterval     = 30 * time.Second
	retryMaxAttempts     = 5
)

// Batcher drains the intake queue into per-index batches and flushes
// each batch when it reaches size or age, whichever comes first. A
// batch that still fails after the retry budget is dropped and
// counted; ingestion never blocks on a sick backend.
type Batcher struct {
	store    storage.Adapter
	catalog  *catalog.Store
	in       <-chan storage.Event
	size     int
	interval time.Duration
	metrics  *Metrics
	log      logs.StructuredLogger

	known map[string]bool // indexes already ensured this run
}

func NewBatcher(store storage.Adapter, cat *catalog.Store, in <-chan storage.Event, size int, interval time.Duration, metrics *Metrics, log logs.StructuredLogger) *Batcher {
	return &Batcher{
		store:    store,
		catalog:  cat,
		in:       in,
		size:     size,
		interval: interval,
		metrics:  metrics,
		log:      log.With("component", "batcher"),
		known:    map[string]bool{},
	}
}

// Run consumes until ctx is cancelled, then performs one final flush
// of whatever is buffered so a clean shutdown loses nothing.
func (b *Batcher) Run(ctx context.Context) error {
	pending := map[string][]storage.Event{}
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.drain(pending)
			for index := range pending {
				b.flush(context.Background(), index, pending)
			}
			return ctx.Err()
		case e := <-b.in:
			pending[e.IndexName] = append(pending[e.IndexName], e)
			if len(pending[e.IndexName]) >= b.size {
				b.flush(ctx, e.IndexName, pending)
			}
		case <-ticker.C:
			for index, batch := range pending {
				if len(batch) > 0 {
					b.flush(ctx, index, pending)
				}
			}
		}
	}
}

// drain empties whatever is still queued without waiting.
func (b *Batcher) drain(pending map[string][]storage.Event) {
	for {
		select {
		case e := <-b.in:
			pending[e.IndexName] = append(pending[e.IndexName], e)
		default:
			return
		}
	}
}

func (b *Batcher) flush(ctx context.Context, index string, pending map[string][]storage.Event) {
	batch := pending[index]
	delete(pending, index)
	if len(batch) == 0 {
		return
	}

	if !b.known[index] {
		if _, err := b.catalog.EnsureIndex(ctx, index); err != nil {
			b.log.Errorf("ensure index %s: %v", index, err)
			// Fall through; the insert itself may still succeed on a
			// transiently sick catalog, and retrying next flush is
			// cheap either way.
		} else {
			b.known[index] = true
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.Multiplier = 2
	bo.MaxInterval = retryMaxInterval
	bo.MaxElapsedTime = 0

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		return b.store.InsertBatch(ctx, index, batch)
	}, backoff.WithMaxRetries(backoff.WithContext(bo, ctx), retryMaxAttempts-1))
	if err != nil {
		b.metrics.Dropped.WithLabelValues("write_failed").Add(float64(len(batch)))
		b.log.Errorf("dropping batch of %d events for index %s after %d attempts: %v", len(batch), index, attempts, err)
		return
	}

	b.metrics.Batches.WithLabelValues(index).Inc()
	b.log.Infof("flushed batch: index=%s events=%d attempts=%d", index, len(batch), attempts)
}
