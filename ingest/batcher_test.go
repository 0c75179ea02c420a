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
	"errors"
	"net/netip"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machine-king-labs/lognog/catalog"
	"github.com/machine-king-labs/lognog/config"
	"github.com/machine-king-labs/lognog/extract"
	"github.com/machine-king-labs/lognog/internal/logs"
	"github.com/machine-king-labs/lognog/storage"
)

// fakeAdapter records inserts and can fail the first N attempts.
type fakeAdapter struct {
	storage.Adapter

	mu       sync.Mutex
	failures int
	batches  map[string][][]storage.Event
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{batches: map[string][][]storage.Event{}}
}

func (f *fakeAdapter) InsertBatch(_ context.Context, index string, events []storage.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("backend unavailable")
	}
	batch := append([]storage.Event(nil), events...)
	f.batches[index] = append(f.batches[index], batch)
	return nil
}

func (f *fakeAdapter) inserted(index string) [][]storage.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches[index]
}

func testCatalog(t *testing.T) *catalog.Store {
	t.Helper()
	store, err := catalog.Open(context.Background(), filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testBatcher(t *testing.T, adapter storage.Adapter, in <-chan storage.Event, size int, interval time.Duration) *Batcher {
	t.Helper()
	metrics := NewMetrics(prometheus.NewRegistry())
	return NewBatcher(adapter, testCatalog(t), in, size, interval, metrics, logs.Discard())
}

func event(index, message string) storage.Event {
	now := time.Now().UTC()
	return storage.Event{
		Timestamp:  now,
		ReceivedAt: now,
		Hostname:   "host-1",
		Message:    message,
		IndexName:  index,
		Raw:        message,
	}
}

func TestBatcherFlushesOnSize(t *testing.T) {
	adapter := newFakeAdapter()
	in := make(chan storage.Event, 16)
	b := testBatcher(t, adapter, in, 3, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); b.Run(ctx) }()

	for i := 0; i < 3; i++ {
		in <- event("web", "m")
	}
	require.Eventually(t, func() bool {
		return len(adapter.inserted("web")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, adapter.inserted("web")[0], 3)

	cancel()
	<-done
}

func TestBatcherFlushesOnInterval(t *testing.T) {
	adapter := newFakeAdapter()
	in := make(chan storage.Event, 16)
	b := testBatcher(t, adapter, in, 1000, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); b.Run(ctx) }()

	in <- event("web", "lonely")
	require.Eventually(t, func() bool {
		return len(adapter.inserted("web")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, adapter.inserted("web")[0], 1)

	cancel()
	<-done
}

func TestBatcherRetriesThenSucceeds(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.failures = 2
	in := make(chan storage.Event, 16)
	b := testBatcher(t, adapter, in, 2, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); b.Run(ctx) }()

	in <- event("app", "a")
	in <- event("app", "b")
	require.Eventually(t, func() bool {
		return len(adapter.inserted("app")) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestBatcherDropsAfterRetryBudget(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.failures = retryMaxAttempts // exhausts every attempt
	in := make(chan storage.Event, 16)
	b := testBatcher(t, adapter, in, 1, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); b.Run(ctx) }()

	in <- event("app", "doomed")
	require.Eventually(t, func() bool {
		adapter.mu.Lock()
		defer adapter.mu.Unlock()
		return adapter.failures == 0
	}, 10*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.Empty(t, adapter.inserted("app"))
}

func TestBatcherFinalFlushOnShutdown(t *testing.T) {
	adapter := newFakeAdapter()
	in := make(chan storage.Event, 16)
	b := testBatcher(t, adapter, in, 1000, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); b.Run(ctx) }()

	in <- event("web", "last words")
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	require.Len(t, adapter.inserted("web"), 1)
	assert.Equal(t, "last words", adapter.inserted("web")[0][0].Message)
}

func TestBatcherAutoCreatesIndex(t *testing.T) {
	adapter := newFakeAdapter()
	cat := testCatalog(t)
	in := make(chan storage.Event, 16)
	metrics := NewMetrics(prometheus.NewRegistry())
	b := NewBatcher(adapter, cat, in, 1, time.Hour, metrics, logs.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); b.Run(ctx) }()

	in <- event("fresh-index", "hello")
	require.Eventually(t, func() bool {
		return len(adapter.inserted("fresh-index")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	idx, err := cat.GetIndex(context.Background(), "fresh-index")
	require.NoError(t, err)
	assert.Equal(t, catalog.DefaultRetentionDays, idx.RetentionDays)
}

func TestServerAcceptPipeline(t *testing.T) {
	cfg := config.Default().Syslog
	metrics := NewMetrics(prometheus.NewRegistry())
	s := NewServer(cfg, extract.New(), metrics, logs.Discard())

	remote := netip.MustParseAddrPort("192.0.2.9:40123")
	s.Accept(`<34>Oct 10 13:55:36 web-01 sshd[77]: Accepted publickey for deploy`, "udp", remote)

	e := <-s.Events()
	assert.Equal(t, "default", e.IndexName)
	assert.Equal(t, "udp", e.Protocol)
	require.NotNil(t, e.SourceIP)
	assert.Equal(t, "192.0.2.9", e.SourceIP.String())
	assert.Equal(t, uint16(40123), e.SourcePort)
	assert.Equal(t, "sshd", e.AppName)
	// Parser-provided structured keys survive next to extraction.
	assert.Equal(t, "77", e.Structured["procid"])
}

func TestServerAcceptRoutesJSONIndex(t *testing.T) {
	cfg := config.Default().Syslog
	metrics := NewMetrics(prometheus.NewRegistry())
	s := NewServer(cfg, extract.New(), metrics, logs.Discard())

	s.Accept(`{"message": "ok", "index": "audit"}`, "tcp", netip.AddrPort{})
	e := <-s.Events()
	assert.Equal(t, "audit", e.IndexName)

	// Invalid index names fall back to the default.
	s.Accept(`{"message": "ok", "index": "Not Valid!"}`, "tcp", netip.AddrPort{})
	e = <-s.Events()
	assert.Equal(t, "default", e.IndexName)
}

func TestServerDropOldestOnOverflow(t *testing.T) {
	cfg := config.Default().Syslog
	cfg.BufferSize = 2
	metrics := NewMetrics(prometheus.NewRegistry())
	s := NewServer(cfg, extract.New(), metrics, logs.Discard())

	s.Accept("first", "udp", netip.AddrPort{})
	s.Accept("second", "udp", netip.AddrPort{})
	s.Accept("third", "udp", netip.AddrPort{})

	e := <-s.Events()
	assert.Equal(t, "second", e.Message)
	e = <-s.Events()
	assert.Equal(t, "third", e.Message)
}
