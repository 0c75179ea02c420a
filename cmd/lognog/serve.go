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

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/machine-king-labs/lognog/analytics"
	"github.com/machine-king-labs/lognog/catalog"
	"github.com/machine-king-labs/lognog/config"
	"github.com/machine-king-labs/lognog/engine"
	"github.com/machine-king-labs/lognog/extract"
	"github.com/machine-king-labs/lognog/ingest"
	"github.com/machine-king-labs/lognog/internal/logs"
	"github.com/machine-king-labs/lognog/internal/version"
	"github.com/machine-king-labs/lognog/retention"
	"github.com/machine-king-labs/lognog/storage"
)

// ingestDrainGrace is how long the batcher keeps flushing after the
// listeners stop accepting.
const ingestDrainGrace = 5 * time.Second

func newServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the LogNog server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "/etc/lognog/config.yaml", "configuration file")
	return cmd
}

func runServe(parent context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return validationErr(err)
	}
	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return ioErr(fmt.Errorf("data dir: %w", err))
	}

	log := logs.New(cfg.LogPath(), cfg.Logging.MaxSizeMB)
	defer log.Sync()
	log.Infof("lognog %s starting, backend=%s data_dir=%s", version.Version, cfg.Storage.Backend, cfg.Server.DataDir)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cat, err := catalog.Open(ctx, cfg.CatalogPath())
	if err != nil {
		return ioErr(fmt.Errorf("catalog: %w", err))
	}
	defer cat.Close()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return ioErr(fmt.Errorf("event store: %w", err))
	}
	defer store.Close()

	if _, err := cat.EnsureIndex(ctx, cfg.Syslog.DefaultIndex); err != nil {
		return ioErr(fmt.Errorf("default index: %w", err))
	}

	extractor := extract.New()
	if patterns, err := cat.ListEnabledPatterns(ctx); err != nil {
		log.Warnf("loading extraction patterns: %v", err)
	} else if err := extractor.SetUserPatterns(patterns); err != nil {
		log.Warnf("user extraction patterns rejected: %v", err)
	}

	metrics := ingest.NewMetrics(prometheus.DefaultRegisterer)
	server := ingest.NewServer(cfg.Syslog, extractor, metrics, log)
	batcher := ingest.NewBatcher(store, cat, server.Events(),
		cfg.Ingest.BatchSize, cfg.Ingest.FlushInterval, metrics, log)
	enforcer := retention.NewEnforcer(store, cat, log)
	baseliner := analytics.NewBaseliner(store, cfg.Baseline.WindowDays, cfg.Baseline.MinSamples, log)
	detector := analytics.NewDetector(store, baseliner, cat, log)

	// The engine serves saved searches and dashboards against the same
	// adapter the API layer will use. Running a trivial query up front
	// fails fast on a broken schema or an unreachable ClickHouse.
	eng := engine.New(store, cat, cfg.Server.QueryTimeout, log)
	if _, err := eng.Execute(ctx, engine.Request{Query: "search * | head 1", Earliest: "-1m"}); err != nil {
		return ioErr(fmt.Errorf("query path self-check: %w", err))
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ignoreCancel(server.Run(ctx)) })

	// The batcher outlives the listeners: after shutdown begins it gets
	// a grace period to drain the intake queue and flush.
	batchCtx, batchCancel := context.WithCancel(context.Background())
	g.Go(func() error {
		<-ctx.Done()
		t := time.NewTimer(ingestDrainGrace)
		defer t.Stop()
		select {
		case <-t.C:
		case <-batchCtx.Done():
		}
		batchCancel()
		return nil
	})
	g.Go(func() error {
		defer batchCancel()
		return ignoreCancel(batcher.Run(batchCtx))
	})

	g.Go(func() error { return ignoreCancel(enforcer.Run(ctx, cfg.Retention.Interval)) })

	g.Go(func() error {
		ticker := time.NewTicker(cfg.Baseline.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				now := time.Now().UTC()
				if err := baseliner.Rebuild(ctx, now); err != nil {
					log.Errorf("baseline rebuild: %v", err)
					continue
				}
				found, err := detector.Run(ctx, now)
				if err != nil {
					log.Errorf("anomaly detection: %v", err)
					continue
				}
				if len(found) > 0 {
					log.Infof("detected %d anomalies", len(found))
				}
			}
		}
	})

	log.Infof("serving syslog udp=%d tcp=%d", cfg.Syslog.UDPPort, cfg.Syslog.TCPPort)
	if err := g.Wait(); err != nil {
		log.Errorf("server exiting: %v", err)
		return ioErr(err)
	}
	log.Infof("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Adapter, error) {
	if cfg.Storage.Backend == "columnar" {
		return storage.OpenClickHouse(ctx, cfg.Storage.ClickHouseDSN)
	}
	return storage.OpenSQLite(ctx, cfg.EventStorePath())
}

// ignoreCancel treats context cancellation as a clean shutdown.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
