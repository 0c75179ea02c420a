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

// Package engine runs DSL queries end to end: parse, validate, plan,
// execute, post-process. It owns the worker pool and the per-query
// deadline.
package engine

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/machine-king-labs/lognog/catalog"
	"github.com/machine-king-labs/lognog/dsl"
	"github.com/machine-king-labs/lognog/internal/logs"
	"github.com/machine-king-labs/lognog/planner"
	"github.com/machine-king-labs/lognog/storage"
)

// Error kinds, mirroring the error taxonomy surfaced to callers.
const (
	KindParse      = "parse_error"
	KindValidation = "validation_error"
	KindPlan       = "plan_error"
	KindStorage    = "storage_error"
	KindTimeout    = "timeout"
)

// QueryError is the caller-facing failure of one query.
type QueryError struct {
	Kind    string `json:"error"`
	Message string `json:"message"`
	// Line and Column locate parse errors (1-based, zero otherwise).
	Line   int `json:"line,omitempty"`
	Column int `json:"column,omitempty"`
	// StageIndex locates validation errors.
	StageIndex int `json:"stage_index,omitempty"`
}

func (e *QueryError) Error() string { return e.Kind + ": " + e.Message }

// Request is one query submission.
type Request struct {
	Query    string `json:"query"`
	Earliest string `json:"earliest,omitempty"`
	Latest   string `json:"latest,omitempty"`
}

// Response is a successful query result.
type Response struct {
	SQL             string           `json:"sql"`
	Columns         []string         `json:"columns"`
	Results         []map[string]any `json:"results"`
	Count           int              `json:"count"`
	ExecutionTimeMS int64            `json:"executionTime_ms"`
	Backend         string           `json:"backend"`
	Warnings        []string         `json:"warnings,omitempty"`
}

// Engine executes queries against one storage adapter with a bounded
// worker pool. Queries run to completion inside a single worker slot.
type Engine struct {
	store   storage.Adapter
	catalog *catalog.Store
	log     logs.StructuredLogger
	timeout time.Duration
	workers chan struct{}
}

func New(store storage.Adapter, cat *catalog.Store, timeout time.Duration, log logs.StructuredLogger) *Engine {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Engine{
		store:   store,
		catalog: cat,
		log:     log.With("component", "engine"),
		timeout: timeout,
		workers: make(chan struct{}, 2*runtime.NumCPU()),
	}
}

// Execute runs one query under the engine's deadline. All failures
// are *QueryError; user mistakes never panic.
func (e *Engine) Execute(ctx context.Context, req Request) (*Response, error) {
	select {
	case e.workers <- struct{}{}:
		defer func() { <-e.workers }()
	case <-ctx.Done():
		return nil, timeoutOr(ctx.Err())
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	started := time.Now()
	resp, err := e.run(ctx, req, started)
	if err != nil {
		return nil, err
	}
	resp.ExecutionTimeMS = time.Since(started).Milliseconds()
	return resp, nil
}

func (e *Engine) run(ctx context.Context, req Request, started time.Time) (*Response, error) {
	pipeline, err := dsl.Parse(req.Query)
	if err != nil {
		var pe *dsl.ParseError
		if errors.As(err, &pe) {
			return nil, &QueryError{Kind: KindParse, Message: pe.Message, Line: pe.Line, Column: pe.Column}
		}
		return nil, &QueryError{Kind: KindParse, Message: err.Error()}
	}

	if result := dsl.Validate(pipeline); !result.Valid {
		first := result.Errors[0]
		return nil, &QueryError{Kind: KindValidation, Message: first.Message, StageIndex: first.StageIndex}
	}

	plan, err := planner.Compile(pipeline, planner.Options{
		Backend:  e.store.Backend(),
		Earliest: req.Earliest,
		Latest:   req.Latest,
		Now:      started.UTC(),
	})
	if err != nil {
		var pe *planner.PlanError
		if errors.As(err, &pe) {
			return nil, &QueryError{Kind: KindPlan, Message: pe.Message}
		}
		return nil, &QueryError{Kind: KindPlan, Message: err.Error()}
	}

	res, err := e.store.ExecuteQuery(ctx, plan.SQL, plan.Params)
	if err != nil {
		e.log.Warnf("query failed: %v", err)
		return nil, timeoutOr(err)
	}

	out, err := plan.PostProcess(res, started.UTC())
	if err != nil {
		return nil, &QueryError{Kind: KindPlan, Message: err.Error()}
	}

	return &Response{
		SQL:      plan.SQL,
		Columns:  out.Columns,
		Results:  out.Rows,
		Count:    len(out.Rows),
		Backend:  string(plan.Backend),
		Warnings: plan.Warnings,
	}, nil
}

// timeoutOr classifies deadline expiry; everything else surfaces as a
// storage error verbatim.
func timeoutOr(err error) *QueryError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &QueryError{Kind: KindTimeout, Message: "query exceeded its time budget"}
	}
	if errors.Is(err, context.Canceled) {
		return &QueryError{Kind: KindTimeout, Message: "query cancelled"}
	}
	return &QueryError{Kind: KindStorage, Message: err.Error()}
}
