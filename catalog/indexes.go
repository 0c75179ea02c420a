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

package catalog

import (
	"context"
	"fmt"
	"regexp"
)

// Index is a named event partition with its own retention.
type Index struct {
	Name          string `db:"name" json:"name"`
	RetentionDays int    `db:"retention_days" json:"retention_days"`
	CreatedAt     string `db:"created_at" json:"created_at"`
}

var indexNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidIndexName reports whether name is acceptable: lowercase
// alphanumeric with '_' and '-', up to 64 characters.
func ValidIndexName(name string) bool {
	return indexNameRe.MatchString(name)
}

// EnsureIndex returns the index, creating it with the default
// retention on first reference. Ingest calls this on every batch, so
// the happy path is a single read.
func (s *Store) EnsureIndex(ctx context.Context, name string) (Index, error) {
	var idx Index
	err := s.db.GetContext(ctx, &idx, `SELECT * FROM indexes WHERE name = ?`, name)
	if err == nil {
		return idx, nil
	}
	if !ValidIndexName(name) {
		return Index{}, fmt.Errorf("catalog: invalid index name %q", name)
	}
	idx = Index{Name: name, RetentionDays: DefaultRetentionDays, CreatedAt: nowText()}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO indexes (name, retention_days, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (name) DO NOTHING`,
		idx.Name, idx.RetentionDays, idx.CreatedAt)
	if err != nil {
		return Index{}, fmt.Errorf("catalog ensure index: %w", err)
	}
	return idx, nil
}

// ListIndexes returns all indexes ordered by name.
func (s *Store) ListIndexes(ctx context.Context) ([]Index, error) {
	var out []Index
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM indexes ORDER BY name`); err != nil {
		return nil, fmt.Errorf("catalog list indexes: %w", err)
	}
	return out, nil
}

// GetIndex looks up one index.
func (s *Store) GetIndex(ctx context.Context, name string) (Index, error) {
	var idx Index
	if err := s.db.GetContext(ctx, &idx, `SELECT * FROM indexes WHERE name = ?`, name); err != nil {
		return Index{}, notFoundOr(err, "get index")
	}
	return idx, nil
}

// SetRetention updates an index's retention window in days.
func (s *Store) SetRetention(ctx context.Context, name string, days int) error {
	if days < MinRetentionDays || days > MaxRetentionDays {
		return fmt.Errorf("catalog: retention_days must be between %d and %d", MinRetentionDays, MaxRetentionDays)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE indexes SET retention_days = ? WHERE name = ?`, days, name)
	if err != nil {
		return fmt.Errorf("catalog set retention: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteIndex removes the index record. The event store's rows are
// cleaned up by the retention sweeper, not here.
func (s *Store) DeleteIndex(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM indexes WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("catalog delete index: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
