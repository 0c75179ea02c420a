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
	"time"

	"github.com/google/uuid"
)

type SavedSearch struct {
	ID        string `db:"id" json:"id"`
	Name      string `db:"name" json:"name"`
	Query     string `db:"query" json:"query"`
	Earliest  string `db:"earliest" json:"earliest"`
	Latest    string `db:"latest" json:"latest"`
	CreatedAt string `db:"created_at" json:"created_at"`
	UpdatedAt string `db:"updated_at" json:"updated_at"`
}

type Annotation struct {
	ID        string `db:"id" json:"id"`
	StartTime string `db:"start_time" json:"start_time"`
	EndTime   string `db:"end_time" json:"end_time"`
	Text      string `db:"text" json:"text"`
	Tags      string `db:"tags" json:"tags"`
	CreatedAt string `db:"created_at" json:"created_at"`
}

type FieldPreference struct {
	IndexName    string `db:"index_name" json:"index_name"`
	Field        string `db:"field" json:"field"`
	DisplayOrder int    `db:"display_order" json:"display_order"`
	Visible      bool   `db:"visible" json:"visible"`
}

type ExtractionPattern struct {
	ID        string `db:"id" json:"id"`
	Name      string `db:"name" json:"name"`
	Pattern   string `db:"pattern" json:"pattern"`
	Field     string `db:"field" json:"field"`
	Priority  int    `db:"priority" json:"priority"`
	Enabled   bool   `db:"enabled" json:"enabled"`
	CreatedAt string `db:"created_at" json:"created_at"`
}

type Feedback struct {
	AnomalyID string `db:"anomaly_id" json:"anomaly_id"`
	Verdict   string `db:"verdict" json:"verdict"`
	CreatedAt string `db:"created_at" json:"created_at"`
}

// SaveSearch upserts a saved search by name.
func (s *Store) SaveSearch(ctx context.Context, ss SavedSearch) (SavedSearch, error) {
	var existing SavedSearch
	err := s.db.GetContext(ctx, &existing, `SELECT * FROM saved_searches WHERE name = ?`, ss.Name)
	if err == nil {
		ss.ID = existing.ID
		ss.CreatedAt = existing.CreatedAt
		ss.UpdatedAt = nowText()
		_, err = s.db.NamedExecContext(ctx,
			`UPDATE saved_searches SET query = :query, earliest = :earliest,
			 latest = :latest, updated_at = :updated_at WHERE id = :id`, ss)
		if err != nil {
			return SavedSearch{}, fmt.Errorf("catalog save search: %w", err)
		}
		return ss, nil
	}
	ss.ID = uuid.NewString()
	ss.CreatedAt = nowText()
	ss.UpdatedAt = ss.CreatedAt
	_, err = s.db.NamedExecContext(ctx,
		`INSERT INTO saved_searches (id, name, query, earliest, latest, created_at, updated_at)
		 VALUES (:id, :name, :query, :earliest, :latest, :created_at, :updated_at)`, ss)
	if err != nil {
		return SavedSearch{}, fmt.Errorf("catalog save search: %w", err)
	}
	return ss, nil
}

func (s *Store) GetSearch(ctx context.Context, name string) (SavedSearch, error) {
	var ss SavedSearch
	if err := s.db.GetContext(ctx, &ss, `SELECT * FROM saved_searches WHERE name = ?`, name); err != nil {
		return SavedSearch{}, notFoundOr(err, "get search")
	}
	return ss, nil
}

func (s *Store) ListSearches(ctx context.Context) ([]SavedSearch, error) {
	var out []SavedSearch
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM saved_searches ORDER BY name`); err != nil {
		return nil, fmt.Errorf("catalog list searches: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteSearch(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM saved_searches WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("catalog delete search: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddAnnotation records a time-anchored note shown on charts.
func (s *Store) AddAnnotation(ctx context.Context, a Annotation) (Annotation, error) {
	a.ID = uuid.NewString()
	a.CreatedAt = nowText()
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO annotations (id, start_time, end_time, text, tags, created_at)
		 VALUES (:id, :start_time, :end_time, :text, :tags, :created_at)`, a)
	if err != nil {
		return Annotation{}, fmt.Errorf("catalog add annotation: %w", err)
	}
	return a, nil
}

// ListAnnotations returns annotations overlapping [from, to).
func (s *Store) ListAnnotations(ctx context.Context, from, to time.Time) ([]Annotation, error) {
	var out []Annotation
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM annotations
		 WHERE start_time < ?
		   AND (CASE WHEN end_time = '' THEN start_time ELSE end_time END) >= ?
		 ORDER BY start_time`,
		to.UTC().Format(timeLayout), from.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("catalog list annotations: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteAnnotation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM annotations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("catalog delete annotation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetFieldPreference upserts one field's display settings for an
// index.
func (s *Store) SetFieldPreference(ctx context.Context, p FieldPreference) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO field_preferences (index_name, field, display_order, visible)
		 VALUES (:index_name, :field, :display_order, :visible)
		 ON CONFLICT (index_name, field) DO UPDATE SET
		   display_order = excluded.display_order, visible = excluded.visible`, p)
	if err != nil {
		return fmt.Errorf("catalog set field preference: %w", err)
	}
	return nil
}

func (s *Store) ListFieldPreferences(ctx context.Context, indexName string) ([]FieldPreference, error) {
	var out []FieldPreference
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM field_preferences WHERE index_name = ? ORDER BY display_order, field`, indexName)
	if err != nil {
		return nil, fmt.Errorf("catalog list field preferences: %w", err)
	}
	return out, nil
}

// SavePattern upserts a user extraction pattern by name.
func (s *Store) SavePattern(ctx context.Context, p ExtractionPattern) (ExtractionPattern, error) {
	if p.Field == "" {
		p.Field = "message"
	}
	var existing ExtractionPattern
	err := s.db.GetContext(ctx, &existing, `SELECT * FROM extraction_patterns WHERE name = ?`, p.Name)
	if err == nil {
		p.ID = existing.ID
		p.CreatedAt = existing.CreatedAt
		_, err = s.db.NamedExecContext(ctx,
			`UPDATE extraction_patterns SET pattern = :pattern, field = :field,
			 priority = :priority, enabled = :enabled WHERE id = :id`, p)
		if err != nil {
			return ExtractionPattern{}, fmt.Errorf("catalog save pattern: %w", err)
		}
		return p, nil
	}
	p.ID = uuid.NewString()
	p.CreatedAt = nowText()
	_, err = s.db.NamedExecContext(ctx,
		`INSERT INTO extraction_patterns (id, name, pattern, field, priority, enabled, created_at)
		 VALUES (:id, :name, :pattern, :field, :priority, :enabled, :created_at)`, p)
	if err != nil {
		return ExtractionPattern{}, fmt.Errorf("catalog save pattern: %w", err)
	}
	return p, nil
}

// ListEnabledPatterns returns enabled patterns ordered by ascending
// priority then name, the order the extraction pipeline applies them
// in. Lower priority runs first and, with first-writer-wins keys,
// binds stronger.
func (s *Store) ListEnabledPatterns(ctx context.Context) ([]ExtractionPattern, error) {
	var out []ExtractionPattern
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM extraction_patterns WHERE enabled = 1 ORDER BY priority, name`)
	if err != nil {
		return nil, fmt.Errorf("catalog list patterns: %w", err)
	}
	return out, nil
}

func (s *Store) DeletePattern(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM extraction_patterns WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("catalog delete pattern: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Feedback verdicts.
const (
	VerdictConfirmed     = "confirmed"
	VerdictFalsePositive = "false_positive"
)

// SetFeedback records an analyst verdict ("confirmed" or
// "false_positive") for an anomaly. Confirmed-false anomalies are
// excluded from aggregate risk reporting.
func (s *Store) SetFeedback(ctx context.Context, anomalyID, verdict string) error {
	if verdict != VerdictConfirmed && verdict != VerdictFalsePositive {
		return fmt.Errorf("catalog: unknown verdict %q", verdict)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO anomaly_feedback (anomaly_id, verdict, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (anomaly_id) DO UPDATE SET verdict = excluded.verdict, created_at = excluded.created_at`,
		anomalyID, verdict, nowText())
	if err != nil {
		return fmt.Errorf("catalog set feedback: %w", err)
	}
	return nil
}

// FalsePositiveIDs returns the anomaly IDs marked false positive.
func (s *Store) FalsePositiveIDs(ctx context.Context) ([]string, error) {
	var out []string
	err := s.db.SelectContext(ctx, &out,
		`SELECT anomaly_id FROM anomaly_feedback WHERE verdict = 'false_positive'`)
	if err != nil {
		return nil, fmt.Errorf("catalog feedback: %w", err)
	}
	return out, nil
}
