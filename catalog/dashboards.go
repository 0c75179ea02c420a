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
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
)

type Dashboard struct {
	ID          string `db:"id" json:"id"`
	Name        string `db:"name" json:"name"`
	Description string `db:"description" json:"description"`
	CreatedAt   string `db:"created_at" json:"created_at"`
	UpdatedAt   string `db:"updated_at" json:"updated_at"`
}

type Panel struct {
	ID          string `db:"id" json:"id"`
	DashboardID string `db:"dashboard_id" json:"dashboard_id"`
	Title       string `db:"title" json:"title"`
	Query       string `db:"query" json:"query"`
	VizType     string `db:"viz_type" json:"viz_type"`
	Position    int    `db:"position" json:"position"`
	// Options is visualization-specific JSON; DecodeOptions lifts it
	// into a typed struct.
	Options string `db:"options" json:"options"`
}

type Variable struct {
	ID           string `db:"id" json:"id"`
	DashboardID  string `db:"dashboard_id" json:"dashboard_id"`
	Name         string `db:"name" json:"name"`
	Query        string `db:"query" json:"query"`
	DefaultValue string `db:"default_value" json:"default_value"`
}

// vizTypes are the visualizations panels may request.
var vizTypes = map[string]bool{
	"table": true, "line": true, "area": true, "bar": true,
	"pie": true, "single": true, "log": true,
}

// DecodeOptions unmarshals the panel's options JSON into out, which
// should be a pointer to an options struct with mapstructure tags.
// Unknown keys are ignored so older servers tolerate newer panels.
func (p Panel) DecodeOptions(out any) error {
	var raw map[string]any
	if p.Options == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(p.Options), &raw); err != nil {
		return fmt.Errorf("catalog panel options: %w", err)
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}

// CreateDashboard inserts a dashboard and returns it with its ID set.
func (s *Store) CreateDashboard(ctx context.Context, name, description string) (Dashboard, error) {
	d := Dashboard{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		CreatedAt:   nowText(),
		UpdatedAt:   nowText(),
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO dashboards (id, name, description, created_at, updated_at)
		 VALUES (:id, :name, :description, :created_at, :updated_at)`, d)
	if err != nil {
		return Dashboard{}, fmt.Errorf("catalog create dashboard: %w", err)
	}
	return d, nil
}

func (s *Store) GetDashboard(ctx context.Context, id string) (Dashboard, error) {
	var d Dashboard
	if err := s.db.GetContext(ctx, &d, `SELECT * FROM dashboards WHERE id = ?`, id); err != nil {
		return Dashboard{}, notFoundOr(err, "get dashboard")
	}
	return d, nil
}

func (s *Store) ListDashboards(ctx context.Context) ([]Dashboard, error) {
	var out []Dashboard
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM dashboards ORDER BY name`); err != nil {
		return nil, fmt.Errorf("catalog list dashboards: %w", err)
	}
	return out, nil
}

// DeleteDashboard removes the dashboard; panels and variables cascade.
func (s *Store) DeleteDashboard(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dashboards WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("catalog delete dashboard: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddPanel appends a panel to a dashboard.
func (s *Store) AddPanel(ctx context.Context, p Panel) (Panel, error) {
	if !vizTypes[p.VizType] {
		return Panel{}, fmt.Errorf("catalog: unknown viz_type %q", p.VizType)
	}
	if p.Options == "" {
		p.Options = "{}"
	}
	p.ID = uuid.NewString()
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO dashboard_panels (id, dashboard_id, title, query, viz_type, position, options)
		 VALUES (:id, :dashboard_id, :title, :query, :viz_type, :position, :options)`, p)
	if err != nil {
		return Panel{}, fmt.Errorf("catalog add panel: %w", err)
	}
	return p, nil
}

func (s *Store) ListPanels(ctx context.Context, dashboardID string) ([]Panel, error) {
	var out []Panel
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM dashboard_panels WHERE dashboard_id = ? ORDER BY position, title`, dashboardID)
	if err != nil {
		return nil, fmt.Errorf("catalog list panels: %w", err)
	}
	return out, nil
}

func (s *Store) DeletePanel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dashboard_panels WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("catalog delete panel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetVariable upserts a dashboard variable by (dashboard, name).
func (s *Store) SetVariable(ctx context.Context, v Variable) (Variable, error) {
	var existing Variable
	err := s.db.GetContext(ctx, &existing,
		`SELECT * FROM dashboard_variables WHERE dashboard_id = ? AND name = ?`,
		v.DashboardID, v.Name)
	if err == nil {
		v.ID = existing.ID
		_, err = s.db.NamedExecContext(ctx,
			`UPDATE dashboard_variables SET query = :query, default_value = :default_value
			 WHERE id = :id`, v)
		if err != nil {
			return Variable{}, fmt.Errorf("catalog set variable: %w", err)
		}
		return v, nil
	}
	v.ID = uuid.NewString()
	_, err = s.db.NamedExecContext(ctx,
		`INSERT INTO dashboard_variables (id, dashboard_id, name, query, default_value)
		 VALUES (:id, :dashboard_id, :name, :query, :default_value)`, v)
	if err != nil {
		return Variable{}, fmt.Errorf("catalog set variable: %w", err)
	}
	return v, nil
}

func (s *Store) ListVariables(ctx context.Context, dashboardID string) ([]Variable, error) {
	var out []Variable
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM dashboard_variables WHERE dashboard_id = ? ORDER BY name`, dashboardID)
	if err != nil {
		return nil, fmt.Errorf("catalog list variables: %w", err)
	}
	return out, nil
}
