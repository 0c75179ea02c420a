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

package engine

import (
	"context"
	"fmt"
	"strings"
)

// RunSaved executes a saved search by name.
func (e *Engine) RunSaved(ctx context.Context, name string) (*Response, error) {
	search, err := e.catalog.GetSearch(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("saved search %q: %w", name, err)
	}
	return e.Execute(ctx, Request{
		Query:    search.Query,
		Earliest: search.Earliest,
		Latest:   search.Latest,
	})
}

// PanelResult pairs one dashboard panel with its query outcome. A
// failed panel carries its error; other panels still render.
type PanelResult struct {
	PanelID  string    `json:"panel_id"`
	Title    string    `json:"title"`
	VizType  string    `json:"viz_type"`
	Response *Response `json:"response,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// RunDashboard executes every panel of a dashboard, substituting
// dashboard variables into each panel query. Values override variable
// defaults.
func (e *Engine) RunDashboard(ctx context.Context, dashboardID string, values map[string]string) ([]PanelResult, error) {
	panels, err := e.catalog.ListPanels(ctx, dashboardID)
	if err != nil {
		return nil, fmt.Errorf("dashboard %q: %w", dashboardID, err)
	}
	variables, err := e.catalog.ListVariables(ctx, dashboardID)
	if err != nil {
		return nil, fmt.Errorf("dashboard %q: %w", dashboardID, err)
	}

	bindings := map[string]string{}
	for _, v := range variables {
		bindings[v.Name] = v.DefaultValue
	}
	for name, value := range values {
		bindings[name] = value
	}

	results := make([]PanelResult, 0, len(panels))
	for _, panel := range panels {
		pr := PanelResult{PanelID: panel.ID, Title: panel.Title, VizType: panel.VizType}
		resp, err := e.Execute(ctx, Request{Query: substituteVariables(panel.Query, bindings)})
		if err != nil {
			pr.Error = err.Error()
		} else {
			pr.Response = resp
		}
		results = append(results, pr)
	}
	return results, nil
}

// substituteVariables replaces $name$ tokens. Unknown tokens are left
// verbatim so the query error names them.
func substituteVariables(query string, bindings map[string]string) string {
	for name, value := range bindings {
		query = strings.ReplaceAll(query, "$"+name+"$", value)
	}
	return query
}
