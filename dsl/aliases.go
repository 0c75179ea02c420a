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

package dsl

// fieldAliases maps the Splunk-flavored names users type to the
// canonical event columns. Resolution happens at parse time so every
// downstream stage sees canonical names only.
var fieldAliases = map[string]string{
	"host":       "hostname",
	"source":     "hostname",
	"app":        "app_name",
	"program":    "app_name",
	"sourcetype": "app_name",
	"level":      "severity",
	"msg":        "message",
	"_raw":       "raw",
	"_time":      "timestamp",
	"time":       "timestamp",
	"index":      "index_name",
}

// eventColumns are the physical columns of the events table. Anything
// else referenced in a query resolves to a structured field or a
// column synthesized by an earlier stage.
var eventColumns = map[string]bool{
	"timestamp":       true,
	"received_at":     true,
	"hostname":        true,
	"app_name":        true,
	"message":         true,
	"severity":        true,
	"facility":        true,
	"priority":        true,
	"source_ip":       true,
	"source_port":     true,
	"protocol":        true,
	"index_name":      true,
	"raw":             true,
	"structured_data": true,
}

// CanonicalField resolves an alias to its canonical column name.
// Unknown names pass through untouched; they may be structured fields
// or columns produced by eval/rex/stats.
func CanonicalField(name string) string {
	if canonical, ok := fieldAliases[name]; ok {
		return canonical
	}
	return name
}

// IsEventColumn reports whether name is a physical events column.
func IsEventColumn(name string) bool {
	return eventColumns[name]
}
