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

// Package analytics builds behavioral baselines from the event stream
// and detects per-entity anomalies against them.
package analytics

import "math"

// Anomaly types.
const (
	TypeSpike       = "spike"
	TypeDrop        = "drop"
	TypeTimeAnomaly = "time_anomaly"
	TypeNewBehavior = "new_behavior"
)

// Entity types.
const (
	EntityUser = "user"
	EntityHost = "host"
	EntityIP   = "ip"
	EntityApp  = "app"
)

var typeMult = map[string]float64{
	TypeSpike:       1.0,
	TypeDrop:        1.0,
	TypeTimeAnomaly: 1.2,
	TypeNewBehavior: 0.6,
}

var entityMult = map[string]float64{
	EntityUser: 1.2,
	EntityHost: 1.0,
	EntityIP:   1.1,
	EntityApp:  0.9,
}

// CalculateRiskScore maps a deviation onto 0..100. The deviation term
// saturates at 60 so the multiplier tables, not raw z-scores, decide
// what crosses into high and critical.
func CalculateRiskScore(deviation float64, anomalyType, entityType string) int {
	base := math.Min(60, math.Abs(deviation)*15)
	tm, ok := typeMult[anomalyType]
	if !ok {
		tm = 1.0
	}
	em, ok := entityMult[entityType]
	if !ok {
		em = 1.0
	}
	score := math.Round(base * tm * em)
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return int(score)
}

// DetermineSeverity buckets a risk score.
func DetermineSeverity(score int) string {
	switch {
	case score < 40:
		return "low"
	case score < 60:
		return "medium"
	case score < 80:
		return "high"
	default:
		return "critical"
	}
}
