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

package analytics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculateRiskScore(t *testing.T) {
	// deviation 3 saturates nothing: min(60, 45) = 45.
	assert.Equal(t, 45, CalculateRiskScore(3, TypeSpike, EntityHost))
	assert.Equal(t, 45, CalculateRiskScore(-3, TypeDrop, EntityHost))

	// The base saturates at 60 regardless of deviation.
	assert.Equal(t, 60, CalculateRiskScore(40, TypeSpike, EntityHost))

	// Type and entity multipliers.
	assert.Equal(t, 54, CalculateRiskScore(3, TypeTimeAnomaly, EntityHost)) // 45 * 1.2
	assert.Equal(t, 27, CalculateRiskScore(3, TypeNewBehavior, EntityHost)) // 45 * 0.6
	assert.Equal(t, 54, CalculateRiskScore(3, TypeSpike, EntityUser))       // 45 * 1.2
	assert.Equal(t, 50, CalculateRiskScore(3, TypeSpike, EntityIP))         // round(49.5)
	assert.Equal(t, 41, CalculateRiskScore(3, TypeSpike, EntityApp))        // round(40.5)

	// Clamped to 100 even with stacked multipliers.
	assert.Equal(t, 86, CalculateRiskScore(10, TypeTimeAnomaly, EntityUser)) // 60*1.2*1.2
	assert.LessOrEqual(t, CalculateRiskScore(1000, TypeTimeAnomaly, EntityUser), 100)
	assert.GreaterOrEqual(t, CalculateRiskScore(0, TypeNewBehavior, EntityApp), 0)
}

func TestDetermineSeverityBoundaries(t *testing.T) {
	assert.Equal(t, "low", DetermineSeverity(0))
	assert.Equal(t, "low", DetermineSeverity(39))
	assert.Equal(t, "medium", DetermineSeverity(40))
	assert.Equal(t, "medium", DetermineSeverity(59))
	assert.Equal(t, "high", DetermineSeverity(60))
	assert.Equal(t, "high", DetermineSeverity(79))
	assert.Equal(t, "critical", DetermineSeverity(80))
	assert.Equal(t, "critical", DetermineSeverity(100))
}

func TestClassifyIP(t *testing.T) {
	c := ClassifyIP("10.0.0.1")
	assert.Equal(t, IPClass{Type: "private", RangeName: "RFC1918 Class A", IsInternal: true}, c)

	c = ClassifyIP("8.8.8.8")
	assert.Equal(t, "public", c.Type)
	assert.False(t, c.IsInternal)

	c = ClassifyIP("192.0.2.1")
	assert.Equal(t, "reserved", c.Type)
	assert.Equal(t, "TEST-NET-1", c.RangeName)

	assert.Equal(t, "private", ClassifyIP("192.168.1.50").Type)
	assert.Equal(t, "private", ClassifyIP("172.16.0.9").Type)
	assert.Equal(t, "loopback", ClassifyIP("127.0.0.1").Type)
	assert.Equal(t, "link_local", ClassifyIP("169.254.1.1").Type)
	assert.Equal(t, "reserved", ClassifyIP("100.64.0.1").Type)
	assert.Equal(t, "private", ClassifyIP("fd00::1").Type)
	assert.Equal(t, "invalid", ClassifyIP("not-an-ip").Type)
}

func TestDeviationFloorStddev(t *testing.T) {
	// Real stddev dominates when above the floor.
	assert.InDelta(t, 2.5, Deviation(150, Baseline{Mean: 100, Stddev: 20}), 1e-9)

	// Low-variance series use floor = max(1, 0.1*mean).
	assert.InDelta(t, 1.0, Deviation(110, Baseline{Mean: 100, Stddev: 0}), 1e-9) // floor 10
	assert.InDelta(t, 5.0, Deviation(7, Baseline{Mean: 2, Stddev: 0}), 1e-9)     // floor 1
}

func TestOffHours(t *testing.T) {
	assert.True(t, offHours(22))
	assert.True(t, offHours(23))
	assert.True(t, offHours(0))
	assert.True(t, offHours(5))
	assert.False(t, offHours(6))
	assert.False(t, offHours(12))
	assert.False(t, offHours(21))
}
