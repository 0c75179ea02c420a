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

package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckParams(t *testing.T) {
	sql := `SELECT count(*) FROM events WHERE hostname = ? AND severity <= ?`

	err := checkParams(sql, []Param{String("web-01"), UInt32(3)})
	assert.NoError(t, err)

	err = checkParams(sql, []Param{String("web-01")})
	assert.ErrorContains(t, err, "arity mismatch")

	err = checkParams(sql, []Param{String("web-01"), UInt32(3), UInt32(4)})
	assert.ErrorContains(t, err, "arity mismatch")

	// Declared type and value type must agree.
	err = checkParams(sql, []Param{String("web-01"), {Type: TypeUInt32, Value: "3"}})
	assert.ErrorContains(t, err, "does not match declared type UInt32")
}

func TestCheckParamsIgnoresQuotedQuestionMarks(t *testing.T) {
	sql := `SELECT count(*) FROM events WHERE message LIKE '%?%' AND hostname = ?`
	assert.NoError(t, checkParams(sql, []Param{String("web-01")}))
}

func TestExpandArrayParams(t *testing.T) {
	sql := `SELECT * FROM events WHERE hostname IN (?) AND severity <= ?`
	stmt, args, err := expandArrayParams(sql, []Param{
		Strings([]string{"web-01", "web-02"}),
		UInt32(3),
	})
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM events WHERE hostname IN (?, ?) AND severity <= ?`, stmt)
	assert.Equal(t, []any{"web-01", "web-02", uint32(3)}, args)
}

func TestRelationalArgsFormatsDateTime(t *testing.T) {
	ts := time.Date(2023, 10, 10, 13, 55, 36, 500*int(time.Millisecond), time.UTC)
	out := relationalArgs([]Param{DateTime(ts), String("x")})
	assert.Equal(t, "2023-10-10 13:55:36.500", out[0].Value)
	assert.Equal(t, "x", out[1].Value)
}

func TestInferFieldType(t *testing.T) {
	for _, test := range []struct {
		value string
		want  string
	}{
		{"42", "number"},
		{"3.14", "number"},
		{"true", "boolean"},
		{"False", "boolean"},
		{"2023-10-10T13:55:36Z", "datetime"},
		{"2023-10-10", "datetime"},
		{"hello", "string"},
		{"", "string"},
	} {
		assert.Equal(t, test.want, inferFieldType(test.value), "value %q", test.value)
	}
}

func TestFieldAccumulatorOrdering(t *testing.T) {
	acc := newFieldAccumulator()
	acc.observe(map[string]string{"a": "1", "b": "x"})
	acc.observe(map[string]string{"a": "2"})
	acc.observe(map[string]string{"a": "3", "c": "true"})

	fields := acc.fields()
	require.Len(t, fields, 3)
	assert.Equal(t, "a", fields[0].Name)
	assert.Equal(t, 3, fields[0].Occurrences)
	assert.Equal(t, "number", fields[0].Type)
	// Ties break by name.
	assert.Equal(t, "b", fields[1].Name)
	assert.Equal(t, "c", fields[2].Name)
	assert.Equal(t, "boolean", fields[2].Type)
}
