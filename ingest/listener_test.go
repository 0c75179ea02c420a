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

package ingest

import (
	"bufio"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFrameNewlineDelimited(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("<34>first frame\n<34>second frame\n"))

	frame, err := readFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "<34>first frame\n", frame)

	frame, err = readFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "<34>second frame\n", frame)

	_, err = readFrame(r)
	assert.Equal(t, io.EOF, err)
}

func TestReadFrameOctetCounted(t *testing.T) {
	// RFC 6587 octet counting: "<len> <frame>", no delimiter between
	// frames.
	r := bufio.NewReader(strings.NewReader("15 <34>hello world11 <34>goodbye"))

	frame, err := readFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "<34>hello world", frame)

	frame, err = readFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "<34>goodbye", frame)
}

func TestReadFrameMixedFraming(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("7 counted<34>delimited\n"))

	frame, err := readFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "counted", frame)

	frame, err = readFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "<34>delimited\n", frame)
}

func TestReadFrameRejectsAbsurdOctetCount(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("99999999999 x"))
	_, err := readFrame(r)
	assert.Error(t, err)
}
