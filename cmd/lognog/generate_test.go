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

package main

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machine-king-labs/lognog/ingest"
)

func validOptions() generateOptions {
	return generateOptions{
		target:   "127.0.0.1:5514",
		protocol: "udp",
		scenario: "mixed",
		count:    10,
		seed:     1,
	}
}

func TestGenerateOptionsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*generateOptions)
		ok     bool
	}{
		{"defaults", func(o *generateOptions) {}, true},
		{"tcp", func(o *generateOptions) { o.protocol = "tcp" }, true},
		{"zero count", func(o *generateOptions) { o.count = 0 }, false},
		{"negative duration", func(o *generateOptions) { o.duration = -time.Second }, false},
		{"bad protocol", func(o *generateOptions) { o.protocol = "sctp" }, false},
		{"bad scenario", func(o *generateOptions) { o.scenario = "chaos" }, false},
		{"bad target", func(o *generateOptions) { o.target = "no-port" }, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			opts := validOptions()
			tc.mutate(&opts)
			err := opts.validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestRunGenerateExitCodes(t *testing.T) {
	t.Run("validation failures exit 1", func(t *testing.T) {
		opts := validOptions()
		opts.count = -1
		err := runGenerate(context.Background(), opts)
		require.Error(t, err)
		var ee *exitCodeError
		require.True(t, errors.As(err, &ee))
		assert.Equal(t, 1, ee.code)
	})

	t.Run("unreachable tcp target exits 2", func(t *testing.T) {
		opts := validOptions()
		opts.protocol = "tcp"
		opts.target = "127.0.0.1:1" // nothing listens here
		err := runGenerate(context.Background(), opts)
		require.Error(t, err)
		var ee *exitCodeError
		require.True(t, errors.As(err, &ee))
		assert.Equal(t, 2, ee.code)
	})
}

func TestRunGenerateSendsParseableFrames(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	opts := validOptions()
	opts.target = pc.LocalAddr().String()
	opts.count = 5
	require.NoError(t, runGenerate(context.Background(), opts))

	buf := make([]byte, 64*1024)
	for i := 0; i < opts.count; i++ {
		require.NoError(t, pc.SetReadDeadline(time.Now().Add(2*time.Second)))
		n, _, err := pc.ReadFrom(buf)
		require.NoError(t, err)
		event, format := ingest.Parse(string(buf[:n]), time.Now())
		assert.NotEqual(t, ingest.FormatRaw, format)
		assert.NotEmpty(t, event.Message)
	}
}
