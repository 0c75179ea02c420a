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

// lognog is the log analytics server and its companion tooling.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/machine-king-labs/lognog/internal/version"
)

// exitCodeError carries an explicit process exit code through cobra.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

// validationErr flags operator mistakes (bad flags, unknown names).
func validationErr(err error) error { return &exitCodeError{code: 1, err: err} }

// ioErr flags environment failures (network, disk).
func ioErr(err error) error { return &exitCodeError{code: 2, err: err} }

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "lognog",
		Short:         "Self-hosted log analytics: syslog ingestion, search DSL, behavioral anomaly detection",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newGenerateCommand())
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "lognog:", err)
		var ee *exitCodeError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}
