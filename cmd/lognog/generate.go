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
	"fmt"
	"net"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/machine-king-labs/lognog/internal/chatter"
)

type generateOptions struct {
	target   string
	protocol string
	scenario string
	count    int
	duration time.Duration
	seed     uint64
}

func newGenerateCommand() *cobra.Command {
	opts := generateOptions{}
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Emit synthetic syslog traffic at a running receiver",
		Long: `Emit well-formed syslog frames (RFC 3164, RFC 5424 and JSON) for the
chosen scenario. With --duration the frames are paced evenly across it;
otherwise they are sent as fast as the socket accepts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.target, "target", "127.0.0.1:5514", "receiver address (host:port)")
	cmd.Flags().StringVar(&opts.protocol, "protocol", "udp", "transport: udp or tcp")
	cmd.Flags().StringVar(&opts.scenario, "scenario", chatter.ScenarioMixed,
		fmt.Sprintf("traffic shape, one of %v", chatter.Scenarios()))
	cmd.Flags().IntVar(&opts.count, "count", 1000, "number of frames to send")
	cmd.Flags().DurationVar(&opts.duration, "duration", 0, "spread the frames over this long (0 sends immediately)")
	cmd.Flags().Uint64Var(&opts.seed, "seed", uint64(time.Now().UnixNano()), "random seed (repeat a run by fixing it)")
	return cmd
}

func (o generateOptions) validate() error {
	if o.count <= 0 {
		return fmt.Errorf("--count must be positive, got %d", o.count)
	}
	if o.duration < 0 {
		return fmt.Errorf("--duration must not be negative, got %s", o.duration)
	}
	if o.protocol != "udp" && o.protocol != "tcp" {
		return fmt.Errorf("--protocol must be udp or tcp, got %q", o.protocol)
	}
	if !slices.Contains(chatter.Scenarios(), o.scenario) {
		return fmt.Errorf("unknown scenario %q, have %v", o.scenario, chatter.Scenarios())
	}
	if _, _, err := net.SplitHostPort(o.target); err != nil {
		return fmt.Errorf("--target: %w", err)
	}
	return nil
}

func runGenerate(ctx context.Context, opts generateOptions) error {
	if err := opts.validate(); err != nil {
		return validationErr(err)
	}

	conn, err := net.Dial(opts.protocol, opts.target)
	if err != nil {
		return ioErr(fmt.Errorf("connecting to %s: %w", opts.target, err))
	}
	defer conn.Close()

	var interval time.Duration
	if opts.duration > 0 && opts.count > 1 {
		interval = opts.duration / time.Duration(opts.count)
	}

	gen := chatter.New(opts.seed)
	for i := 0; i < opts.count; i++ {
		frame, err := gen.Frame(opts.scenario, time.Now())
		if err != nil {
			return validationErr(err)
		}
		if opts.protocol == "tcp" {
			frame += "\n"
		}
		if _, err := conn.Write([]byte(frame)); err != nil {
			return ioErr(fmt.Errorf("after %d frames: %w", i, err))
		}
		if interval > 0 && i < opts.count-1 {
			select {
			case <-ctx.Done():
				return ioErr(ctx.Err())
			case <-time.After(interval):
			}
		}
	}

	fmt.Printf("sent %d %s frames to %s/%s\n", opts.count, opts.scenario, opts.target, opts.protocol)
	return nil
}
