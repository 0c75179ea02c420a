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

// Package chatter generates well-formed synthetic syslog traffic for
// load tests and demos.
package chatter

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sort"
	"time"
)

// Scenario names accepted by Frame.
const (
	ScenarioWeb   = "web"
	ScenarioAuth  = "auth"
	ScenarioApp   = "app"
	ScenarioMixed = "mixed"
)

// Scenarios lists the known scenario names, sorted.
func Scenarios() []string {
	names := []string{ScenarioWeb, ScenarioAuth, ScenarioApp, ScenarioMixed}
	sort.Strings(names)
	return names
}

// Generator produces syslog frames from shared attribute pools so the
// same hosts and users recur — recurring entities are what make the
// downstream baselines and anomaly runs meaningful.
type Generator struct {
	rng   *rand.Rand
	hosts []string
	users []string
	ips   []string
}

// New returns a deterministic generator for a seed.
func New(seed uint64) *Generator {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	hosts := make([]string, 8)
	for i := range hosts {
		hosts[i] = fmt.Sprintf("web-%02d", i+1)
	}
	users := []string{"alice", "bob", "deploy", "svc-backup", "root", "carol"}
	ips := make([]string, 16)
	for i := range ips {
		ips[i] = fmt.Sprintf("10.0.%d.%d", rng.IntN(4), 1+rng.IntN(250))
	}
	return &Generator{rng: rng, hosts: hosts, users: users, ips: ips}
}

func pick[T any](rng *rand.Rand, s []T) T {
	return s[rng.IntN(len(s))]
}

// Frame returns one wire-ready syslog frame for the scenario.
// Unknown scenario names are errors.
func (g *Generator) Frame(scenario string, now time.Time) (string, error) {
	switch scenario {
	case ScenarioWeb:
		return g.webFrame(now), nil
	case ScenarioAuth:
		return g.authFrame(now), nil
	case ScenarioApp:
		return g.appFrame(now), nil
	case ScenarioMixed:
		switch g.rng.IntN(3) {
		case 0:
			return g.webFrame(now), nil
		case 1:
			return g.authFrame(now), nil
		default:
			return g.appFrame(now), nil
		}
	}
	return "", fmt.Errorf("unknown scenario %q (have: %v)", scenario, Scenarios())
}

// webFrame emits nginx access lines inside RFC3164 framing.
func (g *Generator) webFrame(now time.Time) string {
	methods := []string{"GET", "GET", "GET", "POST", "PUT", "DELETE"}
	paths := []string{"/", "/index.html", "/api/users", "/api/orders", "/health", "/metrics", "/login", "/static/app.js"}
	agents := []string{"Mozilla/5.0", "curl/8.1", "Go-http-client/1.1", "python-requests/2.31"}
	statuses := []int{200, 200, 200, 200, 301, 302, 404, 500, 503}

	access := fmt.Sprintf(`%s - %s [%s] "%s %s HTTP/1.1" %d %d "-" "%s" "-"`,
		pick(g.rng, g.ips), pick(g.rng, []string{"-", pick(g.rng, g.users)}),
		now.Format("02/Jan/2006:15:04:05 -0700"),
		pick(g.rng, methods), pick(g.rng, paths),
		pick(g.rng, statuses), g.rng.IntN(100000), pick(g.rng, agents))
	// local7.info
	return fmt.Sprintf("<%d>%s %s nginx: %s", 23*8+6, now.Format("Jan _2 15:04:05"), pick(g.rng, g.hosts), access)
}

// authFrame emits sshd-style auth messages, a few of them failures.
func (g *Generator) authFrame(now time.Time) string {
	user := pick(g.rng, g.users)
	ip := pick(g.rng, g.ips)
	port := 1024 + g.rng.IntN(60000)

	var severity int
	var msg string
	switch g.rng.IntN(5) {
	case 0:
		severity = 3
		msg = fmt.Sprintf("Failed password for %s from %s port %d ssh2", user, ip, port)
	case 1:
		severity = 3
		msg = fmt.Sprintf("Failed password for invalid user %s from %s port %d ssh2", user, ip, port)
	default:
		severity = 6
		msg = fmt.Sprintf("Accepted publickey for %s from %s port %d ssh2", user, ip, port)
	}
	// auth facility
	return fmt.Sprintf("<%d>%s %s sshd[%d]: %s", 4*8+severity, now.Format("Jan _2 15:04:05"), pick(g.rng, g.hosts), 100+g.rng.IntN(60000), msg)
}

// appFrame alternates RFC5424 frames and bare JSON objects, the two
// shapes structured senders actually use.
func (g *Generator) appFrame(now time.Time) string {
	services := []string{"payments", "search", "scheduler", "mailer", "gateway"}
	messages := []string{
		"request handled",
		"cache invalidated",
		"retry succeeded",
		"circuit breaker opened",
		"connection pool exhausted",
		"job processed",
	}
	levels := []string{"info", "info", "info", "warn", "error"}

	service := pick(g.rng, services)
	host := pick(g.rng, g.hosts)
	msg := pick(g.rng, messages)

	if g.rng.IntN(2) == 0 {
		obj := map[string]any{
			"timestamp":  now.UTC().Format(time.RFC3339),
			"host":       host,
			"app":        service,
			"level":      pick(g.rng, levels),
			"message":    msg,
			"latency_ms": g.rng.IntN(500),
			"trace_id":   fmt.Sprintf("%016x", g.rng.Uint64()),
		}
		blob, _ := json.Marshal(obj)
		return string(blob)
	}

	severity := 6
	if g.rng.IntN(5) == 0 {
		severity = 3
	}
	return fmt.Sprintf(`<%d>1 %s %s %s %d - [perf@1 latency_ms="%d"] %s`,
		16*8+severity, now.UTC().Format(time.RFC3339), host, service,
		100+g.rng.IntN(60000), g.rng.IntN(500), msg)
}
