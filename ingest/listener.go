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
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/machine-king-labs/lognog/catalog"
	"github.com/machine-king-labs/lognog/config"
	"github.com/machine-king-labs/lognog/extract"
	"github.com/machine-king-labs/lognog/internal/logs"
	"github.com/machine-king-labs/lognog/storage"
)

const (
	maxUDPDatagram = 64 * 1024
	// maxFrameLen bounds one octet-counted TCP frame; larger counts
	// indicate a confused or hostile sender and close the connection.
	maxFrameLen = 1 << 20
)

// Server owns the syslog listeners and the intake queue in front of
// the batcher. Frames are parsed and field-extracted on the listener
// goroutines; only fully formed events cross the queue.
type Server struct {
	cfg       config.Syslog
	extractor *extract.Extractor
	metrics   *Metrics
	log       logs.StructuredLogger

	intake chan storage.Event
	drops  atomic.Uint64
}

func NewServer(cfg config.Syslog, ex *extract.Extractor, metrics *Metrics, log logs.StructuredLogger) *Server {
	return &Server{
		cfg:       cfg,
		extractor: ex,
		metrics:   metrics,
		log:       log.With("component", "syslog"),
		intake:    make(chan storage.Event, cfg.BufferSize),
	}
}

// Events is the queue the batcher consumes from.
func (s *Server) Events() <-chan storage.Event { return s.intake }

// Run starts the UDP and TCP listeners (a port of 0 disables that
// protocol) and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if s.cfg.UDPPort > 0 {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: s.cfg.UDPPort})
		if err != nil {
			return fmt.Errorf("udp listen: %w", err)
		}
		g.Go(func() error { return s.serveUDP(ctx, conn) })
	}
	if s.cfg.TCPPort > 0 {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.TCPPort))
		if err != nil {
			return fmt.Errorf("tcp listen: %w", err)
		}
		g.Go(func() error { return s.serveTCP(ctx, ln) })
	}
	return g.Wait()
}

func (s *Server) serveUDP(ctx context.Context, conn *net.UDPConn) error {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	s.log.Infof("udp listener on :%d", s.cfg.UDPPort)

	buf := make([]byte, maxUDPDatagram)
	for {
		n, addr, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warnf("udp read: %v", err)
			continue
		}
		if n == 0 {
			continue
		}
		s.Accept(string(buf[:n]), "udp", addr)
	}
}

func (s *Server) serveTCP(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	s.log.Infof("tcp listener on :%d", s.cfg.TCPPort)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warnf("tcp accept: %v", err)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	var remote netip.AddrPort
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		remote = tcp.AddrPort()
	}

	r := bufio.NewReaderSize(conn, 64*1024)
	for {
		frame, err := readFrame(r)
		if frame != "" {
			s.Accept(frame, "tcp", remote)
		}
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				s.log.Warnf("tcp conn %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
	}
}

// readFrame reads one syslog frame using RFC 6587 framing: a leading
// digit means octet counting ("123 <frame>"), anything else is
// newline-delimited (non-transparent framing).
func readFrame(r *bufio.Reader) (string, error) {
	first, err := r.Peek(1)
	if err != nil {
		return "", err
	}
	if first[0] < '1' || first[0] > '9' {
		line, err := r.ReadString('\n')
		return line, err
	}

	countText, err := r.ReadString(' ')
	if err != nil {
		return countText, err
	}
	n, convErr := strconv.Atoi(countText[:len(countText)-1])
	if convErr != nil || n <= 0 || n > maxFrameLen {
		return "", fmt.Errorf("bad octet count %q", countText)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		return "", err
	}
	return string(frame), nil
}

// Accept runs the full intake pipeline for one frame: parse, field
// extraction, index routing, then enqueue. Exported so the traffic
// generator and tests can inject frames without a socket.
func (s *Server) Accept(frame, protocol string, remote netip.AddrPort) {
	if strings.TrimSpace(frame) == "" {
		return
	}
	e, format := Parse(frame, time.Now().UTC())
	if format == FormatRaw {
		s.metrics.ParseErrors.Inc()
	}

	e.Protocol = protocol
	if remote.IsValid() {
		addr := remote.Addr().Unmap()
		e.SourceIP = &addr
		e.SourcePort = remote.Port()
	}
	if e.Hostname == "" && e.SourceIP != nil {
		e.Hostname = e.SourceIP.String()
	}

	// Parser-provided keys (procid, SD params) outrank extraction.
	extracted := s.extractor.Extract(e.Message)
	if len(extracted) > 0 && e.Structured == nil {
		e.Structured = map[string]string{}
	}
	for key, value := range extracted {
		if _, exists := e.Structured[key]; !exists {
			e.Structured[key] = value
		}
	}

	if !catalog.ValidIndexName(e.IndexName) {
		e.IndexName = s.cfg.DefaultIndex
	}
	s.metrics.Events.WithLabelValues(e.IndexName, format).Inc()
	s.enqueue(e)
}

// enqueue applies drop-oldest overflow: when the queue is full the
// oldest queued event is discarded to make room for the new one.
func (s *Server) enqueue(e storage.Event) {
	for {
		select {
		case s.intake <- e:
			return
		default:
		}
		select {
		case <-s.intake:
			s.metrics.Dropped.WithLabelValues("overflow").Inc()
			// One log line per 1000 drops; per-event logging would
			// amplify the very overload that caused the drop.
			if n := s.drops.Add(1); n%1000 == 1 {
				s.log.Warnf("intake queue full, dropping oldest (total drops %d)", n)
			}
		default:
		}
	}
}
