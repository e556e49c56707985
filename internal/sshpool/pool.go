// Package sshpool owns the live remote sessions, at most one per
// registered server id.
package sshpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antonkrylov/shellbridge/internal/registry"
)

// ErrNotConnected indicates an Execute* call against a server id with no
// live session.
var ErrNotConnected = errors.New("not connected")

// Output is the captured result of a one-shot remote command. A nonzero
// ExitCode is data, not an error.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// EventKind discriminates streaming events.
type EventKind int

const (
	EventStdout EventKind = iota
	EventStderr
	EventClose
)

// Event is one element of a streaming command's event sequence. The
// sequence ends with exactly one EventClose carrying the exit code, after
// which the channel is closed.
type Event struct {
	Kind     EventKind
	Data     []byte
	ExitCode int
}

// CancelledExitCode is the sentinel reported by the close event of a
// cancelled streaming command.
const CancelledExitCode = -1

// Conn is one live remote shell session. Multiple remote processes may
// run over the same Conn concurrently.
type Conn interface {
	// Run executes the command to completion, capturing stdout and
	// stderr separately.
	Run(ctx context.Context, command string) (Output, error)

	// Start launches the command and returns once the remote process is
	// running.
	Start(ctx context.Context, command string) (Process, error)

	Close() error
}

// Process is one in-flight streaming remote command.
type Process interface {
	// Events yields output fragments at their original granularity,
	// terminated by a close event. The channel is closed after the close
	// event.
	Events() <-chan Event

	// Kill requests termination of the remote process. Safe to call more
	// than once and after natural exit.
	Kill()
}

// Dialer establishes remote sessions. Tests substitute a fake.
type Dialer interface {
	Dial(ctx context.Context, srv registry.Server) (Conn, error)
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Pool maps server ids to live connections. Connect and Disconnect are
// the only mutators; Execute* calls resolve the current connection once
// and keep using it even if a reconnect swaps the pool entry mid-flight.
type Pool struct {
	dialer Dialer
	log    *slog.Logger

	mu    sync.Mutex
	conns map[string]Conn
}

// New creates an empty pool.
func New(dialer Dialer, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = discardLogger
	}
	return &Pool{
		dialer: dialer,
		log:    logger,
		conns:  make(map[string]Conn),
	}
}

// Connect establishes a session for srv.ID, tearing down any existing one
// first so no two sessions are ever live for the same id. On dial failure
// the id is left disconnected.
func (p *Pool) Connect(ctx context.Context, srv registry.Server) error {
	p.mu.Lock()
	if old, ok := p.conns[srv.ID]; ok {
		delete(p.conns, srv.ID)
		if err := old.Close(); err != nil {
			p.log.Warn("closing stale connection", "server", srv.ID, "err", err)
		}
	}
	p.mu.Unlock()

	conn, err := p.dialer.Dial(ctx, srv)
	if err != nil {
		return classifyConnectError(err)
	}

	p.mu.Lock()
	prev, raced := p.conns[srv.ID]
	p.conns[srv.ID] = conn
	p.mu.Unlock()
	if raced {
		// A concurrent Connect for the same id won the insert while we
		// were dialing; its connection gives way to ours.
		if err := prev.Close(); err != nil {
			p.log.Warn("closing raced connection", "server", srv.ID, "err", err)
		}
	}
	p.log.Info("connected", "server", srv.ID, "addr", srv.Addr())
	return nil
}

// Disconnect closes and removes the session for id. Disconnecting an id
// with no session is a no-op.
func (p *Pool) Disconnect(id string) error {
	p.mu.Lock()
	conn, ok := p.conns[id]
	delete(p.conns, id)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	p.log.Info("disconnected", "server", id)
	return conn.Close()
}

// Close tears down every live session.
func (p *Pool) Close() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]Conn)
	p.mu.Unlock()
	for id, c := range conns {
		if err := c.Close(); err != nil {
			p.log.Warn("closing connection", "server", id, "err", err)
		}
	}
}

func (p *Pool) conn(id string) (Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	return conn, nil
}

// Execute runs the command to completion on the session for id.
func (p *Pool) Execute(ctx context.Context, id, command string) (Output, error) {
	conn, err := p.conn(id)
	if err != nil {
		return Output{}, err
	}
	return conn.Run(ctx, command)
}

// Handle references one in-flight streaming command.
type Handle struct {
	ID        string
	Command   string
	ServerID  string
	StartedAt time.Time

	proc       Process
	cancelOnce sync.Once
	cancelled  bool
	cancelMu   sync.Mutex
}

// Events exposes the underlying process event sequence.
func (h *Handle) Events() <-chan Event { return h.proc.Events() }

// Cancel requests termination of the remote process. Idempotent and safe
// after natural completion; the close event still fires exactly once.
func (h *Handle) Cancel() {
	h.cancelOnce.Do(func() {
		h.cancelMu.Lock()
		h.cancelled = true
		h.cancelMu.Unlock()
		h.proc.Kill()
	})
}

// Cancelled reports whether Cancel was called.
func (h *Handle) Cancelled() bool {
	h.cancelMu.Lock()
	defer h.cancelMu.Unlock()
	return h.cancelled
}

// ExecuteStreaming launches the command and returns once the remote
// process has started.
func (p *Pool) ExecuteStreaming(ctx context.Context, id, command string) (*Handle, error) {
	conn, err := p.conn(id)
	if err != nil {
		return nil, err
	}
	proc, err := conn.Start(ctx, command)
	if err != nil {
		return nil, err
	}
	h := &Handle{
		ID:        uuid.NewString(),
		Command:   command,
		ServerID:  id,
		StartedAt: time.Now(),
		proc:      proc,
	}
	p.log.Debug("streaming command started", "server", id, "handle", h.ID)
	return h, nil
}

// Connected returns a sorted snapshot of ids with a live session.
func (p *Pool) Connected() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.conns))
	for id := range p.conns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsConnected reports whether a live session exists for id.
func (p *Pool) IsConnected(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.conns[id]
	return ok
}
