package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/antonkrylov/shellbridge/internal/classify"
	"github.com/antonkrylov/shellbridge/internal/registry"
	"github.com/antonkrylov/shellbridge/internal/sshpool"
)

type fakeConn struct {
	mu        sync.Mutex
	runOutput sshpool.Output
	runErr    error
	procs     []*fakeProcess
}

func (c *fakeConn) Run(_ context.Context, _ string) (sshpool.Output, error) {
	return c.runOutput, c.runErr
}

func (c *fakeConn) Start(_ context.Context, _ string) (sshpool.Process, error) {
	p := &fakeProcess{events: make(chan sshpool.Event, 64)}
	c.mu.Lock()
	c.procs = append(c.procs, p)
	c.mu.Unlock()
	return p, nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) lastProc(t *testing.T) *fakeProcess {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		n := len(c.procs)
		c.mu.Unlock()
		if n > 0 {
			c.mu.Lock()
			p := c.procs[n-1]
			c.mu.Unlock()
			return p
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no streaming process was started")
	return nil
}

type fakeProcess struct {
	events   chan sshpool.Event
	doneOnce sync.Once
}

func (p *fakeProcess) Events() <-chan sshpool.Event { return p.events }

func (p *fakeProcess) Kill() { p.finish(sshpool.CancelledExitCode) }

func (p *fakeProcess) emit(kind sshpool.EventKind, data string) {
	p.events <- sshpool.Event{Kind: kind, Data: []byte(data)}
}

func (p *fakeProcess) finish(code int) {
	p.doneOnce.Do(func() {
		p.events <- sshpool.Event{Kind: sshpool.EventClose, ExitCode: code}
		close(p.events)
	})
}

type fakeDialer struct {
	mu    sync.Mutex
	conns map[string]*fakeConn
}

func (d *fakeDialer) conn(id string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conns == nil {
		d.conns = make(map[string]*fakeConn)
	}
	c, ok := d.conns[id]
	if !ok {
		c = &fakeConn{}
		d.conns[id] = c
	}
	return c
}

func (d *fakeDialer) Dial(_ context.Context, srv registry.Server) (sshpool.Conn, error) {
	return d.conn(srv.ID), nil
}

type fakePresenter struct {
	mu            sync.Mutex
	confirmations []Confirmation
	notices       []string
	errs          []string
	progress      []string
	choices       [][]ServerChoice

	results   chan ExecResult
	cancelled chan string
}

func newFakePresenter() *fakePresenter {
	return &fakePresenter{
		results:   make(chan ExecResult, 16),
		cancelled: make(chan string, 16),
	}
}

func (p *fakePresenter) PresentConfirmationRequest(requesterID, command, serverName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.confirmations = append(p.confirmations, Confirmation{
		RequesterID: requesterID, Command: command, ServerID: serverName,
	})
}

func (p *fakePresenter) PresentProgress(_, _, window string, _ time.Duration, _ int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress = append(p.progress, window)
}

func (p *fakePresenter) PresentResult(_ string, res ExecResult) { p.results <- res }

func (p *fakePresenter) PresentError(_, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = append(p.errs, message)
}

func (p *fakePresenter) PresentCancelled(_, handleID string, _ time.Duration) {
	p.cancelled <- handleID
}

func (p *fakePresenter) PresentNotice(_, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notices = append(p.notices, message)
}

func (p *fakePresenter) PresentServerChoice(_ string, servers []ServerChoice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.choices = append(p.choices, servers)
}

func (p *fakePresenter) confirmationCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.confirmations)
}

func (p *fakePresenter) lastConfirmation(t *testing.T) Confirmation {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.confirmations) == 0 {
		t.Fatalf("no confirmation was presented")
	}
	return p.confirmations[len(p.confirmations)-1]
}

func (p *fakePresenter) waitResult(t *testing.T) ExecResult {
	t.Helper()
	select {
	case r := <-p.results:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("result event never arrived")
		return ExecResult{}
	}
}

func (p *fakePresenter) progressCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.progress)
}

type fixture struct {
	orch      *Orchestrator
	pool      *sshpool.Pool
	dialer    *fakeDialer
	presenter *fakePresenter
	reg       *registry.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := registry.Load(filepath.Join(t.TempDir(), "servers.yaml"))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	for _, s := range []registry.Server{
		{ID: "a", Name: "Server A", Host: "a.example", User: "u", Enabled: true},
		{ID: "b", Name: "Server B", Host: "b.example", User: "u", Enabled: true},
	} {
		if err := reg.Add(s); err != nil {
			t.Fatalf("add server: %v", err)
		}
	}

	dialer := &fakeDialer{}
	pool := sshpool.New(dialer, nil)
	presenter := newFakePresenter()
	orch := New(Options{
		Pool:             pool,
		Registry:         reg,
		Classifier:       classify.New(nil, nil),
		Sessions:         NewSessionStore(),
		Presenter:        presenter,
		ProgressInterval: 20 * time.Millisecond,
	})
	return &fixture{orch: orch, pool: pool, dialer: dialer, presenter: presenter, reg: reg}
}

func (f *fixture) connect(t *testing.T, id string) {
	t.Helper()
	srv, err := f.reg.Get(id)
	if err != nil {
		t.Fatalf("get server: %v", err)
	}
	if err := f.pool.Connect(context.Background(), srv); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

func TestRequestExecutionNoServerAvailable(t *testing.T) {
	f := newFixture(t)
	err := f.orch.HandleMessage(context.Background(), "user-1", "ls -la")
	if !errors.Is(err, ErrNoServerAvailable) {
		t.Fatalf("expected ErrNoServerAvailable, got %v", err)
	}
	if f.presenter.confirmationCount() != 0 {
		t.Fatalf("no confirmation should exist without a server")
	}
	f.presenter.mu.Lock()
	choices := len(f.presenter.choices)
	f.presenter.mu.Unlock()
	if choices != 1 {
		t.Fatalf("expected a server choice affordance, got %d", choices)
	}
	if f.orch.Sessions().Get("user-1").Pending() != nil {
		t.Fatalf("pending confirmation should not be set")
	}
}

func TestRequestExecutionFallsBackToSingleConnectedServer(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "a")
	if err := f.orch.RequestExecution(context.Background(), "user-1", "ls -la", ""); err != nil {
		t.Fatalf("request: %v", err)
	}
	conf := f.orch.Sessions().Get("user-1").Pending()
	if conf == nil || conf.ServerID != "a" {
		t.Fatalf("pending = %+v", conf)
	}
	got := f.presenter.lastConfirmation(t)
	if got.Command != "ls -la" || got.ServerID != "Server A" {
		t.Fatalf("confirmation = %+v", got)
	}
}

func TestSecondRequestReplacesPendingConfirmation(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "a")
	ctx := context.Background()
	if err := f.orch.RequestExecution(ctx, "user-1", "ls -la", ""); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if err := f.orch.RequestExecution(ctx, "user-1", "df -h", ""); err != nil {
		t.Fatalf("second request: %v", err)
	}
	conf := f.orch.Sessions().Get("user-1").Pending()
	if conf == nil || conf.Command != "df -h" {
		t.Fatalf("pending = %+v, want replacement not queue", conf)
	}
}

func TestConfirmWithoutPending(t *testing.T) {
	f := newFixture(t)
	err := f.orch.Confirm(context.Background(), "user-1")
	if !errors.Is(err, ErrNoPendingConfirmation) {
		t.Fatalf("expected ErrNoPendingConfirmation, got %v", err)
	}
}

func TestCancelClearsPending(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "a")
	ctx := context.Background()
	if err := f.orch.RequestExecution(ctx, "user-1", "ls -la", ""); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := f.orch.Cancel("user-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if f.orch.Sessions().Get("user-1").Pending() != nil {
		t.Fatalf("pending should be cleared")
	}
	if err := f.orch.Cancel("user-1"); !errors.Is(err, ErrNoPendingConfirmation) {
		t.Fatalf("second cancel should be a reported no-op, got %v", err)
	}
}

func TestNonzeroExitCodeIsResultNotError(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "a")
	f.dialer.conn("a").runOutput = sshpool.Output{
		Stdout:   "",
		Stderr:   "grep: no matches",
		ExitCode: 1,
	}

	ctx := context.Background()
	if err := f.orch.RequestExecution(ctx, "user-1", "grep nothing /etc/hosts", ""); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := f.orch.Confirm(ctx, "user-1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	res := f.presenter.waitResult(t)
	if res.ExitCode != 1 || res.Stderr != "grep: no matches" {
		t.Fatalf("result = %+v", res)
	}
	f.presenter.mu.Lock()
	errCount := len(f.presenter.errs)
	f.presenter.mu.Unlock()
	if errCount != 0 {
		t.Fatalf("nonzero exit must not produce an error event")
	}
}

func TestConfirmClearsPendingBeforeCompletion(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "a")
	ctx := context.Background()
	if err := f.orch.RequestExecution(ctx, "user-1", "uptime", ""); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := f.orch.Confirm(ctx, "user-1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if f.orch.Sessions().Get("user-1").Pending() != nil {
		t.Fatalf("pending must clear on confirm, not on completion")
	}
	f.presenter.waitResult(t)
}

func TestStreamingEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "a")
	ctx := context.Background()

	if err := f.orch.RequestExecution(ctx, "user-1", "tail -f app.log", ""); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := f.orch.Confirm(ctx, "user-1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	proc := f.dialer.conn("a").lastProc(t)
	proc.emit(sshpool.EventStdout, "first line\n")

	// Wait for at least one throttled progress emission.
	deadline := time.Now().Add(2 * time.Second)
	for f.presenter.progressCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.presenter.progressCount() == 0 {
		t.Fatalf("no progress event emitted")
	}

	proc.emit(sshpool.EventStdout, "second line\n")
	proc.finish(0)

	res := f.presenter.waitResult(t)
	if !res.Streamed || res.ExitCode != 0 {
		t.Fatalf("result = %+v", res)
	}
	if res.Stdout != "first line\nsecond line\n" {
		t.Fatalf("accumulated output = %q", res.Stdout)
	}
	if streams := f.orch.Sessions().Get("user-1").activeStreams(); len(streams) != 0 {
		t.Fatalf("handle not removed from active set: %v", streams)
	}
}

func TestProgressEmissionIsThrottled(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "a")
	ctx := context.Background()

	if err := f.orch.RequestExecution(ctx, "user-1", "tail -f app.log", ""); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := f.orch.Confirm(ctx, "user-1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	proc := f.dialer.conn("a").lastProc(t)

	// Blast chunks far faster than the 20ms interval for several
	// intervals; emission count must track wall time, not chunk rate.
	start := time.Now()
	for i := 0; i < 60; i++ {
		proc.emit(sshpool.EventStdout, "chunk\n")
		time.Sleep(2 * time.Millisecond)
	}
	proc.finish(0)
	f.presenter.waitResult(t)
	elapsed := time.Since(start)

	got := f.presenter.progressCount()
	allowed := int(elapsed/(20*time.Millisecond)) + 2
	if got > allowed {
		t.Fatalf("progress events = %d in %v, want at most %d", got, elapsed, allowed)
	}
	if got < 2 {
		t.Fatalf("progress events = %d, want the throttled cadence to fire repeatedly", got)
	}
}

func TestCancelStreamingEmitsSingleTerminalEvent(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "a")
	ctx := context.Background()

	if err := f.orch.RequestExecution(ctx, "user-1", "tail -f app.log", ""); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := f.orch.Confirm(ctx, "user-1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	f.dialer.conn("a").lastProc(t)

	sess := f.orch.Sessions().Get("user-1")
	var handleID string
	for id := range sess.activeStreams() {
		handleID = id
	}
	if handleID == "" {
		t.Fatalf("no active stream registered")
	}

	if err := f.orch.CancelStreaming("user-1", handleID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	select {
	case got := <-f.presenter.cancelled:
		if got != handleID {
			t.Fatalf("cancelled handle = %q, want %q", got, handleID)
		}
	case <-time.After(time.Second):
		t.Fatalf("cancelled event never arrived")
	}

	// Cancelling again is a safe no-op with no duplicate terminal event.
	if err := f.orch.CancelStreaming("user-1", handleID); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	select {
	case got := <-f.presenter.cancelled:
		t.Fatalf("duplicate cancelled event for %q", got)
	case res := <-f.presenter.results:
		t.Fatalf("unexpected result event after cancel: %+v", res)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStreamingCapEnforced(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "a")
	ctx := context.Background()

	for i := 0; i < defaultMaxStreams; i++ {
		if err := f.orch.RequestExecution(ctx, "user-1", "tail -f app.log", ""); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		// History dedup means the same command only records once; the
		// confirmation is still created each time.
		if err := f.orch.Confirm(ctx, "user-1"); err != nil {
			t.Fatalf("confirm %d: %v", i, err)
		}
	}
	if err := f.orch.RequestExecution(ctx, "user-1", "tail -f other.log", ""); err != nil {
		t.Fatalf("request over cap: %v", err)
	}
	if err := f.orch.Confirm(ctx, "user-1"); !errors.Is(err, ErrTooManyStreams) {
		t.Fatalf("expected ErrTooManyStreams, got %v", err)
	}
}

func TestExplicitServerWinsOverActive(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "a")
	f.connect(t, "b")
	sess := f.orch.Sessions().Get("user-1")
	sess.setActiveServer("a")

	if err := f.orch.RequestExecution(context.Background(), "user-1", "uptime", "b"); err != nil {
		t.Fatalf("request: %v", err)
	}
	conf := sess.Pending()
	if conf == nil || conf.ServerID != "b" {
		t.Fatalf("pending = %+v, want server b", conf)
	}
}

func TestConnectDirectiveSetsActiveServer(t *testing.T) {
	f := newFixture(t)
	if err := f.orch.HandleMessage(context.Background(), "user-1", "/connect Server A"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := f.orch.Sessions().Get("user-1").ActiveServer(); got != "a" {
		t.Fatalf("active server = %q", got)
	}
	if !f.pool.IsConnected("a") {
		t.Fatalf("pool should hold a live session")
	}
}
