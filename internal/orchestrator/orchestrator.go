// Package orchestrator coordinates command confirmation, dispatch, and
// streaming output delivery for every requester.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/antonkrylov/shellbridge/internal/audit"
	"github.com/antonkrylov/shellbridge/internal/classify"
	"github.com/antonkrylov/shellbridge/internal/registry"
	"github.com/antonkrylov/shellbridge/internal/sshpool"
	"github.com/antonkrylov/shellbridge/internal/transcript"
)

const (
	defaultMaxStreams       = 5
	defaultProgressInterval = 2 * time.Second
	defaultOutputWindow     = 2000
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Options wires the orchestrator's collaborators. Pool, Registry,
// Classifier, Sessions and Presenter are required; the rest are optional.
type Options struct {
	Pool       *sshpool.Pool
	Registry   *registry.Registry
	Classifier *classify.Classifier
	Sessions   *SessionStore
	Presenter  Presenter

	Transcripts *transcript.Store
	Audit       *audit.Recorder
	Logger      *slog.Logger

	// MaxStreams caps concurrent streaming commands per requester.
	// Zero means the default of 5; negative disables the cap.
	MaxStreams int

	// ProgressInterval is the minimum spacing between progress events
	// for one streaming command. Zero means 2s.
	ProgressInterval time.Duration

	// OutputWindow caps the displayed output in bytes. Zero means 2000.
	OutputWindow int
}

// Orchestrator is the coordinating core: it accepts resolved command
// requests, gates them behind confirmations, and dispatches one-shot or
// streaming executions against the pool.
type Orchestrator struct {
	pool       *sshpool.Pool
	registry   *registry.Registry
	classifier *classify.Classifier
	sessions   *SessionStore
	presenter  Presenter

	transcripts *transcript.Store
	auditor     *audit.Recorder
	log         *slog.Logger

	maxStreams       int
	progressInterval time.Duration
	outputWindow     int
}

// New builds an Orchestrator from Options.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		pool:             opts.Pool,
		registry:         opts.Registry,
		classifier:       opts.Classifier,
		sessions:         opts.Sessions,
		presenter:        opts.Presenter,
		transcripts:      opts.Transcripts,
		auditor:          opts.Audit,
		log:              opts.Logger,
		maxStreams:       opts.MaxStreams,
		progressInterval: opts.ProgressInterval,
		outputWindow:     opts.OutputWindow,
	}
	if o.log == nil {
		o.log = discardLogger
	}
	if o.maxStreams == 0 {
		o.maxStreams = defaultMaxStreams
	}
	if o.maxStreams < 0 {
		o.maxStreams = 0
	}
	if o.progressInterval <= 0 {
		o.progressInterval = defaultProgressInterval
	}
	if o.outputWindow <= 0 {
		o.outputWindow = defaultOutputWindow
	}
	return o
}

// Sessions exposes the session store for front-end adapters.
func (o *Orchestrator) Sessions() *SessionStore { return o.sessions }

// HandleMessage classifies inbound text and routes it: directives are
// handled in place, resolved commands become confirmation requests, and
// unknown text gets a guidance notice. Events for a single requester must
// be delivered in arrival order.
func (o *Orchestrator) HandleMessage(ctx context.Context, requesterID, text string) error {
	sess := o.sessions.Get(requesterID)
	sess.touch()

	res := o.classifier.Resolve(ctx, text)
	switch res.Kind {
	case classify.KindSystem:
		return o.handleDirective(ctx, sess, res.Directive, res.Args)
	case classify.KindExplicit, classify.KindIntent:
		if res.Suggestion != nil && res.Suggestion.Explanation != "" {
			o.presenter.PresentNotice(requesterID, fmt.Sprintf(
				"Suggested for %q: %s (%s, confidence %.0f%%)",
				res.Intent, strings.Join(res.Suggestion.Commands, ", "),
				res.Suggestion.Category, res.Suggestion.Confidence*100,
			))
		}
		return o.RequestExecution(ctx, requesterID, res.Command, "")
	default:
		o.presenter.PresentNotice(requesterID,
			"Not sure what you mean. Try a command like `ls -la`, quote one like \"df -h\", or ask for /help.")
		return nil
	}
}

// RequestExecution resolves a target server, records history, and
// replaces the requester's pending confirmation with one for command.
// With no active and no resolvable server it emits a server choice and
// fails with ErrNoServerAvailable; no confirmation is created.
func (o *Orchestrator) RequestExecution(ctx context.Context, requesterID, command, serverID string) error {
	sess := o.sessions.Get(requesterID)
	sess.touch()

	target := serverID
	if target == "" {
		target = sess.ActiveServer()
	}
	if target == "" {
		connected := o.pool.Connected()
		if len(connected) == 1 {
			target = connected[0]
			sess.setActiveServer(target)
		}
	}
	if target == "" {
		o.presenter.PresentServerChoice(requesterID, o.serverChoices())
		return ErrNoServerAvailable
	}

	sess.appendHistory(command)
	conf := &Confirmation{
		RequesterID: requesterID,
		Command:     command,
		ServerID:    target,
		CreatedAt:   time.Now(),
	}
	sess.setPending(conf)
	o.presenter.PresentConfirmationRequest(requesterID, command, o.serverName(target))
	return nil
}

// Confirm consumes the pending confirmation and dispatches it. The
// confirmation is cleared before execution finishes so a new command can
// be requested while this one runs.
func (o *Orchestrator) Confirm(ctx context.Context, requesterID string) error {
	sess := o.sessions.Get(requesterID)
	sess.touch()

	conf := sess.takePending()
	if conf == nil {
		o.presenter.PresentNotice(requesterID, "Nothing to confirm.")
		return ErrNoPendingConfirmation
	}

	if isStreamingCommand(conf.Command) {
		return o.dispatchStreaming(ctx, sess, conf)
	}
	go o.dispatchOneShot(ctx, sess, conf)
	return nil
}

// Cancel discards the pending confirmation. Reported as a no-op when
// nothing is pending.
func (o *Orchestrator) Cancel(requesterID string) error {
	sess := o.sessions.Get(requesterID)
	sess.touch()

	if sess.takePending() == nil {
		o.presenter.PresentNotice(requesterID, "No pending operations to cancel.")
		return ErrNoPendingConfirmation
	}
	o.presenter.PresentNotice(requesterID, "Pending command cancelled.")
	return nil
}

// Modify discards the pending confirmation and prompts for replacement
// text; the next resolved command becomes the new confirmation.
func (o *Orchestrator) Modify(requesterID string) error {
	sess := o.sessions.Get(requesterID)
	conf := sess.takePending()
	if conf == nil {
		o.presenter.PresentNotice(requesterID, "Nothing to modify.")
		return ErrNoPendingConfirmation
	}
	o.presenter.PresentNotice(requesterID, fmt.Sprintf("Send the modified command. Current: %s", conf.Command))
	return nil
}

// CancelStreaming cancels one streaming command by handle id. The caller
// that wins the active-set removal emits the Cancelled event, so
// cancelling an already-closed handle is a safe no-op.
func (o *Orchestrator) CancelStreaming(requesterID, handleID string) error {
	sess := o.sessions.Get(requesterID)
	st, won := sess.removeStream(handleID)
	if !won {
		o.presenter.PresentNotice(requesterID, "That command already finished.")
		return nil
	}
	st.handle.Cancel()
	o.presenter.PresentCancelled(requesterID, handleID, time.Since(st.startedAt))
	o.log.Info("streaming command cancelled", "requester", requesterID, "handle", handleID)
	return nil
}

// CancelAllStreaming cancels every in-flight streaming command for the
// requester.
func (o *Orchestrator) CancelAllStreaming(requesterID string) error {
	sess := o.sessions.Get(requesterID)
	streams := sess.activeStreams()
	if len(streams) == 0 {
		o.presenter.PresentNotice(requesterID, "No streaming commands are running.")
		return ErrNoActiveStreams
	}
	for id := range streams {
		// Individual handles may have closed since the snapshot; each
		// cancel is independently a safe no-op then.
		_ = o.CancelStreaming(requesterID, id)
	}
	return nil
}

// ConnectServer connects the requester to a registered server and makes
// it their active server.
func (o *Orchestrator) ConnectServer(ctx context.Context, requesterID, idOrName string) error {
	sess := o.sessions.Get(requesterID)
	srv, err := o.registry.Resolve(idOrName)
	if err != nil {
		o.presenter.PresentError(requesterID, fmt.Sprintf("Server not found: %s", idOrName))
		return err
	}
	if !srv.Enabled {
		o.presenter.PresentError(requesterID, fmt.Sprintf("Server %s is disabled.", srv.Name))
		return fmt.Errorf("server %s is disabled", srv.ID)
	}
	if err := o.pool.Connect(ctx, srv); err != nil {
		o.presenter.PresentError(requesterID, userMessage(err))
		return err
	}
	sess.setActiveServer(srv.ID)
	o.presenter.PresentNotice(requesterID, fmt.Sprintf("Connected to %s. Ready to execute commands.", o.serverName(srv.ID)))
	return nil
}

// DisconnectServer drops the requester's active server connection.
func (o *Orchestrator) DisconnectServer(requesterID string) error {
	sess := o.sessions.Get(requesterID)
	active := sess.ActiveServer()
	if active == "" {
		o.presenter.PresentNotice(requesterID, "No active server connection.")
		return nil
	}
	name := o.serverName(active)
	sess.setActiveServer("")
	if err := o.pool.Disconnect(active); err != nil {
		o.presenter.PresentError(requesterID, userMessage(err))
		return err
	}
	o.presenter.PresentNotice(requesterID, fmt.Sprintf("Disconnected from %s.", name))
	return nil
}

func (o *Orchestrator) handleDirective(ctx context.Context, sess *UserSession, directive, args string) error {
	requesterID := sess.ID
	switch directive {
	case "/start", "/help":
		o.presenter.PresentNotice(requesterID, helpText)
	case "/servers":
		o.presenter.PresentServerChoice(requesterID, o.serverChoices())
	case "/connect":
		if args == "" {
			o.presenter.PresentServerChoice(requesterID, o.serverChoices())
			return nil
		}
		return o.ConnectServer(ctx, requesterID, args)
	case "/disconnect":
		return o.DisconnectServer(requesterID)
	case "/status":
		o.presenter.PresentNotice(requesterID, o.statusText(sess))
	case "/cancel":
		// Cancel is always available as the escape from a pending
		// confirmation; treat the no-op case as informational.
		if err := o.Cancel(requesterID); errors.Is(err, ErrNoPendingConfirmation) {
			return nil
		}
	case "/history":
		history := sess.History()
		if len(history) == 0 {
			o.presenter.PresentNotice(requesterID, "No commands run yet. Try `ls -la` or `df -h`.")
			return nil
		}
		o.presenter.PresentNotice(requesterID, "Recent commands:\n"+strings.Join(history, "\n"))
	case "/stop":
		if err := o.CancelAllStreaming(requesterID); errors.Is(err, ErrNoActiveStreams) {
			return nil
		}
	case "/addserver", "/removeserver":
		o.presenter.PresentNotice(requesterID, "Server management runs through the setup flow or the registry file; finished entries appear under /servers.")
	}
	return nil
}

func (o *Orchestrator) dispatchOneShot(ctx context.Context, sess *UserSession, conf *Confirmation) {
	start := time.Now()
	out, err := o.pool.Execute(ctx, conf.ServerID, conf.Command)
	elapsed := time.Since(start)
	if err != nil {
		o.presenter.PresentError(sess.ID, userMessage(err))
		o.log.Warn("command failed", "requester", sess.ID, "server", conf.ServerID, "err", err)
		return
	}
	o.presenter.PresentResult(sess.ID, ExecResult{
		ServerID:   conf.ServerID,
		ServerName: o.serverName(conf.ServerID),
		Command:    conf.Command,
		Stdout:     out.Stdout,
		Stderr:     out.Stderr,
		ExitCode:   out.ExitCode,
		Elapsed:    elapsed,
	})
	o.recordAudit(sess.ID, conf, out.ExitCode, elapsed, false)
	o.log.Info("command finished", "requester", sess.ID, "server", conf.ServerID, "exitCode", out.ExitCode, "elapsed", elapsed)
}

func (o *Orchestrator) dispatchStreaming(ctx context.Context, sess *UserSession, conf *Confirmation) error {
	h, err := o.pool.ExecuteStreaming(ctx, conf.ServerID, conf.Command)
	if err != nil {
		o.presenter.PresentError(sess.ID, userMessage(err))
		return err
	}
	if err := sess.addStream(h, o.maxStreams); err != nil {
		h.Cancel()
		go drainHandle(h)
		o.presenter.PresentError(sess.ID, userMessage(err))
		return err
	}
	go o.pumpStream(sess, conf, h, o.serverName(conf.ServerID))
	return nil
}

// drainHandle consumes events of a handle rejected by the stream cap so
// its pump goroutines can exit.
func drainHandle(h *sshpool.Handle) {
	for range h.Events() {
	}
}

func (o *Orchestrator) serverName(id string) string {
	if srv, err := o.registry.Get(id); err == nil && srv.Name != "" {
		return srv.Name
	}
	return id
}

func (o *Orchestrator) serverChoices() []ServerChoice {
	servers := o.registry.List()
	out := make([]ServerChoice, 0, len(servers))
	for _, s := range servers {
		if !s.Enabled {
			continue
		}
		out = append(out, ServerChoice{
			ID:        s.ID,
			Name:      s.Name,
			Connected: o.pool.IsConnected(s.ID),
		})
	}
	return out
}

func (o *Orchestrator) statusText(sess *UserSession) string {
	var b strings.Builder
	connected := o.pool.Connected()
	if len(connected) == 0 {
		b.WriteString("No active connections.")
	} else {
		b.WriteString("Connected servers:")
		for _, id := range connected {
			b.WriteString("\n- " + o.serverName(id))
			if sess.ActiveServer() == id {
				b.WriteString(" (active)")
			}
		}
	}
	if conf := sess.Pending(); conf != nil {
		fmt.Fprintf(&b, "\nPending command: %s", conf.Command)
	}
	if streams := sess.activeStreams(); len(streams) > 0 {
		fmt.Fprintf(&b, "\nStreaming commands running: %d", len(streams))
	}
	return b.String()
}

func (o *Orchestrator) saveTranscript(requesterID string, conf *Confirmation, h *sshpool.Handle, output []byte, exitCode int, elapsed time.Duration) {
	if o.transcripts == nil {
		return
	}
	err := o.transcripts.Save(transcript.Meta{
		HandleID:    h.ID,
		RequesterID: requesterID,
		ServerID:    conf.ServerID,
		Command:     conf.Command,
		ExitCode:    exitCode,
		StartedAt:   h.StartedAt,
		Elapsed:     elapsed,
	}, output)
	if err != nil {
		o.log.Warn("saving transcript", "handle", h.ID, "err", err)
	}
}

func (o *Orchestrator) recordAudit(requesterID string, conf *Confirmation, exitCode int, elapsed time.Duration, streamed bool) {
	if o.auditor == nil {
		return
	}
	o.auditor.Record(audit.Entry{
		RequesterID: requesterID,
		ServerID:    conf.ServerID,
		Command:     conf.Command,
		ExitCode:    exitCode,
		Streamed:    streamed,
		StartedAt:   conf.CreatedAt,
		Elapsed:     elapsed,
	})
}

const helpText = `Available directives:
/servers - list registered servers
/connect <server> - connect to a server
/disconnect - disconnect from the active server
/status - show connection status
/history - show recent commands
/cancel - cancel the pending confirmation
/stop - stop running streaming commands

Send a shell command directly ("ls -la"), quote one ("df -h"), or
describe what you want ("show me the files"). Every command is confirmed
before it runs.`
