// Package audit records every executed command, optionally mirrored to a
// NATS JetStream stream so the trail survives restarts.
package audit

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Entry is one executed command.
type Entry struct {
	ID          string        `json:"id"`
	RequesterID string        `json:"requesterId"`
	ServerID    string        `json:"serverId"`
	Command     string        `json:"command"`
	ExitCode    int           `json:"exitCode"`
	Streamed    bool          `json:"streamed"`
	StartedAt   time.Time     `json:"startedAt"`
	Elapsed     time.Duration `json:"elapsedNs"`
}

// Options configure the recorder's JetStream target.
type Options struct {
	URL      string
	User     string
	Password string

	Stream        string
	SubjectPrefix string
	MaxBytes      int64

	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.Stream == "" {
		o.Stream = "shellbridge_audit"
	}
	if o.SubjectPrefix == "" {
		o.SubjectPrefix = "shellbridge.audit"
	}
	if o.MaxBytes == 0 {
		o.MaxBytes = 1 * 1024 * 1024 * 1024 // 1GB
	}
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Recorder publishes audit entries. A nil *Recorder is a valid disabled
// recorder.
type Recorder struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	opts Options
	log  *slog.Logger
}

// New connects to NATS and ensures the audit stream exists. An empty URL
// yields (nil, nil): auditing disabled.
func New(opts Options) (*Recorder, error) {
	if opts.URL == "" {
		return nil, nil
	}
	cfg := opts
	cfg.setDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = discardLogger
	}

	natsOpts := []nats.Option{nats.Name("shellbridge-audit")}
	if cfg.User != "" {
		natsOpts = append(natsOpts, nats.UserInfo(cfg.User, cfg.Password))
	}
	conn, err := nats.Connect(cfg.URL, natsOpts...)
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, err
	}
	r := &Recorder{conn: conn, js: js, opts: cfg, log: logger}
	if err := r.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}
	return r, nil
}

func (r *Recorder) ensureStream() error {
	cfg := &nats.StreamConfig{
		Name:      r.opts.Stream,
		Subjects:  []string{r.opts.SubjectPrefix + ".>"},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxMsgs:   -1,
		MaxBytes:  r.opts.MaxBytes,
		Discard:   nats.DiscardOld,
	}
	if _, err := r.js.StreamInfo(cfg.Name); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			_, addErr := r.js.AddStream(cfg)
			return addErr
		}
		return err
	}
	_, err := r.js.UpdateStream(cfg)
	return err
}

// Record publishes one entry, best-effort: a failed publish is logged,
// never surfaced to the requester's flow.
func (r *Recorder) Record(e Entry) {
	if r == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		r.log.Warn("encoding audit entry", "err", err)
		return
	}
	subject := SubjectFor(r.opts.SubjectPrefix, e.ServerID)
	if _, err := r.js.Publish(subject, payload, nats.MsgId(e.ID)); err != nil {
		r.log.Warn("publishing audit entry", "subject", subject, "err", err)
	}
}

// Close drains the connection.
func (r *Recorder) Close() {
	if r == nil || r.conn == nil {
		return
	}
	r.conn.Drain()
	r.conn.Close()
}

// SubjectFor maps a server id onto an audit subject, replacing token
// separators NATS reserves.
func SubjectFor(prefix, serverID string) string {
	token := make([]rune, 0, len(serverID))
	for _, c := range serverID {
		switch c {
		case '.', '*', '>', ' ':
			token = append(token, '_')
		default:
			token = append(token, c)
		}
	}
	if len(token) == 0 {
		token = []rune{'_'}
	}
	return prefix + "." + string(token)
}
