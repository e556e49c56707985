package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/shellbridge/internal/audit"
	"github.com/antonkrylov/shellbridge/internal/classify"
	"github.com/antonkrylov/shellbridge/internal/gateway"
	"github.com/antonkrylov/shellbridge/internal/orchestrator"
	"github.com/antonkrylov/shellbridge/internal/registry"
	"github.com/antonkrylov/shellbridge/internal/sshpool"
	"github.com/antonkrylov/shellbridge/internal/suggest"
	"github.com/antonkrylov/shellbridge/internal/transcript"
)

var (
	version   = "dev"
	commit    = ""
	buildTime = ""
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func (r *rootOptions) logger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(r.logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		log.Printf("unknown --log-level=%q (expected debug|info|warn|error); defaulting to info", r.logLevel)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func (r *rootOptions) loadRegistry() (*registry.Registry, error) {
	path := r.configPath
	if path == "" {
		path = registry.DefaultPath()
	}
	return registry.Load(path)
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:     "shellbridge",
		Short:   "Conversational remote command execution over SSH",
		Version: buildVersion(),
	}
	defaultConfig := os.Getenv("SHELLBRIDGE_CONFIG")
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfig, "path to the server registry file (default $HOME/.shellbridge/servers.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug|info|warn|error")

	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newExecCmd(opts))
	rootCmd.AddCommand(newServersCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		var ec exitCodeError
		if errors.As(err, &ec) {
			os.Exit(ec.code)
		}
		log.Fatal(err)
	}
}

func buildVersion() string {
	v := version
	if commit != "" {
		v += " (" + commit + ")"
	}
	if buildTime != "" {
		v += " built " + buildTime
	}
	return v
}

type serveFlags struct {
	listen         string
	token          string
	transcriptsDir string
	auditURL       string
	auditUser      string
	auditPassword  string
	maxStreams     int
	noAutoConnect  bool
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.listen, "listen", "127.0.0.1:8750", "listen address for the websocket gateway")
	cmd.Flags().StringVar(&opts.token, "token", os.Getenv("SHELLBRIDGE_TOKEN"), "bearer token required from clients (empty disables auth)")
	cmd.Flags().StringVar(&opts.transcriptsDir, "transcripts-dir", "", "directory for streaming transcripts (default $HOME/.shellbridge/transcripts; empty with no HOME disables)")
	cmd.Flags().StringVar(&opts.auditURL, "audit-url", os.Getenv("SHELLBRIDGE_AUDIT_URL"), "NATS URL for the audit trail (empty disables)")
	cmd.Flags().StringVar(&opts.auditUser, "audit-user", os.Getenv("SHELLBRIDGE_AUDIT_USER"), "NATS user for the audit trail")
	cmd.Flags().StringVar(&opts.auditPassword, "audit-password", os.Getenv("SHELLBRIDGE_AUDIT_PASSWORD"), "NATS password for the audit trail")
	cmd.Flags().IntVar(&opts.maxStreams, "max-streams", 0, "max concurrent streaming commands per requester (0 uses the default of 5)")
	cmd.Flags().BoolVar(&opts.noAutoConnect, "no-auto-connect", false, "skip connecting to the default server at startup")
	return cmd
}

func runServe(root *rootOptions, opts *serveFlags) error {
	logger := root.logger()

	reg, err := root.loadRegistry()
	if err != nil {
		return err
	}

	pool := sshpool.New(sshpool.SSHDialer{}, logger)
	defer pool.Close()

	engine := suggestEngine(logger)
	classifier := classify.New(engine, logger)

	var transcripts *transcript.Store
	if dir := transcriptsDir(opts.transcriptsDir); dir != "" {
		transcripts = transcript.New(dir)
	} else {
		logger.Warn("transcripts disabled: no directory available")
	}

	recorder, err := audit.New(audit.Options{
		URL:      opts.auditURL,
		User:     opts.auditUser,
		Password: opts.auditPassword,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer recorder.Close()

	hub := gateway.NewHub(logger)
	orch := orchestrator.New(orchestrator.Options{
		Pool:        pool,
		Registry:    reg,
		Classifier:  classifier,
		Sessions:    orchestrator.NewSessionStore(),
		Presenter:   hub,
		Transcripts: transcripts,
		Audit:       recorder,
		Logger:      logger,
		MaxStreams:  opts.maxStreams,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if !opts.noAutoConnect {
		if srv, ok := reg.DefaultServer(); ok {
			if err := pool.Connect(ctx, srv); err != nil {
				logger.Warn("default server connect failed", "server", srv.ID, "err", err)
			} else {
				logger.Info("connected to default server", "server", srv.ID, "addr", srv.Addr())
			}
		}
	}

	srv := &gateway.Server{Hub: hub, Orch: orch, Token: opts.token, Log: logger}
	httpSrv := &http.Server{Addr: opts.listen, Handler: srv.Router()}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", opts.listen, "version", buildVersion())
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = httpSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// suggestEngine builds the optional LLM engine. A disabled client comes
// back as a typed nil pointer; returning it inside the interface would
// make nil checks lie downstream, hence the explicit indirection.
func suggestEngine(logger *slog.Logger) suggest.Engine {
	client, err := suggest.NewClient(suggest.FromEnv())
	if err != nil {
		logger.Warn("command suggestion disabled", "err", err)
		return nil
	}
	if client == nil {
		return nil
	}
	return client
}

func transcriptsDir(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.shellbridge/transcripts"
}
