package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/antonkrylov/shellbridge/internal/registry"
	"github.com/antonkrylov/shellbridge/internal/sshpool"
)

type execFlags struct {
	server       string
	timeout      time.Duration
	askPassword  bool
	printElapsed bool
}

func newExecCmd(root *rootOptions) *cobra.Command {
	opts := &execFlags{}
	cmd := &cobra.Command{
		Use:   "exec [flags] -- command [args...]",
		Short: "Run one command on a registered server and print its output",
		Args: cobra.MinimumNArgs(1),
		// The remote output already went to stdout/stderr; a nonzero
		// remote status must not trigger usage or error echo.
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(cmd.Context(), root, opts, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVar(&opts.server, "server", "", "server id or name (default: the registry's default server)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "abort the command after this duration (0 means no limit)")
	cmd.Flags().BoolVar(&opts.askPassword, "ask-password", false, "prompt for an SSH password even if the registry has credentials")
	cmd.Flags().BoolVar(&opts.printElapsed, "elapsed", false, "print elapsed time to stderr when the command finishes")
	return cmd
}

func runExec(ctx context.Context, root *rootOptions, opts *execFlags, command string) error {
	logger := root.logger()

	reg, err := root.loadRegistry()
	if err != nil {
		return err
	}
	srv, err := pickServer(reg, opts.server)
	if err != nil {
		return err
	}

	if opts.askPassword || (srv.Password == "" && srv.PrivateKeyPath == "") {
		password, err := promptPassword(srv)
		if err != nil {
			return err
		}
		srv.Password = password
	}

	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	pool := sshpool.New(sshpool.SSHDialer{}, logger)
	defer pool.Close()
	if err := pool.Connect(ctx, srv); err != nil {
		return fmt.Errorf("connect %s: %w", srv.Addr(), err)
	}

	started := time.Now()
	out, err := pool.Execute(ctx, srv.ID, command)
	if err != nil {
		return err
	}

	if out.Stdout != "" {
		fmt.Fprint(os.Stdout, out.Stdout)
	}
	if out.Stderr != "" {
		fmt.Fprint(os.Stderr, out.Stderr)
	}
	if opts.printElapsed {
		fmt.Fprintf(os.Stderr, "elapsed: %s\n", time.Since(started).Round(time.Millisecond))
	}
	if out.ExitCode != 0 {
		// Propagated as an error so deferred cleanup (pool teardown)
		// runs before main exits with the remote status.
		return exitCodeError{code: out.ExitCode}
	}
	return nil
}

// exitCodeError carries a remote exit status up to main, which exits the
// process with it after all defers have run.
type exitCodeError struct{ code int }

func (e exitCodeError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func pickServer(reg *registry.Registry, idOrName string) (registry.Server, error) {
	if idOrName != "" {
		return reg.Resolve(idOrName)
	}
	srv, ok := reg.DefaultServer()
	if !ok {
		return registry.Server{}, fmt.Errorf("no server given and no default server configured; use --server or mark one default")
	}
	return srv, nil
}

func promptPassword(srv registry.Server) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no credentials for %s and stdin is not a terminal", srv.ID)
	}
	fmt.Fprintf(os.Stderr, "password for %s@%s: ", srv.User, srv.Addr())
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
