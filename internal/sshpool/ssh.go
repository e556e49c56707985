package sshpool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/antonkrylov/shellbridge/internal/registry"
)

// SSHDialer dials real SSH sessions with the credentials from the
// registry entry.
type SSHDialer struct {
	// Timeout bounds the TCP dial and SSH handshake. Zero means 15s.
	Timeout time.Duration
}

func (d SSHDialer) Dial(ctx context.Context, srv registry.Server) (Conn, error) {
	auth, err := authMethods(srv)
	if err != nil {
		return nil, err
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	cfg := &ssh.ClientConfig{
		User: srv.User,
		Auth: auth,
		// Hosts are operator-registered; host key pinning is tracked
		// separately in the registry format.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	dialer := net.Dialer{Timeout: timeout}
	raw, err := dialer.DialContext(ctx, "tcp", srv.Addr())
	if err != nil {
		return nil, err
	}
	conn, chans, reqs, err := ssh.NewClientConn(raw, srv.Addr(), cfg)
	if err != nil {
		raw.Close()
		return nil, err
	}
	return &sshConn{client: ssh.NewClient(conn, chans, reqs)}, nil
}

func authMethods(srv registry.Server) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if srv.Password != "" {
		methods = append(methods, ssh.Password(srv.Password))
	}
	if srv.PrivateKeyPath != "" {
		key, err := os.ReadFile(srv.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("server %s: no password or private key configured", srv.ID)
	}
	return methods, nil
}

type sshConn struct {
	client *ssh.Client
}

func (c *sshConn) Close() error { return c.client.Close() }

func (c *sshConn) Run(ctx context.Context, command string) (Output, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return Output{}, err
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		sess.Close()
		<-done
		return Output{}, ctx.Err()
	case err = <-done:
	}

	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			// Nonzero remote exit status is data, not a transport
			// failure.
			out.ExitCode = exitErr.ExitStatus()
			return out, nil
		}
		var missing *ssh.ExitMissingError
		if errors.As(err, &missing) {
			out.ExitCode = CancelledExitCode
			return out, nil
		}
		return Output{}, err
	}
	return out, nil
}

func (c *sshConn) Start(ctx context.Context, command string) (Process, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, err
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return nil, err
	}
	if err := sess.Start(command); err != nil {
		sess.Close()
		return nil, err
	}

	p := &sshProcess{
		sess:   sess,
		events: make(chan Event, 64),
	}
	var readers sync.WaitGroup
	readers.Add(2)
	go p.pump(stdout, EventStdout, &readers)
	go p.pump(stderr, EventStderr, &readers)
	go p.wait(&readers)
	return p, nil
}

type sshProcess struct {
	sess   *ssh.Session
	events chan Event

	killMu sync.Mutex
	killed bool
}

func (p *sshProcess) Events() <-chan Event { return p.events }

func (p *sshProcess) Kill() {
	p.killMu.Lock()
	already := p.killed
	p.killed = true
	p.killMu.Unlock()
	if already {
		return
	}
	_ = p.sess.Signal(ssh.SIGKILL)
	p.sess.Close()
}

func (p *sshProcess) pump(r io.Reader, kind EventKind, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			p.events <- Event{Kind: kind, Data: data}
		}
		if err != nil {
			return
		}
	}
}

// wait emits the close event exactly once, after both output pumps have
// drained, then closes the event channel.
func (p *sshProcess) wait(readers *sync.WaitGroup) {
	err := p.sess.Wait()
	readers.Wait()

	code := 0
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitStatus()
		} else {
			code = CancelledExitCode
		}
	}
	p.events <- Event{Kind: EventClose, ExitCode: code}
	close(p.events)
	p.sess.Close()
}
