package sshpool

import (
	"errors"
	"net"
	"os"
	"strings"
	"syscall"
)

// ConnectErrorKind classifies connection failures for user-facing
// reporting.
type ConnectErrorKind int

const (
	ConnectOther ConnectErrorKind = iota
	ConnectAuthFailed
	ConnectUnreachable
	ConnectTimeout
	ConnectHostNotFound
	ConnectReset
)

// ConnectError wraps a dial failure with its classification.
type ConnectError struct {
	Kind ConnectErrorKind
	Err  error
}

func (e *ConnectError) Error() string { return e.Err.Error() }
func (e *ConnectError) Unwrap() error { return e.Err }

func classifyConnectError(err error) error {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return err
	}
	return &ConnectError{Kind: connectKind(err), Err: err}
}

func connectKind(err error) ConnectErrorKind {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ConnectHostNotFound
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ConnectTimeout
	}
	if os.IsTimeout(err) {
		return ConnectTimeout
	}
	switch {
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return ConnectUnreachable
	case errors.Is(err, syscall.ECONNRESET):
		return ConnectReset
	}
	// x/crypto/ssh reports handshake auth failures as plain errors.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unable to authenticate"), strings.Contains(msg, "auth"):
		return ConnectAuthFailed
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return ConnectTimeout
	case strings.Contains(msg, "no such host"):
		return ConnectHostNotFound
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "unreachable"):
		return ConnectUnreachable
	case strings.Contains(msg, "connection reset"):
		return ConnectReset
	}
	return ConnectOther
}
