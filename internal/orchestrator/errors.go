package orchestrator

import (
	"errors"
	"fmt"

	"github.com/antonkrylov/shellbridge/internal/sshpool"
)

var (
	// ErrNoServerAvailable means a command arrived with no active or
	// resolvable server; the requester is offered connection options.
	ErrNoServerAvailable = errors.New("no server available")

	// ErrNoPendingConfirmation marks Confirm/Cancel with nothing pending.
	ErrNoPendingConfirmation = errors.New("no pending confirmation")

	// ErrNoActiveStreams marks a streaming cancel with nothing running.
	ErrNoActiveStreams = errors.New("no active streaming commands")

	// ErrTooManyStreams enforces the per-requester streaming cap.
	ErrTooManyStreams = errors.New("too many concurrent streaming commands")
)

// userMessage renders an execution or connection failure as the single
// human-readable classification shown to the requester.
func userMessage(err error) string {
	var ce *sshpool.ConnectError
	if errors.As(err, &ce) {
		switch ce.Kind {
		case sshpool.ConnectAuthFailed:
			return "Authentication failed. Check the server's credentials."
		case sshpool.ConnectUnreachable:
			return "Connection refused or host unreachable. Is the server up?"
		case sshpool.ConnectTimeout:
			return "Connection timed out. The server might be unreachable."
		case sshpool.ConnectHostNotFound:
			return "Server not found. Check the hostname."
		case sshpool.ConnectReset:
			return "Connection reset by the server."
		}
		return fmt.Sprintf("Connection failed: %v", ce.Err)
	}
	if errors.Is(err, sshpool.ErrNotConnected) {
		return "Not connected to that server. Reconnect and try again."
	}
	if errors.Is(err, ErrTooManyStreams) {
		return "Too many streaming commands are already running. Stop one with /stop first."
	}
	return fmt.Sprintf("Command could not be started: %v. Try again or reconnect.", err)
}
