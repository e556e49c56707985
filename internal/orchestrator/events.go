package orchestrator

import "time"

// ExecResult describes a finished command, one-shot or streaming. A
// nonzero ExitCode still arrives here, not as an error.
type ExecResult struct {
	ServerID   string
	ServerName string
	Command    string
	Stdout     string
	Stderr     string
	ExitCode   int
	Elapsed    time.Duration

	// Streamed and HandleID are set for streaming commands; Stdout then
	// holds the windowed accumulated output.
	Streamed bool
	HandleID string
}

// ServerChoice is one selectable server offered when a command arrives
// with no usable connection.
type ServerChoice struct {
	ID        string
	Name      string
	Connected bool
}

// Presenter is the front end seen from the orchestrator. Implementations
// must be safe to call from any goroutine: progress events arrive on the
// stream pump, not on the requester's own handler.
type Presenter interface {
	PresentConfirmationRequest(requesterID, command, serverName string)
	PresentProgress(requesterID, handleID, windowedOutput string, elapsed time.Duration, updateCount int)
	PresentResult(requesterID string, res ExecResult)
	PresentError(requesterID, message string)
	PresentCancelled(requesterID, handleID string, elapsed time.Duration)

	// PresentNotice carries user-facing no-op notices and directive
	// replies.
	PresentNotice(requesterID, message string)

	// PresentServerChoice offers connection options when no server is
	// available for a command.
	PresentServerChoice(requesterID string, servers []ServerChoice)
}
