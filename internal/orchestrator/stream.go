package orchestrator

import (
	"bytes"
	"strings"
	"time"

	"github.com/antonkrylov/shellbridge/internal/sshpool"
)

// streamingIndicators mark commands expected to run long or produce
// output continuously: follow-mode tails, interactive monitors, packet
// capture, filesystem watches, background-and-detach.
var streamingIndicators = []string{
	"tail -f",
	"tail --follow",
	"journalctl -f",
	"docker logs -f",
	"docker logs --follow",
	"kubectl logs -f",
	"less +f",
	"watch ",
	"top",
	"htop",
	"iotop",
	"tcpdump",
	"inotifywait",
	"nohup ",
}

// isStreamingCommand classifies a confirmed command as streaming or
// one-shot.
func isStreamingCommand(command string) bool {
	lower := strings.ToLower(strings.TrimSpace(command))
	if strings.HasSuffix(lower, "&") {
		return true
	}
	for _, ind := range streamingIndicators {
		if strings.HasSuffix(ind, " ") {
			if strings.HasPrefix(lower, ind) || strings.Contains(lower, " "+ind) {
				return true
			}
			continue
		}
		if lower == ind || strings.HasPrefix(lower, ind+" ") || strings.Contains(lower, " "+ind) {
			return true
		}
	}
	// ping without a count flag never terminates on its own.
	if strings.HasPrefix(lower, "ping") && !strings.Contains(lower, "-c") {
		return true
	}
	return false
}

// tailWindow returns the last max bytes of buf as a string.
func tailWindow(buf *bytes.Buffer, max int) string {
	b := buf.Bytes()
	if max > 0 && len(b) > max {
		b = b[len(b)-max:]
	}
	return string(b)
}

// pumpStream consumes a streaming command's event sequence: accumulates
// output, emits throttled progress, and delivers the single terminal
// event if the active-set removal is won here (a concurrent cancel wins
// it otherwise).
func (o *Orchestrator) pumpStream(sess *UserSession, conf *Confirmation, h *sshpool.Handle, serverName string) {
	var full bytes.Buffer
	updates := 0
	dirty := false

	ticker := time.NewTicker(o.progressInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-h.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case sshpool.EventStdout, sshpool.EventStderr:
				full.Write(ev.Data)
				dirty = true
			case sshpool.EventClose:
				o.finishStream(sess, conf, h, serverName, &full, ev.ExitCode)
			}
		case <-ticker.C:
			if !dirty {
				continue
			}
			dirty = false
			updates++
			o.presenter.PresentProgress(
				sess.ID, h.ID,
				tailWindow(&full, o.outputWindow),
				time.Since(h.StartedAt),
				updates,
			)
		}
	}
}

func (o *Orchestrator) finishStream(sess *UserSession, conf *Confirmation, h *sshpool.Handle, serverName string, full *bytes.Buffer, exitCode int) {
	elapsed := time.Since(h.StartedAt)
	_, won := sess.removeStream(h.ID)
	if !won {
		// A concurrent cancel already emitted the terminal event.
		return
	}

	if h.Cancelled() {
		o.presenter.PresentCancelled(sess.ID, h.ID, elapsed)
	} else {
		o.presenter.PresentResult(sess.ID, ExecResult{
			ServerID:   conf.ServerID,
			ServerName: serverName,
			Command:    conf.Command,
			Stdout:     tailWindow(full, o.outputWindow),
			ExitCode:   exitCode,
			Elapsed:    elapsed,
			Streamed:   true,
			HandleID:   h.ID,
		})
	}

	o.saveTranscript(sess.ID, conf, h, full.Bytes(), exitCode, elapsed)
	o.recordAudit(sess.ID, conf, exitCode, elapsed, true)
	o.log.Info("streaming command finished",
		"requester", sess.ID, "server", conf.ServerID,
		"handle", h.ID, "exitCode", exitCode, "cancelled", h.Cancelled(),
	)
}
