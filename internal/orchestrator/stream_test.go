package orchestrator

import (
	"bytes"
	"strings"
	"testing"
)

func TestIsStreamingCommand(t *testing.T) {
	streaming := []string{
		"tail -f /var/log/app.log",
		"journalctl -f -u nginx",
		"docker logs -f web",
		"kubectl logs -f pod/api",
		"top",
		"htop",
		"watch df -h",
		"tcpdump -i eth0",
		"inotifywait -m /tmp",
		"ping 10.0.0.1",
		"nohup ./job.sh &",
		"./server &",
	}
	for _, cmd := range streaming {
		if !isStreamingCommand(cmd) {
			t.Fatalf("%q should classify as streaming", cmd)
		}
	}

	oneShot := []string{
		"ls -la",
		"df -h",
		"uptime",
		"ping -c 4 10.0.0.1",
		"cat /var/log/app.log",
		"grep error app.log",
		"systemctl status nginx",
	}
	for _, cmd := range oneShot {
		if isStreamingCommand(cmd) {
			t.Fatalf("%q should classify as one-shot", cmd)
		}
	}
}

func TestTailWindow(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(strings.Repeat("x", 50))
	buf.WriteString("tail-end")

	if got := tailWindow(&buf, 8); got != "tail-end" {
		t.Fatalf("window = %q", got)
	}
	if got := tailWindow(&buf, 10_000); len(got) != buf.Len() {
		t.Fatalf("short buffers must pass through whole, got %d bytes", len(got))
	}
	if got := tailWindow(&buf, 0); len(got) != buf.Len() {
		t.Fatalf("zero cap disables the window, got %d bytes", len(got))
	}
}
