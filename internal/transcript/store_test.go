package transcript

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	meta := Meta{
		HandleID:    "abc-123",
		RequesterID: "user-1",
		ServerID:    "web-1",
		Command:     "tail -f app.log",
		ExitCode:    0,
		StartedAt:   time.Now().Truncate(time.Second),
		Elapsed:     3 * time.Second,
	}
	output := bytes.Repeat([]byte("line of log output\n"), 500)
	if err := s.Save(meta, output); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, data, err := s.Load("abc-123")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Command != meta.Command || got.ExitCode != meta.ExitCode {
		t.Fatalf("meta mismatch: %+v", got)
	}
	if !bytes.Equal(data, output) {
		t.Fatalf("output mismatch: %d bytes vs %d", len(data), len(output))
	}
}

func TestSaveRejectsBadHandleID(t *testing.T) {
	s := New(t.TempDir())
	err := s.Save(Meta{HandleID: "../escape"}, nil)
	if err == nil || !strings.Contains(err.Error(), "invalid handle id") {
		t.Fatalf("expected invalid handle id error, got %v", err)
	}
}

func TestListEmptyDir(t *testing.T) {
	s := New(t.TempDir() + "/missing")
	metas, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(metas) != 0 {
		t.Fatalf("expected no transcripts, got %d", len(metas))
	}
}

func TestListReturnsSaved(t *testing.T) {
	s := New(t.TempDir())
	for _, id := range []string{"h1", "h2"} {
		if err := s.Save(Meta{HandleID: id, Command: "uptime"}, []byte("ok")); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	metas, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(metas) != 2 {
		t.Fatalf("expected 2 transcripts, got %d", len(metas))
	}
}
