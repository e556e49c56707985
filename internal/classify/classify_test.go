package classify

import (
	"context"
	"errors"
	"testing"

	"github.com/antonkrylov/shellbridge/internal/suggest"
)

type stubEngine struct {
	suggestion *suggest.Suggestion
	err        error
	calls      int
}

func (s *stubEngine) Suggest(_ context.Context, _ string) (*suggest.Suggestion, error) {
	s.calls++
	return s.suggestion, s.err
}

func TestClassifyDirectives(t *testing.T) {
	c := New(nil, nil)
	res := c.Classify("/connect web-1")
	if res.Kind != KindSystem || res.Directive != "/connect" || res.Args != "web-1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res := c.Classify("/bogus"); res.Kind == KindSystem {
		t.Fatalf("unknown directive classified as system: %+v", res)
	}
}

func TestClassifyBareCommand(t *testing.T) {
	c := New(nil, nil)
	res := c.Classify("ls -la")
	if res.Kind != KindExplicit || res.Command != "ls -la" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestClassifyQuoted(t *testing.T) {
	c := New(nil, nil)
	for _, input := range []string{`"df -h"`, `'df -h'`, "please try `df -h` on the box"} {
		res := c.Classify(input)
		if res.Kind != KindExplicit || res.Command != "df -h" {
			t.Fatalf("Classify(%q) = %+v", input, res)
		}
	}
}

func TestClassifyImperative(t *testing.T) {
	c := New(nil, nil)
	res := c.Classify("run uptime")
	if res.Kind != KindExplicit || res.Command != "uptime" {
		t.Fatalf("unexpected result: %+v", res)
	}
	res = c.Classify("can you execute systemctl status nginx")
	if res.Kind != KindExplicit || res.Command != "systemctl status nginx" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestResolveFallbackTableWithoutEngine(t *testing.T) {
	c := New(nil, nil)
	res := c.Resolve(context.Background(), "show me the files")
	if res.Kind != KindIntent || res.Command != "ls -la" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestResolveFallbackMatchesWordsInOrder(t *testing.T) {
	c := New(nil, nil)
	cases := []struct {
		input string
		want  string
	}{
		{"show me the files", "ls -la"},
		{"list files", "ls -la"},
		{"list all the files here", "ls -la"},
		{"how much disk space is left?", "df -h"},
		{"who am i on this box", "whoami"},
		{"show the current date, thanks", "date"},
		{"files show", ""}, // out of order
		{"filesystem show", ""},
	}
	for _, tc := range cases {
		res := c.Resolve(context.Background(), tc.input)
		if res.Command != tc.want {
			t.Fatalf("Resolve(%q).Command = %q, want %q", tc.input, res.Command, tc.want)
		}
		if tc.want == "" && res.Kind != KindUnknown {
			t.Fatalf("Resolve(%q) should be unknown: %+v", tc.input, res)
		}
	}
}

func TestResolveUnknown(t *testing.T) {
	c := New(nil, nil)
	res := c.Resolve(context.Background(), "zzqx nonsense")
	if res.Kind != KindUnknown {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Intent != "zzqx nonsense" {
		t.Fatalf("intent not preserved: %+v", res)
	}
}

func TestResolvePrefersEngine(t *testing.T) {
	engine := &stubEngine{suggestion: &suggest.Suggestion{
		Commands:   []string{"du -sh /var/log", "df -h"},
		Confidence: 0.8,
		Category:   "files",
	}}
	c := New(engine, nil)
	res := c.Resolve(context.Background(), "what is eating my disk")
	if res.Kind != KindIntent || res.Command != "du -sh /var/log" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Suggestion == nil || len(res.Suggestion.Commands) != 2 {
		t.Fatalf("suggestion not carried: %+v", res)
	}
}

func TestResolveEngineFailureFallsBack(t *testing.T) {
	engine := &stubEngine{err: errors.New("quota exceeded")}
	c := New(engine, nil)
	res := c.Resolve(context.Background(), "show me the files please")
	if res.Command != "ls -la" {
		t.Fatalf("fallback did not apply: %+v", res)
	}
	if engine.calls != 1 {
		t.Fatalf("engine calls = %d", engine.calls)
	}
}

func TestResolveLeavesExplicitAlone(t *testing.T) {
	engine := &stubEngine{}
	c := New(engine, nil)
	res := c.Resolve(context.Background(), "ls -la")
	if res.Kind != KindExplicit || res.Command != "ls -la" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if engine.calls != 0 {
		t.Fatalf("engine should not be consulted for explicit commands")
	}
}
