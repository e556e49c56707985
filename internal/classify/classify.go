// Package classify turns inbound free text into a system directive, an
// explicit shell command, or an intent to resolve via the suggestion
// engine.
package classify

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/antonkrylov/shellbridge/internal/suggest"
)

// Kind discriminates classification results.
type Kind int

const (
	// KindUnknown means nothing matched and no fallback applied.
	KindUnknown Kind = iota
	// KindSystem is a recognized directive like /servers.
	KindSystem
	// KindExplicit is a shell command to confirm and execute verbatim.
	KindExplicit
	// KindIntent is free text for the suggestion engine.
	KindIntent
)

// Result is the outcome of classifying one message.
type Result struct {
	Kind Kind

	// Directive and Args are set for KindSystem.
	Directive string
	Args      string

	// Command is set for KindExplicit, and for a KindIntent that the
	// deterministic fallback table resolved.
	Command string

	// Intent carries the raw text for KindIntent and KindUnknown.
	Intent string

	// Suggestion is set when the engine resolved the intent.
	Suggestion *suggest.Suggestion
}

var directives = map[string]struct{}{
	"/start":        {},
	"/help":         {},
	"/servers":      {},
	"/connect":      {},
	"/disconnect":   {},
	"/addserver":    {},
	"/removeserver": {},
	"/status":       {},
	"/cancel":       {},
	"/history":      {},
	"/stop":         {},
}

var (
	reQuoted    = regexp.MustCompile("[\"'`](.+?)[\"'`]")
	reImper     = regexp.MustCompile(`(?i)(?:please\s+)?(?:can you\s+)?(?:run|execute|exec)\s+(.+)`)
	reBareKnown = regexp.MustCompile(`(?i)^(ls|pwd|whoami|df|ps|top|free|uptime|date|uname)(\s.*)?$`)
)

// fallbackTable resolves common phrasings deterministically when no
// suggestion engine is available. Keys match when their words all appear
// in the message in order, so filler like "show me the files" still hits
// "show files". First match wins.
var fallbackTable = []struct {
	phrase  string
	command string
}{
	{"list files", "ls -la"},
	{"show files", "ls -la"},
	{"current directory", "pwd"},
	{"who am i", "whoami"},
	{"disk space", "df -h"},
	{"memory usage", "free -h"},
	{"running processes", "ps aux"},
	{"system info", "uname -a"},
	{"network connections", "netstat -tuln"},
	{"check internet", "ping -c 4 google.com"},
	{"show date", "date"},
	{"show time", "date"},
	{"cpu usage", "top -b -n 1"},
}

// phraseInOrder reports whether every word of phrase appears in words in
// the same order, not necessarily adjacent.
func phraseInOrder(words []string, phrase string) bool {
	need := strings.Fields(phrase)
	i := 0
	for _, w := range words {
		if i < len(need) && w == need[i] {
			i++
		}
	}
	return i == len(need)
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Classifier applies the layered resolution order: directive, quoted or
// backticked segment, imperative pattern, bare known-safe command, then
// intent.
type Classifier struct {
	engine suggest.Engine
	log    *slog.Logger
}

// New builds a Classifier. A nil engine disables generative suggestions;
// the deterministic table still applies.
func New(engine suggest.Engine, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = discardLogger
	}
	return &Classifier{engine: engine, log: logger}
}

// Classify applies the syntactic rules only; it never consults the
// suggestion engine.
func (c *Classifier) Classify(text string) Result {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Result{Kind: KindUnknown}
	}

	if strings.HasPrefix(trimmed, "/") {
		fields := strings.SplitN(trimmed, " ", 2)
		name := strings.ToLower(fields[0])
		if _, ok := directives[name]; ok {
			args := ""
			if len(fields) == 2 {
				args = strings.TrimSpace(fields[1])
			}
			return Result{Kind: KindSystem, Directive: name, Args: args}
		}
	}

	if m := reQuoted.FindStringSubmatch(trimmed); m != nil {
		return Result{Kind: KindExplicit, Command: strings.TrimSpace(m[1])}
	}
	if m := reImper.FindStringSubmatch(trimmed); m != nil {
		return Result{Kind: KindExplicit, Command: strings.TrimSpace(m[1])}
	}
	if reBareKnown.MatchString(trimmed) {
		return Result{Kind: KindExplicit, Command: trimmed}
	}

	return Result{Kind: KindIntent, Intent: trimmed}
}

// Resolve classifies and, for intents, degrades gracefully: suggestion
// engine first, deterministic table second, Unknown last. Engine failures
// are logged and never surfaced.
func (c *Classifier) Resolve(ctx context.Context, text string) Result {
	res := c.Classify(text)
	if res.Kind != KindIntent {
		return res
	}

	if c.engine != nil {
		s, err := c.engine.Suggest(ctx, res.Intent)
		if err != nil {
			c.log.Debug("suggestion engine unavailable", "err", err)
		} else if s != nil && len(s.Commands) > 0 {
			res.Suggestion = s
			res.Command = s.Commands[0]
			return res
		}
	}

	words := strings.Fields(strings.ToLower(res.Intent))
	for i := range words {
		words[i] = strings.Trim(words[i], ".,!?;:")
	}
	for _, entry := range fallbackTable {
		if phraseInOrder(words, entry.phrase) {
			res.Command = entry.command
			return res
		}
	}

	return Result{Kind: KindUnknown, Intent: res.Intent}
}
