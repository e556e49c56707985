// Package suggest resolves free-form intent into candidate shell
// commands through an OpenAI-compatible chat completion endpoint.
package suggest

import "context"

// Suggestion is the engine's answer for one piece of free text. Commands
// is never empty on a non-nil Suggestion.
type Suggestion struct {
	Commands    []string `json:"commands"`
	Explanation string   `json:"explanation"`
	Confidence  float64  `json:"confidence"`
	Category    string   `json:"category"`
}

// Engine produces suggestions. Implementations return (nil, err) for
// ordinary failures (network, quota, malformed replies); callers treat
// absence of a result as the failure signal and fall back.
type Engine interface {
	Suggest(ctx context.Context, text string) (*Suggestion, error)
}
