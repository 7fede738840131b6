// Package llm provides the completion client used for review generation
// and zero-shot document classification.
package llm

import "context"

// DefaultModel is the completion model used when no override is set.
const DefaultModel = "claude-sonnet-4-5"

// Request is one completion request.
type Request struct {
	// System is the system prompt.
	System string
	// Prompt is the user message.
	Prompt string
	// MaxTokens caps the completion length.
	MaxTokens int
	// Temperature controls sampling; reviews run at 0.
	Temperature float64
	// Prefill seeds the assistant turn, constraining the response shape
	// (a "{" prefill forces JSON output to start immediately).
	Prefill string
	// Model overrides the client default when set.
	Model string
}

// Completion is one completion response.
type Completion struct {
	// Text is the concatenated text content. When the request used a
	// Prefill, Text includes it.
	Text string
	// Model is the model that produced the completion.
	Model string
	// StopReason reports why generation ended.
	StopReason string
	// InputTokens and OutputTokens are the reported usage.
	InputTokens  int
	OutputTokens int
}

// Client produces completions.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Completion, error)
}
