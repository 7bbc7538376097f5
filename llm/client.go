// Package llm defines the completion and embedding contracts the workflow
// depends on, plus retry and JSON-recovery helpers shared by every backend.
package llm

import (
	"context"
)

// Format selects the shape the model is asked to respond in.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Options are per-call generation parameters.
type Options struct {
	Temperature    float64
	MaxTokens      int
	ResponseFormat Format
	// Model overrides the backend's default model when set.
	Model string
	// Purpose labels the call for logs, spans, and test doubles (usually the stage name).
	Purpose string
}

// Client completes a single prompt.
type Client interface {
	Complete(ctx context.Context, prompt string, opts Options) (string, error)
}

// Embedder turns text into a vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, prompt string, opts Options) (string, error)

func (f ClientFunc) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	return f(ctx, prompt, opts)
}
