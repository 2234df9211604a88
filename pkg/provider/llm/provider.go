// Package llm defines the Provider interface for the multimodal LLM backends
// that transcribe audio and extract knowledge from transcripts.
//
// A provider wraps a remote model API (e.g., Google Gemini via REST, OpenAI,
// or any backend reachable through any-llm-go) and exposes one uniform call
// so the gateway can rotate API keys, track quota, and retry without coupling
// to any specific SDK.
//
// Implementors must be safe for concurrent use and must propagate context
// cancellation promptly.
package llm

import "context"

// Provider is the abstraction over any LLM backend.
//
// One Provider instance is bound to one API key and one model; the gateway
// holds a provider per configured key and picks among them per call.
type Provider interface {
	// Generate sends req to the model and waits for the full response.
	//
	// Providers that cannot accept the request's audio attachment return
	// ErrAudioUnsupported without making a remote call. All other errors
	// should carry the upstream status or message text: retry classification
	// works by matching phrases like "quota", "rate limit", "timeout", and
	// HTTP 5xx codes in the error string.
	Generate(ctx context.Context, req Request) (*Response, error)

	// Name identifies the backend in logs and error messages, e.g. "gemini".
	// The result is constant for the lifetime of the provider.
	Name() string
}
