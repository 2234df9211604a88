package llm

import "errors"

// ErrAudioUnsupported is returned by text-only providers when a request
// carries an audio attachment. The gateway treats it as a configuration
// error, not a retryable failure.
var ErrAudioUnsupported = errors.New("llm: provider does not accept audio input")

// AudioInput references an audio artifact on local disk. Passing a path
// rather than an open reader keeps requests retry-safe: each attempt opens
// the file fresh.
type AudioInput struct {
	// Path is the absolute path of the downloaded audio artifact.
	Path string

	// MIMEType is the audio content type, e.g. "audio/mpeg". Providers
	// forward it verbatim; an empty value falls back to "audio/mpeg".
	MIMEType string
}

// Request carries everything the model needs to produce a response. Callers
// should treat a zero-value request as invalid; at minimum Prompt must be
// non-empty.
type Request struct {
	// SystemPrompt is an optional high-priority instruction injected before
	// the user prompt. Providers map it to their native system role.
	SystemPrompt string

	// Prompt is the user-role text driving the response.
	Prompt string

	// Audio optionally attaches an audio artifact for transcription-style
	// requests. Providers without audio support return ErrAudioUnsupported.
	Audio *AudioInput

	// JSONMode asks the model to emit a bare JSON document. Backends with a
	// native JSON response mode enforce it; the rest treat it as advisory,
	// relying on the prompt to pin the output shape.
	JSONMode bool

	// Temperature controls output randomness. Zero means provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means provider default.
	MaxTokens int
}

// Usage holds token accounting reported by the backend. All counts are in
// the model's native token unit. A zero Usage means the backend reported
// nothing; the quota tracker then falls back to its estimate.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input, including
	// any audio attachment.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens; some backends return
	// it directly rather than computing it from the parts.
	TotalTokens int
}

// Response is the full model reply for a single request.
type Response struct {
	// Text is the complete response text. For JSONMode requests this should
	// be a JSON document, possibly wrapped in a Markdown fence.
	Text string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}
