// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify the requests the pipeline sends and to
// feed controlled responses without a live LLM backend. All fields are safe to
// set before calling any method; mutating them during a concurrent call is the
// caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    GenerateResponse: &llm.Response{Text: "WEBVTT\n"},
//	}
//	resp, err := p.Generate(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/podweave/podweave/pkg/provider/llm"
)

// GenerateCall records a single invocation of Generate.
type GenerateCall struct {
	// Ctx is the context passed to Generate.
	Ctx context.Context
	// Req is the Request passed to Generate.
	Req llm.Request
}

// Result is one scripted outcome for a Generate call.
type Result struct {
	// Response is returned when Err is nil. May itself be nil.
	Response *llm.Response
	// Err, if non-nil, is returned instead of Response.
	Err error
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause Generate to return nil, nil.
// Set GenerateErr to inject a constant error, or Script to play a sequence
// of outcomes across successive calls.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Script, if non-empty, is consumed one entry per Generate call. Once
	// exhausted, calls fall back to GenerateResponse and GenerateErr.
	Script []Result

	// GenerateResponse is returned by Generate when Script is exhausted and
	// GenerateErr is nil. May be nil (returns nil, nil).
	GenerateResponse *llm.Response

	// GenerateErr, if non-nil, is returned as the error from Generate when
	// Script is exhausted.
	GenerateErr error

	// ProviderName is returned by Name. Defaults to "mock" when empty.
	ProviderName string

	// --- Call records (read after test) ---

	// GenerateCalls records every invocation of Generate in order.
	GenerateCalls []GenerateCall

	scriptPos int
}

// Generate records the call and returns the next scripted result, or the
// constant GenerateResponse, GenerateErr pair once the script is exhausted.
func (p *Provider) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.GenerateCalls = append(p.GenerateCalls, GenerateCall{Ctx: ctx, Req: req})
	if p.scriptPos < len(p.Script) {
		r := p.Script[p.scriptPos]
		p.scriptPos++
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Response, nil
	}
	if p.GenerateErr != nil {
		return nil, p.GenerateErr
	}
	return p.GenerateResponse, nil
}

// Name returns ProviderName, or "mock" when unset.
func (p *Provider) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// CallCount returns the number of Generate invocations so far. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.GenerateCalls)
}

// Reset clears all recorded calls and rewinds the script. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.GenerateCalls = nil
	p.scriptPos = 0
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
