// Package gemini provides a Google Gemini REST provider with audio support.
//
// It talks to the Generative Language API directly: audio artifacts are
// uploaded through the Files API using the raw upload protocol, polled until
// the service reports them ACTIVE, and referenced by URI in the
// generateContent call. Going through plain HTTP keeps the per-key footprint
// to one http.Client and leaves the wire format in view.
//
// Usage:
//
//	p, err := gemini.New("AIza...", "gemini-2.0-flash")
//	resp, err := p.Generate(ctx, llm.Request{
//	    Prompt: "Transcribe this episode as WebVTT.",
//	    Audio:  &llm.AudioInput{Path: "/data/ep1.mp3", MIMEType: "audio/mpeg"},
//	})
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/podweave/podweave/pkg/provider/llm"
)

const (
	defaultBaseURL      = "https://generativelanguage.googleapis.com"
	defaultPollInterval = 2 * time.Second
	defaultAudioMIME    = "audio/mpeg"
)

// Compile-time assertion that Provider implements llm.Provider.
var _ llm.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBaseURL overrides the default API base URL. Tests point this at a local
// httptest server.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(url, "/")
	}
}

// WithHTTPClient replaces the default http.Client. Per-call deadlines come
// from the request context, so the default client carries no global timeout.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) {
		p.client = client
	}
}

// WithPollInterval sets how often an uploaded file's processing state is
// re-checked. Defaults to 2s.
func WithPollInterval(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// Provider implements llm.Provider against the Gemini REST API.
type Provider struct {
	apiKey       string
	model        string
	baseURL      string
	client       *http.Client
	pollInterval time.Duration
}

// New constructs a Gemini provider bound to one API key and model.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("gemini: model must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        model,
		baseURL:      defaultBaseURL,
		client:       &http.Client{},
		pollInterval: defaultPollInterval,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return "gemini" }

// Generate implements llm.Provider. Requests with audio first upload the
// artifact through the Files API and wait for it to become ACTIVE.
func (p *Provider) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	var parts []part

	if req.Audio != nil {
		file, err := p.uploadAudio(ctx, req.Audio)
		if err != nil {
			return nil, err
		}
		parts = append(parts, part{FileData: &fileData{
			MIMEType: file.MIMEType,
			FileURI:  file.URI,
		}})
	}
	if req.Prompt != "" {
		parts = append(parts, part{Text: req.Prompt})
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("gemini: empty request")
	}

	body := generateRequest{
		Contents: []content{{Role: "user", Parts: parts}},
	}
	if req.SystemPrompt != "" {
		body.SystemInstruction = &content{Parts: []part{{Text: req.SystemPrompt}}}
	}
	cfg := generationConfig{MaxOutputTokens: req.MaxTokens}
	if req.Temperature != 0 {
		t := req.Temperature
		cfg.Temperature = &t
	}
	if req.JSONMode {
		cfg.ResponseMIMEType = "application/json"
	}
	if cfg != (generationConfig{}) {
		body.GenerationConfig = &cfg
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("gemini: encode request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, p.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var result generateResponse
	if err := p.do(httpReq, &result); err != nil {
		return nil, err
	}
	if len(result.Candidates) == 0 {
		return nil, fmt.Errorf("gemini: empty candidates in response")
	}

	candidate := result.Candidates[0]
	var text strings.Builder
	for _, pt := range candidate.Content.Parts {
		text.WriteString(pt.Text)
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("gemini: no text in response (finish reason %q)", candidate.FinishReason)
	}

	resp := &llm.Response{Text: text.String()}
	if u := result.UsageMetadata; u != nil {
		resp.Usage = llm.Usage{
			PromptTokens:     u.PromptTokenCount,
			CompletionTokens: u.CandidatesTokenCount,
			TotalTokens:      u.TotalTokenCount,
		}
	}
	return resp, nil
}

// uploadAudio streams the artifact to the Files API and polls until the
// service has finished processing it.
func (p *Provider) uploadAudio(ctx context.Context, audio *llm.AudioInput) (*fileInfo, error) {
	f, err := os.Open(audio.Path)
	if err != nil {
		return nil, fmt.Errorf("gemini: open audio: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("gemini: stat audio: %w", err)
	}

	mime := audio.MIMEType
	if mime == "" {
		mime = defaultAudioMIME
	}

	url := p.baseURL + "/upload/v1beta/files"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, f)
	if err != nil {
		return nil, fmt.Errorf("gemini: create upload request: %w", err)
	}
	httpReq.ContentLength = stat.Size()
	httpReq.Header.Set("Content-Type", mime)
	httpReq.Header.Set("X-Goog-Upload-Protocol", "raw")

	var uploaded uploadResponse
	if err := p.do(httpReq, &uploaded); err != nil {
		return nil, err
	}

	file := uploaded.File
	if file.MIMEType == "" {
		file.MIMEType = mime
	}

	// Audio files go through a server-side processing step before they can
	// be referenced; poll until the state settles.
	for file.State == "PROCESSING" {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.pollInterval):
		}
		statusURL := fmt.Sprintf("%s/v1beta/%s", p.baseURL, file.Name)
		statusReq, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
		if err != nil {
			return nil, fmt.Errorf("gemini: create file status request: %w", err)
		}
		var updated fileInfo
		if err := p.do(statusReq, &updated); err != nil {
			return nil, err
		}
		if updated.MIMEType == "" {
			updated.MIMEType = file.MIMEType
		}
		file = updated
	}
	if file.State == "FAILED" {
		return nil, fmt.Errorf("gemini: file processing failed for %s", file.Name)
	}
	if file.URI == "" {
		return nil, fmt.Errorf("gemini: upload response missing file uri")
	}
	return &file, nil
}

// do sends req with the API key attached and decodes the JSON response into
// out. Error texts keep the upstream status code and message so the retry
// policy can classify them.
func (p *Provider) do(req *http.Request, out any) error {
	req.Header.Set("x-goog-api-key", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("gemini: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("gemini: read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var ae apiError
		if json.Unmarshal(data, &ae) == nil && ae.Error.Message != "" {
			return fmt.Errorf("gemini: HTTP %d: %s", resp.StatusCode, ae.Error.Message)
		}
		return fmt.Errorf("gemini: server returned HTTP %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("gemini: parse JSON response: %w", err)
		}
	}
	return nil
}

// ---- wire types ---------------------------------------------------------

type part struct {
	Text     string    `json:"text,omitempty"`
	FileData *fileData `json:"fileData,omitempty"`
}

type fileData struct {
	MIMEType string `json:"mimeType"`
	FileURI  string `json:"fileUri"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	ResponseMIMEType string   `json:"responseMimeType,omitempty"`
}

type generateRequest struct {
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	Contents          []content         `json:"contents"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

type uploadResponse struct {
	File fileInfo `json:"file"`
}

type fileInfo struct {
	Name     string `json:"name"`
	URI      string `json:"uri"`
	State    string `json:"state"`
	MIMEType string `json:"mimeType"`
}
