package gemini_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/podweave/podweave/pkg/provider/llm"
	"github.com/podweave/podweave/pkg/provider/llm/gemini"
)

// wireRequest mirrors the generateContent request body for assertions.
type wireRequest struct {
	SystemInstruction *struct {
		Parts []wirePart `json:"parts"`
	} `json:"systemInstruction"`
	Contents []struct {
		Role  string     `json:"role"`
		Parts []wirePart `json:"parts"`
	} `json:"contents"`
	GenerationConfig *struct {
		Temperature      *float64 `json:"temperature"`
		MaxOutputTokens  int      `json:"maxOutputTokens"`
		ResponseMIMEType string   `json:"responseMimeType"`
	} `json:"generationConfig"`
}

type wirePart struct {
	Text     string `json:"text"`
	FileData *struct {
		MIMEType string `json:"mimeType"`
		FileURI  string `json:"fileUri"`
	} `json:"fileData"`
}

func TestNew_Validation(t *testing.T) {
	if _, err := gemini.New("", "gemini-2.0-flash"); err == nil {
		t.Error("expected error for empty api key, got nil")
	}
	if _, err := gemini.New("key", ""); err == nil {
		t.Error("expected error for empty model, got nil")
	}
}

func TestGenerate_TextOnly(t *testing.T) {
	var got wireRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-2.0-flash:generateContent" {
			t.Errorf("unexpected path: %q", r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if key := r.Header.Get("x-goog-api-key"); key != "test-key" {
			t.Errorf("api key header = %q, want test-key", key)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"candidates": [{"content": {"parts": [{"text": "{\"themes\": []}"}]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 120, "candidatesTokenCount": 30, "totalTokenCount": 150}
		}`))
	}))
	defer server.Close()

	p, err := gemini.New("test-key", "gemini-2.0-flash", gemini.WithBaseURL(server.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := p.Generate(context.Background(), llm.Request{
		SystemPrompt: "You analyze podcast transcripts.",
		Prompt:       "Find the themes.",
		JSONMode:     true,
		Temperature:  0.2,
		MaxTokens:    2048,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if resp.Text != `{"themes": []}` {
		t.Errorf("Text = %q", resp.Text)
	}
	if resp.Usage.PromptTokens != 120 || resp.Usage.TotalTokens != 150 {
		t.Errorf("Usage = %+v, want 120/30/150", resp.Usage)
	}

	if got.SystemInstruction == nil || len(got.SystemInstruction.Parts) != 1 ||
		got.SystemInstruction.Parts[0].Text != "You analyze podcast transcripts." {
		t.Errorf("systemInstruction = %+v", got.SystemInstruction)
	}
	if len(got.Contents) != 1 || got.Contents[0].Role != "user" {
		t.Fatalf("contents = %+v", got.Contents)
	}
	if len(got.Contents[0].Parts) != 1 || got.Contents[0].Parts[0].Text != "Find the themes." {
		t.Errorf("user parts = %+v", got.Contents[0].Parts)
	}
	gc := got.GenerationConfig
	if gc == nil || gc.ResponseMIMEType != "application/json" || gc.MaxOutputTokens != 2048 {
		t.Errorf("generationConfig = %+v", gc)
	}
	if gc != nil && (gc.Temperature == nil || *gc.Temperature != 0.2) {
		t.Errorf("temperature = %v, want 0.2", gc.Temperature)
	}
}

func TestGenerate_AudioUploadAndPoll(t *testing.T) {
	audioPath := filepath.Join(t.TempDir(), "ep1.mp3")
	if err := os.WriteFile(audioPath, []byte("fake-mp3-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	var polls atomic.Int32
	var got wireRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload/v1beta/files", func(w http.ResponseWriter, r *http.Request) {
		if proto := r.Header.Get("X-Goog-Upload-Protocol"); proto != "raw" {
			t.Errorf("upload protocol = %q, want raw", proto)
		}
		if ct := r.Header.Get("Content-Type"); ct != "audio/mpeg" {
			t.Errorf("upload content type = %q, want audio/mpeg", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "fake-mp3-bytes" {
			t.Errorf("upload body = %q", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"file": {"name": "files/ep1", "uri": "https://files/ep1", "state": "PROCESSING", "mimeType": "audio/mpeg"}}`))
	})
	mux.HandleFunc("GET /v1beta/files/ep1", func(w http.ResponseWriter, r *http.Request) {
		state := "PROCESSING"
		if polls.Add(1) >= 2 {
			state = "ACTIVE"
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name": "files/ep1", "uri": "https://files/ep1", "state": "` + state + `", "mimeType": "audio/mpeg"}`))
	})
	mux.HandleFunc("POST /v1beta/models/gemini-2.0-flash:generateContent", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates": [{"content": {"parts": [{"text": "WEBVTT\n\n"}]}}]}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	p, err := gemini.New("test-key", "gemini-2.0-flash",
		gemini.WithBaseURL(server.URL),
		gemini.WithPollInterval(time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := p.Generate(context.Background(), llm.Request{
		Prompt: "Transcribe this.",
		Audio:  &llm.AudioInput{Path: audioPath, MIMEType: "audio/mpeg"},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.HasPrefix(resp.Text, "WEBVTT") {
		t.Errorf("Text = %q, want WebVTT document", resp.Text)
	}
	if polls.Load() < 2 {
		t.Errorf("polls = %d, want at least 2 (PROCESSING then ACTIVE)", polls.Load())
	}

	if len(got.Contents) != 1 || len(got.Contents[0].Parts) != 2 {
		t.Fatalf("contents = %+v, want one content with audio + text parts", got.Contents)
	}
	fd := got.Contents[0].Parts[0].FileData
	if fd == nil || fd.FileURI != "https://files/ep1" || fd.MIMEType != "audio/mpeg" {
		t.Errorf("fileData part = %+v", fd)
	}
	if got.Contents[0].Parts[1].Text != "Transcribe this." {
		t.Errorf("text part = %q", got.Contents[0].Parts[1].Text)
	}
}

func TestGenerate_QuotaErrorKeepsMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"code": 429, "message": "Resource has been exhausted (e.g. check quota).", "status": "RESOURCE_EXHAUSTED"}}`))
	}))
	defer server.Close()

	p, _ := gemini.New("test-key", "gemini-2.0-flash", gemini.WithBaseURL(server.URL))
	_, err := p.Generate(context.Background(), llm.Request{Prompt: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "429") || !strings.Contains(strings.ToLower(msg), "quota") {
		t.Errorf("error %q should carry the status code and the quota message", msg)
	}
}

func TestGenerate_ServerErrorKeepsStatusCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p, _ := gemini.New("test-key", "gemini-2.0-flash", gemini.WithBaseURL(server.URL))
	_, err := p.Generate(context.Background(), llm.Request{Prompt: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "HTTP 503") {
		t.Errorf("error %q should mention HTTP 503", err)
	}
}

func TestGenerate_EmptyCandidates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates": []}`))
	}))
	defer server.Close()

	p, _ := gemini.New("test-key", "gemini-2.0-flash", gemini.WithBaseURL(server.URL))
	_, err := p.Generate(context.Background(), llm.Request{Prompt: "hi"})
	if err == nil || !strings.Contains(err.Error(), "empty candidates") {
		t.Errorf("err = %v, want empty candidates error", err)
	}
}
