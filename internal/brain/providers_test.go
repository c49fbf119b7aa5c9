package brain

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOpenAIGenerator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "gpt-test" {
			t.Errorf("model = %v", body["model"])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "gpt-test",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "Sunny and warm."}}]
		}`)
	}))
	defer srv.Close()

	g := NewOpenAI(Config{OpenAIKey: "k", OpenAIModel: "gpt-test", OpenAIBaseURL: srv.URL + "/"})
	var deltas []string
	resp, err := g.Generate(context.Background(), Request{AgentID: "agentA", InputText: "weather?", Voice: true}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Text != "Sunny and warm." || len(deltas) != 1 {
		t.Fatalf("resp = %+v, deltas = %v", resp, deltas)
	}
}

func TestAnthropicGenerator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-test",
			"content": [{"type": "text", "text": "Hello "}, {"type": "text", "text": "from Claude."}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 3, "output_tokens": 4}
		}`)
	}))
	defer srv.Close()

	g := NewAnthropic(Config{AnthropicKey: "k", AnthropicModel: "claude-test", AnthropicURL: srv.URL + "/"})
	resp, err := g.Generate(context.Background(), Request{InputText: "hi"}, nil)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Text != "Hello from Claude." {
		t.Fatalf("resp.Text = %q", resp.Text)
	}
}

func TestProviderErrorsClassifiedForRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error": {"message": "slow down", "type": "rate_limit_error"}}`)
	}))
	defer srv.Close()

	_, err := NewOpenAI(Config{OpenAIKey: "k", OpenAIBaseURL: srv.URL + "/"}).Generate(context.Background(), Request{InputText: "x"}, nil)
	if err == nil || !Retryable(err) {
		t.Fatalf("openai 429 error = %v, retryable = %v", err, Retryable(err))
	}
	_, err = NewAnthropic(Config{AnthropicKey: "k", AnthropicURL: srv.URL + "/"}).Generate(context.Background(), Request{InputText: "x"}, nil)
	if err == nil || !Retryable(err) {
		t.Fatalf("anthropic 429 error = %v, retryable = %v", err, Retryable(err))
	}
}

func TestGeminiGenerator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models/gemini-test:generateContent") {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, ok := body["systemInstruction"]; !ok {
			t.Errorf("request has no systemInstruction: %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "Bring an umbrella."}]}, "finishReason": "STOP"}]
		}`)
	}))
	defer srv.Close()

	g, err := NewGemini(Config{GeminiKey: "k", GeminiModel: "gemini-test", GeminiBaseURL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("NewGemini() error = %v", err)
	}
	resp, err := g.Generate(context.Background(), Request{AgentID: "agentB", InputText: "rain?", Voice: true}, nil)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Text != "Bring an umbrella." {
		t.Fatalf("resp.Text = %q", resp.Text)
	}
}

func TestGeminiErrorsClassifiedForRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error": {"code": 503, "message": "overloaded", "status": "UNAVAILABLE"}}`)
	}))
	defer srv.Close()

	g, err := NewGemini(Config{GeminiKey: "k", GeminiModel: "gemini-test", GeminiBaseURL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("NewGemini() error = %v", err)
	}
	_, err = g.Generate(context.Background(), Request{InputText: "x"}, nil)
	if err == nil || !Retryable(err) {
		t.Fatalf("gemini 503 error = %v, retryable = %v", err, Retryable(err))
	}
}
