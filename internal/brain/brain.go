// Package brain produces agent reply text. The coordinator only decides
// whether and when a reply is generated; a Generator decides what it says.
package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Request is the normalized input handed to a Generator.
type Request struct {
	ConversationID string   `json:"conversation_id"`
	UtteranceID    string   `json:"utterance_id"`
	AgentID        string   `json:"agent_id"`
	SessionID      string   `json:"session_id,omitempty"`
	InputText      string   `json:"input_text"`
	MemoryContext  []string `json:"memory_context,omitempty"`
	// Voice is set when the reply will be spoken, which asks for short answers.
	Voice bool `json:"voice"`
}

type Response struct {
	Text string `json:"text"`
}

// DeltaHandler receives streamed text fragments.
type DeltaHandler func(delta string) error

type Generator interface {
	Generate(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error)
}

// Config controls generator construction.
type Config struct {
	Mode           string
	HTTPURL        string
	OpenAIKey      string
	OpenAIModel    string
	OpenAIBaseURL  string
	AnthropicKey   string
	AnthropicModel string
	AnthropicURL   string
	GeminiKey      string
	GeminiModel    string
	GeminiBaseURL  string
	MaxTokens      int64
	Temperature    float64
	RetryAttempts  int
	RetryBase      time.Duration
	RetryCap       time.Duration
}

func New(cfg Config) (Generator, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		return newAuto(cfg)
	case "mock":
		return NewMock(), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("brain HTTP url is required for http mode")
		}
		return withRetry(NewHTTP(cfg.HTTPURL), cfg), nil
	case "openai":
		if strings.TrimSpace(cfg.OpenAIKey) == "" {
			return nil, errors.New("OPENAI_API_KEY is required for openai mode")
		}
		return withRetry(NewOpenAI(cfg), cfg), nil
	case "anthropic":
		if strings.TrimSpace(cfg.AnthropicKey) == "" {
			return nil, errors.New("ANTHROPIC_API_KEY is required for anthropic mode")
		}
		return withRetry(NewAnthropic(cfg), cfg), nil
	case "gemini":
		if strings.TrimSpace(cfg.GeminiKey) == "" {
			return nil, errors.New("GEMINI_API_KEY is required for gemini mode")
		}
		g, err := NewGemini(cfg)
		if err != nil {
			return nil, err
		}
		return withRetry(g, cfg), nil
	default:
		return nil, fmt.Errorf("unsupported brain mode %q", cfg.Mode)
	}
}

// newAuto prefers hosted models when keys are present, chaining them so one
// provider outage falls through to the next, and ends at the mock.
func newAuto(cfg Config) (Generator, error) {
	var chain []Generator
	if strings.TrimSpace(cfg.AnthropicKey) != "" {
		chain = append(chain, withRetry(NewAnthropic(cfg), cfg))
	}
	if strings.TrimSpace(cfg.OpenAIKey) != "" {
		chain = append(chain, withRetry(NewOpenAI(cfg), cfg))
	}
	if strings.TrimSpace(cfg.GeminiKey) != "" {
		g, err := NewGemini(cfg)
		if err != nil {
			return nil, err
		}
		chain = append(chain, withRetry(g, cfg))
	}
	if strings.TrimSpace(cfg.HTTPURL) != "" {
		chain = append(chain, withRetry(NewHTTP(cfg.HTTPURL), cfg))
	}
	if len(chain) == 0 {
		return NewMock(), nil
	}
	g := chain[len(chain)-1]
	for i := len(chain) - 2; i >= 0; i-- {
		g = NewFallback(chain[i], g)
	}
	return g, nil
}

func withRetry(g Generator, cfg Config) Generator {
	if cfg.RetryAttempts <= 0 {
		return g
	}
	return NewRetrying(g, cfg.RetryAttempts, cfg.RetryBase, cfg.RetryCap)
}

// Describe names the generator chain for logs.
func Describe(g Generator) string {
	switch v := g.(type) {
	case *Fallback:
		return Describe(v.primary) + "->" + Describe(v.fallback)
	case *Retrying:
		return Describe(v.inner) + "+retry"
	case *Mock:
		return "mock"
	case *HTTP:
		return "http"
	case *OpenAI:
		return "openai"
	case *Anthropic:
		return "anthropic"
	case *Gemini:
		return "gemini"
	default:
		return fmt.Sprintf("%T", g)
	}
}

func systemPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You are ")
	if req.AgentID != "" {
		b.WriteString(req.AgentID)
	} else {
		b.WriteString("an assistant")
	}
	b.WriteString(", one participant in a multi-agent group conversation.")
	if req.Voice {
		b.WriteString(" Your reply will be spoken aloud: keep it to one or two short sentences and avoid markdown.")
	}
	if len(req.MemoryContext) > 0 {
		b.WriteString("\n\nRecent conversation:\n")
		for _, line := range req.MemoryContext {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			b.WriteString("- ")
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return strings.TrimSpace(b.String())
}
