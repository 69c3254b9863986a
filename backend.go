package worksheetgen

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

// Backend purposes, used for transcripts and metrics
const (
	PurposeGenerate   = "generate"
	PurposeVerify     = "verify"
	PurposeRegenerate = "regenerate"
	PurposeRepair     = "visual_repair"
)

// BackendRequest is one call to the generative backend
type BackendRequest struct {
	Purpose   string
	System    string
	User      string
	Seed      string
	MaxTokens int
}

// BackendResponse holds the generated continuation. Text does not include the
// seed unless the backend echoed it.
type BackendResponse struct {
	Text      string
	Truncated bool
}

// Backend is the narrow contract every pipeline stage depends on
type Backend interface {
	Generate(ctx context.Context, req BackendRequest) (*BackendResponse, error)
}

// NewBackend creates the backend selected by cfg.Provider
func NewBackend(ctx context.Context, cfg LLMConfig) (Backend, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "openai":
		if cfg.OpenAI.APIKey == "" {
			return nil, fmt.Errorf("OpenAI API key is required")
		}
		return NewOpenAIBackend(cfg.OpenAI), nil
	case "gemini":
		return NewGeminiBackend(ctx, cfg.Gemini)
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
}

// OpenAIBackend talks to any OpenAI-compatible chat completion endpoint
type OpenAIBackend struct {
	client      *openai.Client
	model       string
	temperature float32
}

// NewOpenAIBackend creates a backend with an explicitly constructed client
func NewOpenAIBackend(cfg ProviderConfig) *OpenAIBackend {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4o
	}
	return &OpenAIBackend{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       model,
		temperature: cfg.Temperature,
	}
}

// Generate sends system and user instructions, priming the reply with the
// seed as a trailing assistant message
func (b *OpenAIBackend) Generate(ctx context.Context, req BackendRequest) (*BackendResponse, error) {
	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		},
		{
			Role:    openai.ChatMessageRoleUser,
			Content: req.User,
		},
	}
	if req.Seed != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: req.Seed,
		})
	}

	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       b.model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: b.temperature,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from %s", b.model)
	}

	choice := resp.Choices[0]
	return &BackendResponse{
		Text:      choice.Message.Content,
		Truncated: choice.FinishReason == openai.FinishReasonLength,
	}, nil
}

// GeminiBackend talks to the Gemini API through the genai SDK
type GeminiBackend struct {
	client      *genai.Client
	model       string
	temperature float32
}

// NewGeminiBackend creates a Gemini backend
func NewGeminiBackend(ctx context.Context, cfg ProviderConfig) (*GeminiBackend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &GeminiBackend{
		client:      client,
		model:       model,
		temperature: cfg.Temperature,
	}, nil
}

// Generate sends the instructions with the seed as a model turn to continue
func (b *GeminiBackend) Generate(ctx context.Context, req BackendRequest) (*BackendResponse, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(req.User, genai.RoleUser),
	}
	if req.Seed != "" {
		contents = append(contents, genai.NewContentFromText(req.Seed, genai.RoleModel))
	}

	temperature := b.temperature
	result, err := b.client.Models.GenerateContent(ctx, b.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(req.System, genai.RoleUser),
		MaxOutputTokens:   int32(req.MaxTokens),
		Temperature:       &temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("GenAI generate failed: %w", err)
	}
	if len(result.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates returned")
	}

	return &BackendResponse{
		Text:      result.Text(),
		Truncated: result.Candidates[0].FinishReason == genai.FinishReasonMaxTokens,
	}, nil
}

// callBackend runs one backend call under its own timeout, recording it in the
// run transcript and in metrics
func callBackend(ctx context.Context, backend Backend, timeout time.Duration, req BackendRequest) (*BackendResponse, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	transcript := transcriptFrom(ctx)
	transcript.LogLLMRequest(req.Purpose, req.System, req.User)

	start := time.Now()
	resp, err := backend.Generate(ctx, req)
	elapsed := time.Since(start)

	if err != nil {
		backendCalls.WithLabelValues(req.Purpose, "error").Inc()
		transcript.Logf("LLM call (%s) failed after %s: %v\n", req.Purpose, elapsed, err)
		Log().Warn("backend call failed",
			zap.String("purpose", req.Purpose),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return nil, err
	}

	outcome := "ok"
	if resp.Truncated {
		outcome = "truncated"
	}
	backendCalls.WithLabelValues(req.Purpose, outcome).Inc()
	transcript.LogLLMResponse(req.Purpose, resp.Text)
	VerboseLog("backend call %s finished in %s (%d chars, truncated=%v)", req.Purpose, elapsed, len(resp.Text), resp.Truncated)
	return resp, nil
}
