package services

import (
	"context"
	"fmt"
	"os"
	"strings"

	"google.golang.org/genai"
)

// LLMModelName is the Gemini model used for outfit generation.
type LLMModelName int32

const (
	Pro25 LLMModelName = iota
	Flash25
	FlashLite25
	Flash20
)

func (t LLMModelName) String() string {
	switch t {
	case Pro25:
		return "gemini-2.5-pro"
	case Flash25:
		return "gemini-2.5-flash"
	case FlashLite25:
		return "gemini-2.5-flash-lite-preview-06-17"
	case Flash20:
		return "gemini-2.0-flash"
	default:
		return "gemini-2.0-flash"
	}
}

// ModelFromEnv picks the generation model from GEMINI_MODEL, defaulting to
// the 2.5 flash tier.
func ModelFromEnv() LLMModelName {
	switch GetEnv("GEMINI_MODEL", Flash25.String()) {
	case Pro25.String():
		return Pro25
	case FlashLite25.String():
		return FlashLite25
	case Flash20.String():
		return Flash20
	default:
		return Flash25
	}
}

type LLMResponse struct {
	Response           string `json:"response"`
	InputTokenCount    int32  `json:"input_token_count"`
	Thoughts           string `json:"thoughts"`
	ThoughtsTokenCount int32  `json:"thoughts_token_count"`
	OutputTokenCount   int32  `json:"output_token_count"`
	TotalTokenCount    int32  `json:"total_token_count"`
	IsTest             bool   `json:"is_test"`
}

// StreamChunk is one piece of a streaming model response. Err is set on the
// final chunk when the stream broke; the channel closes after it.
type StreamChunk struct {
	Text string
	Err  error
}

// OutfitLLM is the model invocation boundary. Tests swap in a scripted
// implementation; production uses GoogleOutfitLLM.
type OutfitLLM interface {
	GenerateOutfits(ctx context.Context, prompt string, system string, maxTokens int32) (*LLMResponse, error)
	GenerateOutfitsStream(ctx context.Context, prompt string, system string, maxTokens int32) (<-chan StreamChunk, error)
}

// ProviderError wraps a model invocation failure and records whether a
// retry could plausibly succeed.
type ProviderError struct {
	Retryable bool
	Cause     error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("model provider error (retryable=%v): %v", e.Retryable, e.Cause)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// classifyProviderError separates transient transport and quota failures
// from permanent ones like safety blocks.
func classifyProviderError(err error) *ProviderError {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"content violation", "safety", "blocked"} {
		if strings.Contains(msg, marker) {
			return &ProviderError{Retryable: false, Cause: err}
		}
	}
	for _, marker := range []string{"429", "rate", "quota", "deadline", "timeout", "unavailable", "503", "500", "internal", "connection", "eof", "reset"} {
		if strings.Contains(msg, marker) {
			return &ProviderError{Retryable: true, Cause: err}
		}
	}
	return &ProviderError{Retryable: false, Cause: err}
}

// GoogleOutfitLLM talks to the Gemini API. A client is created per call,
// the SDK keeps the underlying HTTP transport shared.
type GoogleOutfitLLM struct {
	Model LLMModelName
}

func (g GoogleOutfitLLM) config(system string, maxTokens int32) *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		CandidateCount:  1,
		MaxOutputTokens: maxTokens,
		Temperature:     floatPointer(0.8),
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{
				{Text: system},
			},
		},
	}
}

func (g GoogleOutfitLLM) GenerateOutfits(ctx context.Context, prompt string, system string, maxTokens int32) (*LLMResponse, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  os.Getenv("GOOGLE_API_KEY"),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, classifyProviderError(err)
	}

	result, err := client.Models.GenerateContent(ctx, g.Model.String(), genai.Text(prompt), g.config(system, maxTokens))
	if err != nil {
		fmt.Println("Error in GenerateContent:", err)
		return nil, classifyProviderError(err)
	}

	if result.PromptFeedback != nil {
		fmt.Println(result.PromptFeedback.BlockReason)
		fmt.Println(result.PromptFeedback.BlockReasonMessage)
		return nil, &ProviderError{
			Retryable: false,
			Cause:     fmt.Errorf("content violation: %s", result.PromptFeedback.BlockReasonMessage),
		}
	}

	response := &LLMResponse{Response: result.Text()}
	if result.UsageMetadata != nil {
		response.InputTokenCount = result.UsageMetadata.PromptTokenCount
		response.ThoughtsTokenCount = result.UsageMetadata.ThoughtsTokenCount
		response.OutputTokenCount = result.UsageMetadata.CandidatesTokenCount
		response.TotalTokenCount = result.UsageMetadata.TotalTokenCount
		fmt.Println("Input token count:", response.InputTokenCount)
		fmt.Println("Output token count:", response.OutputTokenCount)
		fmt.Println("Total token count:", response.TotalTokenCount)
	}

	if strings.TrimSpace(response.Response) == "" {
		// empty candidates usually mean a truncated or flaky response
		return nil, &ProviderError{Retryable: true, Cause: fmt.Errorf("model returned empty response")}
	}
	return response, nil
}

func (g GoogleOutfitLLM) GenerateOutfitsStream(ctx context.Context, prompt string, system string, maxTokens int32) (<-chan StreamChunk, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  os.Getenv("GOOGLE_API_KEY"),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, classifyProviderError(err)
	}

	stream := client.Models.GenerateContentStream(ctx, g.Model.String(), genai.Text(prompt), g.config(system, maxTokens))
	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		for chunk, err := range stream {
			if err != nil {
				select {
				case out <- StreamChunk{Err: classifyProviderError(err)}:
				case <-ctx.Done():
				}
				return
			}
			if chunk.PromptFeedback != nil {
				select {
				case out <- StreamChunk{Err: &ProviderError{
					Retryable: false,
					Cause:     fmt.Errorf("content violation: %s", chunk.PromptFeedback.BlockReasonMessage),
				}}:
				case <-ctx.Done():
				}
				return
			}
			text := chunk.Text()
			if text == "" {
				continue
			}
			select {
			case out <- StreamChunk{Text: text}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
