package vision

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiService describes images with a Gemini model.
type GeminiService struct {
	client *genai.Client
	model  string
}

// NewGeminiService creates a Gemini API client.
func NewGeminiService(ctx context.Context, apiKey, model string) (*GeminiService, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	return &GeminiService{client: client, model: model}, nil
}

func (s *GeminiService) Describe(ctx context.Context, p Prompt) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(p.User),
			genai.NewPartFromBytes(p.Image, p.MediaType),
		}, genai.RoleUser),
	}
	resp, err := s.client.Models.GenerateContent(ctx, s.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(p.System, genai.RoleUser),
		Temperature:       genai.Ptr(float32(p.Sampling.Temperature)),
		TopP:              genai.Ptr(float32(p.Sampling.TopP)),
		MaxOutputTokens:   int32(p.Sampling.MaxTokens),
	})
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	return resp.Text(), nil
}
