package vision

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/azure"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIService calls a chat completions deployment with an inline image.
// The original device talked to Azure OpenAI; plain OpenAI and any
// compatible base URL work the same way.
type OpenAIService struct {
	client openai.Client
	model  string
}

// NewOpenAIService builds a client for the OpenAI API or a compatible
// base URL. Retries are disabled: one analysis, one call.
func NewOpenAIService(apiKey, baseURL, model string, opts ...option.RequestOption) *OpenAIService {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	reqOpts = append(reqOpts, opts...)
	return &OpenAIService{client: openai.NewClient(reqOpts...), model: model}
}

// NewAzureService targets an Azure OpenAI deployment.
func NewAzureService(endpoint, apiVersion, apiKey, deployment string) *OpenAIService {
	client := openai.NewClient(
		azure.WithEndpoint(endpoint, apiVersion),
		azure.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	)
	return &OpenAIService{client: client, model: deployment}
}

func (s *OpenAIService) Describe(ctx context.Context, p Prompt) (string, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s", p.MediaType, base64.StdEncoding.EncodeToString(p.Image))

	resp, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(s.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(p.System),
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(p.User),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
			}),
		},
		Temperature: openai.Float(p.Sampling.Temperature),
		TopP:        openai.Float(p.Sampling.TopP),
		MaxTokens:   openai.Int(int64(p.Sampling.MaxTokens)),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}
