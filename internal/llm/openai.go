// Package llm adapts chat completion backends to the turn controller.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/azure"
	"github.com/openai/openai-go/v3/option"

	"github.com/chadiek/companion/internal/agent"
	"github.com/chadiek/companion/internal/apperr"
	"github.com/chadiek/companion/internal/capability"
)

// OpenAIReasoner talks to any OpenAI-compatible chat completions endpoint
// (OpenAI, Azure OpenAI, Cerebras and similar).
type OpenAIReasoner struct {
	client     openai.Client
	model      string
	missingKey bool
}

// NewOpenAIReasoner builds a reasoner for baseURL, or the OpenAI API when
// baseURL is empty. The controller owns retries and timeouts.
func NewOpenAIReasoner(apiKey, baseURL, model string, opts ...option.RequestOption) *OpenAIReasoner {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	reqOpts = append(reqOpts, opts...)
	return &OpenAIReasoner{client: openai.NewClient(reqOpts...), model: model, missingKey: apiKey == ""}
}

// NewAzureReasoner targets an Azure OpenAI deployment.
func NewAzureReasoner(endpoint, apiVersion, apiKey, deployment string) *OpenAIReasoner {
	client := openai.NewClient(
		azure.WithEndpoint(endpoint, apiVersion),
		azure.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	)
	return &OpenAIReasoner{client: client, model: deployment, missingKey: apiKey == ""}
}

// Respond sends the whole history and returns either the reply text or the
// first tool call the model asked for.
func (r *OpenAIReasoner) Respond(ctx context.Context, history []agent.Turn, tools []capability.Definition) (agent.Reply, error) {
	if r.missingKey {
		return agent.Reply{}, apperr.New(apperr.KindReasoning, "llm.respond", errors.New("api key missing"))
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(r.model),
		Messages: renderHistory(history),
	}
	if len(tools) > 0 {
		params.Tools = renderTools(tools)
	}
	resp, err := r.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return agent.Reply{}, apperr.New(apperr.KindReasoning, "llm.respond", err)
	}
	if len(resp.Choices) == 0 {
		return agent.Reply{}, apperr.New(apperr.KindReasoning, "llm.respond", errors.New("empty choices"))
	}
	msg := resp.Choices[0].Message
	for _, tc := range msg.ToolCalls {
		if tc.Function.Name == "" {
			continue
		}
		return agent.Reply{Call: &capability.Request{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		}}, nil
	}
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return agent.Reply{}, apperr.New(apperr.KindReasoning, "llm.respond", errors.New("empty reply"))
	}
	return agent.Reply{Text: text}, nil
}

// renderHistory maps turns onto chat messages. A context turn becomes the
// assistant tool call it answers followed by the tool result.
func renderHistory(history []agent.Turn) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	for i, t := range history {
		switch t.Role {
		case agent.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(t.Text))
		case agent.RoleUser:
			msgs = append(msgs, openai.UserMessage(t.Text))
		case agent.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(t.Text))
		case agent.RoleContext:
			id, name, args := fmt.Sprintf("ctx_%d", i), capability.EnvironmentToolName, "{}"
			if t.Call != nil {
				if t.Call.ID != "" {
					id = t.Call.ID
				}
				if t.Call.Name != "" {
					name = t.Call.Name
				}
				if t.Call.Arguments != "" {
					args = t.Call.Arguments
				}
			}
			msgs = append(msgs, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					ToolCalls: []openai.ChatCompletionMessageToolCallUnionParam{{
						OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
							ID: id,
							Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
								Name:      name,
								Arguments: args,
							},
						},
					}},
				},
			})
			content := t.Text
			if t.Failed {
				content = "error: " + content
			}
			msgs = append(msgs, openai.ToolMessage(content, id))
		}
	}
	return msgs
}

func renderTools(defs []capability.Definition) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(defs))
	for _, d := range defs {
		params := d.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        d.Name,
			Description: openai.String(d.Description),
			Parameters:  openai.FunctionParameters(params),
		}))
	}
	return out
}
