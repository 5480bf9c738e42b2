// Package openai provides a chatmodel.Client implementation backed by the
// OpenAI Chat Completions API, using github.com/openai/openai-go. It
// translates kernel ChatRequests into ChatCompletion calls and maps responses
// (text, tool calls, usage) back into chatmodel's provider-agnostic shapes.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"deepresearch/chatmodel"
)

// ChatClient captures the subset of the openai-go client used by the
// adapter, so tests can substitute a fake.
type ChatClient interface {
	New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float64
}

// Client implements chatmodel.Client via the OpenAI Chat Completions API.
type Client struct {
	chat        ChatClient
	model       string
	maxTokens   int
	temperature float64
}

// New builds an OpenAI-backed chatmodel.Client.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	modelID := strings.TrimSpace(opts.DefaultModel)
	if modelID == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: chat, model: modelID, maxTokens: opts.MaxTokens, temperature: opts.Temperature}, nil
}

// NewFromAPIKey constructs a client using the default openai-go HTTP client
// authenticated with apiKey, which must be non-blank.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Chat.Completions, Options{DefaultModel: defaultModel})
}

// Chat implements chatmodel.Client.
func (c *Client) Chat(ctx context.Context, req chatmodel.ChatRequest) (chatmodel.ChatResponse, error) {
	if len(req.Messages) == 0 {
		return chatmodel.ChatResponse{}, errors.New("openai: messages are required")
	}
	modelID := strings.TrimSpace(req.Model)
	if modelID == "" {
		modelID = c.model
	}
	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return chatmodel.ChatResponse{}, err
	}
	params := sdk.ChatCompletionNewParams{
		Model:    modelID,
		Messages: messages,
	}
	if len(req.Tools) > 0 {
		params.Tools = encodeTools(req.Tools)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(maxTokens))
	}
	if t := req.Temperature; t > 0 {
		params.Temperature = sdk.Float(t)
	} else if c.temperature > 0 {
		params.Temperature = sdk.Float(c.temperature)
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return chatmodel.ChatResponse{}, fmt.Errorf("openai chat.completions.new: %w", err)
	}
	return translateResponse(resp)
}

func encodeMessages(msgs []chatmodel.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case chatmodel.RoleSystem:
			out = append(out, sdk.SystemMessage(m.Text()))
		case chatmodel.RoleUser:
			out = append(out, sdk.UserMessage(m.Text()))
		case chatmodel.RoleTool:
			for _, p := range m.Parts {
				if r, ok := p.(chatmodel.ToolResultPart); ok {
					out = append(out, sdk.ToolMessage(r.Content, r.ToolCallID))
				}
			}
		case chatmodel.RoleAssistant:
			msg, err := encodeAssistant(m)
			if err != nil {
				return nil, err
			}
			out = append(out, msg)
		}
	}
	return out, nil
}

func encodeAssistant(m chatmodel.Message) (sdk.ChatCompletionMessageParamUnion, error) {
	var calls []sdk.ChatCompletionMessageToolCallParam
	for _, p := range m.Parts {
		if tc, ok := p.(chatmodel.ToolCallPart); ok {
			calls = append(calls, sdk.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: sdk.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
	}
	msg := sdk.ChatCompletionAssistantMessageParam{
		Content: sdk.ChatCompletionAssistantMessageParamContentUnion{
			OfString: sdk.String(m.Text()),
		},
		ToolCalls: calls,
	}
	return sdk.ChatCompletionMessageParamUnion{OfAssistant: &msg}, nil
}

func encodeTools(specs []chatmodel.ToolSpec) []sdk.ChatCompletionToolParam {
	out := make([]sdk.ChatCompletionToolParam, 0, len(specs))
	for _, s := range specs {
		var params map[string]any
		if len(s.Schema) > 0 {
			_ = json.Unmarshal(s.Schema, &params)
		}
		out = append(out, sdk.ChatCompletionToolParam{
			Function: sdk.FunctionDefinitionParam{
				Name:        s.Name,
				Description: sdk.String(s.Description),
				Parameters:  params,
			},
		})
	}
	return out
}

func translateResponse(resp *sdk.ChatCompletion) (chatmodel.ChatResponse, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return chatmodel.ChatResponse{}, errors.New("openai: response contains no choices")
	}
	choice := resp.Choices[0]
	var parts []chatmodel.Part
	if choice.Message.Content != "" {
		parts = append(parts, chatmodel.TextPart{Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		parts = append(parts, chatmodel.ToolCallPart{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return chatmodel.ChatResponse{
		Message: chatmodel.Message{Role: chatmodel.RoleAssistant, Parts: parts},
		Usage: chatmodel.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}
