// Package anthropic provides a chatmodel.Client implementation backed by the
// Anthropic Claude Messages API. It translates kernel ChatRequests into
// anthropic.Message calls using github.com/anthropics/anthropic-sdk-go and
// maps responses (text, tool calls, usage) back into chatmodel's
// provider-agnostic shapes.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"deepresearch/chatmodel"
)

// MessagesClient captures the subset of the Anthropic SDK used by the
// adapter, so tests can substitute a fake in place of *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Client implements chatmodel.Client on top of Anthropic Claude Messages.
type Client struct {
	msg          MessagesClient
	defaultModel string
	maxTokens    int
	temperature  float64
}

// Options configures optional adapter behavior.
type Options struct {
	// DefaultModel is used when ChatRequest.Model is empty.
	DefaultModel string
	// MaxTokens sets the default completion cap when a request does not
	// specify one.
	MaxTokens int
	// Temperature is used when a request specifies zero.
	Temperature float64
}

// New builds an Anthropic-backed chatmodel.Client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTokens:    maxTokens,
		temperature:  opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client
// authenticated with apiKey, which must be non-empty.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Chat implements chatmodel.Client.
func (c *Client) Chat(ctx context.Context, req chatmodel.ChatRequest) (chatmodel.ChatResponse, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return chatmodel.ChatResponse{}, err
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return chatmodel.ChatResponse{}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return translateResponse(msg)
}

func (c *Client) prepareRequest(req chatmodel.ChatRequest) (sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return sdk.MessageNewParams{}, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	msgs, system, err := encodeMessages(req.Messages)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		params.Tools = encodeTools(req.Tools)
	}
	if t := req.Temperature; t > 0 {
		params.Temperature = sdk.Float(t)
	} else if c.temperature > 0 {
		params.Temperature = sdk.Float(c.temperature)
	}
	return params, nil
}

func encodeMessages(msgs []chatmodel.Message) ([]sdk.MessageParam, string, error) {
	out := make([]sdk.MessageParam, 0, len(msgs))
	var system string
	for _, m := range msgs {
		if m.Role == chatmodel.RoleSystem {
			system += m.Text()
			continue
		}
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch p := part.(type) {
			case chatmodel.TextPart:
				if p.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(p.Text))
				}
			case chatmodel.ToolCallPart:
				var input any
				if len(p.Arguments) > 0 {
					if err := json.Unmarshal(p.Arguments, &input); err != nil {
						return nil, "", fmt.Errorf("anthropic: decoding tool call arguments: %w", err)
					}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(p.ID, input, p.Name))
			case chatmodel.ToolResultPart:
				blocks = append(blocks, sdk.NewToolResultBlock(p.ToolCallID, p.Content, p.IsError))
			}
		}
		role := sdk.MessageParamRoleUser
		if m.Role == chatmodel.RoleAssistant {
			role = sdk.MessageParamRoleAssistant
		}
		out = append(out, sdk.MessageParam{Role: role, Content: blocks})
	}
	return out, system, nil
}

func encodeTools(specs []chatmodel.ToolSpec) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(specs))
	for _, s := range specs {
		var schema sdk.ToolInputSchemaParam
		if len(s.Schema) > 0 {
			var raw map[string]any
			if err := json.Unmarshal(s.Schema, &raw); err == nil {
				schema = sdk.ToolInputSchemaParam{Properties: raw["properties"]}
			}
		}
		out = append(out, sdk.ToolUnionParamOfTool(schema, s.Name))
	}
	return out
}

func translateResponse(msg *sdk.Message) (chatmodel.ChatResponse, error) {
	if msg == nil {
		return chatmodel.ChatResponse{}, errors.New("anthropic: response message is nil")
	}
	var parts []chatmodel.Part
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				parts = append(parts, chatmodel.TextPart{Text: block.Text})
			}
		case "tool_use":
			args, err := json.Marshal(block.Input)
			if err != nil {
				return chatmodel.ChatResponse{}, fmt.Errorf("anthropic: encoding tool_use input: %w", err)
			}
			parts = append(parts, chatmodel.ToolCallPart{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}
	return chatmodel.ChatResponse{
		Message: chatmodel.Message{Role: chatmodel.RoleAssistant, Parts: parts},
		Usage: chatmodel.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}, nil
}
