// Package openai provides a model.Client backed by the OpenAI Chat
// Completions API via github.com/sashabaranov/go-openai.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/bidstack/operator/model"
)

// ChatClient captures the subset of the go-openai client used by the
// adapter. Satisfied by *openai.Client; tests pass a mock.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (
		*openai.ChatCompletionStream, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	Client       ChatClient
	DefaultModel string
}

// Client implements model.Client via the OpenAI Chat Completions API.
type Client struct {
	chat  ChatClient
	model string
}

// New builds an OpenAI-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: opts.Client, model: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs a client using the default go-openai HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return New(Options{Client: openai.NewClient(apiKey), DefaultModel: defaultModel})
}

// Complete renders a chat completion using the configured OpenAI client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	request, err := c.buildRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	response, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return model.Response{}, classify(err)
	}
	return translateResponse(response), nil
}

// Stream implements model.Streamer over chat completion streaming.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.StreamReader, error) {
	request, err := c.buildRequest(req)
	if err != nil {
		return nil, err
	}
	request.Stream = true
	stream, err := c.chat.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return nil, classify(err)
	}
	return &streamReader{stream: stream}, nil
}

type streamReader struct {
	stream *openai.ChatCompletionStream
}

func (r *streamReader) Recv() (string, error) {
	for {
		chunk, err := r.stream.Recv()
		if err != nil {
			return "", err
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		return chunk.Choices[0].Delta.Content, nil
	}
}

func (r *streamReader) Close() error { return r.stream.Close() }

func (c *Client) buildRequest(req model.Request) (openai.ChatCompletionRequest, error) {
	if len(req.Messages) == 0 {
		return openai.ChatCompletionRequest{}, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		cm := openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
		if m.ToolCallID != "" {
			cm.ToolCallID = m.ToolCallID
		}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		messages = append(messages, cm)
	}
	request := openai.ChatCompletionRequest{
		Model:           modelID,
		Messages:        messages,
		Temperature:     req.Temperature,
		MaxTokens:       req.MaxTokens,
		Tools:           encodeTools(req.Tools),
		ReasoningEffort: req.ReasoningEffort,
		Verbosity:       req.Verbosity,
	}
	if req.PreviousResponseID != "" {
		// Chat Completions has no native response chaining; the reference
		// travels as stored-completion metadata.
		request.Metadata = map[string]string{"previous_response_id": req.PreviousResponseID}
	}
	if rf := req.ResponseFormat; rf != nil {
		switch {
		case len(rf.JSONSchema) > 0:
			name := rf.Name
			if name == "" {
				name = "response"
			}
			request.ResponseFormat = &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
				JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
					Name:   name,
					Schema: json.RawMessage(rf.JSONSchema),
					Strict: true,
				},
			}
		case rf.JSONObject:
			request.ResponseFormat = &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			}
		}
	}
	return request, nil
}

func encodeTools(defs []model.ToolDefinition) []openai.Tool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  json.RawMessage(def.InputSchema),
			},
		})
	}
	return out
}

func translateResponse(resp openai.ChatCompletionResponse) model.Response {
	out := model.Response{
		Model: resp.Model,
		Usage: model.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.Text = choice.Message.Content
	out.StopReason = string(choice.FinishReason)
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out
}

func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 429:
			return fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		case 401, 403, 404:
			if apiErr.HTTPStatusCode == 404 || strings.Contains(strings.ToLower(apiErr.Message), "model") {
				return fmt.Errorf("%w: %w", model.ErrModelAccess, err)
			}
		}
	}
	return fmt.Errorf("openai chat completion: %w", err)
}
