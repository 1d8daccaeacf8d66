// Package model defines the provider-neutral request and response shapes
// for AI completions, plus the Client contract implemented by the provider
// adapters in the subpackages.
package model

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// Sentinel errors surfaced by provider adapters so callers can branch on
// failure class without knowing the provider.
var (
	// ErrRateLimited marks provider throttling. Retryable with backoff.
	ErrRateLimited = errors.New("model: rate limited")

	// ErrModelAccess marks an unknown or unauthorized model identifier.
	// Not retryable on the same model; callers fall through to the next
	// model in their chain.
	ErrModelAccess = errors.New("model: model access")
)

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

type (
	// Message is one turn of a conversation.
	Message struct {
		Role    string
		Content string
		// ToolCallID links a RoleTool message to the call it answers.
		ToolCallID string
		// ToolCalls carries assistant-requested tool invocations when the
		// message is an assistant turn replayed into the transcript.
		ToolCalls []ToolCall
	}

	// ToolDefinition advertises one callable tool to the model.
	ToolDefinition struct {
		Name        string
		Description string
		InputSchema json.RawMessage
	}

	// ToolCall is a model-requested tool invocation.
	ToolCall struct {
		ID        string
		Name      string
		Arguments json.RawMessage
	}

	// ResponseFormat constrains the completion output shape.
	ResponseFormat struct {
		// JSONObject requests generic JSON-object output.
		JSONObject bool
		// JSONSchema requests schema-strict output when the provider
		// supports it. Name labels the schema for the provider.
		JSONSchema json.RawMessage
		Name       string
	}

	// Request is a provider-neutral completion request.
	Request struct {
		Model          string
		Messages       []Message
		Tools          []ToolDefinition
		MaxTokens      int
		Temperature    float32
		ResponseFormat *ResponseFormat
		// ReasoningEffort is "low", "medium" or "high" for models that
		// support it; providers that do not simply ignore it.
		ReasoningEffort string
		// Verbosity is "low", "medium" or "high" output verbosity for
		// models that support it.
		Verbosity string
		// PreviousResponseID references an earlier provider response so
		// the model can carry its reasoning state forward. Providers
		// without stored completions ignore it.
		PreviousResponseID string
	}

	// Usage reports token consumption for one call.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// Response is a provider-neutral completion response.
	Response struct {
		Text       string
		ToolCalls  []ToolCall
		Usage      Usage
		StopReason string
		Model      string
	}

	// Client is implemented by provider adapters.
	Client interface {
		Complete(ctx context.Context, req Request) (Response, error)
	}

	// StreamReader yields completion text incrementally. Recv returns
	// io.EOF when the stream ends.
	StreamReader interface {
		Recv() (string, error)
		Close() error
	}

	// Streamer is implemented by adapters that support incremental output.
	Streamer interface {
		Stream(ctx context.Context, req Request) (StreamReader, error)
	}
)

// IsAccessError reports whether an error message indicates the model id is
// unknown or unavailable to the caller, independent of provider phrasing.
func IsAccessError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrModelAccess) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pat := range []string{"model_not_found", "does not exist", "unknown model", "access denied", "not authorized", "unsupported model"} {
		if strings.Contains(msg, pat) {
			return true
		}
	}
	return false
}
