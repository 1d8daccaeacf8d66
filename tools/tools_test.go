package tools_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bidstack/operator/toolerrors"
	"github.com/bidstack/operator/tools"
)

func echoTool(name string, write bool) tools.Tool {
	return tools.Tool{
		Name:        name,
		Description: "echo for tests",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"text": {"type": "string", "minLength": 1}},
			"required": ["text"],
			"additionalProperties": false
		}`),
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{"text": args["text"]}, nil
		},
		Write: write,
	}
}

func TestRegisterRejectsBadDefinitions(t *testing.T) {
	r := tools.NewRegistry()

	require.Error(t, r.Register(tools.Tool{Description: "x", Handler: func(context.Context, map[string]any) (any, error) { return nil, nil }}))
	require.Error(t, r.Register(tools.Tool{Name: "no_handler", Description: "x"}))
	require.Error(t, r.Register(tools.Tool{Name: "no_desc", Handler: func(context.Context, map[string]any) (any, error) { return nil, nil }}))
	require.Error(t, r.Register(tools.Tool{
		Name:        "bad_schema",
		Description: "x",
		Schema:      json.RawMessage(`{"type":`),
		Handler:     func(context.Context, map[string]any) (any, error) { return nil, nil },
	}))

	require.NoError(t, r.Register(echoTool("echo", false)))
	require.Error(t, r.Register(echoTool("echo", false)))
}

func TestDispatchValidatesArguments(t *testing.T) {
	r := tools.NewRegistry()
	r.MustRegister(echoTool("echo", false))
	ctx := context.Background()

	_, err := r.Dispatch(ctx, "nope", nil, false)
	requireKind(t, err, toolerrors.KindNotFound)

	_, err = r.Dispatch(ctx, "echo", json.RawMessage(`[1]`), false)
	requireKind(t, err, toolerrors.KindValidation)

	_, err = r.Dispatch(ctx, "echo", json.RawMessage(`{"text": ""}`), false)
	requireKind(t, err, toolerrors.KindValidation)

	_, err = r.Dispatch(ctx, "echo", json.RawMessage(`{"text": "hi", "extra": 1}`), false)
	requireKind(t, err, toolerrors.KindValidation)

	out, err := r.Dispatch(ctx, "echo", json.RawMessage(`{"text": "hi"}`), false)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"text": "hi"}, out)
}

func TestDispatchGatesWriteTools(t *testing.T) {
	r := tools.NewRegistry()
	r.MustRegister(echoTool("echo_write", true))
	ctx := context.Background()

	_, err := r.Dispatch(ctx, "echo_write", json.RawMessage(`{"text": "hi"}`), false)
	requireKind(t, err, toolerrors.KindNotAllowed)

	_, err = r.Dispatch(ctx, "echo_write", json.RawMessage(`{"text": "hi"}`), true)
	require.NoError(t, err)
}

func TestDispatchClipsLongStringArgs(t *testing.T) {
	r := tools.NewRegistry()
	var got string
	r.MustRegister(tools.Tool{
		Name:        "sink",
		Description: "records its argument",
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			got, _ = args["text"].(string)
			return nil, nil
		},
	})

	long := strings.Repeat("a", 10000)
	raw, err := json.Marshal(map[string]any{"text": long})
	require.NoError(t, err)
	_, err = r.Dispatch(context.Background(), "sink", raw, false)
	require.NoError(t, err)
	require.Less(t, len(got), len(long))
}

func TestDefinitionsFilterWrites(t *testing.T) {
	r := tools.NewRegistry()
	r.MustRegister(echoTool("read_one", false))
	r.MustRegister(echoTool("write_one", true))

	all := r.Definitions(true)
	require.Len(t, all, 2)

	reads := r.Definitions(false)
	require.Len(t, reads, 1)
	require.Equal(t, "read_one", reads[0].Name)

	require.Equal(t, []string{"read_one", "write_one"}, r.Names())
}

func TestDispatchWrapsHandlerErrors(t *testing.T) {
	r := tools.NewRegistry()
	r.MustRegister(tools.Tool{
		Name:        "boom",
		Description: "always fails",
		Handler: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("backend unavailable")
		},
	})

	_, err := r.Dispatch(context.Background(), "boom", nil, false)
	var te *toolerrors.ToolError
	require.ErrorAs(t, err, &te)

	payload := tools.Payload(nil, err)
	require.Equal(t, false, payload["ok"])

	ok := tools.Payload(map[string]any{"n": 1}, nil)
	require.Equal(t, true, ok["ok"])
}

func requireKind(t *testing.T, err error, kind toolerrors.Kind) {
	t.Helper()
	var te *toolerrors.ToolError
	require.ErrorAs(t, err, &te)
	require.Equal(t, kind, te.Kind)
}
