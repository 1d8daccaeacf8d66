package tools

import (
	"context"
	"encoding/json"

	"github.com/bidstack/operator/intake"
	"github.com/bidstack/operator/slackadapter"
	"github.com/bidstack/operator/toolerrors"
)

// slackFileMaxBytes bounds downloads from chat file shares.
const slackFileMaxBytes = 5 << 20

// RegisterSlack adds the chat platform tools. Posting tools require
// operator mode; the adapter enforces the channel allowlist.
func RegisterSlack(r *Registry, chat *slackadapter.Adapter, rfpIntake *intake.Pipeline) {
	r.MustRegister(Tool{
		Name:        "slack_list_recent_messages",
		Description: "List the latest messages in a channel, newest first.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"channelId": {"type": "string", "minLength": 1},
				"limit": {"type": "integer", "minimum": 1, "maximum": 100}
			},
			"required": ["channelId"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return chat.RecentMessages(ctx, argString(args, "channelId"), argInt(args, "limit"))
		},
	})

	r.MustRegister(Tool{
		Name:        "slack_get_thread",
		Description: "Read the replies of a thread, oldest first.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"channelId": {"type": "string", "minLength": 1},
				"threadTs": {"type": "string", "minLength": 1},
				"limit": {"type": "integer", "minimum": 1, "maximum": 200}
			},
			"required": ["channelId", "threadTs"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return chat.Thread(ctx, argString(args, "channelId"), argString(args, "threadTs"), argInt(args, "limit"))
		},
	})

	r.MustRegister(Tool{
		Name:        "slack_create_canvas",
		Description: "Create a canvas document with markdown content.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"title": {"type": "string", "minLength": 1},
				"markdown": {"type": "string", "minLength": 1}
			},
			"required": ["title", "markdown"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			id, err := chat.CreateCanvas(ctx, argString(args, "title"), argString(args, "markdown"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"canvasId": id}, nil
		},
		Write: true,
	})

	r.MustRegister(Tool{
		Name:        "slack_post_summary",
		Description: "Post a summary message to a channel, optionally threaded.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"channelId": {"type": "string", "minLength": 1},
				"threadTs": {"type": "string"},
				"text": {"type": "string", "minLength": 1}
			},
			"required": ["channelId", "text"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			ts, err := chat.PostMessage(ctx, argString(args, "channelId"), argString(args, "threadTs"), argString(args, "text"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"ts": ts}, nil
		},
		Write: true,
	})

	r.MustRegister(Tool{
		Name:        "slack_ask_clarifying_question",
		Description: "Ask the user a clarifying question in the thread instead of guessing.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"channelId": {"type": "string", "minLength": 1},
				"threadTs": {"type": "string"},
				"question": {"type": "string", "minLength": 1}
			},
			"required": ["channelId", "question"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			ts, err := chat.PostMessage(ctx, argString(args, "channelId"), argString(args, "threadTs"), argString(args, "question"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"ts": ts, "asked": true}, nil
		},
		Write: true,
	})

	r.MustRegister(Tool{
		Name:        "slack_send_dm",
		Description: "Send a direct message to a user.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"userId": {"type": "string", "minLength": 1},
				"text": {"type": "string", "minLength": 1}
			},
			"required": ["userId", "text"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			ts, err := chat.SendDM(ctx, argString(args, "userId"), argString(args, "text"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"ts": ts}, nil
		},
		Write: true,
	})

	r.MustRegister(Tool{
		Name:        "rfp_create_from_slack_file",
		Description: "Download a shared document and file it as a new RFP: profile, key dates and task list are extracted and persisted.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"fileId": {"type": "string", "minLength": 1}},
			"required": ["fileId"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			fileID := argString(args, "fileId")
			raw, name, err := chat.DownloadFile(ctx, fileID, slackFileMaxBytes)
			if err != nil {
				return nil, err
			}
			text := intake.DecodeText(raw, "")
			if text == "" {
				return nil, toolerrors.NewKind(toolerrors.KindValidation, "file is not extractable text")
			}
			return rfpIntake.CreateRFP(ctx, intake.Input{
				FileName: name,
				Text:     text,
				Raw:      raw,
				Source:   "slack_file:" + fileID,
			})
		},
		Write: true,
	})
}
