// Package slackadapter wraps the Slack Web API behind a narrow interface
// with a channel allowlist. All outward posts from the agent and the job
// handlers go through it.
package slackadapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/slack-go/slack"

	"github.com/bidstack/operator/telemetry"
	"github.com/bidstack/operator/toolerrors"
)

// API captures the subset of the slack-go client used by the adapter.
// Satisfied by *slack.Client; tests pass a mock.
type API interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	GetConversationHistoryContext(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error)
	GetConversationRepliesContext(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error)
	OpenConversationContext(ctx context.Context, params *slack.OpenConversationParameters) (*slack.Channel, bool, bool, error)
	CreateCanvasContext(ctx context.Context, title string, documentContent slack.DocumentContent) (string, error)
	GetFileInfoContext(ctx context.Context, fileID string, count, page int) (*slack.File, []slack.Comment, *slack.Paging, error)
	GetUserInfoContext(ctx context.Context, user string) (*slack.User, error)
}

type (
	// Options configures the adapter. An empty allowlist permits all
	// channels; production config always sets one.
	Options struct {
		Client          API
		AllowedChannels []string
		BotToken        string
		HTTPClient      *http.Client
		Logger          telemetry.Logger
	}

	// Message is a slimmed Slack message.
	Message struct {
		User     string `json:"user"`
		Text     string `json:"text"`
		TS       string `json:"ts"`
		ThreadTS string `json:"threadTs,omitempty"`
		BotID    string `json:"botId,omitempty"`
	}

	// Adapter is the Slack surface used by tools and job handlers.
	Adapter struct {
		api      API
		allowed  map[string]struct{}
		botToken string
		httpc    *http.Client
		logger   telemetry.Logger
	}
)

// New builds a Slack adapter.
func New(opts Options) (*Adapter, error) {
	if opts.Client == nil {
		return nil, errors.New("slackadapter: Client is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NopLogger{}
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	allowed := make(map[string]struct{}, len(opts.AllowedChannels))
	for _, ch := range opts.AllowedChannels {
		allowed[ch] = struct{}{}
	}
	return &Adapter{
		api:      opts.Client,
		allowed:  allowed,
		botToken: opts.BotToken,
		httpc:    opts.HTTPClient,
		logger:   opts.Logger,
	}, nil
}

func (a *Adapter) checkChannel(channelID string) error {
	if len(a.allowed) == 0 {
		return nil
	}
	if _, ok := a.allowed[channelID]; !ok {
		return toolerrors.NewKind(toolerrors.KindNotAllowed, fmt.Sprintf("channel %s is not allowlisted", channelID))
	}
	return nil
}

// PostMessage posts text to a channel, optionally threaded.
func (a *Adapter) PostMessage(ctx context.Context, channelID, threadTS, text string) (string, error) {
	if err := a.checkChannel(channelID); err != nil {
		return "", err
	}
	msgOpts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		msgOpts = append(msgOpts, slack.MsgOptionTS(threadTS))
	}
	_, ts, err := a.api.PostMessageContext(ctx, channelID, msgOpts...)
	if err != nil {
		return "", fmt.Errorf("slackadapter: post message: %w", err)
	}
	return ts, nil
}

// SendDM opens a direct conversation with a user and posts text.
func (a *Adapter) SendDM(ctx context.Context, userID, text string) (string, error) {
	channel, _, _, err := a.api.OpenConversationContext(ctx, &slack.OpenConversationParameters{Users: []string{userID}})
	if err != nil {
		return "", fmt.Errorf("slackadapter: open dm: %w", err)
	}
	_, ts, err := a.api.PostMessageContext(ctx, channel.ID, slack.MsgOptionText(text, false))
	if err != nil {
		return "", fmt.Errorf("slackadapter: send dm: %w", err)
	}
	return ts, nil
}

// RecentMessages returns the latest channel messages, newest first.
func (a *Adapter) RecentMessages(ctx context.Context, channelID string, limit int) ([]Message, error) {
	if err := a.checkChannel(channelID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	resp, err := a.api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Limit:     limit,
	})
	if err != nil {
		return nil, fmt.Errorf("slackadapter: conversation history: %w", err)
	}
	out := make([]Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		out = append(out, convert(m))
	}
	return out, nil
}

// Thread returns the replies of a thread, oldest first.
func (a *Adapter) Thread(ctx context.Context, channelID, threadTS string, limit int) ([]Message, error) {
	if err := a.checkChannel(channelID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	msgs, _, _, err := a.api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
		ChannelID: channelID,
		Timestamp: threadTS,
		Limit:     limit,
	})
	if err != nil {
		return nil, fmt.Errorf("slackadapter: conversation replies: %w", err)
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, convert(m))
	}
	return out, nil
}

// ThreadHistory renders a thread as "user: text" lines for the context
// builder.
func (a *Adapter) ThreadHistory(ctx context.Context, channelID, threadTS string, depth int) ([]string, error) {
	msgs, err := a.Thread(ctx, channelID, threadTS, depth)
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		who := m.User
		if who == "" {
			who = m.BotID
		}
		lines = append(lines, who+": "+m.Text)
	}
	return lines, nil
}

// CreateCanvas creates a canvas document with markdown content.
func (a *Adapter) CreateCanvas(ctx context.Context, title, markdown string) (string, error) {
	id, err := a.api.CreateCanvasContext(ctx, title, slack.DocumentContent{
		Type:     "markdown",
		Markdown: markdown,
	})
	if err != nil {
		return "", fmt.Errorf("slackadapter: create canvas: %w", err)
	}
	return id, nil
}

// UserDisplayName resolves a user id to a display name.
func (a *Adapter) UserDisplayName(ctx context.Context, userID string) (string, error) {
	user, err := a.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("slackadapter: user info: %w", err)
	}
	if user.Profile.DisplayName != "" {
		return user.Profile.DisplayName, nil
	}
	return user.RealName, nil
}

// DownloadFile fetches a shared file's bytes, bounded by maxBytes.
func (a *Adapter) DownloadFile(ctx context.Context, fileID string, maxBytes int64) ([]byte, string, error) {
	info, _, _, err := a.api.GetFileInfoContext(ctx, fileID, 0, 0)
	if err != nil {
		return nil, "", fmt.Errorf("slackadapter: file info: %w", err)
	}
	url := info.URLPrivateDownload
	if url == "" {
		url = info.URLPrivate
	}
	if url == "" {
		return nil, "", toolerrors.NewKind(toolerrors.KindNotFound, "file has no download URL")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("slackadapter: build download request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.botToken)
	resp, err := a.httpc.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("slackadapter: download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("slackadapter: download file: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("slackadapter: read file: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, "", toolerrors.NewKind(toolerrors.KindValidation, fmt.Sprintf("file exceeds %d bytes", maxBytes))
	}
	return data, info.Name, nil
}

func convert(m slack.Message) Message {
	return Message{
		User:     m.User,
		Text:     strings.TrimSpace(m.Text),
		TS:       m.Timestamp,
		ThreadTS: m.ThreadTimestamp,
		BotID:    m.BotID,
	}
}
