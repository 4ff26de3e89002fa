// Package slack is a thin wrapper around the slack-go SDK for posting
// and editing the per-run progress message.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"
)

const apiTimeout = 10 * time.Second

// Client posts and edits plain-text messages in one channel.
type Client struct {
	api       *goslack.Client
	channelID string
	logger    *slog.Logger
}

// NewClient creates a new Slack API client.
func NewClient(token, channelID string) *Client {
	return &Client{
		api:       goslack.New(token),
		channelID: channelID,
		logger:    slog.Default().With("component", "slack-client"),
	}
}

// NewClientWithAPIURL creates a Slack API client that targets a custom API URL.
// Useful for testing with a mock server.
func NewClientWithAPIURL(token, channelID, apiURL string) *Client {
	return &Client{
		api:       goslack.New(token, goslack.OptionAPIURL(apiURL)),
		channelID: channelID,
		logger:    slog.Default().With("component", "slack-client"),
	}
}

// PostMessage sends a plain-text message to the configured channel and
// returns the new message timestamp. If threadTS is non-empty, the
// message is posted as a threaded reply.
func (c *Client) PostMessage(ctx context.Context, text, threadTS string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, apiTimeout)
	defer cancel()

	opts := []goslack.MsgOption{
		goslack.MsgOptionText(text, false),
	}
	if threadTS != "" {
		opts = append(opts, goslack.MsgOptionTS(threadTS))
	}

	_, ts, err := c.api.PostMessageContext(ctx, c.channelID, opts...)
	if err != nil {
		return "", fmt.Errorf("chat.postMessage failed: %w", err)
	}
	return ts, nil
}

// UpdateMessage edits a previously posted message in place.
func (c *Client) UpdateMessage(ctx context.Context, ts, text string) error {
	ctx, cancel := context.WithTimeout(ctx, apiTimeout)
	defer cancel()

	_, _, _, err := c.api.UpdateMessageContext(ctx, c.channelID, ts, goslack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("chat.update failed: %w", err)
	}
	return nil
}
