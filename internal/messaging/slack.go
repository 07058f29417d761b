// Package messaging posts finished reports to the chat surface.
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Surface delivers one message to a channel. Failures are transient from the
// caller's point of view and retried on the next delivery cycle.
type Surface interface {
	Post(ctx context.Context, channelID, text string) error
}

const defaultSlackURL = "https://slack.com/api"

// SlackClient posts via chat.postMessage with a bot token.
type SlackClient struct {
	token   string
	baseURL string
	client  *http.Client
}

func NewSlackClient(token string) *SlackClient {
	return &SlackClient{
		token:   token,
		baseURL: defaultSlackURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// NewSlackClientURL overrides the API base URL (tests).
func NewSlackClientURL(token, baseURL string) *SlackClient {
	c := NewSlackClient(token)
	c.baseURL = baseURL
	return c
}

type postMessageReq struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

type postMessageResp struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (c *SlackClient) Post(ctx context.Context, channelID, text string) error {
	body, err := json.Marshal(postMessageReq{Channel: channelID, Text: text})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat.postMessage", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("messaging: post: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("messaging: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("messaging: HTTP %d: %s", resp.StatusCode, respBody)
	}

	var parsed postMessageResp
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return fmt.Errorf("messaging: decode response: %w", err)
	}
	if !parsed.OK {
		return fmt.Errorf("messaging: slack error: %s", parsed.Error)
	}
	return nil
}

// ConsoleSurface logs messages instead of posting them. Used when no bot
// token is configured.
type ConsoleSurface struct{}

func (ConsoleSurface) Post(ctx context.Context, channelID, text string) error {
	log.Info().Str("channel_id", channelID).Str("text", text).Msg("console delivery")
	return nil
}
