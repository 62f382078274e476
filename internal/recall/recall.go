// Package recall integrates Recall.ai meeting bots: a REST client that
// dispatches and stops bots, and a signed webhook endpoint that feeds
// bot media and lifecycle events into session rooms.
package recall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const defaultBaseURL = "https://us-east-1.recall.ai"

// botName is how the bot introduces itself in the meeting roster.
const botName = "Parley Notetaker"

// ErrDisabled is returned when no API key is configured. Sessions fall
// back to local microphone capture.
var ErrDisabled = errors.New("recall: not configured")

// Client talks to the Recall.ai REST API. The zero API key disables it.
type Client struct {
	apiKey      string
	baseURL     string
	webhookBase string
	httpClient  *http.Client
	log         *slog.Logger
}

// NewClient builds a bot client. webhookBase is the externally
// reachable origin Recall delivers events to.
func NewClient(apiKey, baseURL, webhookBase string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		apiKey:      apiKey,
		baseURL:     baseURL,
		webhookBase: webhookBase,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		log:         slog.With("component", "recall"),
	}
}

// Enabled reports whether an API key is configured.
func (c *Client) Enabled() bool { return c.apiKey != "" }

type createBotRequest struct {
	MeetingURL string      `json:"meeting_url"`
	BotName    string      `json:"bot_name"`
	Metadata   botMetadata `json:"metadata"`
	WebhookURL string      `json:"webhook_url,omitempty"`
}

type botMetadata struct {
	SessionID string `json:"sessionId"`
}

type createBotResponse struct {
	ID string `json:"id"`
}

// CreateBot dispatches a meeting bot and returns its id.
func (c *Client) CreateBot(ctx context.Context, meetingURL, sessionID string) (string, error) {
	if !c.Enabled() {
		return "", ErrDisabled
	}

	body, err := json.Marshal(createBotRequest{
		MeetingURL: meetingURL,
		BotName:    botName,
		Metadata:   botMetadata{SessionID: sessionID},
		WebhookURL: c.webhookBase + "/api/webhooks/recall",
	})
	if err != nil {
		return "", fmt.Errorf("recall: encode create bot: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/bot/", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("recall: create bot request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("recall: create bot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("recall: create bot: status %d: %s", resp.StatusCode, snippet)
	}

	var out createBotResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("recall: decode create bot: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("recall: create bot: empty bot id")
	}
	c.log.Info("bot created", "bot_id", out.ID, "session_id", sessionID)
	return out.ID, nil
}

// StopBot asks a bot to leave its call. Stopping an already-departed
// bot is not an error worth surfacing; Recall answers 404.
func (c *Client) StopBot(ctx context.Context, botID string) error {
	if !c.Enabled() {
		return ErrDisabled
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/v1/bot/%s/leave_call/", c.baseURL, botID), nil)
	if err != nil {
		return fmt.Errorf("recall: stop bot request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("recall: stop bot: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 512))

	if resp.StatusCode == http.StatusNotFound {
		c.log.Debug("bot already gone", "bot_id", botID)
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("recall: stop bot: status %d", resp.StatusCode)
	}
	return nil
}
