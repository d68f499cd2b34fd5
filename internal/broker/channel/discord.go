package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/twokc/2kc/common/retry"
)

// The two sentinel reaction emoji.  Approve takes precedence when both are
// present at the same poll.
const (
	emojiApprove = "✅"
	emojiDeny    = "❌"
)

// defaultDiscordAPI is the REST base used for the reactions endpoint.
const defaultDiscordAPI = "https://discord.com/api/v10"

// discordPollInterval is how often WaitForResponse re-reads reactions.
const discordPollInterval = 2500 * time.Millisecond

// DiscordConfig configures a Discord approval channel.
type DiscordConfig struct {
	// WebhookURL is the incoming webhook used for posting messages.
	WebhookURL string
	// BotToken authenticates reads of the reactions endpoint.
	BotToken string
	// ChannelID is the Discord channel the webhook posts into.
	ChannelID string

	// APIBaseURL overrides the Discord REST base.  Tests point this at an
	// httptest server; empty selects the production API.
	APIBaseURL string
	// PollInterval overrides the reaction poll cadence (default 2.5s).
	PollInterval time.Duration
}

// Discord posts approval requests through an incoming webhook and reads the
// human verdict back as message reactions.
type Discord struct {
	cfg        DiscordConfig
	httpClient *http.Client
}

// NewDiscord creates a Discord channel.  WebhookURL, BotToken, and ChannelID
// are all required.
func NewDiscord(cfg DiscordConfig) (*Discord, error) {
	if cfg.WebhookURL == "" || cfg.BotToken == "" || cfg.ChannelID == "" {
		return nil, errors.New("channel: discord requires webhookUrl, botToken, and channelId")
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultDiscordAPI
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = discordPollInterval
	}
	return &Discord{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// webhookResponse is the message object Discord returns when the webhook is
// invoked with ?wait=true.
type webhookResponse struct {
	ID string `json:"id"`
}

// messageResponse is the subset of the message object the reaction poll needs.
type messageResponse struct {
	Reactions []struct {
		Emoji struct {
			Name string `json:"name"`
		} `json:"emoji"`
	} `json:"reactions"`
}

// SendApprovalRequest posts the summary via the webhook.  Appending
// ?wait=true makes Discord return the created message, whose id is the poll
// handle.
func (d *Discord) SendApprovalRequest(ctx context.Context, summary string) (string, error) {
	body, err := d.postWebhook(ctx, summary, true)
	if err != nil {
		return "", fmt.Errorf("channel: post approval request: %w", err)
	}
	var msg webhookResponse
	if err := json.Unmarshal(body, &msg); err != nil {
		return "", fmt.Errorf("channel: decode webhook response: %w", err)
	}
	if msg.ID == "" {
		return "", errors.New("channel: webhook response carried no message id")
	}
	return msg.ID, nil
}

// WaitForResponse polls the message's reactions until one of the sentinel
// emoji appears or the timeout elapses.
func (d *Discord) WaitForResponse(ctx context.Context, messageID string, timeout time.Duration) (Verdict, error) {
	deadline := time.Now().Add(timeout)
	for {
		verdict, found, err := d.checkReactions(ctx, messageID)
		if err != nil {
			return VerdictTimeout, err
		}
		if found {
			return verdict, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return VerdictTimeout, nil
		}
		wait := d.cfg.PollInterval
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return VerdictTimeout, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// SendNotification posts a fire-and-forget audit message via the webhook,
// retrying once on transient failure.
func (d *Discord) SendNotification(ctx context.Context, text string) error {
	err := retry.Do(ctx, retry.Config{MaxAttempts: 2, InitialDelay: 250 * time.Millisecond}, func() error {
		_, err := d.postWebhook(ctx, text, false)
		return err
	})
	if err != nil {
		return fmt.Errorf("channel: send notification: %w", err)
	}
	return nil
}

// checkReactions reads the message and inspects its reactions.  A 404 means
// the message is not yet indexed and counts as "no reactions yet".
func (d *Discord) checkReactions(ctx context.Context, messageID string) (Verdict, bool, error) {
	url := fmt.Sprintf("%s/channels/%s/messages/%s", d.cfg.APIBaseURL, d.cfg.ChannelID, messageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return VerdictTimeout, false, err
	}
	req.Header.Set("Authorization", "Bot "+d.cfg.BotToken)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return VerdictTimeout, false, fmt.Errorf("channel: fetch reactions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return VerdictTimeout, false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return VerdictTimeout, false, fmt.Errorf("channel: reactions endpoint returned %d", resp.StatusCode)
	}

	var msg messageResponse
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return VerdictTimeout, false, fmt.Errorf("channel: decode message: %w", err)
	}

	denied := false
	for _, r := range msg.Reactions {
		switch r.Emoji.Name {
		case emojiApprove:
			return VerdictApproved, true, nil
		case emojiDeny:
			denied = true
		}
	}
	if denied {
		return VerdictDenied, true, nil
	}
	return VerdictTimeout, false, nil
}

// postWebhook sends {content: text} to the webhook, optionally requesting
// the created message back, and returns the response body.
func (d *Discord) postWebhook(ctx context.Context, text string, wait bool) ([]byte, error) {
	url := d.cfg.WebhookURL
	if wait {
		url += "?wait=true"
	}
	payload, err := json.Marshal(map[string]string{"content": text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return body, nil
}
