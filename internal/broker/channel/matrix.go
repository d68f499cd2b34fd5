package channel

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// matrixPollInterval matches the Discord cadence.
const matrixPollInterval = 2500 * time.Millisecond

// matrixPollWindow is how many recent timeline events each poll inspects.
const matrixPollWindow = 50

// MatrixConfig configures a Matrix approval channel.
type MatrixConfig struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// RoomID is the room approval requests and audit notices are posted to.
	RoomID string

	// PollInterval overrides the reply poll cadence (default 2.5s).
	PollInterval time.Duration
}

// Matrix posts approval requests as room messages and reads the human
// verdict back as plain "approve <id>" / "deny <id>" replies.  Unlike a
// syncing bot it never joins the event stream; it polls the room timeline,
// which keeps the broker stateless between invocations.
type Matrix struct {
	cli    *mautrix.Client
	cfg    MatrixConfig
	roomID id.RoomID
	selfID id.UserID
}

// NewMatrix creates a Matrix channel.  All four config fields are required.
func NewMatrix(cfg MatrixConfig) (*Matrix, error) {
	if cfg.Homeserver == "" || cfg.UserID == "" || cfg.AccessToken == "" || cfg.RoomID == "" {
		return nil, errors.New("channel: matrix requires homeserver, userId, accessToken, and roomId")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = matrixPollInterval
	}
	cli, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("channel: create matrix client: %w", err)
	}
	return &Matrix{
		cli:    cli,
		cfg:    cfg,
		roomID: id.RoomID(cfg.RoomID),
		selfID: id.UserID(cfg.UserID),
	}, nil
}

// SendApprovalRequest posts the summary together with a short approval id
// and reply instructions.  The short id is the handle WaitForResponse polls
// for; event ids are too unwieldy for humans to type back.
func (m *Matrix) SendApprovalRequest(ctx context.Context, summary string) (string, error) {
	approvalID, err := shortID()
	if err != nil {
		return "", err
	}
	body := fmt.Sprintf("%s\n\nReply `approve %s` or `deny %s reason=\"...\"`.",
		summary, approvalID, approvalID)
	if _, err := m.cli.SendText(ctx, m.roomID, body); err != nil {
		return "", fmt.Errorf("channel: post approval request: %w", err)
	}
	return approvalID, nil
}

// WaitForResponse polls the room timeline backward for a decision reply
// carrying the approval id until one appears or the timeout elapses.
// Approve wins when both verdicts are present in one poll window.
func (m *Matrix) WaitForResponse(ctx context.Context, messageID string, timeout time.Duration) (Verdict, error) {
	deadline := time.Now().Add(timeout)
	for {
		verdict, found, err := m.checkReplies(ctx, messageID)
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
		wait := m.cfg.PollInterval
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

// SendNotification posts the text as an m.notice, the less intrusive
// message type used for machine-generated traffic.
func (m *Matrix) SendNotification(ctx context.Context, text string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    text,
	}
	if _, err := m.cli.SendMessageEvent(ctx, m.roomID, event.EventMessage, &content); err != nil {
		return fmt.Errorf("channel: send notice: %w", err)
	}
	return nil
}

// checkReplies scans the most recent timeline events for an approve/deny
// reply addressed to approvalID.  The bot's own messages are skipped.
func (m *Matrix) checkReplies(ctx context.Context, approvalID string) (Verdict, bool, error) {
	resp, err := m.cli.Messages(ctx, m.roomID, "", "", mautrix.DirectionBackward, nil, matrixPollWindow)
	if err != nil {
		return VerdictTimeout, false, fmt.Errorf("channel: poll room timeline: %w", err)
	}

	denied := false
	for _, evt := range resp.Chunk {
		if evt.Sender == m.selfID || evt.Type != event.EventMessage {
			continue
		}
		if err := evt.Content.ParseRaw(evt.Type); err != nil {
			continue
		}
		msg := evt.Content.AsMessage()
		if msg == nil || msg.MsgType != event.MsgText {
			continue
		}
		d, err := ParseDecision(msg.Body)
		if err != nil || d.ApprovalID != approvalID {
			continue
		}
		if d.Approve {
			return VerdictApproved, true, nil
		}
		denied = true
	}
	if denied {
		return VerdictDenied, true, nil
	}
	return VerdictTimeout, false, nil
}

// shortID returns a 12-hex-char random approval id, easy for a human to
// type back.
func shortID() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("channel: generate approval id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
