package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mediaguard/mediaguard/moderation/scoring"
	"github.com/mediaguard/mediaguard/moderation/store"
)

type SlackNotifier struct {
	SlackWebhookURL string
	// defaults to http.DefaultClient
	Client *http.Client
}

var _ Notifier = (*SlackNotifier)(nil)

func (n *SlackNotifier) SendBlocked(ctx context.Context, u *store.User, v *scoring.Verdict) error {
	msg := "⚠️ MediaGuard Account Blocked ⚠️\n"
	msg += userLine(u)
	msg += fmt.Sprintf("Violations: `%d`\n", u.ViolationCount)
	if v != nil {
		msg += fmt.Sprintf("Last verdict: `%s` (score %.3f)\n", v.Category, v.Score)
	}
	return n.sendSlackMsg(ctx, msg)
}

func (n *SlackNotifier) SendUnblockRequest(ctx context.Context, u *store.User) error {
	msg := "🙋 MediaGuard Unblock Request\n"
	msg += userLine(u)
	msg += fmt.Sprintf("Violations: `%d`\n", u.ViolationCount)
	return n.sendSlackMsg(ctx, msg)
}

func (n *SlackNotifier) SendDivergence(ctx context.Context, u *store.User, ledgerBlocked bool) error {
	msg := "🔀 MediaGuard Ledger Divergence\n"
	msg += userLine(u)
	msg += fmt.Sprintf("Local blocked: `%t` / ledger blocked: `%t`\n", u.IsBlocked, ledgerBlocked)
	return n.sendSlackMsg(ctx, msg)
}

func userLine(u *store.User) string {
	if u.Username != "" {
		return fmt.Sprintf("`%s` / `%s`\n", u.Identity, u.Username)
	}
	return fmt.Sprintf("`%s`\n", u.Identity)
}

type SlackWebhookBody struct {
	Text string `json:"text"`
}

// Sends a simple slack message to a channel via "incoming webhook".
//
// The slack incoming webhook must be already configured in the slack workplace.
func (n *SlackNotifier) sendSlackMsg(ctx context.Context, msg string) error {
	body, err := json.Marshal(SlackWebhookBody{Text: msg})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.SlackWebhookURL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Add("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}

	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	if resp.StatusCode != 200 || buf.String() != "ok" {
		return fmt.Errorf("failed slack webhook POST request. status=%d", resp.StatusCode)
	}
	return nil
}
