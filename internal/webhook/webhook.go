// Package webhook posts finished runs to chat webhooks.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/kylemclaren/promptoncron/internal/config"
	"github.com/kylemclaren/promptoncron/internal/db"
)

const maxErrorRunes = 500

// Finished describes a run that reached a terminal state
type Finished struct {
	Task   *db.Task
	Run    *db.Run
	Result *db.Result // nil unless the run succeeded
}

func (f Finished) duration() string {
	if f.Run.StartedAt == nil || f.Run.FinishedAt == nil {
		return "n/a"
	}
	return f.Run.FinishedAt.Sub(*f.Run.StartedAt).Round(time.Second).String()
}

func (f Finished) summary() string {
	if f.Result == nil {
		return ""
	}
	if f.Result.Summary != nil {
		return *f.Result.Summary
	}
	return fmt.Sprintf("%d rows", len(f.Result.Rows))
}

func (f Finished) errorMessage() string {
	if f.Run.ErrorMessage == nil {
		return ""
	}
	msg := *f.Run.ErrorMessage
	if utf8.RuneCountInString(msg) > maxErrorRunes {
		msg = string([]rune(msg)[:maxErrorRunes]) + "..."
	}
	return msg
}

// Hooks fans a finished run out to every configured webhook. Delivery
// failures are logged and never affect the run.
type Hooks struct {
	cfg     config.WebhookConfig
	slack   *Slack
	discord *Discord
	logger  *zap.Logger
}

func New(cfg config.WebhookConfig, logger *zap.Logger) *Hooks {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hooks{cfg: cfg, slack: NewSlack(), discord: NewDiscord(), logger: logger}
}

// Enabled reports whether any webhook is configured
func (h *Hooks) Enabled() bool {
	return h != nil && (h.cfg.SlackURL != "" || h.cfg.DiscordURL != "")
}

// RunFinished posts f to every configured webhook
func (h *Hooks) RunFinished(ctx context.Context, f Finished) {
	if !h.Enabled() || f.Task == nil || f.Run == nil {
		return
	}
	link := runLink(h.cfg.PublicURL, f.Run.ID)
	if h.cfg.SlackURL != "" {
		if err := h.slack.SendRun(ctx, h.cfg.SlackURL, f, link); err != nil {
			h.logger.Warn("Slack webhook failed", zap.String("run_id", f.Run.ID), zap.Error(err))
		}
	}
	if h.cfg.DiscordURL != "" {
		if err := h.discord.SendRun(ctx, h.cfg.DiscordURL, f, link); err != nil {
			h.logger.Warn("Discord webhook failed", zap.String("run_id", f.Run.ID), zap.Error(err))
		}
	}
}

func runLink(publicURL, runID string) string {
	if publicURL == "" {
		return ""
	}
	return strings.TrimRight(publicURL, "/") + "/api/runs/" + runID
}

func post(ctx context.Context, client *http.Client, webhookURL string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
