package webhook

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kylemclaren/promptoncron/internal/db"
)

// Slack posts Block Kit messages
type Slack struct {
	client *http.Client
}

func NewSlack() *Slack {
	return &Slack{client: &http.Client{Timeout: 10 * time.Second}}
}

// SlackBlock is a Block Kit block
type SlackBlock struct {
	Type     string         `json:"type"`
	Text     *SlackTextObj  `json:"text,omitempty"`
	Fields   []SlackTextObj `json:"fields,omitempty"`
	Elements []SlackTextObj `json:"elements,omitempty"`
}

type SlackTextObj struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

// SlackAttachment gives the message its colored sidebar
type SlackAttachment struct {
	Color  string       `json:"color"`
	Blocks []SlackBlock `json:"blocks"`
}

type SlackPayload struct {
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SendRun posts a finished run
func (s *Slack) SendRun(ctx context.Context, webhookURL string, f Finished, link string) error {
	color, emoji := "#2EB67D", ":white_check_mark:"
	if f.Run.Status == db.RunStatusFailed {
		color, emoji = "#E01E5A", ":x:"
	}

	fields := []SlackTextObj{
		{Type: "mrkdwn", Text: fmt.Sprintf("*Status:*\n%s", f.Run.Status)},
		{Type: "mrkdwn", Text: fmt.Sprintf("*Duration:*\n%s", f.duration())},
		{Type: "mrkdwn", Text: fmt.Sprintf("*Trigger:*\n%s", f.Run.Trigger)},
		{Type: "mrkdwn", Text: fmt.Sprintf("*Scheduled:*\n<!date^%d^{date_short} {time}|%s>",
			f.Run.ScheduledFor.Unix(), f.Run.ScheduledFor.Format(time.RFC3339))},
	}
	blocks := []SlackBlock{
		{Type: "header", Text: &SlackTextObj{Type: "plain_text", Text: fmt.Sprintf("%s %s", emoji, f.Task.Name), Emoji: true}},
		{Type: "section", Fields: fields},
	}

	if f.Result != nil {
		blocks = append(blocks,
			SlackBlock{Type: "divider"},
			SlackBlock{Type: "section", Text: &SlackTextObj{
				Type: "mrkdwn",
				Text: fmt.Sprintf("%s\n_%d rows, schema v%d_", slackEscape(f.summary()), len(f.Result.Rows), f.Result.SchemaVersion),
			}})
	}
	if msg := f.errorMessage(); msg != "" {
		blocks = append(blocks, SlackBlock{Type: "section", Text: &SlackTextObj{
			Type: "mrkdwn",
			Text: fmt.Sprintf(":warning: *Error:*\n```%s```", msg),
		}})
	}

	footer := "promptoncron"
	if link != "" {
		footer = fmt.Sprintf("<%s|View run> · promptoncron", link)
	}
	blocks = append(blocks, SlackBlock{Type: "context", Elements: []SlackTextObj{{Type: "mrkdwn", Text: footer}}})

	return post(ctx, s.client, webhookURL, SlackPayload{
		Text:        fmt.Sprintf("%s: %s", f.Task.Name, f.Run.Status),
		Attachments: []SlackAttachment{{Color: color, Blocks: blocks}},
	})
}

// slackEscape escapes the characters mrkdwn treats as control sequences
func slackEscape(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}
