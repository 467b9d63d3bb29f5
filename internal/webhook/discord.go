package webhook

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/kylemclaren/promptoncron/internal/db"
)

// Discord posts embeds
type Discord struct {
	client *http.Client
}

func NewDiscord() *Discord {
	return &Discord{client: &http.Client{Timeout: 10 * time.Second}}
}

type DiscordEmbed struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	URL         string       `json:"url,omitempty"`
	Color       int          `json:"color"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
}

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type EmbedFooter struct {
	Text string `json:"text"`
}

type DiscordPayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

// SendRun posts a finished run. The description carries a markdown preview
// of the result table, which Discord renders in a code block.
func (d *Discord) SendRun(ctx context.Context, webhookURL string, f Finished, link string) error {
	color, emoji := 0x2EB67D, "✅"
	if f.Run.Status == db.RunStatusFailed {
		color, emoji = 0xE01E5A, "❌"
	}

	description := "*No result*"
	if f.Result != nil {
		// Embed descriptions are capped at 4096 characters.
		preview := f.Result.Markdown(10)
		if len(preview) > 3500 {
			preview = preview[:3500] + "\n..."
		}
		description = fmt.Sprintf("%s\n```\n%s```", f.summary(), preview)
	}

	embed := DiscordEmbed{
		Title:       fmt.Sprintf("%s %s", emoji, f.Task.Name),
		Description: description,
		URL:         link,
		Color:       color,
		Fields: []EmbedField{
			{Name: "Status", Value: string(f.Run.Status), Inline: true},
			{Name: "Duration", Value: f.duration(), Inline: true},
			{Name: "Trigger", Value: string(f.Run.Trigger), Inline: true},
		},
		Timestamp: f.Run.ScheduledFor.Format(time.RFC3339),
		Footer:    &EmbedFooter{Text: "promptoncron"},
	}
	if msg := f.errorMessage(); msg != "" {
		embed.Fields = append(embed.Fields, EmbedField{
			Name:  "⚠️ Error",
			Value: fmt.Sprintf("```\n%s\n```", msg),
		})
	}

	return post(ctx, d.client, webhookURL, DiscordPayload{Embeds: []DiscordEmbed{embed}})
}
