package notifier

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/paulschiretz/pgl-dump/pkg/report"
)

// maxSlackLines keeps messages readable; the tail of a run is the interesting part.
const maxSlackLines = 40

// Slack posts to an incoming webhook.
type Slack struct {
	WebhookURL string
	Channel    string
	Username   string
	Client     *http.Client
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Text   string       `json:"text,omitempty"`
	Fields []slackField `json:"fields,omitempty"`
}

type slackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

func (s *Slack) Name() string { return "slack" }

func statusColor(st report.Status) string {
	switch st {
	case report.Success:
		return "good"
	case report.Warning:
		return "warning"
	default:
		return "danger"
	}
}

func (s *Slack) Notify(ctx context.Context, r *report.Report) error {
	lines := r.Lines
	if len(lines) > maxSlackLines {
		lines = lines[len(lines)-maxSlackLines:]
	}
	fields := []slackField{
		{Title: "Trigger", Value: r.Trigger, Short: true},
		{Title: "Duration", Value: r.Duration().Round(time.Second).String(), Short: true},
	}
	for _, d := range r.Destinations {
		v := "uploaded " + d.Generation
		if !d.Uploaded {
			v = "failed: " + d.Error
		}
		fields = append(fields, slackField{Title: d.ID, Value: v, Short: false})
	}
	text := strings.Join(lines, "\n")
	if r.Err != nil {
		text = r.Error() + "\n" + text
	}
	body, err := json.Marshal(slackMessage{
		Channel:  s.Channel,
		Username: s.Username,
		Text:     r.Subject(),
		Attachments: []slackAttachment{{
			Color:  statusColor(r.Status),
			Text:   "```" + text + "```",
			Fields: fields,
		}},
	})
	if err != nil {
		return fmt.Errorf("encode slack message: %w", err)
	}
	return postJSON(ctx, s.Client, s.WebhookURL, nil, body)
}

var _ Notifier = (*Slack)(nil)
