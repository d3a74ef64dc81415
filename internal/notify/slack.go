// Package notify sends export lifecycle notifications to Slack via an
// incoming webhook.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/stackmetrics/chexport/internal/config"
)

// Notifier sends notifications to Slack.
type Notifier struct {
	config     *config.SlackConfig
	httpClient *http.Client
}

// SlackMessage represents a Slack webhook message.
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment.
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment.
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// New creates a new Slack notifier.
func New(cfg *config.SlackConfig) *Notifier {
	if cfg == nil {
		cfg = &config.SlackConfig{Enabled: false}
	}
	return &Notifier{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// IsEnabled returns true if notifications are enabled.
func (n *Notifier) IsEnabled() bool {
	return n.config != nil && n.config.Enabled && n.config.WebhookURL != ""
}

// ExportCompleted sends a notification when an export run completes.
func (n *Notifier) ExportCompleted(runID, model, destination string, records int64, duration time.Duration) error {
	if !n.IsEnabled() {
		return nil
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  "chexport",
		IconEmoji: ":white_check_mark:",
		Text: fmt.Sprintf("Export completed. Delivered %s records to %s in %s.",
			formatNumberWithCommas(records), destination, formatDuration(duration)),
		Attachments: []SlackAttachment{
			{
				Color: "#36a64f", // green
				Fields: []SlackField{
					{Title: "Run ID", Value: runID, Short: true},
					{Title: "Model", Value: model, Short: true},
					{Title: "Destination", Value: destination, Short: true},
					{Title: "Records", Value: formatNumberWithCommas(records), Short: true},
					{Title: "Duration", Value: formatDuration(duration), Short: true},
				},
				Footer:    "chexport",
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// ExportFailed sends a notification when an export run exhausts its attempts
// or hits a terminal error.
func (n *Notifier) ExportFailed(runID, model, destination string, err error, attempt int) error {
	if !n.IsEnabled() {
		return nil
	}

	errMsg := "Unknown error"
	if err != nil {
		errMsg = err.Error()
		if len(errMsg) > 500 {
			errMsg = errMsg[:500] + "..."
		}
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  "chexport",
		IconEmoji: ":x:",
		Attachments: []SlackAttachment{
			{
				Color: "#dc3545", // red
				Title: "Export Failed",
				Fields: []SlackField{
					{Title: "Run ID", Value: runID, Short: true},
					{Title: "Model", Value: model, Short: true},
					{Title: "Destination", Value: destination, Short: true},
					{Title: "Attempts", Value: fmt.Sprintf("%d", attempt), Short: true},
					{Title: "Error", Value: errMsg, Short: false},
				},
				Footer:    "chexport",
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// BackfillCompleted sends a summary notification after a backfill group
// finishes, successful or not.
func (n *Notifier) BackfillCompleted(backfillID string, succeeded, failed int, records int64, duration time.Duration) error {
	if !n.IsEnabled() {
		return nil
	}

	color := "#36a64f"
	emoji := ":white_check_mark:"
	if failed > 0 {
		color = "#ffc107"
		emoji = ":warning:"
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  "chexport",
		IconEmoji: emoji,
		Text: fmt.Sprintf("Backfill finished. %d runs succeeded, %d failed, %s records exported.",
			succeeded, failed, formatNumberWithCommas(records)),
		Attachments: []SlackAttachment{
			{
				Color: color,
				Fields: []SlackField{
					{Title: "Backfill ID", Value: backfillID, Short: true},
					{Title: "Succeeded", Value: fmt.Sprintf("%d runs", succeeded), Short: true},
					{Title: "Failed", Value: fmt.Sprintf("%d runs", failed), Short: true},
					{Title: "Records", Value: formatNumberWithCommas(records), Short: true},
					{Title: "Duration", Value: formatDuration(duration), Short: true},
				},
				Footer:    "chexport",
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

func (n *Notifier) send(msg SlackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	resp, err := n.httpClient.Post(n.config.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sending to Slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Slack returned status %d", resp.StatusCode)
	}

	return nil
}

func formatNumberWithCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	var result []byte
	for i, c := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return string(result)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
