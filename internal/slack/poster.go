package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const defaultPostMessageURL = "https://slack.com/api/chat.postMessage"

// maxThreadRejections bounds the rejection list posted in the thread.
const maxThreadRejections = 20

type Poster struct {
	token   string
	channel string
	client  *http.Client
	logger  *slog.Logger
	apiURL  string
}

func NewPoster(token, channel string, logger *slog.Logger) *Poster {
	return &Poster{
		token:   token,
		channel: channel,
		client:  &http.Client{Timeout: 10 * time.Second},
		apiURL:  defaultPostMessageURL,
		logger:  logger,
	}
}

// Summary is the run outcome posted to Slack.
type Summary struct {
	RunID        string
	Name         string
	Table        string
	Processed    int
	Extracted    int
	Rejected     int
	Failed       int
	Degraded     int
	Inserted     int
	Updated      int
	LoadRejected int
	Interrupted  bool
	DryRun       bool
	Duration     time.Duration
	Rejections   []Rejection
}

type Rejection struct {
	Index  int
	Kind   string
	Reason string
}

// PostRunSummary posts the run summary and, when messages were rejected,
// a threaded reply listing them. Returns the summary message timestamp.
func (p *Poster) PostRunSummary(ctx context.Context, s Summary) (string, error) {
	text := formatRunSummary(s)

	ts, err := p.post(ctx, map[string]any{
		"channel": p.channel,
		"text":    text,
		"blocks": []map[string]any{
			{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": text,
				},
			},
			{
				"type": "context",
				"elements": []map[string]any{
					{
						"type": "mrkdwn",
						"text": "run " + s.RunID,
					},
				},
			},
		},
	})
	if err != nil {
		return "", err
	}
	p.logger.Info("posted run summary to slack", "ts", ts, "run_id", s.RunID)

	if len(s.Rejections) > 0 {
		if err := p.PostThread(ctx, ts, formatRejections(s.Rejections)); err != nil {
			p.logger.Warn("failed to post rejection thread", "run_id", s.RunID, "error", err)
		}
	}
	return ts, nil
}

// PostThread posts a threaded reply to a message.
func (p *Poster) PostThread(ctx context.Context, threadTS, text string) error {
	_, err := p.post(ctx, map[string]any{
		"channel":   p.channel,
		"thread_ts": threadTS,
		"text":      text,
	})
	return err
}

func (p *Poster) post(ctx context.Context, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var slackResp struct {
		OK    bool   `json:"ok"`
		TS    string `json:"ts"`
		Error string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(respBody, &slackResp); err != nil {
		return "", fmt.Errorf("parse slack response: %w", err)
	}
	if !slackResp.OK {
		return "", fmt.Errorf("slack error: %s", slackResp.Error)
	}
	return slackResp.TS, nil
}

func formatRunSummary(s Summary) string {
	var sb strings.Builder

	status := "completed"
	switch {
	case s.Interrupted:
		status = "interrupted"
	case s.DryRun:
		status = "completed (dry run)"
	}
	fmt.Fprintf(&sb, "*Run:* %s %s in %s\n", s.Name, status, s.Duration.Round(time.Second))
	fmt.Fprintf(&sb, "*Messages:* %d processed, %d extracted, %d rejected, %d failed\n",
		s.Processed, s.Extracted, s.Rejected, s.Failed)
	if s.Degraded > 0 {
		fmt.Fprintf(&sb, "*Degraded fields:* %d\n", s.Degraded)
	}
	if !s.DryRun && s.Table != "" {
		fmt.Fprintf(&sb, "*Table %s:* %d inserted, %d updated, %d rejected\n",
			s.Table, s.Inserted, s.Updated, s.LoadRejected)
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func formatRejections(rs []Rejection) string {
	var sb strings.Builder
	for i, r := range rs {
		if i == maxThreadRejections {
			fmt.Fprintf(&sb, "_…and %d more_\n", len(rs)-maxThreadRejections)
			break
		}
		fmt.Fprintf(&sb, "%d. message #%d `%s` %s\n", i+1, r.Index, r.Kind, r.Reason)
	}
	return strings.TrimSuffix(sb.String(), "\n")
}
