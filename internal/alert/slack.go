package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SlackChannel posts to an incoming webhook URL. A Manager only calls
// Send if the channel was registered, so webhookURL is never empty here
// in practice; the guard is kept anyway.
type SlackChannel struct {
	webhookURL string
	client     *http.Client
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *SlackChannel) Name() string {
	return "slack"
}

func (s *SlackChannel) Send(ctx context.Context, payload Payload) error {
	if s.webhookURL == "" {
		return nil
	}

	color := "#36a64f" // green (info)
	switch payload.Level {
	case LevelWarning:
		color = "#ffcc00"
	case LevelError:
		color = "#ff0000"
	case LevelCritical:
		color = "#8b0000"
	}

	var fields []map[string]interface{}
	for k, v := range payload.Fields {
		fields = append(fields, map[string]interface{}{
			"title": k,
			"value": v,
			"short": true,
		})
	}

	body := map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color":   color,
				"pretext": fmt.Sprintf("[%s] %s", payload.Level, payload.Title),
				"text":    payload.Message,
				"fields":  fields,
				"ts":      payload.Timestamp.Unix(),
				"footer":  "gridbot",
			},
		},
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(jsonBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook failed with status: %d", resp.StatusCode)
	}
	return nil
}
