package alerts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
)

// deliver sends webhook notifications for a to all configured targets.
// Errors are logged but do not affect the caller.
func (e *Engine) deliver(a *Alert) {
	for _, wh := range e.webhooks {
		url := wh.URL()
		if url == "" {
			continue
		}

		var body []byte
		switch wh.Type {
		case "slack":
			body = slackBody(a)
		case "teams":
			body = teamsBody(a)
		case "http":
			body, _ = json.Marshal(map[string]*Alert{"alert": a})
		default:
			slog.Warn("alerts: unknown webhook type, skipping", "type", wh.Type)
			continue
		}

		if err := e.post(url, body); err != nil {
			slog.Error("alerts: webhook delivery failed",
				"type", wh.Type,
				"rule", a.RuleName,
				"url", a.URL,
				"err", err,
			)
			continue
		}
		slog.Debug("alerts: webhook delivered",
			"type", wh.Type,
			"rule", a.RuleName,
			"state", a.State,
		)
	}
}

// headline is the one-line summary shared by every chat format, e.g.
// "[CRITICAL] slow-si over budget on https://example.com/".
func headline(a *Alert) string {
	verb := "over budget"
	if a.State == "resolved" {
		verb = "back within budget"
	}
	return fmt.Sprintf("%s %s %s on %s", severityLabel(a.Severity), a.RuleName, verb, a.URL)
}

// facts lists the budget details in display order.
func facts(a *Alert) [][2]string {
	group := a.Group
	if group == "" {
		group = "(none)"
	}
	return [][2]string{
		{"Page", a.URL},
		{"Group", group},
		{"Metric", a.Metric},
		{"Budget", a.Condition},
		{"Measured", strconv.FormatFloat(a.Value, 'f', -1, 64)},
	}
}

// slackBody renders an attachment with one field per fact, colored by
// severity and green once resolved.
func slackBody(a *Alert) []byte {
	type field struct {
		Title string `json:"title"`
		Value string `json:"value"`
		Short bool   `json:"short"`
	}
	fields := make([]field, 0, 5)
	for _, f := range facts(a) {
		fields = append(fields, field{Title: f[0], Value: f[1], Short: f[0] != "Page"})
	}
	body, _ := json.Marshal(map[string]any{
		"text": headline(a),
		"attachments": []map[string]any{{
			"color":  "#" + stateColor(a),
			"fields": fields,
		}},
	})
	return body
}

// teamsBody renders a MessageCard with the budget as a fact section.
func teamsBody(a *Alert) []byte {
	type fact struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	fs := make([]fact, 0, 5)
	for _, f := range facts(a) {
		fs = append(fs, fact{Name: f[0], Value: f[1]})
	}
	body, _ := json.Marshal(map[string]any{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": stateColor(a),
		"summary":    headline(a),
		"title":      fmt.Sprintf("Page budget: %s", a.RuleName),
		"sections": []map[string]any{{
			"activityTitle": headline(a),
			"facts":         fs,
		}},
	})
	return body
}

func (e *Engine) post(url string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func severityLabel(s string) string {
	switch s {
	case "critical":
		return "[CRITICAL]"
	case "warning":
		return "[WARNING]"
	default:
		return "[INFO]"
	}
}

func stateColor(a *Alert) string {
	if a.State == "resolved" {
		return "2EB67D"
	}
	switch a.Severity {
	case "critical":
		return "FF4F6A"
	case "warning":
		return "FFAB40"
	default:
		return "00D4FF"
	}
}
