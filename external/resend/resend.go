package resend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.resend.com"

type Mailer struct {
	apiKey  string
	from    string
	to      []string
	client  *http.Client
	baseURL string
}

// NewMailer returns a mailer that sends operator alerts to the given recipients.
func NewMailer(apiKey, from string, to []string) (*Mailer, error) {
	if apiKey == "" {
		return nil, errors.New("resend: api key not set")
	}
	if len(to) == 0 {
		return nil, errors.New("resend: no alert recipients")
	}

	return &Mailer{
		apiKey: apiKey,
		from:   from,
		to:     to,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		baseURL: defaultBaseURL,
	}, nil
}

// WithBaseURL points the mailer at another API host.
func (m *Mailer) WithBaseURL(u string) *Mailer {
	m.baseURL = strings.TrimRight(u, "/")
	return m
}

type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// Alert sends subject with fields rendered as an HTML table.
func (m *Mailer) Alert(ctx context.Context, subject string, fields map[string]string) error {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("<table>")
	for _, k := range keys {
		fmt.Fprintf(&b, "<tr><th align=\"left\">%s</th><td><code>%s</code></td></tr>",
			html.EscapeString(k), html.EscapeString(fields[k]))
	}
	b.WriteString("</table>")

	body, err := json.Marshal(sendRequest{
		From:    m.from,
		To:      m.to,
		Subject: subject,
		HTML:    b.String(),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("resend: alert not sent (%s): %s", resp.Status, msg)
	}
	return nil
}
