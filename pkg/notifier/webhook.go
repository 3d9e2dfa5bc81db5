package notifier

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/paulschiretz/pgl-dump/pkg/report"
)

// Webhook POSTs the report as JSON.
type Webhook struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Notify(ctx context.Context, r *report.Report) error {
	body, err := encodeReport(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return postJSON(ctx, w.Client, w.URL, w.Headers, body)
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body []byte) error {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "pgl-dump")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %s: %s", resp.Status, bytes.TrimSpace(snippet))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

var _ Notifier = (*Webhook)(nil)
