package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jeeshofone/ApocaCache/internal/downloader"
	"github.com/jeeshofone/ApocaCache/internal/telemetry"
)

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
	Telemetry  *telemetry.Telemetry
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) (err error) {
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}

		d.Telemetry.RecordNotification(ctx, status)
	}()

	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// NotifyDownload renders a download outcome as a chat message.
func (d *DiscordNotifier) NotifyDownload(ctx context.Context, e downloader.Event) error {
	return d.Notify(ctx, Message(e))
}

// Message formats a download event.
func Message(e downloader.Event) string {
	if e.Kind == downloader.EventFailed {
		return fmt.Sprintf("❌ Download failed for %s (%s): %v", e.Title, e.ItemID, e.Err)
	}

	return fmt.Sprintf("✅ Download finished for %s (%s), %s in %s",
		e.Title, e.ItemID, humanize.IBytes(uint64(e.Size)), e.Duration.Round(time.Second))
}
