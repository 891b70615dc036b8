package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/donor-matching/internal/models"
)

// WebhookNotifier posts alerts to an HTTP endpoint, typically a push
// provider bridge, for donors without a live websocket session.
type WebhookNotifier struct {
	Endpoint string
	Client   *http.Client
}

func NewWebhookNotifier(endpoint string) *WebhookNotifier {
	return &WebhookNotifier{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *WebhookNotifier) Notify(ctx context.Context, donorID string, alert models.RequestAlert) error {
	b, err := json.Marshal(map[string]interface{}{"donor_id": donorID, "alert": alert})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: status %d", p.Endpoint, resp.StatusCode)
	}
	return nil
}
