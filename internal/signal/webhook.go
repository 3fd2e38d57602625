package signal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stacklok/toolhive-bundle-server/internal/httpclient"
)

type webhookPayload struct {
	ID string `json:"id"`
	Signal
}

type webhookEmitter struct {
	client httpclient.Client
	url    string
}

// NewWebhookEmitter creates an emitter that POSTs signals as JSON to url
func NewWebhookEmitter(client httpclient.Client, url string) Emitter {
	return &webhookEmitter{client: client, url: url}
}

func (w *webhookEmitter) Emit(ctx context.Context, sig Signal) error {
	body, err := json.Marshal(webhookPayload{ID: sig.ID(), Signal: sig})
	if err != nil {
		return fmt.Errorf("failed to encode signal: %w", err)
	}
	if _, err := w.client.Post(ctx, w.url, body); err != nil {
		return fmt.Errorf("failed to deliver signal for %s: %w", sig.Subject, err)
	}
	return nil
}
