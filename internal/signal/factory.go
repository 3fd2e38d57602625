package signal

import (
	"fmt"

	"github.com/stacklok/toolhive-bundle-server/internal/config"
	"github.com/stacklok/toolhive-bundle-server/internal/httpclient"
)

// New creates the emitter selected by the configuration
func New(cfg *config.Config) (Emitter, error) {
	switch cfg.GetSignalType() {
	case config.SignalTypeLog:
		return NewLogEmitter(), nil
	case config.SignalTypeWebhook:
		if cfg.Signal.Webhook == nil || cfg.Signal.Webhook.URL == "" {
			return nil, fmt.Errorf("webhook signal requires a url")
		}
		client := httpclient.NewDefaultClient(cfg.Signal.Webhook.GetTimeout())
		return NewWebhookEmitter(client, cfg.Signal.Webhook.URL), nil
	case config.SignalTypeFile:
		if cfg.Signal.File == nil {
			return nil, fmt.Errorf("file signal requires a queue path")
		}
		return NewQueue(cfg.Signal.File.Path, cfg.Signal.File.Capacity)
	default:
		return nil, fmt.Errorf("unsupported signal type: %q", cfg.Signal.Type)
	}
}
