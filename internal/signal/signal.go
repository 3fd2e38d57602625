// Package signal delivers refresh signals: one-way notifications that the
// bundle of a subject changed and downstream consumers should rebuild from
// it. Delivery is at-least-once; consumers deduplicate on
// (subject, fingerprint).
package signal

import (
	"context"
	"log/slog"
	"time"

	"github.com/opencontainers/go-digest"
)

// Signal announces a new bundle fingerprint for a subject
type Signal struct {
	Subject     string        `json:"subject"`
	Fingerprint digest.Digest `json:"fingerprint"`
	RequestedAt time.Time     `json:"requestedAt"`
}

// ID identifies the signal for deduplication
func (s Signal) ID() string {
	return s.Subject + "@" + s.Fingerprint.String()
}

//go:generate mockgen -destination=mocks/mock_emitter.go -package=mocks -source=signal.go Emitter

// Emitter delivers refresh signals
type Emitter interface {
	// Emit delivers sig. An error means the signal may not have been delivered.
	Emit(ctx context.Context, sig Signal) error
}

type logEmitter struct{}

// NewLogEmitter creates an emitter that only logs signals
func NewLogEmitter() Emitter {
	return logEmitter{}
}

func (logEmitter) Emit(ctx context.Context, sig Signal) error {
	slog.InfoContext(ctx, "Bundle changed, model refresh requested",
		"subject", sig.Subject,
		"fingerprint", sig.Fingerprint.String(),
		"requested_at", sig.RequestedAt.Format(time.RFC3339))
	return nil
}
