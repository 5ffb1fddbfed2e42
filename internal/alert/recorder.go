package alert

import (
	"context"
	"log"
	"time"

	"perpsim/internal/domain"
)

// Store is the slice of persistence.Store this package needs, kept as a
// small interface so alert doesn't import the persistence package's full
// surface.
type Store interface {
	InsertAlert(ctx context.Context, a domain.Alert) error
}

// Recorder publishes an alert through Sender and always persists the
// outcome: on send failure the record's channel is forced to "none" and
// the failure never propagates to the caller (§7, error kind 7).
type Recorder struct {
	sender Sender
	store  Store
}

// NewRecorder builds a Recorder. Pass alert.NoopSender{} when no webhook
// is configured.
func NewRecorder(sender Sender, store Store) *Recorder {
	return &Recorder{sender: sender, store: store}
}

// Publish sends ev and persists an Alert row; it never returns an error to
// keep callers (PortfolioService, PositionService) from having to handle
// alert-channel failures as business errors.
func (r *Recorder) Publish(ctx context.Context, ev Event) {
	channel := r.sender.Channel()
	if err := r.sender.Send(ctx, ev); err != nil {
		log.Printf("alert send failed, recording as channel=none: %v", err)
		channel = "none"
	}
	rec := domain.Alert{Strategy: ev.Strategy, Kind: ev.Kind, Message: ev.Message, Channel: channel, Timestamp: time.Now().UnixMilli()}
	if err := r.store.InsertAlert(ctx, rec); err != nil {
		log.Printf("alert persistence failed: %v", err)
	}
}
