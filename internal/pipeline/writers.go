package pipeline

import (
	"context"

	"aisiem/pkg/models"
)

// Source yields raw queued messages. Pop returns nil, nil when nothing arrived
// before its own timeout.
type Source interface {
	Pop(ctx context.Context) ([]byte, error)
	Close() error
}

// EventWriter stores normalized events.
type EventWriter interface {
	WriteEvents(events []*models.NormalizedEvent) error
	Close() error
}

// Correlator takes detections.
type Correlator interface {
	Submit(ctx context.Context, d *models.Detection) (*models.Incident, error)
}
