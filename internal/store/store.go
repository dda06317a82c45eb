package store

import (
	"context"
	"errors"

	"aisiem/pkg/models"
)

// ErrNotFound is returned when an incident id is unknown to the store.
var ErrNotFound = errors.New("incident not found in store")

// IncidentStore persists incident snapshots. Upserts never replace a snapshot with an
// older revision.
type IncidentStore interface {
	UpsertIncident(ctx context.Context, inc *models.Incident) error
	GetIncident(ctx context.Context, id string) (*models.Incident, error)
	ListIncidents(ctx context.Context, status models.Status, limit int) ([]*models.Incident, error)
	Close() error
}
