// Package activity implements the activity ledger: an append-only tree of
// audit records describing which operation ran against which subject, by
// whom, and with what outcome.
package activity

import (
	"context"
	"time"

	"github.com/circlecloud/circle/internal/domain"
)

// Repository defines the interface for activity persistence.
// Activities are created and updated, never deleted.
type Repository interface {
	Create(ctx context.Context, a *domain.Activity) error
	Update(ctx context.Context, a *domain.Activity) error
	Get(ctx context.Context, id string) (*domain.Activity, error)
	// List returns activities matching filter ordered by Started descending.
	List(ctx context.Context, filter domain.ActivityFilter) ([]*domain.Activity, error)
	Count(ctx context.Context, filter domain.ActivityFilter) (int, error)
}

// EventType names a ledger event.
type EventType string

const (
	EventCreated  EventType = "activity.created"
	EventFinished EventType = "activity.finished"
)

// Event is emitted after an activity row has been written.
type Event struct {
	Type      EventType        `json:"type"`
	Activity  *domain.Activity `json:"activity"`
	Timestamp time.Time        `json:"timestamp"`
}

// Publisher receives ledger events. Publishing is best effort.
type Publisher interface {
	PublishActivity(ctx context.Context, event Event) error
}
