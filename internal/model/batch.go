// internal/model/batch.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// EventBatch is a group of canonical events released together to the forwarder
type EventBatch struct {
	ID        uuid.UUID         `json:"batch_id"`
	Events    []*CanonicalEvent `json:"events"`
	CreatedAt time.Time         `json:"created_at"`
	Attempts  int               `json:"-"`
}

// NewEventBatch wraps released events in a batch
func NewEventBatch(events []*CanonicalEvent, createdAt time.Time) *EventBatch {
	return &EventBatch{
		ID:        uuid.New(),
		Events:    events,
		CreatedAt: createdAt,
	}
}

// Len returns the number of events in the batch
func (b *EventBatch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Events)
}
