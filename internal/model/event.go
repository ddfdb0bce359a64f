// internal/model/event.go
package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// EventType names a hub event type
type EventType string

const EventStateChanged EventType = "state_changed"

var entityIDPattern = regexp.MustCompile(`^[a-z0-9_]+\.[a-z0-9_]+$`)

// StateBlock is one side of a state transition
type StateBlock struct {
	State       Value      `json:"state"`
	Attributes  Attributes `json:"attributes,omitempty"`
	LastChanged time.Time  `json:"last_changed"`
	LastUpdated time.Time  `json:"last_updated"`
}

// EventContext identifies the origin of an event
type EventContext struct {
	ID       string  `json:"id"`
	ParentID *string `json:"parent_id,omitempty"`
	UserID   *string `json:"user_id,omitempty"`
}

// WeatherSnapshot is the weather attached to an event
type WeatherSnapshot struct {
	Location    string    `json:"location"`
	Temperature *float64  `json:"temperature,omitempty"`
	Humidity    *float64  `json:"humidity,omitempty"`
	Pressure    *float64  `json:"pressure,omitempty"`
	WindSpeed   *float64  `json:"wind_speed,omitempty"`
	WindBearing *float64  `json:"wind_bearing,omitempty"`
	Condition   string    `json:"condition,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// DeviceMetadata describes the device and area behind an entity
type DeviceMetadata struct {
	DeviceID     string `json:"device_id,omitempty"`
	AreaID       string `json:"area_id,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
}

// Enrichment is the contextual data attached by the event processor
type Enrichment struct {
	Weather  *WeatherSnapshot `json:"weather,omitempty"`
	Metadata *DeviceMetadata  `json:"metadata,omitempty"`
}

// CanonicalEvent is the pipeline's normal form of one hub state change.
// It is not modified after the processor returns it.
type CanonicalEvent struct {
	EventType       EventType    `json:"event_type"`
	EntityID        string       `json:"entity_id"`
	Domain          string       `json:"domain"`
	OldState        *StateBlock  `json:"old_state"`
	NewState        *StateBlock  `json:"new_state"`
	Context         EventContext `json:"context"`
	TimeFired       time.Time    `json:"time_fired"`
	DurationInState *float64     `json:"duration_in_state,omitempty"`
	Enrichment      Enrichment   `json:"enrichment"`
}

// SplitEntityID validates an entity id and returns its domain and object id
func SplitEntityID(entityID string) (string, string, error) {
	if !entityIDPattern.MatchString(entityID) {
		return "", "", NewPipelineError(ErrValidation, "entity_id",
			fmt.Errorf("entity_id %q does not match domain.object_id", entityID))
	}
	domain, objectID, _ := strings.Cut(entityID, ".")
	return domain, objectID, nil
}

// Validate checks the structural invariants of the event
func (e *CanonicalEvent) Validate() error {
	domain, _, err := SplitEntityID(e.EntityID)
	if err != nil {
		return err
	}
	if e.Domain != domain {
		return NewPipelineError(ErrValidation, "domain",
			fmt.Errorf("domain %q does not match entity_id %q", e.Domain, e.EntityID))
	}
	if e.EventType == "" {
		return NewPipelineError(ErrValidation, "event_type", fmt.Errorf("event_type is required"))
	}
	if e.NewState == nil {
		return NewPipelineError(ErrValidation, "new_state", fmt.Errorf("new_state is required"))
	}
	if e.NewState.State.IsNull() {
		return NewPipelineError(ErrValidation, "new_state", fmt.Errorf("new_state.state must not be null"))
	}
	return nil
}

// Timestamp returns the time the point for this event is keyed on
func (e *CanonicalEvent) Timestamp() time.Time {
	if e.NewState != nil && !e.NewState.LastUpdated.IsZero() {
		return e.NewState.LastUpdated
	}
	return e.TimeFired
}
