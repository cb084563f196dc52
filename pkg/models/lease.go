package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// LeaseEventType classifies what happened to a lease.
type LeaseEventType string

const (
	LeaseAcquired      LeaseEventType = "ACQUIRED"
	LeaseReacquired    LeaseEventType = "REACQUIRED" // answered by a lease already held
	LeaseTimedOut      LeaseEventType = "TIMED_OUT"
	LeaseFailed        LeaseEventType = "FAILED"
	LeaseReleased      LeaseEventType = "RELEASED"
	LeaseReleaseFailed LeaseEventType = "RELEASE_FAILED"
	LeaseReaped        LeaseEventType = "REAPED"
)

// Labels is free-form metadata stored as JSON.
type Labels map[string]string

func (l *Labels) Scan(value interface{}) error {
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	case nil:
		*l = nil
		return nil
	default:
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, l)
}

func (l Labels) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

// LeaseEvent is one entry of the lease audit trail.
type LeaseEvent struct {
	ID         uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	Resource   string         `json:"resource" gorm:"not null;index:idx_resource_occurred"`
	Type       LeaseEventType `json:"type" gorm:"type:varchar(20);not null"`
	Identifier string         `json:"identifier"`
	Node       string         `json:"node,omitempty"`
	Sequence   int64          `json:"sequence,omitempty"`
	SessionID  int64          `json:"session_id,omitempty"`
	Capacity   int            `json:"capacity,omitempty"`
	Ephemeral  bool           `json:"ephemeral"`
	Comment    string         `json:"comment,omitempty"`
	Labels     Labels         `json:"labels,omitempty" gorm:"type:jsonb"`
	OccurredAt time.Time      `json:"occurred_at" gorm:"not null;index:idx_resource_occurred"`
	CreatedAt  time.Time      `json:"created_at"`
}

// BeforeCreate hook to generate UUID if not present
func (e *LeaseEvent) BeforeCreate(tx *gorm.DB) (err error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return
}

// NewLeaseEvent returns an event stamped with a fresh id and the current time.
func NewLeaseEvent(resource string, typ LeaseEventType) *LeaseEvent {
	return &LeaseEvent{
		ID:         uuid.New(),
		Resource:   resource,
		Type:       typ,
		OccurredAt: time.Now().UTC(),
	}
}
