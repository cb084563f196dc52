package storage

import (
	"context"
	"errors"

	"leasegate/pkg/models"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

// EventSink receives lease events. Sinks are best effort: a failing sink
// never changes the outcome of a lock operation.
type EventSink interface {
	Record(ctx context.Context, event *models.LeaseEvent) error
}

// EventJournal is a bounded, replayable log of recent lease events.
type EventJournal interface {
	EventSink

	// Recent returns up to count events, newest first.
	Recent(ctx context.Context, count int) ([]models.LeaseEvent, error)
}

// HistoryStore persists every lease event for later inspection.
type HistoryStore interface {
	EventSink

	// ListByResource returns the latest events of a resource, newest first.
	ListByResource(ctx context.Context, resource string, limit int) ([]models.LeaseEvent, error)
}

// MultiSink fans an event out to several sinks.
type MultiSink []EventSink

// Record delivers the event to every sink and joins their errors.
func (m MultiSink) Record(ctx context.Context, event *models.LeaseEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
