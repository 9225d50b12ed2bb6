// internal/membership/journal.go
package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"referralnet/internal/eventstore"
)

const (
	memberAggregate   = "member"
	maxJournalRetries = 3
)

// EventLog is the part of the event store the journal writes through.
type EventLog interface {
	AppendEvents(ctx context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []eventstore.Event) error
	LoadEvents(ctx context.Context, aggregateID uuid.UUID, fromVersion, toVersion int) ([]eventstore.Event, error)
	GetCurrentVersion(ctx context.Context, aggregateID uuid.UUID) (int, error)
}

// EventJournal records member events as an append-only, versioned stream
// per member.
type EventJournal struct {
	log EventLog
}

// NewJournal returns a Journal backed by log.
func NewJournal(log EventLog) *EventJournal {
	return &EventJournal{log: log}
}

// Record appends one event to the member's stream. Concurrent writers to
// the same stream are resolved by re-reading the version and retrying.
func (j *EventJournal) Record(ctx context.Context, memberID uuid.UUID, eventType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	event := eventstore.Event{
		AggregateID:   memberID,
		AggregateType: memberAggregate,
		EventType:     eventType,
		EventData:     data,
	}

	for attempt := 0; attempt < maxJournalRetries; attempt++ {
		version, err := j.log.GetCurrentVersion(ctx, memberID)
		if err != nil {
			return err
		}
		err = j.log.AppendEvents(ctx, memberID, memberAggregate, version, []eventstore.Event{event})
		if errors.Is(err, eventstore.ErrConcurrencyConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
		return nil
	}
	return fmt.Errorf("failed to append %s after %d attempts: %w", eventType, maxJournalRetries, eventstore.ErrConcurrencyConflict)
}

// History returns the member's events in the order they were recorded.
func (j *EventJournal) History(ctx context.Context, memberID uuid.UUID) ([]JournalEntry, error) {
	events, err := j.log.LoadEvents(ctx, memberID, 0, 0)
	if err != nil {
		return nil, err
	}
	entries := make([]JournalEntry, 0, len(events))
	for _, e := range events {
		entries = append(entries, JournalEntry{
			Type:      e.EventType,
			Version:   e.Version,
			Data:      e.EventData,
			CreatedAt: e.CreatedAt,
		})
	}
	return entries, nil
}
