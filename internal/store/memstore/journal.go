package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"referralnet/internal/membership"
)

// Journal is an in-memory membership.Journal.
type Journal struct {
	mu      sync.Mutex
	entries map[uuid.UUID][]membership.JournalEntry
}

// NewJournal creates an empty journal.
func NewJournal() *Journal {
	return &Journal{entries: make(map[uuid.UUID][]membership.JournalEntry)}
}

func (j *Journal) Record(_ context.Context, memberID uuid.UUID, eventType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries[memberID] = append(j.entries[memberID], membership.JournalEntry{
		Type:      eventType,
		Version:   len(j.entries[memberID]) + 1,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (j *Journal) History(_ context.Context, memberID uuid.UUID) ([]membership.JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]membership.JournalEntry(nil), j.entries[memberID]...), nil
}
