package snapshot

import (
	"context"
	"sync/atomic"
	"time"
)

// MemoryStore keeps the record behind an atomic pointer. Each Write
// publishes a fresh immutable Record, so a Read sees either the previous
// record or the new one in full.
type MemoryStore struct {
	slot atomic.Pointer[Record]
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

// Write replaces the record. It fails on a blank description or a zero
// capture time.
func (m *MemoryStore) Write(_ context.Context, description string, capturedAt time.Time) error {
	if err := validate(description, capturedAt); err != nil {
		return err
	}
	m.slot.Store(&Record{Description: description, CapturedAt: capturedAt})
	return nil
}

// Read returns the last fully written record, or the zero Record.
func (m *MemoryStore) Read(context.Context) (Record, error) {
	if p := m.slot.Load(); p != nil {
		return *p, nil
	}
	return Record{}, nil
}
