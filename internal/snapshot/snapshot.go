// Package snapshot holds the single most recent vision description and the
// time it was captured.
//
// There is exactly one slot per store. Writers replace the whole record at
// once; readers never block on a writer and never observe a description
// paired with another write's timestamp. The store reports age, not a
// freshness verdict: callers decide how old is too old.
package snapshot

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrEmptyDescription is returned by Write when the description is blank.
	ErrEmptyDescription = errors.New("snapshot: empty description")
	// ErrZeroTimestamp is returned by Write for a zero capture time, which
	// would read back as the absent record.
	ErrZeroTimestamp = errors.New("snapshot: zero capture time")
)

func validate(description string, capturedAt time.Time) error {
	if strings.TrimSpace(description) == "" {
		return ErrEmptyDescription
	}
	if capturedAt.IsZero() {
		return ErrZeroTimestamp
	}
	return nil
}

// Record is the content of the slot. The zero value is the absent state.
// Compare CapturedAt with Equal: stores may return it in another location.
type Record struct {
	Description string    `json:"description"`
	CapturedAt  time.Time `json:"captured_at"`
}

// Present reports whether a write has ever happened.
func (r Record) Present() bool { return !r.CapturedAt.IsZero() }

// Age returns now-CapturedAt, or false when the record is absent.
func (r Record) Age(now time.Time) (time.Duration, bool) {
	if !r.Present() {
		return 0, false
	}
	return now.Sub(r.CapturedAt), true
}

// Store is the single-slot snapshot cache. Implementations must make Write
// atomic with respect to Read.
type Store interface {
	Write(ctx context.Context, description string, capturedAt time.Time) error
	Read(ctx context.Context) (Record, error)
}

// Age reads the store and returns the record's age at now.
func Age(ctx context.Context, s Store, now time.Time) (time.Duration, bool, error) {
	rec, err := s.Read(ctx)
	if err != nil {
		return 0, false, err
	}
	d, ok := rec.Age(now)
	return d, ok, nil
}
