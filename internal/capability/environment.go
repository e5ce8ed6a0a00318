package capability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chadiek/companion/internal/apperr"
	"github.com/chadiek/companion/internal/metrics"
	"github.com/chadiek/companion/internal/snapshot"
)

// EnvironmentToolName is the wire name of the environment query.
const EnvironmentToolName = "get_environment"

var (
	// ErrSnapshotAbsent means the vision pipeline has never written.
	ErrSnapshotAbsent = errors.New("no environment snapshot available")
	// ErrSnapshotStale means the snapshot is older than MaxAge.
	ErrSnapshotStale = errors.New("environment snapshot is stale")
)

// EnvironmentQuery answers get_environment from the snapshot store.
type EnvironmentQuery struct {
	Store snapshot.Store
	// MaxAge rejects snapshots older than this. Zero disables the check.
	MaxAge time.Duration
	Now    func() time.Time
}

// NewEnvironmentQuery returns a query with no staleness check.
func NewEnvironmentQuery(store snapshot.Store) *EnvironmentQuery {
	return &EnvironmentQuery{Store: store, Now: time.Now}
}

func (q *EnvironmentQuery) Definition() Definition {
	return Definition{
		Kind:        KindEnvironmentQuery,
		Name:        EnvironmentToolName,
		Description: "Called when the assistant needs to understand the current environment. Returns a description of what the camera sees.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	}
}

// Invoke reads the store. An absent record is a CapabilityUnavailable
// error, never a made-up description.
func (q *EnvironmentQuery) Invoke(ctx context.Context, _ Request) (string, error) {
	rec, err := q.Store.Read(ctx)
	if err != nil {
		return "", apperr.New(apperr.KindCapabilityUnavailable, EnvironmentToolName, err)
	}
	if !rec.Present() {
		return "", apperr.New(apperr.KindCapabilityUnavailable, EnvironmentToolName, ErrSnapshotAbsent)
	}
	now := time.Now
	if q.Now != nil {
		now = q.Now
	}
	age, _ := rec.Age(now())
	metrics.ObserveSnapshotAge(age.Seconds())
	if q.MaxAge > 0 && age > q.MaxAge {
		return "", apperr.New(apperr.KindCapabilityUnavailable, EnvironmentToolName,
			fmt.Errorf("%w: age %s exceeds %s", ErrSnapshotStale, age.Round(time.Millisecond), q.MaxAge))
	}
	return "The environment shows: " + rec.Description, nil
}
