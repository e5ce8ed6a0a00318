package capability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/companion/internal/apperr"
	"github.com/chadiek/companion/internal/snapshot"
)

type failingStore struct{ err error }

func (f failingStore) Write(context.Context, string, time.Time) error { return f.err }
func (f failingStore) Read(context.Context) (snapshot.Record, error) {
	return snapshot.Record{}, f.err
}

func TestEnvironmentQuery_AbsentIsUnavailable(t *testing.T) {
	q := NewEnvironmentQuery(snapshot.NewMemoryStore())

	out, err := q.Invoke(context.Background(), Request{Name: EnvironmentToolName})
	assert.Empty(t, out)
	assert.ErrorIs(t, err, apperr.ErrCapabilityUnavailable)
	assert.ErrorIs(t, err, ErrSnapshotAbsent)
}

func TestEnvironmentQuery_PresentEmbedsDescription(t *testing.T) {
	store := snapshot.NewMemoryStore()
	require.NoError(t, store.Write(context.Background(), "cucumber", time.Now()))

	out, err := NewEnvironmentQuery(store).Invoke(context.Background(), Request{Name: EnvironmentToolName})
	require.NoError(t, err)
	assert.Equal(t, "The environment shows: cucumber", out)
}

func TestEnvironmentQuery_NoStalenessCheckByDefault(t *testing.T) {
	store := snapshot.NewMemoryStore()
	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Write(context.Background(), "kite", old))

	out, err := NewEnvironmentQuery(store).Invoke(context.Background(), Request{})
	require.NoError(t, err)
	assert.Contains(t, out, "kite")
}

func TestEnvironmentQuery_MaxAgeRejectsStale(t *testing.T) {
	store := snapshot.NewMemoryStore()
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.Write(context.Background(), "kite", t1))

	q := &EnvironmentQuery{Store: store, MaxAge: 10 * time.Second, Now: func() time.Time { return t1.Add(11 * time.Second) }}
	_, err := q.Invoke(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrSnapshotStale)
	assert.ErrorIs(t, err, apperr.ErrCapabilityUnavailable)

	q.Now = func() time.Time { return t1.Add(5 * time.Second) }
	out, err := q.Invoke(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "The environment shows: kite", out)
}

func TestEnvironmentQuery_StoreErrorIsUnavailable(t *testing.T) {
	q := NewEnvironmentQuery(failingStore{err: errors.New("redis down")})
	_, err := q.Invoke(context.Background(), Request{})
	assert.ErrorIs(t, err, apperr.ErrCapabilityUnavailable)
}

func TestRegistry_ResolveAndDefinitions(t *testing.T) {
	store := snapshot.NewMemoryStore()
	require.NoError(t, store.Write(context.Background(), "ball", time.Now()))
	reg, err := NewRegistry(NewEnvironmentQuery(store))
	require.NoError(t, err)

	defs := reg.Definitions()
	require.Len(t, defs, 1)
	assert.Equal(t, EnvironmentToolName, defs[0].Name)
	assert.Equal(t, KindEnvironmentQuery, defs[0].Kind)

	out, err := reg.Resolve(context.Background(), Request{ID: "call_1", Name: EnvironmentToolName})
	require.NoError(t, err)
	assert.Equal(t, "The environment shows: ball", out)
}

func TestRegistry_UnknownName(t *testing.T) {
	reg, err := NewRegistry(NewEnvironmentQuery(snapshot.NewMemoryStore()))
	require.NoError(t, err)

	_, err = reg.Resolve(context.Background(), Request{Name: "open_door"})
	assert.ErrorIs(t, err, ErrUnknownCapability)
}

func TestRegistry_DuplicateName(t *testing.T) {
	store := snapshot.NewMemoryStore()
	_, err := NewRegistry(NewEnvironmentQuery(store), NewEnvironmentQuery(store))
	assert.Error(t, err)
}
