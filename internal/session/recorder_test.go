package session_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/obdlog/internal/errors"
	"github.com/shaunagostinho/obdlog/internal/session"
	"github.com/shaunagostinho/obdlog/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T) (*store.Store, *session.Recorder, *fakeClock) {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "obdlog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	_, err = s.CreateDriver(ctx, "Alex")
	require.NoError(t, err)

	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	return s, session.NewRecorder(s, clock.Now), clock
}

func TestBeginUnknownDriver(t *testing.T) {
	s, rec, _ := setup(t)
	ctx := context.Background()

	_, err := rec.BeginSession(ctx, "Nobody")
	require.Error(t, err)
	assert.Equal(t, errors.KindConfiguration, errors.KindOf(err))

	_, ok := rec.Active()
	assert.False(t, ok)
	list, err := s.ListSessions(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRecordLifecycle(t *testing.T) {
	s, rec, clock := setup(t)
	ctx := context.Background()

	err := rec.Record(ctx, store.Sample{Timestamp: clock.Now(), Speed: 1})
	assert.True(t, errors.HasCode(err, errors.ErrNoActiveSession))

	id, err := rec.BeginSession(ctx, "alex")
	require.NoError(t, err)
	active, ok := rec.Active()
	require.True(t, ok)
	assert.Equal(t, id, active.ID)
	assert.Equal(t, "Alex", active.Driver)

	_, err = rec.BeginSession(ctx, "Alex")
	assert.True(t, errors.HasCode(err, errors.ErrSessionActive))

	var (
		mu   sync.Mutex
		seen []store.Sample
	)
	rec.OnRecorded(func(sess store.Session, sm store.Sample) {
		assert.Equal(t, id, sess.ID)
		mu.Lock()
		seen = append(seen, sm)
		mu.Unlock()
	})

	ts := clock.Now()
	require.NoError(t, rec.Record(ctx, store.Sample{Timestamp: ts, Speed: 10}))
	// Same clock reading twice: the second is pushed forward.
	require.NoError(t, rec.Record(ctx, store.Sample{Timestamp: ts, Speed: 11}))
	clock.Advance(time.Second)
	require.NoError(t, rec.Record(ctx, store.Sample{Timestamp: clock.Now(), Speed: 12}))
	assert.Equal(t, 3, rec.Count())

	clock.Advance(time.Second)
	require.NoError(t, rec.EndSession(ctx))
	require.NoError(t, rec.EndSession(ctx), "ending twice is a no-op")

	_, ok = rec.Active()
	assert.False(t, ok)

	samples, err := s.SessionSamples(ctx, id)
	require.NoError(t, err)
	require.Len(t, samples, 3)
	for i := 1; i < len(samples); i++ {
		assert.True(t, samples[i].Timestamp.After(samples[i-1].Timestamp))
	}
	assert.Equal(t, ts.Add(time.Millisecond).UnixMilli(), samples[1].Timestamp.UnixMilli())

	sess, err := s.GetSession(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, sess.End)
	for _, sm := range samples {
		assert.True(t, sess.Contains(sm.Timestamp))
	}

	mu.Lock()
	assert.Len(t, seen, 3)
	mu.Unlock()

	err = rec.Record(ctx, store.Sample{Timestamp: clock.Now(), Speed: 1})
	assert.True(t, errors.HasCode(err, errors.ErrNoActiveSession))
}

type failingStore struct {
	session.Store
	err error
}

func (f failingStore) AppendSample(context.Context, store.Sample) error { return f.err }

func TestRecordStoreFailure(t *testing.T) {
	s, _, clock := setup(t)
	ctx := context.Background()

	writeErr := errors.New().New(errors.ErrStorageWrite)
	rec := session.NewRecorder(failingStore{Store: s, err: writeErr}, clock.Now)
	_, err := rec.BeginSession(ctx, "Alex")
	require.NoError(t, err)

	err = rec.Record(ctx, store.Sample{Timestamp: clock.Now(), Speed: 3})
	require.Error(t, err)
	assert.Equal(t, errors.KindPersistence, errors.KindOf(err))
	assert.Equal(t, 0, rec.Count())

	require.NoError(t, rec.EndSession(ctx))
}
