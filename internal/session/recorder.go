// Package session records session boundaries and samples for one
// acquisition run.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/obdlog/internal/errors"
	"github.com/shaunagostinho/obdlog/internal/logger"
	"github.com/shaunagostinho/obdlog/internal/store"
)

// Store is the subset of the persisted store the recorder writes to.
type Store interface {
	GetDriver(ctx context.Context, name string) (store.Driver, error)
	BeginSession(ctx context.Context, driver string, start time.Time) (store.Session, error)
	AppendSample(ctx context.Context, sm store.Sample) error
	EndSession(ctx context.Context, id int64, end time.Time) (store.Session, error)
}

// Recorder binds samples to the session it opened. It is not meant to be
// shared between runs.
type Recorder struct {
	store Store
	now   func() time.Time
	log   zerolog.Logger

	mu         sync.Mutex
	active     *store.Session
	last       time.Time
	count      int
	onRecorded func(store.Session, store.Sample)
}

func NewRecorder(s Store, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{store: s, now: now, log: logger.For("session")}
}

// OnRecorded registers fn to run after every stored sample.
func (r *Recorder) OnRecorded(fn func(store.Session, store.Sample)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRecorded = fn
}

// BeginSession opens a session for driver and returns its id. An unknown
// driver is a configuration error.
func (r *Recorder) BeginSession(ctx context.Context, driver string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		return 0, errors.New().WithData(errors.ErrSessionActive, r.active.ID)
	}
	if _, err := r.store.GetDriver(ctx, driver); err != nil {
		return 0, err
	}

	sess, err := r.store.BeginSession(ctx, driver, r.now())
	if err != nil {
		return 0, err
	}
	r.active = &sess
	r.last = sess.Start.Add(-time.Millisecond)
	r.count = 0
	return sess.ID, nil
}

// Record appends sm to the active session. A timestamp that does not move
// past the previous sample is bumped to 1 ms after it.
func (r *Recorder) Record(ctx context.Context, sm store.Sample) error {
	r.mu.Lock()
	if r.active == nil {
		r.mu.Unlock()
		return errors.New().New(errors.ErrNoActiveSession)
	}
	sm.Timestamp = sm.Timestamp.Truncate(time.Millisecond)
	if !sm.Timestamp.After(r.last) {
		sm.Timestamp = r.last.Add(time.Millisecond)
	}
	if err := r.store.AppendSample(ctx, sm); err != nil {
		r.mu.Unlock()
		return err
	}
	r.last = sm.Timestamp
	r.count++
	sess := *r.active
	fn := r.onRecorded
	r.mu.Unlock()

	r.log.Debug().
		Int64("session", sess.ID).
		Time("ts", sm.Timestamp).
		Int("speed", sm.Speed).
		Int("rpm", sm.RPM).
		Msg("sample recorded")
	if fn != nil {
		fn(sess, sm)
	}
	return nil
}

// EndSession closes the active session. It does nothing when no session
// is open.
func (r *Recorder) EndSession(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == nil {
		return nil
	}
	id := r.active.ID
	r.active = nil
	if _, err := r.store.EndSession(ctx, id, r.now()); err != nil {
		return err
	}
	return nil
}

// Active returns the open session, if any.
func (r *Recorder) Active() (store.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return store.Session{}, false
	}
	return *r.active, true
}

// Count is the number of samples recorded in the current or last session.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
