package device

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/mpapenbr/sprint-relay/pkg/camera"
	"github.com/mpapenbr/sprint-relay/pkg/model"
	"github.com/mpapenbr/sprint-relay/pkg/motion"
	"github.com/mpapenbr/sprint-relay/pkg/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fakeStream struct {
	id    string
	frame image.Image
	ready <-chan struct{}
}

func (s *fakeStream) CurrentFrame() image.Image       { return s.frame }
func (s *fakeStream) Dimensions() (width, height int) { return 4, 4 }
func (s *fakeStream) ID() string                      { return s.id }

// WaitReady blocks until ready is closed (if set)
func (s *fakeStream) WaitReady(ctx context.Context) error {
	if s.ready == nil {
		return ctx.Err()
	}
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type fakeCamera struct {
	err      error
	ready    chan struct{}
	mu       sync.Mutex
	acquired int
	released int
}

func (c *fakeCamera) Acquire(ctx context.Context, facingMode string) (camera.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.acquired++
	return &fakeStream{
		id:    facingMode,
		frame: image.NewGray(image.Rect(0, 0, 4, 4)),
		ready: c.ready,
	}, nil
}

func (c *fakeCamera) acquires() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquired
}

func (c *fakeCamera) Release(camera.Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released++
}

func (c *fakeCamera) releases() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

// fakeDetector fires only when the test says so
type fakeDetector struct {
	mu        sync.Mutex
	running   bool
	callbacks []func()
}

func (d *fakeDetector) Start(onMotion func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return motion.ErrAlreadyRunning
	}
	d.running = true
	d.callbacks = append(d.callbacks, onMotion)
	return nil
}

func (d *fakeDetector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
}

func (d *fakeDetector) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// fire simulates motion in the current cycle. It returns false if the
// detector was not running.
func (d *fakeDetector) fire() bool {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return false
	}
	d.running = false
	cb := d.callbacks[len(d.callbacks)-1]
	d.mu.Unlock()
	cb()
	return true
}

// callback returns the onMotion func of the given arm cycle (0-based)
func (d *fakeDetector) callback(i int) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.callbacks[i]
}

func (d *fakeDetector) factory() DetectorFactory {
	return func(motion.FrameSource) MotionDetector { return d }
}

type recordingReporter struct {
	mu        sync.Mutex
	announced []model.Presence
}

func (r *recordingReporter) Announce(ctx context.Context, p model.Presence) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.announced = append(r.announced, p)
	return nil
}

func (r *recordingReporter) Leave(ctx context.Context) error { return nil }

func (r *recordingReporter) last() model.Presence {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.announced) == 0 {
		return model.Presence{}
	}
	return r.announced[len(r.announced)-1]
}

// failingStore fails the first failures StopTiming calls (all if zero) and
// passes the rest to the embedded store
type failingStore struct {
	store.Store
	err      error
	failures int
	onFail   func()
	mu       sync.Mutex
	stops    int
}

//nolint:whitespace // editor/linter issue
func (s *failingStore) StopTiming(
	ctx context.Context,
	legID int64,
	at time.Time,
) (*model.Leg, error) {
	s.mu.Lock()
	s.stops++
	fail := s.failures == 0 || s.stops <= s.failures
	s.mu.Unlock()
	if fail {
		if s.onFail != nil {
			s.onFail()
		}
		return nil, s.err
	}
	return s.Store.StopTiming(ctx, legID, at)
}

func (s *failingStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}
