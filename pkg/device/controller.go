package device

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mpapenbr/sprint-relay/log"
	"github.com/mpapenbr/sprint-relay/pkg/camera"
	"github.com/mpapenbr/sprint-relay/pkg/model"
	"github.com/mpapenbr/sprint-relay/pkg/presence"
	"github.com/mpapenbr/sprint-relay/pkg/relay"
	"github.com/mpapenbr/sprint-relay/pkg/store"
	"github.com/mpapenbr/sprint-relay/version"
)

// Controller runs one device of a relay. All transitions happen under mu,
// store and relay I/O never does.
type Controller struct {
	role        model.Role
	session     *model.Session
	camera      camera.Camera
	newDetector DetectorFactory
	channel     relay.Channel
	store       store.Store
	reporter    presence.Reporter
	clock       func() time.Time
	l           *log.Logger
	autoArm     bool
	onStatus    StatusListener
	retryDelay  time.Duration
	heartbeat   time.Duration
	facingMode  string

	mu           sync.Mutex
	ctx          context.Context
	state        State
	stream       camera.Stream
	detector     MotionDetector
	shouldDetect bool
	cycle        uint64
	legs         map[int]*model.Leg // newest known leg per owned leg index
	legFloor     int64              // legs up to this id belong to a reset run
	completed    []int
	lastErr      error
}

//nolint:whitespace // editor/linter issue
func NewController(
	role model.Role,
	session *model.Session,
	opts ...Option,
) (*Controller, error) {
	if err := model.ValidateRole(session, role); err != nil {
		return nil, err
	}
	ret := &Controller{
		role:        role,
		session:     session,
		newDetector: MotionDetectorFactory(),
		clock:       time.Now,
		l:           log.Default().Named("device"),
		retryDelay:  500 * time.Millisecond,
		heartbeat:   presence.DefaultHeartbeat,
		facingMode:  camera.FacingEnvironment,
		ctx:         context.Background(),
		legs:        make(map[int]*model.Leg),
	}
	for _, opt := range opts {
		opt(ret)
	}
	if ret.store == nil || ret.channel == nil {
		return nil, errors.New("device needs a store and a relay channel")
	}
	ret.l = ret.l.With(log.String("role", role.Label()),
		log.String("session", session.Code))
	return ret, nil
}

func (c *Controller) Role() model.Role {
	return c.role
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that left the device idle, if any
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Completed returns the markers a finish device has already recorded
func (c *Controller) Completed() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.completed)
}

// Run acquires the camera and processes broadcast messages and leg updates
// until ctx is done. The camera is released on return.
//
//nolint:funlen // event loop
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
	defer c.releaseCamera()

	msgs, cancelMsgs, err := c.channel.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", relay.ChannelName(c.session.Code), err)
	}
	defer cancelMsgs()

	var legs <-chan *model.Leg
	if c.role.Kind != model.RoleStart {
		var cancelLegs func()
		legs, cancelLegs, err = c.store.SubscribeToLeg(ctx, c.session.ID,
			store.ForLegIndex(c.ownedLegIndexes()...))
		if err != nil {
			return fmt.Errorf("subscribe to legs: %w", err)
		}
		defer cancelLegs()
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	// stops the helpers on every return path
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if c.reporter != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			presence.Heartbeat(ctx, c.reporter, c.presence, c.heartbeat, c.l)
		}()
	}

	// relay messages are handled while the camera warms up
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.StartCamera(ctx); err != nil {
			c.l.Error("camera not available", log.ErrorField(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			c.l.Info("device stopped")
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("relay channel closed")
			}
			c.handleMessage(msg)
		case l, ok := <-legs:
			if !ok {
				// keep running, triggers fall back to LatestLeg
				legs = nil
				c.l.Warn("leg subscription ended")
				continue
			}
			c.updateLeg(l)
		}
	}
}

func (c *Controller) handleMessage(msg relay.Message) {
	switch msg.Event {
	case relay.EventReset:
		c.Reset()
	case relay.EventActivate:
		if !c.addressedTo(msg.TargetDevice) {
			c.l.Debug("ignoring activation", log.String("target", msg.TargetDevice))
			return
		}
		if err := c.Activate(msg.TargetDevice); err != nil {
			c.l.Warn("activation dropped", log.String("target", msg.TargetDevice),
				log.ErrorField(err))
		}
	}
}

// StartCamera acquires a stream, waits for the first frame and creates the
// detector. A failure leaves the device idle.
func (c *Controller) StartCamera(ctx context.Context) error {
	if c.camera == nil {
		return c.cameraFailed(fmt.Errorf("%w: no camera configured", camera.ErrCameraUnavailable))
	}
	stream, err := c.camera.Acquire(ctx, c.facingMode)
	if err != nil {
		return c.cameraFailed(err)
	}
	if err := stream.WaitReady(ctx); err != nil {
		c.camera.Release(stream)
		return c.cameraFailed(fmt.Errorf("%w: %w", camera.ErrCameraUnavailable, err))
	}
	w, h := stream.Dimensions()

	c.mu.Lock()
	c.stream = stream
	c.detector = c.newDetector(stream)
	c.lastErr = nil
	if c.state == Idle {
		c.state = CameraReady
	}
	st := c.statusLocked()
	c.mu.Unlock()

	c.l.Info("camera ready", log.String("stream", stream.ID()),
		log.Int("width", w), log.Int("height", h))
	c.notify(st)
	c.maybeAutoArm()
	return nil
}

// RestartCamera is the manual retry after a camera failure
func (c *Controller) RestartCamera(ctx context.Context) error {
	c.releaseCamera()
	return c.StartCamera(ctx)
}

func (c *Controller) cameraFailed(err error) error {
	c.mu.Lock()
	c.state = Idle
	c.lastErr = err
	st := c.statusLocked()
	c.mu.Unlock()
	c.notify(st)
	c.announce()
	return err
}

func (c *Controller) releaseCamera() {
	c.mu.Lock()
	stream, detector := c.stream, c.detector
	c.stream, c.detector = nil, nil
	c.shouldDetect = false
	if c.state != Finished {
		c.state = Idle
	}
	c.mu.Unlock()

	if detector != nil {
		detector.Stop()
	}
	if stream != nil && c.camera != nil {
		c.camera.Release(stream)
		c.l.Debug("camera released", log.String("stream", stream.ID()))
	}
}

// Arm starts the relay on a start device.
func (c *Controller) Arm() error {
	if c.role.Kind != model.RoleStart {
		return ErrNotOriginator
	}
	return c.arm("")
}

// Activate arms the device for the given target. It fails with
// ErrStaleActivation if the target is not the device's next marker or the
// camera is not live.
func (c *Controller) Activate(target string) error {
	if !c.addressedTo(target) {
		return fmt.Errorf("%w: target %s", ErrStaleActivation, target)
	}
	return c.arm(target)
}

func (c *Controller) arm(target string) error {
	c.mu.Lock()
	if c.stream == nil || c.detector == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: camera not ready", ErrStaleActivation)
	}
	switch c.state {
	case Armed:
		c.mu.Unlock()
		return ErrAlreadyArmed
	case Triggered, Finished:
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: device is %s", ErrStaleActivation, state)
	case Idle, CameraReady:
	}
	// cached legs may belong to an earlier run, the trigger resyncs via LatestLeg
	c.legs = make(map[int]*model.Leg)
	if err := c.startDetectorLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	st := c.statusLocked()
	cycle := c.cycle
	c.mu.Unlock()

	c.l.Info("armed", log.String("target", target), log.Uint64("cycle", cycle))
	c.notify(st)
	return nil
}

func (c *Controller) startDetectorLocked() error {
	c.cycle++
	cycle := c.cycle
	if err := c.detector.Start(func() { c.onMotion(cycle) }); err != nil {
		return err
	}
	c.state = Armed
	c.shouldDetect = true
	return nil
}

// Reset stops any active detection and forgets the current run.
func (c *Controller) Reset() {
	c.mu.Lock()
	detector := c.detector
	c.shouldDetect = false
	c.cycle++
	for _, l := range c.legs {
		c.legFloor = max(c.legFloor, l.ID)
	}
	c.legs = make(map[int]*model.Leg)
	c.completed = nil
	if errors.Is(c.lastErr, ErrStoreWriteFailure) {
		c.lastErr = nil
	}
	c.state = Idle
	st := c.statusLocked()
	c.mu.Unlock()

	if detector != nil {
		detector.Stop()
	}
	c.l.Info("reset")
	c.notify(st)
	c.announce()
	c.maybeAutoArm()
}

func (c *Controller) maybeAutoArm() {
	if !c.autoArm || c.role.Kind != model.RoleStart {
		return
	}
	if err := c.Arm(); err != nil {
		c.l.Debug("auto arm skipped", log.ErrorField(err))
	}
}

func (c *Controller) updateLeg(l *model.Leg) {
	if l.SessionID != c.session.ID {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if l.ID <= c.legFloor {
		return
	}
	if cur, ok := c.legs[l.LegIndex]; ok && cur.ID > l.ID {
		return
	}
	c.legs[l.LegIndex] = l
}

// addressedTo reports whether target is the marker this device waits for
func (c *Controller) addressedTo(target string) bool {
	d, ok := c.nextMarker()
	return ok && model.TargetFor(d) == target
}

func (c *Controller) nextMarker() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextMarkerLocked()
}

func (c *Controller) nextMarkerLocked() (int, bool) {
	if c.role.Kind == model.RoleStart || len(c.completed) >= len(c.role.Distances) {
		return 0, false
	}
	return c.role.Distances[len(c.completed)], true
}

func (c *Controller) ownedLegIndexes() []int {
	ret := make([]int, 0, len(c.role.Distances))
	for _, d := range c.role.Distances {
		ret = append(ret, c.session.LegIndexOf(d))
	}
	return ret
}

// onMotion is the detector callback of the given arm cycle
func (c *Controller) onMotion(cycle uint64) {
	now := c.clock()
	c.mu.Lock()
	if !c.shouldDetect || cycle != c.cycle || c.state != Armed {
		c.mu.Unlock()
		c.l.Debug("motion discarded", log.Uint64("cycle", cycle),
			log.ErrorField(ErrDuplicateTrigger))
		return
	}
	c.shouldDetect = false
	c.state = Triggered
	detector := c.detector
	ctx := c.ctx
	marker, _ := c.nextMarkerLocked()
	cached := c.legs[c.session.LegIndexOf(marker)]
	st := c.statusLocked()
	c.mu.Unlock()

	if detector != nil {
		detector.Stop()
	}
	c.notify(st)
	c.l.Info("motion detected", log.Uint64("cycle", cycle), log.Time("at", now))

	if c.role.Kind == model.RoleStart {
		c.originate(ctx, cycle, now)
		return
	}
	c.completeMarker(ctx, cycle, marker, cached, now)
}

func (c *Controller) originate(ctx context.Context, cycle uint64, now time.Time) {
	var leg *model.Leg
	err := c.retry(ctx, func() (err error) {
		leg, err = c.store.OpenNextLeg(ctx, c.session.ID, 0, now)
		return err
	})
	if err != nil {
		c.fail(cycle, fmt.Errorf("%w: open first leg: %w", ErrStoreWriteFailure, err))
		return
	}
	c.l.Info("relay started", log.Int64("leg", leg.ID))
	c.handOver(ctx, cycle, model.TargetFor(c.session.Distances[0]))
}

//nolint:whitespace,funlen // editor/linter issue
func (c *Controller) completeMarker(
	ctx context.Context,
	cycle uint64,
	marker int,
	cached *model.Leg,
	now time.Time,
) {
	idx := c.session.LegIndexOf(marker)
	current, err := c.currentLeg(ctx, idx, cached)
	if err != nil {
		c.fail(cycle, fmt.Errorf("%w: no leg %d to close: %w", ErrStoreWriteFailure, idx, err))
		return
	}
	if current.Closed() {
		// this marker was already passed in the current run
		c.l.Info("ignoring trigger", log.Int64("leg", current.ID),
			log.ErrorField(store.ErrAlreadyClosedLeg))
		c.settle(cycle)
		return
	}
	var closed *model.Leg
	err = c.retry(ctx, func() (err error) {
		closed, err = c.store.StopTiming(ctx, current.ID, now)
		return err
	})
	if err != nil {
		c.fail(cycle, fmt.Errorf("%w: leg %d: %w", ErrStoreWriteFailure, current.ID, err))
		return
	}
	c.updateLeg(closed)
	if d, ok := closed.Duration(); ok {
		c.l.Info("leg closed", log.Int64("leg", closed.ID), log.Int("index", idx),
			log.Duration("duration", d))
	}

	last := c.session.IsLastMarker(marker)
	if !last {
		var next *model.Leg
		err = c.retry(ctx, func() (err error) {
			next, err = c.store.OpenNextLeg(ctx, c.session.ID, idx+1, *closed.EndTime)
			return err
		})
		if err != nil {
			c.fail(cycle, fmt.Errorf("%w: open leg %d: %w", ErrStoreWriteFailure, idx+1, err))
			return
		}
		c.updateLeg(next)
	}

	if c.role.Kind == model.RoleFinish {
		if c.finishMarker(cycle, marker) {
			return
		}
	}
	if last {
		if err := c.store.CompleteSession(ctx, c.session.ID); err != nil {
			c.l.Error("could not complete session", log.ErrorField(err))
		}
	}
	c.handOver(ctx, cycle, model.NextTarget(c.session, marker))
}

// finishMarker records the marker on a finish device and re-arms while owned
// markers remain. It returns true if the device was re-armed.
func (c *Controller) finishMarker(cycle uint64, marker int) bool {
	c.mu.Lock()
	if cycle != c.cycle {
		c.mu.Unlock()
		return true
	}
	c.completed = append(c.completed, marker)
	if _, more := c.nextMarkerLocked(); !more || c.detector == nil {
		c.mu.Unlock()
		return false
	}
	err := c.startDetectorLocked()
	if err != nil {
		c.state = CameraReady
	}
	st := c.statusLocked()
	next := c.cycle
	c.mu.Unlock()

	if err != nil {
		c.l.Error("could not re-arm", log.ErrorField(err))
	} else {
		c.l.Info("re-armed for next marker", log.Int("completed", marker),
			log.Uint64("cycle", next))
	}
	c.notify(st)
	return true
}

// handOver broadcasts the activation of the next device unless a reset
// happened meanwhile.
func (c *Controller) handOver(ctx context.Context, cycle uint64, target string) {
	c.mu.Lock()
	if cycle != c.cycle {
		c.mu.Unlock()
		c.l.Info("reset during trigger, not handing over", log.String("target", target))
		return
	}
	if target == model.TargetStop {
		c.state = Finished
	} else {
		c.state = CameraReady
	}
	st := c.statusLocked()
	c.mu.Unlock()

	if err := c.channel.Publish(ctx, relay.Activate(target)); err != nil {
		c.l.Error("could not hand over", log.String("target", target), log.ErrorField(err))
	} else {
		c.l.Info("handed over", log.String("target", target))
	}
	c.notify(st)
}

//nolint:whitespace // editor/linter issue
func (c *Controller) currentLeg(
	ctx context.Context,
	idx int,
	cached *model.Leg,
) (*model.Leg, error) {
	if cached != nil && !cached.Closed() {
		return cached, nil
	}
	leg, err := c.store.LatestLeg(ctx, c.session.ID, idx)
	if err != nil {
		return nil, err
	}
	c.updateLeg(leg)
	return leg, nil
}

// settle returns a triggered device to camera-ready without handing over
func (c *Controller) settle(cycle uint64) {
	c.mu.Lock()
	if cycle != c.cycle || c.state != Triggered {
		c.mu.Unlock()
		return
	}
	c.state = CameraReady
	st := c.statusLocked()
	c.mu.Unlock()
	c.notify(st)
}

// retry runs op once more after a failure. Missing or unopened legs are not
// retried.
func (c *Controller) retry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryDelay), 1), ctx)
	return backoff.Retry(func() error {
		err := op()
		if errors.Is(err, store.ErrLegNotFound) || errors.Is(err, store.ErrLegNotOpen) ||
			errors.Is(err, store.ErrSessionNotFound) {
			return backoff.Permanent(err)
		}
		if err != nil {
			c.l.Warn("store write failed", log.ErrorField(err))
		}
		return err
	}, b)
}

func (c *Controller) fail(cycle uint64, err error) {
	c.mu.Lock()
	if cycle != c.cycle {
		c.mu.Unlock()
		c.l.Info("ignoring failure of reset cycle", log.ErrorField(err))
		return
	}
	c.state = Idle
	c.lastErr = err
	st := c.statusLocked()
	c.mu.Unlock()

	c.l.Error("broken leg, relay needs a reset", log.ErrorField(err))
	c.notify(st)
	c.announce()
}

func (c *Controller) presence() model.Presence {
	c.mu.Lock()
	defer c.mu.Unlock()
	ret := model.Presence{
		Device:    c.role.Label(),
		Timestamp: c.clock(),
		State:     presence.StateOnline,
		Version:   version.Version,
	}
	if c.lastErr != nil {
		ret.State = presence.StateBroken
		ret.Error = c.lastErr.Error()
	}
	return ret
}

// announce publishes the current presence right away
func (c *Controller) announce() {
	if c.reporter == nil {
		return
	}
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	if err := c.reporter.Announce(ctx, c.presence()); err != nil && ctx.Err() == nil {
		c.l.Warn("could not announce presence", log.ErrorField(err))
	}
}

func (c *Controller) statusLocked() Status {
	return Status{State: c.state, Err: c.lastErr, Completed: slices.Clone(c.completed)}
}

func (c *Controller) notify(st Status) {
	if c.onStatus != nil {
		c.onStatus(st)
	}
}
