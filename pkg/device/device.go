package device

import (
	"errors"
	"fmt"
	"time"

	"github.com/mpapenbr/sprint-relay/log"
	"github.com/mpapenbr/sprint-relay/pkg/camera"
	"github.com/mpapenbr/sprint-relay/pkg/motion"
	"github.com/mpapenbr/sprint-relay/pkg/presence"
	"github.com/mpapenbr/sprint-relay/pkg/relay"
	"github.com/mpapenbr/sprint-relay/pkg/store"
)

type State int

const (
	Idle State = iota
	CameraReady
	Armed
	Triggered
	Finished
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case CameraReady:
		return "camera-ready"
	case Armed:
		return "armed"
	case Triggered:
		return "triggered"
	case Finished:
		return "finished"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrStaleActivation is returned for activations addressed to another
	// device or received without a live camera.
	ErrStaleActivation = errors.New("stale activation")
	// ErrDuplicateTrigger marks a motion callback of an outdated arm cycle
	ErrDuplicateTrigger = errors.New("duplicate trigger")
	// ErrStoreWriteFailure marks a broken leg. The relay needs a reset.
	ErrStoreWriteFailure = errors.New("store write failure")
	ErrNotOriginator     = errors.New("only the start device originates the relay")
	ErrAlreadyArmed      = errors.New("device already armed")
)

// MotionDetector is the part of motion.Detector a controller needs
type MotionDetector interface {
	Start(onMotion func()) error
	Stop()
}

// DetectorFactory creates the detector for a freshly acquired stream
type DetectorFactory func(src motion.FrameSource) MotionDetector

func MotionDetectorFactory(opts ...motion.Option) DetectorFactory {
	return func(src motion.FrameSource) MotionDetector {
		return motion.NewDetector(src, opts...)
	}
}

// Status is handed to the status listener after every transition
type Status struct {
	State     State
	Err       error
	Completed []int
}

type StatusListener func(Status)

type Option func(*Controller)

func WithCamera(c camera.Camera) Option {
	return func(ctrl *Controller) {
		ctrl.camera = c
	}
}

func WithDetectorFactory(f DetectorFactory) Option {
	return func(ctrl *Controller) {
		ctrl.newDetector = f
	}
}

func WithChannel(ch relay.Channel) Option {
	return func(ctrl *Controller) {
		ctrl.channel = ch
	}
}

func WithStore(s store.Store) Option {
	return func(ctrl *Controller) {
		ctrl.store = s
	}
}

func WithReporter(r presence.Reporter) Option {
	return func(ctrl *Controller) {
		ctrl.reporter = r
	}
}

func WithClock(clock func() time.Time) Option {
	return func(ctrl *Controller) {
		ctrl.clock = clock
	}
}

func WithLogger(l *log.Logger) Option {
	return func(ctrl *Controller) {
		ctrl.l = l
	}
}

// WithAutoArm lets a start device arm itself once the camera is ready and
// after every reset.
func WithAutoArm(b bool) Option {
	return func(ctrl *Controller) {
		ctrl.autoArm = b
	}
}

func WithStatusListener(f StatusListener) Option {
	return func(ctrl *Controller) {
		ctrl.onStatus = f
	}
}

// WithRetryDelay sets the pause before the single retry of a failed store write
func WithRetryDelay(d time.Duration) Option {
	return func(ctrl *Controller) {
		ctrl.retryDelay = d
	}
}

func WithHeartbeat(d time.Duration) Option {
	return func(ctrl *Controller) {
		ctrl.heartbeat = d
	}
}

func WithFacingMode(mode string) Option {
	return func(ctrl *Controller) {
		ctrl.facingMode = mode
	}
}
