package camera

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/mpapenbr/sprint-relay/pkg/motion"
)

const (
	FacingEnvironment = "environment"
	FacingUser        = "user"
)

var (
	ErrCameraUnavailable = errors.New("camera unavailable")
	ErrPermissionDenied  = fmt.Errorf("%w: permission denied", ErrCameraUnavailable)
	ErrNoDeviceFound     = fmt.Errorf("%w: no video device found", ErrCameraUnavailable)
)

// Stream is a live video stream acquired from a Camera.
type Stream interface {
	motion.FrameSource
	// WaitReady blocks until a frame with non-zero dimensions was decoded.
	WaitReady(ctx context.Context) error
	// Dimensions of the last decoded frame, zero until ready
	Dimensions() (width, height int)
	ID() string
}

// Camera hands out streams. Release stops every track of the stream and may be
// called more than once.
type Camera interface {
	Acquire(ctx context.Context, facingMode string) (Stream, error)
	Release(s Stream)
}

func frameDimensions(img image.Image) (width, height int) {
	if img == nil {
		return 0, 0
	}
	return img.Bounds().Dx(), img.Bounds().Dy()
}
