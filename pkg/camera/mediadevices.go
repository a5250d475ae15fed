package camera

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"strings"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/samber/lo"

	// register the camera driver
	_ "github.com/pion/mediadevices/pkg/driver/camera"

	"github.com/mpapenbr/sprint-relay/log"
)

type (
	MediaDevicesOption func(*MediaDevices)
	// MediaDevices acquires cameras through pion/mediadevices
	MediaDevices struct {
		width     int
		height    int
		frameRate float64
		label     string
		l         *log.Logger
	}
)

func WithResolution(width, height int) MediaDevicesOption {
	return func(m *MediaDevices) {
		m.width = width
		m.height = height
	}
}

func WithFrameRate(fps float64) MediaDevicesOption {
	return func(m *MediaDevices) {
		m.frameRate = fps
	}
}

// WithDeviceLabel selects the video input whose label contains the given text.
func WithDeviceLabel(label string) MediaDevicesOption {
	return func(m *MediaDevices) {
		m.label = label
	}
}

func WithLogger(l *log.Logger) MediaDevicesOption {
	return func(m *MediaDevices) {
		m.l = l
	}
}

func NewMediaDevices(opts ...MediaDevicesOption) *MediaDevices {
	ret := &MediaDevices{
		width:     640,
		height:    480,
		frameRate: 15,
		l:         log.Default().Named("camera"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

var facingHints = map[string][]string{
	FacingEnvironment: {"back", "rear", "environment"},
	FacingUser:        {"front", "user", "facetime"},
}

// selectDevice picks a video input. An explicit label wins over the facing
// mode hint, the first video input is the fallback.
func selectDevice(
	devices []mediadevices.MediaDeviceInfo,
	label, facingMode string,
) (mediadevices.MediaDeviceInfo, bool) {
	cams := lo.Filter(devices, func(d mediadevices.MediaDeviceInfo, _ int) bool {
		return d.Kind == mediadevices.VideoInput
	})
	if len(cams) == 0 {
		return mediadevices.MediaDeviceInfo{}, false
	}
	matches := func(hints ...string) func(d mediadevices.MediaDeviceInfo) bool {
		return func(d mediadevices.MediaDeviceInfo) bool {
			l := strings.ToLower(d.Label)
			return lo.SomeBy(hints, func(h string) bool {
				return strings.Contains(l, strings.ToLower(h))
			})
		}
	}
	if label != "" {
		if d, ok := lo.Find(cams, matches(label)); ok {
			return d, true
		}
	}
	if d, ok := lo.Find(cams, matches(facingHints[facingMode]...)); ok {
		return d, true
	}
	return cams[0], true
}

//nolint:whitespace // editor/linter issue
func (m *MediaDevices) Acquire(ctx context.Context, facingMode string) (
	Stream, error,
) {
	dev, ok := selectDevice(mediadevices.EnumerateDevices(), m.label, facingMode)
	if !ok {
		return nil, ErrNoDeviceFound
	}
	m.l.Info("acquiring camera",
		log.String("label", dev.Label),
		log.String("facingMode", facingMode))

	ms, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.DeviceID = prop.String(dev.DeviceID)
			c.Width = prop.Int(m.width)
			c.Height = prop.Int(m.height)
			c.FrameRate = prop.Float(m.frameRate)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	tracks := ms.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, ErrNoDeviceFound
	}
	vt, ok := tracks[0].(*mediadevices.VideoTrack)
	if !ok {
		for _, t := range ms.GetTracks() {
			_ = t.Close()
		}
		return nil, fmt.Errorf("%w: unexpected track type %T", ErrNoDeviceFound, tracks[0])
	}
	s := &mediaStream{
		id:     vt.ID(),
		stream: ms,
		ready:  make(chan struct{}),
		l:      m.l.With(log.String("track", vt.ID())),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	go s.read(vt)
	return s, nil
}

func (m *MediaDevices) Release(s Stream) {
	if ms, ok := s.(*mediaStream); ok {
		ms.close()
	}
}

type mediaStream struct {
	id     string
	stream mediadevices.MediaStream
	ctx    context.Context
	cancel context.CancelFunc
	l      *log.Logger

	mu        sync.Mutex
	latest    image.Image
	ready     chan struct{}
	readyOnce sync.Once
	closeOnce sync.Once
}

var _ Stream = (*mediaStream)(nil)

func (s *mediaStream) ID() string { return s.id }

func (s *mediaStream) CurrentFrame() image.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

func (s *mediaStream) Dimensions() (width, height int) {
	return frameDimensions(s.CurrentFrame())
}

func (s *mediaStream) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.ctx.Done():
		return fmt.Errorf("%w: stream released", ErrCameraUnavailable)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *mediaStream) read(vt *mediadevices.VideoTrack) {
	reader := vt.NewReader(false)
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		img, release, err := reader.Read()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.l.Debug("error reading frame", log.ErrorField(err))
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if img == nil {
			if release != nil {
				release()
			}
			continue
		}
		cloned := cloneFrame(img)
		if release != nil {
			release()
		}
		s.mu.Lock()
		s.latest = cloned
		s.mu.Unlock()
		if !cloned.Bounds().Empty() {
			s.readyOnce.Do(func() {
				w, h := frameDimensions(cloned)
				s.l.Info("camera ready", log.Int("width", w), log.Int("height", h))
				close(s.ready)
			})
		}
	}
}

func (s *mediaStream) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		for _, t := range s.stream.GetTracks() {
			if err := t.Close(); err != nil {
				s.l.Warn("error closing track", log.ErrorField(err))
			}
		}
		s.l.Info("camera released")
	})
}

// cloneFrame copies the frame since the reader reuses its buffers after release.
func cloneFrame(img image.Image) image.Image {
	switch src := img.(type) {
	case *image.RGBA:
		dst := *src
		dst.Pix = append([]byte(nil), src.Pix...)
		return &dst
	case *image.YCbCr:
		dst := *src
		dst.Y = append([]byte(nil), src.Y...)
		dst.Cb = append([]byte(nil), src.Cb...)
		dst.Cr = append([]byte(nil), src.Cr...)
		return &dst
	case *image.Gray:
		dst := *src
		dst.Pix = append([]byte(nil), src.Pix...)
		return &dst
	default:
		bounds := img.Bounds()
		dst := image.NewRGBA(bounds)
		draw.Draw(dst, bounds, img, bounds.Min, draw.Src)
		return dst
	}
}
