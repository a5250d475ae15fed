package motion

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"golang.org/x/image/draw"

	"github.com/mpapenbr/sprint-relay/log"
)

var ErrAlreadyRunning = errors.New("motion detection already running")

// FrameSource provides the most recent decoded camera frame.
// CurrentFrame returns nil while no frame is available.
type FrameSource interface {
	CurrentFrame() image.Image
}

// Stats are diagnostic counters of a detector
type Stats struct {
	FramesSampled     int64
	FramesDeferred    int64
	LastChangedPixels int
	Triggers          int64
}

type (
	Option   func(*Detector)
	Detector struct {
		src             FrameSource
		threshold       uint8
		minMotionPixels int
		interval        time.Duration
		gridW           int
		gridH           int
		l               *log.Logger

		mu      sync.Mutex
		running bool
		cycle   uint64
		cancel  context.CancelFunc
		stats   Stats
	}
)

// WithThreshold sets the per pixel luminance delta considered a change.
func WithThreshold(t uint8) Option {
	return func(d *Detector) {
		d.threshold = t
	}
}

// WithMinMotionPixels sets the number of changed grid pixels that must be
// exceeded to report motion.
func WithMinMotionPixels(n int) Option {
	return func(d *Detector) {
		d.minMotionPixels = n
	}
}

// WithInterval sets the sampling period. Non-positive values are ignored.
func WithInterval(i time.Duration) Option {
	return func(d *Detector) {
		if i > 0 {
			d.interval = i
		}
	}
}

// WithGrid sets the size of the off-screen buffer frames are scaled into.
func WithGrid(w, h int) Option {
	return func(d *Detector) {
		d.gridW = w
		d.gridH = h
	}
}

func WithLogger(l *log.Logger) Option {
	return func(d *Detector) {
		d.l = l
	}
}

func NewDetector(src FrameSource, opts ...Option) *Detector {
	ret := &Detector{
		src:             src,
		threshold:       30,
		minMotionPixels: 40,
		interval:        50 * time.Millisecond,
		gridW:           64,
		gridH:           48,
		l:               log.Default().Named("motion"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// Start begins sampling. onMotion is called at most once per Start, after
// which the detector is stopped again.
func (d *Detector) Start(onMotion func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cycle++
	d.running = true
	d.cancel = cancel
	go d.loop(ctx, d.cycle, onMotion)
	d.l.Debug("detector started", log.Uint64("cycle", d.cycle))
	return nil
}

// Stop ends sampling. Calling it on a stopped detector does nothing.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}
	d.running = false
	d.cancel()
	d.cancel = nil
	d.l.Debug("detector stopped", log.Uint64("cycle", d.cycle))
}

func (d *Detector) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// claim marks the loop of the given cycle as stopped. Only the first caller
// of a still running cycle wins.
func (d *Detector) claim(cycle uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running || d.cycle != cycle {
		return false
	}
	d.running = false
	d.cancel()
	d.cancel = nil
	d.stats.Triggers++
	return true
}

func (d *Detector) loop(ctx context.Context, cycle uint64, onMotion func()) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	prev := image.NewGray(image.Rect(0, 0, d.gridW, d.gridH))
	cur := image.NewGray(image.Rect(0, 0, d.gridW, d.gridH))
	havePrev := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		frame := d.src.CurrentFrame()
		if frame == nil || frame.Bounds().Empty() {
			d.mu.Lock()
			d.stats.FramesDeferred++
			d.mu.Unlock()
			continue
		}
		draw.ApproxBiLinear.Scale(cur, cur.Bounds(), frame, frame.Bounds(), draw.Src, nil)
		if !havePrev {
			prev, cur = cur, prev
			havePrev = true
			continue
		}
		changed := CountChangedPixels(prev, cur, d.threshold)
		d.mu.Lock()
		d.stats.FramesSampled++
		d.stats.LastChangedPixels = changed
		d.mu.Unlock()

		if changed > d.minMotionPixels {
			if d.claim(cycle) {
				d.l.Debug("motion detected",
					log.Int("changed", changed), log.Uint64("cycle", cycle))
				onMotion()
			}
			return
		}
		prev, cur = cur, prev
	}
}

// CountChangedPixels returns the number of pixels whose luminance differs by
// more than threshold. Returns -1 if the images differ in size.
func CountChangedPixels(a, b *image.Gray, threshold uint8) int {
	ab, bb := a.Bounds(), b.Bounds()
	if ab.Dx() != bb.Dx() || ab.Dy() != bb.Dy() {
		return -1
	}
	count := 0
	for y := 0; y < ab.Dy(); y++ {
		ra := a.Pix[y*a.Stride : y*a.Stride+ab.Dx()]
		rb := b.Pix[y*b.Stride : y*b.Stride+bb.Dx()]
		for x := range ra {
			diff := int(ra[x]) - int(rb[x])
			if diff < 0 {
				diff = -diff
			}
			if diff > int(threshold) {
				count++
			}
		}
	}
	return count
}
