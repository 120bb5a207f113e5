package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/AcqBridge/internal/acquisition"
	"github.com/bryanchriswhite/AcqBridge/internal/frame"
	"github.com/bryanchriswhite/AcqBridge/internal/logger"
)

// ErrAborted is returned by Initialize on an engine that was already aborted.
var ErrAborted = errors.New("engine aborted")

// Config describes the frames a Synthetic engine produces.
type Config struct {
	// Frames > 0 queues a time series of that many events and finishes on
	// its own; 0 waits for events from the controller
	Frames   int
	Width    int
	Height   int
	BitDepth int // 8 or 16
	Interval time.Duration
	Prefix   string
}

// DefaultConfig returns a small 16-bit acquisition
func DefaultConfig() Config {
	return Config{
		Frames:   10,
		Width:    64,
		Height:   64,
		BitDepth: 16,
		Interval: 100 * time.Millisecond,
		Prefix:   "synthetic",
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Frames < 0 {
		return fmt.Errorf("frame count must not be negative, got %d", c.Frames)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", c.Width, c.Height)
	}
	if c.BitDepth != 8 && c.BitDepth != 16 {
		return fmt.Errorf("bit depth must be 8 or 16, got %d", c.BitDepth)
	}
	if c.Interval < 0 {
		return fmt.Errorf("interval must not be negative, got %v", c.Interval)
	}
	return nil
}

// Synthetic produces a moving gradient, one frame per submitted event. It
// stands in for a camera when none is attached.
type Synthetic struct {
	config Config
	images chan frame.TaggedImage
	wake   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	started  bool
	queue    []acquisition.Event
	finished bool
}

// NewSynthetic creates an engine producing frames described by config
func NewSynthetic(config Config) *Synthetic {
	ctx, cancel := context.WithCancel(context.Background())
	return &Synthetic{
		config: config,
		images: make(chan frame.TaggedImage),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Name returns the engine name
func (s *Synthetic) Name() string {
	return "synthetic"
}

// Initialize validates the configuration, reports the summary metadata and
// starts producing frames.
func (s *Synthetic) Initialize(a acquisition.Annotator) (frame.Metadata, error) {
	if err := s.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid synthetic engine config: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil, fmt.Errorf("engine already initialized")
	}
	if s.ctx.Err() != nil {
		return nil, ErrAborted
	}
	s.started = true

	summary := frame.Metadata{
		"Prefix":           s.config.Prefix,
		frame.TagWidth:     s.config.Width,
		frame.TagHeight:    s.config.Height,
		frame.TagBitDepth:  s.config.BitDepth,
		frame.TagPixelType: pixelType(s.config.BitDepth),
		"Frames":           s.config.Frames,
		"IntervalMs":       s.config.Interval.Milliseconds(),
		"StartTime":        time.Now().Format(time.RFC3339Nano),
	}
	a.OnSummaryMetadata(summary)

	if s.config.Frames > 0 {
		s.queue = append(s.queue, TimeSeries(s.config.Frames)...)
		s.finished = true
	}

	s.wg.Add(1)
	go s.produce(a)

	logger.WithComponent("engine").Info().
		Int("frames", s.config.Frames).
		Int("width", s.config.Width).
		Int("height", s.config.Height).
		Int("bit_depth", s.config.BitDepth).
		Msg("Synthetic engine started")
	return summary, nil
}

// Images returns the frame stream
func (s *Synthetic) Images() <-chan frame.TaggedImage {
	return s.images
}

// Submit queues events behind those already waiting. Events may be
// submitted before Initialize.
func (s *Synthetic) Submit(events []acquisition.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return ErrAborted
	}
	if s.finished {
		return fmt.Errorf("%w: engine finished", acquisition.ErrAcquisitionComplete)
	}
	s.queue = append(s.queue, events...)
	s.signal()
	return nil
}

// Finish ends the stream once the queued events are produced
func (s *Synthetic) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	s.signal()
}

func (s *Synthetic) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next blocks until an event is queued. It returns false once the queue is
// drained after Finish, or when the engine is aborted.
func (s *Synthetic) next() (acquisition.Event, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, true
		}
		finished := s.finished
		s.mu.Unlock()

		if finished {
			return nil, false
		}
		select {
		case <-s.ctx.Done():
			return nil, false
		case <-s.wake:
		}
	}
}

// Abort stops production and waits for the producer to exit
func (s *Synthetic) Abort() {
	s.cancel()
	s.wg.Wait()
}

func (s *Synthetic) produce(a acquisition.Annotator) {
	defer s.wg.Done()
	defer close(s.images)

	log := logger.WithComponent("engine")
	start := time.Now()

	var ticker *time.Ticker
	if s.config.Interval > 0 {
		ticker = time.NewTicker(s.config.Interval)
		defer ticker.Stop()
	}

	n := 0
	for ; ; n++ {
		ev, ok := s.next()
		if !ok {
			break
		}
		if n > 0 && ticker != nil {
			select {
			case <-s.ctx.Done():
				log.Debug().Int("produced", n).Msg("Production aborted")
				return
			case <-ticker.C:
			}
		}

		tags := frame.Metadata{
			frame.TagImageNumber: n,
			frame.TagWidth:       s.config.Width,
			frame.TagHeight:      s.config.Height,
			frame.TagPixelType:   pixelType(s.config.BitDepth),
			frame.TagBitDepth:    s.config.BitDepth,
			frame.TagElapsedMs:   time.Since(start).Milliseconds(),
			frame.TagAxes:        ev.Axes(),
		}
		a.OnImageMetadata(tags)

		img := frame.New(s.render(n), tags)
		select {
		case <-s.ctx.Done():
			log.Debug().Int("produced", n).Msg("Production aborted")
			return
		case s.images <- img:
		}
	}

	if s.ctx.Err() != nil {
		log.Debug().Int("produced", n).Msg("Production aborted")
		return
	}
	select {
	case <-s.ctx.Done():
	case s.images <- frame.EndOfStream():
		log.Debug().Int("produced", n).Msg("Production finished")
	}
}

// TimeSeries returns n events along the time axis
func TimeSeries(n int) []acquisition.Event {
	events := make([]acquisition.Event, n)
	for i := range events {
		events[i] = acquisition.Event{acquisition.EventAxes: map[string]any{"time": i}}
	}
	return events
}

// render draws a diagonal gradient shifted by the frame number
func (s *Synthetic) render(n int) frame.Pixels {
	w, h := s.config.Width, s.config.Height
	if s.config.BitDepth == 8 {
		px := make(frame.Bytes, w*h)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				px[y*w+x] = byte(x + y + 4*n)
			}
		}
		return px
	}
	px := make(frame.Shorts, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			px[y*w+x] = uint16((x + y + 4*n) * 257)
		}
	}
	return px
}

func pixelType(bitDepth int) string {
	if bitDepth == 8 {
		return "GRAY8"
	}
	return "GRAY16"
}
