package acquisition

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/AcqBridge/internal/frame"
	"github.com/bryanchriswhite/AcqBridge/internal/logger"
	"github.com/bryanchriswhite/AcqBridge/internal/output"
)

// Option configures a Bridge.
type Option func(*Bridge)

// WithAnnotator forwards metadata hooks to a.
func WithAnnotator(a Annotator) Option {
	return func(b *Bridge) { b.annotator = a }
}

// WithImageObserver registers fn to see every frame before the sink.
func WithImageObserver(fn ImageObserver) Option {
	return func(b *Bridge) { b.observers = append(b.observers, fn) }
}

// WithSinkFactory replaces the default storage sink.
func WithSinkFactory(f SinkFactory) Option {
	return func(b *Bridge) { b.sinkFactory = f }
}

func defaultSinkFactory(showViewer bool, location, name string) (output.Sink, error) {
	sink, err := output.NewStorageAdapter(showViewer, location, name)
	if err != nil {
		return nil, err
	}
	return sink, nil
}

// Bridge couples an acquisition engine to an external event source and a
// data sink. Frames flow from the engine to the sink on a dedicated
// goroutine; cancellation flows from either side to both.
type Bridge struct {
	id          string
	engine      Engine
	source      EventSource
	settings    Settings
	sink        output.Sink
	sinkFactory SinkFactory
	annotator   Annotator
	observers   []ImageObserver
	log         *zerolog.Logger

	images  <-chan frame.TaggedImage
	summary frame.Metadata
	saved   int

	mu       sync.Mutex
	state    State
	cause    error
	finished bool
	abortCh  chan struct{}
	done     chan struct{}

	closeSinkOnce sync.Once
}

// Open creates the sink when settings call for one, initializes the engine
// and the sink, registers the acquisition with source and starts
// delivering frames. On failure the returned error is an
// *InitializationError and any sink already created has been closed.
func Open(engine Engine, source EventSource, settings Settings, opts ...Option) (*Bridge, error) {
	b := &Bridge{
		id:          uuid.NewString(),
		engine:      engine,
		source:      source,
		settings:    settings,
		sinkFactory: defaultSinkFactory,
		abortCh:     make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = logger.WithAcquisition("acquisition", b.id)

	b.setState(Initializing)

	if settings.HasSink() {
		sink, err := b.sinkFactory(settings.ShowViewer, settings.DataLocation, settings.Name)
		if err != nil {
			return nil, b.failInit("sink", err)
		}
		b.sink = sink
	} else {
		b.log.Info().Msg("No data location or name set, frames will not be stored")
	}

	summary, err := engine.Initialize(b)
	if err != nil {
		return nil, b.failInit("engine", err)
	}
	b.summary = summary

	if b.sink != nil {
		if err := b.sink.Initialize(summary); err != nil {
			engine.Abort()
			return nil, b.failInit("sink", err)
		}
	}

	b.images = engine.Images()
	b.setState(Running)

	source.SetAcquisition(b)

	go b.dispatch()

	b.log.Info().
		Int("event_port", source.Port()).
		Bool("sink", b.sink != nil).
		Msg("Acquisition started")
	return b, nil
}

func (b *Bridge) failInit(stage string, err error) error {
	b.log.Error().Err(err).Str("stage", stage).Msg("Acquisition failed to initialize")
	if b.sink != nil {
		if cerr := b.sink.Close(); cerr != nil {
			b.log.Warn().Err(cerr).Msg("Failed to close sink after initialization failure")
		}
	}
	b.mu.Lock()
	b.state = Failed
	b.cause = err
	b.mu.Unlock()
	close(b.done)
	return &InitializationError{Stage: stage, Err: err}
}

func (b *Bridge) setState(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Terminal() {
		return
	}
	b.state = s
}

// ID returns the acquisition identifier.
func (b *Bridge) ID() string {
	return b.id
}

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Summary returns the summary metadata reported by the engine.
func (b *Bridge) Summary() frame.Metadata {
	return b.summary
}

// EventPort returns the port the event source listens on.
func (b *Bridge) EventPort() int {
	return b.source.Port()
}

// ViewerHandler serves the sink's live viewer, or nil without one.
func (b *Bridge) ViewerHandler() http.Handler {
	if v, ok := b.sink.(output.Viewable); ok {
		return v.ViewerHandler()
	}
	return nil
}

// OnSummaryMetadata is called by the engine once the summary is known.
func (b *Bridge) OnSummaryMetadata(summary frame.Metadata) {
	if b.annotator != nil {
		b.annotator.OnSummaryMetadata(summary)
	}
}

// OnImageMetadata is called by the engine for every frame before it is
// queued.
func (b *Bridge) OnImageMetadata(tags frame.Metadata) {
	if b.annotator != nil {
		b.annotator.OnImageMetadata(tags)
	}
}

// Submit relays events to the engine. Events are rejected with
// ErrAcquisitionComplete after Finish or once the acquisition has ended,
// and with ErrInvalidEvent when one of them has no axes.
func (b *Bridge) Submit(events []Event) error {
	b.mu.Lock()
	closed := b.finished || b.state.Terminal()
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: %d events rejected", ErrAcquisitionComplete, len(events))
	}
	if err := ValidateEvents(events); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	if err := b.engine.Submit(events); err != nil {
		return err
	}
	b.log.Debug().Int("events", len(events)).Msg("Events queued")
	return nil
}

// Finish tells the engine that no more events follow. Finishing twice does
// nothing; finishing an acquisition that has ended returns
// ErrAcquisitionComplete.
func (b *Bridge) Finish() error {
	b.mu.Lock()
	if b.finished {
		b.mu.Unlock()
		return nil
	}
	if b.state.Terminal() {
		b.mu.Unlock()
		return ErrAcquisitionComplete
	}
	b.finished = true
	b.mu.Unlock()

	b.log.Info().Msg("No more events, finishing")
	b.engine.Finish()
	return nil
}

// Abort stops the engine, then the event source. Only the first call has
// any effect, and aborting a finished acquisition does nothing.
func (b *Bridge) Abort() {
	b.AbortWithError(nil)
}

// AbortWithError is Abort with a recorded cause, reported by Wait.
func (b *Bridge) AbortWithError(cause error) {
	if cause == nil {
		cause = ErrAborted
	}

	b.mu.Lock()
	if b.state.Terminal() {
		b.mu.Unlock()
		return
	}
	b.state = Aborted
	b.cause = cause
	close(b.abortCh)
	b.mu.Unlock()

	b.log.Warn().Err(cause).Msg("Aborting acquisition")

	b.engine.Abort()
	b.notify(Notification{Type: AcquisitionAborted, Error: cause.Error()})
	b.source.Abort()
}

// Done is closed once the bridge has stopped delivering frames and closed
// its sink.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Wait blocks until the acquisition ends. It returns nil when the stream
// completed and the abort cause otherwise.
func (b *Bridge) Wait(ctx context.Context) error {
	select {
	case <-b.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cause
}

func (b *Bridge) dispatch() {
	defer close(b.done)
	defer b.closeSink()

	for {
		// an abort wins over frames that are already queued
		select {
		case <-b.abortCh:
			return
		default:
		}

		select {
		case <-b.abortCh:
			return
		case img, ok := <-b.images:
			if !ok {
				b.AbortWithError(ErrStreamTruncated)
				return
			}
			if img.IsEndOfStream() {
				b.finish(img)
				return
			}
			if err := b.deliver(img); err != nil {
				b.AbortWithError(err)
				return
			}
		}
	}
}

func (b *Bridge) deliver(img frame.TaggedImage) error {
	for _, observe := range b.observers {
		observe(img)
	}
	if b.sink == nil {
		return nil
	}
	if err := b.sink.Put(img); err != nil {
		return fmt.Errorf("sink %s: %w", b.sink.Name(), err)
	}
	b.saved++
	b.notify(Notification{Type: ImageSaved, Image: b.saved})
	return nil
}

func (b *Bridge) finish(eos frame.TaggedImage) {
	for _, observe := range b.observers {
		observe(eos)
	}
	if b.sink != nil {
		if err := b.sink.Put(eos); err != nil {
			b.AbortWithError(fmt.Errorf("sink %s: %w", b.sink.Name(), err))
			return
		}
	}

	b.mu.Lock()
	if b.state != Running {
		b.mu.Unlock()
		return
	}
	b.state = Completed
	b.mu.Unlock()

	b.log.Info().Int("images", b.saved).Msg("Acquisition finished")
	b.notify(Notification{Type: AcquisitionFinished, Image: b.saved})

	if b.sink != nil {
		b.closeSink()
		b.notify(Notification{Type: DataSinkFinished, Image: b.saved})
	}
}

func (b *Bridge) closeSink() {
	if b.sink == nil {
		return
	}
	b.closeSinkOnce.Do(func() {
		if err := b.sink.Close(); err != nil {
			b.log.Error().Err(err).Str("sink", b.sink.Name()).Msg("Failed to close sink")
		}
	})
}

func (b *Bridge) notify(n Notification) {
	relay, ok := b.source.(Notifier)
	if !ok {
		return
	}
	n.AcquisitionID = b.id
	n.Time = time.Now()
	relay.Notify(n)
}
