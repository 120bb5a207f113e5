package acquisition

import (
	"fmt"
	"net/http"
	"time"

	"github.com/bryanchriswhite/AcqBridge/internal/frame"
	"github.com/bryanchriswhite/AcqBridge/internal/output"
)

// Annotator receives metadata as the engine produces it. Implementations
// must not block: they are called on the engine's producing goroutine.
type Annotator interface {
	OnSummaryMetadata(summary frame.Metadata)
	OnImageMetadata(tags frame.Metadata)
}

// Engine produces the image stream of one acquisition.
type Engine interface {
	// Initialize prepares the engine and returns the summary metadata.
	// Metadata hooks on a are invoked from here on.
	Initialize(a Annotator) (frame.Metadata, error)
	// Images yields frames in acquisition order followed by one
	// end-of-stream sentinel.
	Images() <-chan frame.TaggedImage
	// Submit queues events, each producing one frame in submission order.
	// Once Finish was called it returns ErrAcquisitionComplete.
	Submit(events []Event) error
	// Finish sends the end-of-stream sentinel after the queued events.
	// Must be idempotent.
	Finish()
	// Abort stops production. Must be idempotent.
	Abort()
}

// Handle is the view of a running acquisition handed to an event source.
type Handle interface {
	ID() string
	State() State
	Submit(events []Event) error
	Finish() error
	Abort()
	// ViewerHandler returns nil when the acquisition has no viewer.
	ViewerHandler() http.Handler
}

// EventSource relays commands from the external controller.
type EventSource interface {
	SetAcquisition(h Handle)
	Port() int
	// Abort stops the source. Must be idempotent.
	Abort()
}

// Notifier is implemented by event sources that can push lifecycle
// notifications back to the controller.
type Notifier interface {
	Notify(n Notification)
}

// EventAxes is the event key holding the axis positions of the frame an
// event produces.
const EventAxes = "axes"

// Event is one acquisition instruction from the controller, such as
// {"axes": {"time": 3, "z": 1}}. Keys other than axes are engine specific.
type Event map[string]any

// Axes returns the axis positions of the event.
func (e Event) Axes() any {
	return e[EventAxes]
}

// ValidateEvents checks that every event names its axes.
func ValidateEvents(events []Event) error {
	for i, ev := range events {
		if ev == nil {
			return fmt.Errorf("%w: event %d is empty", ErrInvalidEvent, i)
		}
		if ev.Axes() == nil {
			return fmt.Errorf("%w: event %d has no %q key", ErrInvalidEvent, i, EventAxes)
		}
	}
	return nil
}

// ImageObserver sees every frame before the sink does.
type ImageObserver func(img frame.TaggedImage)

// SinkFactory builds the sink for an acquisition.
type SinkFactory func(showViewer bool, location, name string) (output.Sink, error)

// Settings control where an acquisition stores its data. An empty string
// means the value is absent.
type Settings struct {
	DataLocation string
	Name         string
	ShowViewer   bool
}

// HasSink reports whether both a data location and a name are set.
func (s Settings) HasSink() bool {
	return s.DataLocation != "" && s.Name != ""
}

// State is the lifecycle state of a bridge.
type State int

const (
	Uninitialized State = iota
	Initializing
	Running
	Completed
	Aborted
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	for st := Uninitialized; st <= Failed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown acquisition state %q", text)
}

// Terminal reports whether the state can no longer change.
func (s State) Terminal() bool {
	return s == Completed || s == Aborted || s == Failed
}

// NotificationType names a lifecycle notification.
type NotificationType string

const (
	ImageSaved          NotificationType = "image_saved"
	AcquisitionFinished NotificationType = "acquisition_finished"
	DataSinkFinished    NotificationType = "data_sink_finished"
	AcquisitionAborted  NotificationType = "acquisition_aborted"
)

// Notification is pushed to the controller as the acquisition progresses.
type Notification struct {
	Type          NotificationType `json:"type"`
	AcquisitionID string           `json:"acquisition_id"`
	Image         int              `json:"image,omitempty"`
	Time          time.Time        `json:"time"`
	Error         string           `json:"error,omitempty"`
}
