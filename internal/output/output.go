package output

import (
	"errors"
	"net/http"
	"time"

	"github.com/bryanchriswhite/AcqBridge/internal/frame"
)

// ErrSinkClosed is returned when a frame is put into a closed sink.
var ErrSinkClosed = errors.New("sink closed")

// Sink defines the interface for consumers of an acquisition's frames.
// This allows us to swap between different destinations:
// - TIFF files on disk
// - MJPEG HTTP viewer
// - both at once
type Sink interface {
	// Initialize receives the summary metadata before the first frame
	Initialize(summary frame.Metadata) error

	// Put consumes one frame. The end-of-stream sentinel is delivered
	// after every other frame.
	Put(img frame.TaggedImage) error

	// Close releases the sink. Data already written stays in place.
	Close() error

	// Name returns a human-readable name for this sink type
	Name() string
}

// Viewable is implemented by sinks that serve a live view over HTTP.
type Viewable interface {
	ViewerHandler() http.Handler
}

// Config holds the viewer settings
type Config struct {
	JPEGQuality int
	// Debounce is the quiet period before metadata is pushed to clients
	Debounce time.Duration
}

// DefaultConfig returns the viewer defaults
func DefaultConfig() Config {
	return Config{
		JPEGQuality: 90,
	}
}
