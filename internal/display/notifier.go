package display

import (
	"sync"
	"time"

	"github.com/bryanchriswhite/AcqBridge/internal/frame"
	"github.com/bryanchriswhite/AcqBridge/internal/logger"
)

// DefaultDebounce is the quiet period a metadata update must survive before
// it is shown.
const DefaultDebounce = 125 * time.Millisecond

// MetadataView renders frame and summary metadata. Calls are serialized by the
// notifier; implementations should return quickly.
type MetadataView interface {
	ShowMetadata(image, summary frame.Metadata)
	Clear()
}

// MetadataNotifier coalesces bursts of metadata updates so that only the last
// one of a burst reaches the view. A nil image clears the view right away.
type MetadataNotifier struct {
	view   MetadataView
	window time.Duration

	mu         sync.Mutex
	timer      *time.Timer
	generation uint64
	image      frame.Metadata
	summary    frame.Metadata
	closed     bool
}

// NewMetadataNotifier creates a notifier for view. A non-positive window
// selects DefaultDebounce.
func NewMetadataNotifier(view MetadataView, window time.Duration) *MetadataNotifier {
	if window <= 0 {
		window = DefaultDebounce
	}
	return &MetadataNotifier{
		view:   view,
		window: window,
	}
}

// Notify schedules image and summary for display once the window elapses
// without a newer call. Calling it with a nil image cancels any pending
// update and clears the view synchronously.
func (n *MetadataNotifier) Notify(image, summary frame.Metadata) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}

	n.cancelLocked()

	if image == nil {
		n.view.Clear()
		return
	}

	n.image = image
	n.summary = summary
	gen := n.generation
	n.timer = time.AfterFunc(n.window, func() { n.fire(gen) })
}

// Shutdown cancels the pending update. Later calls to Notify are ignored.
func (n *MetadataNotifier) Shutdown() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	n.closed = true
	n.cancelLocked()
	logger.WithComponent("display").Debug().Msg("Metadata notifier shut down")
}

// cancelLocked stops the pending timer and invalidates it in case it has
// already fired and is waiting on the lock.
func (n *MetadataNotifier) cancelLocked() {
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.generation++
	n.image = nil
	n.summary = nil
}

func (n *MetadataNotifier) fire(gen uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed || gen != n.generation {
		return
	}

	image, summary := n.image, n.summary
	n.timer = nil
	n.image = nil
	n.summary = nil

	defer func() {
		if r := recover(); r != nil {
			logger.WithComponent("display").Error().Interface("panic", r).Msg("Metadata view failed")
		}
	}()
	n.view.ShowMetadata(image, summary)
}
