package capture

import (
	"github.com/bryanchriswhite/AcqBridge/internal/acquisition"
)

// Engine is an acquisition engine that can be driven by a bridge.
// Additional engines (hardware cameras, file replay) implement the same
// contract.
type Engine interface {
	acquisition.Engine

	// Name returns a human-readable name for this engine
	Name() string
}
