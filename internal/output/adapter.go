package output

import (
	"errors"
	"net/http"

	"github.com/bryanchriswhite/AcqBridge/internal/frame"
)

// StorageAdapter feeds frames to a Storage and, when requested, a live
// Viewer. Storage always receives the frame first.
type StorageAdapter struct {
	storage *Storage
	viewer  *Viewer
}

// NewStorageAdapter prepares the dataset at <location>/<name> and a viewer
// when showViewer is set.
func NewStorageAdapter(showViewer bool, location, name string) (*StorageAdapter, error) {
	return NewStorageAdapterWithConfig(showViewer, location, name, DefaultConfig())
}

// NewStorageAdapterWithConfig is NewStorageAdapter with explicit viewer
// settings.
func NewStorageAdapterWithConfig(showViewer bool, location, name string, config Config) (*StorageAdapter, error) {
	storage, err := NewStorage(location, name)
	if err != nil {
		return nil, err
	}
	a := &StorageAdapter{storage: storage}
	if showViewer {
		a.viewer = NewViewer(config)
	}
	return a, nil
}

// Storage returns the underlying dataset writer
func (a *StorageAdapter) Storage() *Storage {
	return a.storage
}

// Viewer returns the live viewer, nil when none was requested
func (a *StorageAdapter) Viewer() *Viewer {
	return a.viewer
}

func (a *StorageAdapter) Initialize(summary frame.Metadata) error {
	if err := a.storage.Initialize(summary); err != nil {
		return err
	}
	if a.viewer != nil {
		return a.viewer.Initialize(summary)
	}
	return nil
}

func (a *StorageAdapter) Put(img frame.TaggedImage) error {
	if err := a.storage.Put(img); err != nil {
		return err
	}
	if a.viewer != nil {
		return a.viewer.Put(img)
	}
	return nil
}

// Close closes both sinks and reports every failure.
func (a *StorageAdapter) Close() error {
	var errs []error
	if err := a.storage.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.viewer != nil {
		if err := a.viewer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *StorageAdapter) Name() string {
	if a.viewer != nil {
		return "TIFF storage + MJPEG viewer"
	}
	return a.storage.Name()
}

// ViewerHandler serves the live viewer, or nil without one
func (a *StorageAdapter) ViewerHandler() http.Handler {
	if a.viewer == nil {
		return nil
	}
	return a.viewer.ViewerHandler()
}
