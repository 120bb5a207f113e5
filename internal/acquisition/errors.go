package acquisition

import (
	"errors"
	"fmt"
)

var (
	// ErrAborted is the cause reported for an abort without an explicit error.
	ErrAborted = errors.New("acquisition aborted")
	// ErrStreamTruncated means the engine closed its stream without
	// sending the end-of-stream sentinel.
	ErrStreamTruncated = errors.New("image stream closed before end of stream")
	// ErrAcquisitionComplete rejects events submitted after Finish or once
	// the acquisition has ended.
	ErrAcquisitionComplete = errors.New("acquisition already complete")
	// ErrInvalidEvent means an event is missing a required key.
	ErrInvalidEvent = errors.New("invalid acquisition event")
)

// InitializationError is returned by Open when the engine or the sink
// could not be prepared.
type InitializationError struct {
	Stage string
	Err   error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialize acquisition (%s): %v", e.Stage, e.Err)
}

func (e *InitializationError) Unwrap() error {
	return e.Err
}
