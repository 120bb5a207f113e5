package api

import (
	"errors"

	"github.com/bryanchriswhite/AcqBridge/internal/acquisition"
)

// Message types sent over /api/events
const (
	TypeReply        = "reply"
	TypeNotification = "notification"
)

// Commands accepted over /api/events
const (
	CommandAcquire = "acquire"
	CommandFinish  = "finish"
	CommandAbort   = "abort"
	CommandStatus  = "status"
)

// Error codes let controllers tell rejections apart
const (
	CodeAcquisitionComplete = "acquisition_complete"
	CodeInvalidEvent        = "invalid_event"
)

// Command is sent by the controller. Events is only read by acquire.
type Command struct {
	Command string              `json:"command"`
	Events  []acquisition.Event `json:"events,omitempty"`
}

// Status describes the acquisition registered with the event source
type Status struct {
	ID    string            `json:"id"`
	State acquisition.State `json:"state"`
	Port  int               `json:"port"`
}

// Message is sent to the controller
type Message struct {
	Type         string                    `json:"type"`
	Command      string                    `json:"command,omitempty"`
	Status       string                    `json:"status,omitempty"`
	Error        string                    `json:"error,omitempty"`
	Code         string                    `json:"code,omitempty"`
	Acquisition  *Status                   `json:"acquisition,omitempty"`
	Notification *acquisition.Notification `json:"notification,omitempty"`
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, acquisition.ErrAcquisitionComplete):
		return CodeAcquisitionComplete
	case errors.Is(err, acquisition.ErrInvalidEvent):
		return CodeInvalidEvent
	default:
		return ""
	}
}

// ReplyError is a command rejected by the event source. It matches the
// acquisition error its code names.
type ReplyError struct {
	Command string
	Code    string
	Message string
}

func (e *ReplyError) Error() string {
	return e.Message
}

func (e *ReplyError) Is(target error) bool {
	switch e.Code {
	case CodeAcquisitionComplete:
		return target == acquisition.ErrAcquisitionComplete
	case CodeInvalidEvent:
		return target == acquisition.ErrInvalidEvent
	}
	return false
}
