package qtrigger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kardianos/qtrigger/qext"
)

var (
	// ErrServerRunning is returned by registration calls made after Serve.
	ErrServerRunning = errors.New("server is running")
	// ErrServerClosed is returned by Serve after Shutdown.
	ErrServerClosed = errors.New("server closed")
	// ErrEmptyTrigger is returned when registering a trigger without a name.
	ErrEmptyTrigger = errors.New("trigger name is empty")
	// ErrNilHandler is returned when registering a trigger without a handler.
	ErrNilHandler = errors.New("trigger handler is nil")
)

// UnknownTriggerError is returned when a request names no registered trigger.
type UnknownTriggerError struct {
	Name string
}

func (e *UnknownTriggerError) Error() string {
	return "Unknown or missing trigger: " + e.Name
}

// ValidationError carries field-level schema violations.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %d field(s)", len(e.Fields))
}

// HandlerError wraps an error returned or panicked by a middleware or handler.
type HandlerError struct {
	Trigger string
	Err     error
}

func (e *HandlerError) Error() string { return e.Err.Error() }

func (e *HandlerError) Unwrap() error { return e.Err }

// InternalError is an unexpected failure in the pipeline itself.
type InternalError struct {
	Value any
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("Internal server error: %v", e.Value)
}

// stageError pairs a terminal error with the stage that produced it.
type stageError struct {
	stage qext.Stage
	err   error
}

func (e *stageError) Error() string { return e.err.Error() }

func (e *stageError) Unwrap() error { return e.err }

func fail(stage qext.Stage, err error) *stageError {
	return &stageError{stage: stage, err: err}
}

type dataReply struct {
	Data any `json:"data"`
}

type errorReply struct {
	Error any `json:"error"`
}

type fieldMessages struct {
	Messages map[string]string `json:"messages"`
}

// replyBody converts a pipeline outcome to its JSON wire form.
func replyBody(data any, err error) ([]byte, error) {
	if err == nil {
		b, mErr := json.Marshal(dataReply{Data: data})
		if mErr != nil {
			return json.Marshal(errorReply{Error: (&InternalError{Value: mErr}).Error()})
		}
		return b, nil
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return json.Marshal(errorReply{Error: fieldMessages{Messages: ve.Fields}})
	}
	return json.Marshal(errorReply{Error: err.Error()})
}

// VetoError is returned when an extension hook rejects a request.
type VetoError struct {
	Hook qext.Hook
	Err  error
}

// Error returns the messages of the rejecting hooks without the extension
// prefix, so the caller sees what the extension reported.
func (e *VetoError) Error() string {
	var msgs []string
	for _, err := range flatten(e.Err) {
		var he *qext.HookError
		if errors.As(err, &he) {
			msgs = append(msgs, he.Err.Error())
			continue
		}
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

func (e *VetoError) Unwrap() error { return e.Err }

func flatten(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		var out []error
		for _, e := range j.Unwrap() {
			out = append(out, flatten(e)...)
		}
		return out
	}
	return []error{err}
}
