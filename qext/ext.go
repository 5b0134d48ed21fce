// Package qext defines the extension hooks of a trigger server and the bus
// that broadcasts lifecycle events to extensions.
package qext

import (
	"context"
	"net"
	"time"

	"github.com/kardianos/qtrigger/qauth"
)

// Hook names a lifecycle event.
type Hook uint8

// Hooks, in the order a request meets them.
const (
	HookStart        Hook = iota + 1 // server began listening
	HookRequestBegin                 // request passed auth and validation
	HookRequestEnd                   // handler reply is ready
	HookOnError                      // request ended in an error reply
)

func (h Hook) String() string {
	switch h {
	case HookStart:
		return "on_start"
	case HookRequestBegin:
		return "on_request_begin"
	case HookRequestEnd:
		return "on_request_end"
	case HookOnError:
		return "on_error"
	default:
		return "invalid"
	}
}

// Stage is the pipeline stage at which a request failed.
type Stage uint8

// Stages, in pipeline order.
const (
	StageAuth       Stage = iota + 1 // credentials rejected
	StageValidation                  // payload failed the trigger schema
	StageTrigger                     // no trigger of that name
	StageMiddleware                  // a middleware returned an error
	StageHandler                     // the handler returned an error
	StageExtension                   // a begin or end hook vetoed
	StageInternal                    // panic or reply encoding failure
)

func (s Stage) String() string {
	switch s {
	case StageAuth:
		return "auth"
	case StageValidation:
		return "validation"
	case StageTrigger:
		return "trigger"
	case StageMiddleware:
		return "middleware"
	case StageHandler:
		return "handler"
	case StageExtension:
		return "extension"
	case StageInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Extension is anything attached to a server. It implements any subset of
// the hook interfaces below.
type Extension interface {
	Name() string
}

// StartHook is called once when the server begins listening.
type StartHook interface {
	OnStart(ctx context.Context, ev *StartEvent) error
}

// RequestBeginHook is called before middlewares run. Returning an error
// rejects the request.
type RequestBeginHook interface {
	OnRequestBegin(ctx context.Context, ev *RequestEvent) error
}

// RequestEndHook is called after a successful dispatch. Returning an error
// turns the request into an error reply.
type RequestEndHook interface {
	OnRequestEnd(ctx context.Context, ev *ResponseEvent) error
}

// ErrorHook is called for every request that ends in an error reply. Its
// error is logged and otherwise ignored.
type ErrorHook interface {
	OnError(ctx context.Context, ev *ErrorEvent) error
}

// Injector contributes named helpers to the server when the extension is
// added.
type Injector interface {
	Inject() map[string]any
}

// Event is passed to Broadcast.
type Event interface {
	Hook() Hook
}

// ClientInfo identifies the caller of a request.
type ClientInfo struct {
	ID       string // Client fingerprint, "anonymous" when no client registry is set.
	IP       string
	Language string
}

// StartEvent is sent when the server begins listening.
type StartEvent struct {
	Addr     net.Addr
	TLS      bool
	Triggers []string // Registered trigger names.
}

func (*StartEvent) Hook() Hook { return HookStart }

// RequestEvent describes a request that passed auth and validation.
type RequestEvent struct {
	ID         string
	Trigger    string
	Body       map[string]any
	Client     ClientInfo
	Authed     *qauth.Client
	RemoteAddr string
	Start      time.Time
}

func (*RequestEvent) Hook() Hook { return HookRequestBegin }

// ResponseEvent describes a successful dispatch.
type ResponseEvent struct {
	Request  *RequestEvent
	Status   int
	Data     any
	Size     int // Compressed response body size in bytes.
	Duration time.Duration
}

func (*ResponseEvent) Hook() Hook { return HookRequestEnd }

// ErrorEvent describes a terminal request failure.
type ErrorEvent struct {
	Request *RequestEvent
	Stage   Stage
	Err     error
	Pending bool // on_request_begin was broadcast and on_request_end was not.
}

func (*ErrorEvent) Hook() Hook { return HookOnError }
