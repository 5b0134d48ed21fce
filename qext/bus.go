package qext

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pkt.systems/pslog"
)

// HookError wraps an error returned or panicked by one extension.
type HookError struct {
	Extension string
	Hook      Hook
	Err       error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("extension %s %s: %v", e.Extension, e.Hook, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }

// Bus broadcasts events to extensions in registration order.
type Bus struct {
	mu     sync.RWMutex
	exts   []Extension
	frozen bool
	log    pslog.Logger
}

// NewBus returns an empty bus. A nil logger discards output.
func NewBus(log pslog.Logger) *Bus {
	if log == nil {
		log = pslog.NoopLogger()
	}
	return &Bus{log: log}
}

// ErrBusFrozen is returned by Use after Freeze.
var ErrBusFrozen = errors.New("extension bus is frozen")

// Use appends extensions.
func (b *Bus) Use(exts ...Extension) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		return ErrBusFrozen
	}
	b.exts = append(b.exts, exts...)
	return nil
}

// Freeze prevents further Use calls.
func (b *Bus) Freeze() {
	b.mu.Lock()
	b.frozen = true
	b.mu.Unlock()
}

// Extensions returns the registered extensions in order.
func (b *Bus) Extensions() []Extension {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Extension(nil), b.exts...)
}

// Broadcast delivers ev to every extension implementing its hook. Each
// extension is isolated: a failure is logged and the remaining extensions
// still receive the event. The failures are returned joined.
func (b *Bus) Broadcast(ctx context.Context, ev Event) error {
	var errs []error
	for _, ext := range b.Extensions() {
		if err := b.deliver(ctx, ext, ev); err != nil {
			b.log.Warn("extension hook failed", "extension", ext.Name(), "hook", ev.Hook().String(), "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) deliver(ctx context.Context, ext Extension, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HookError{Extension: ext.Name(), Hook: ev.Hook(), Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	switch ev := ev.(type) {
	case *StartEvent:
		if h, ok := ext.(StartHook); ok {
			err = h.OnStart(ctx, ev)
		}
	case *RequestEvent:
		if h, ok := ext.(RequestBeginHook); ok {
			err = h.OnRequestBegin(ctx, ev)
		}
	case *ResponseEvent:
		if h, ok := ext.(RequestEndHook); ok {
			err = h.OnRequestEnd(ctx, ev)
		}
	case *ErrorEvent:
		if h, ok := ext.(ErrorHook); ok {
			err = h.OnError(ctx, ev)
		}
	default:
		return fmt.Errorf("unknown event %T", ev)
	}
	if err != nil {
		err = &HookError{Extension: ext.Name(), Hook: ev.Hook(), Err: err}
	}
	return err
}
