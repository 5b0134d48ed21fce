// Package logger is an extension that logs the request lifecycle.
package logger

import (
	"context"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/kardianos/qtrigger/qext"
	"pkt.systems/pslog"
)

// HelperName is the helper under which the logger is injected.
const HelperName = "log"

// Options configure the extension.
type Options struct {
	Logger          pslog.Logger
	ShowPayload     bool
	ShowResponse    bool
	IncludeTriggers []string
	ExcludeTriggers []string
}

// Extension logs begin, end and error events.
type Extension struct {
	opt Options
	log pslog.Logger
}

// New returns the extension. A nil Logger discards output.
func New(opt Options) *Extension {
	if opt.Logger == nil {
		opt.Logger = pslog.NoopLogger()
	}
	return &Extension{opt: opt, log: opt.Logger}
}

// Name returns "logger".
func (e *Extension) Name() string { return "logger" }

// Inject hands the logger to application code.
func (e *Extension) Inject() map[string]any {
	return map[string]any{HelperName: e.log}
}

func (e *Extension) tracked(trigger string) bool {
	if len(e.opt.IncludeTriggers) > 0 && !slices.Contains(e.opt.IncludeTriggers, trigger) {
		return false
	}
	return !slices.Contains(e.opt.ExcludeTriggers, trigger)
}

// OnStart logs the listen address.
func (e *Extension) OnStart(ctx context.Context, ev *qext.StartEvent) error {
	e.log.Info("server started", "addr", ev.Addr.String(), "tls", ev.TLS)
	return nil
}

// OnRequestBegin logs the request, with its payload when ShowPayload is set.
func (e *Extension) OnRequestBegin(ctx context.Context, ev *qext.RequestEvent) error {
	if !e.tracked(ev.Trigger) {
		return nil
	}
	kv := []any{"trigger", ev.Trigger, "request_id", ev.ID, "client", ev.Client.ID, "remote", ev.RemoteAddr}
	if e.opt.ShowPayload {
		kv = append(kv, "payload", ev.Body)
	}
	e.log.Info("request", kv...)
	return nil
}

// OnRequestEnd logs the status, size and duration of the reply.
func (e *Extension) OnRequestEnd(ctx context.Context, ev *qext.ResponseEvent) error {
	req := ev.Request
	if !e.tracked(req.Trigger) {
		return nil
	}
	kv := []any{
		"trigger", req.Trigger,
		"request_id", req.ID,
		"status", ev.Status,
		"size", humanize.Bytes(uint64(ev.Size)),
		"duration", ev.Duration.String(),
	}
	if e.opt.ShowResponse {
		kv = append(kv, "response", ev.Data)
	}
	e.log.Info("response", kv...)
	return nil
}

// OnError logs the failing stage and error at warn level.
func (e *Extension) OnError(ctx context.Context, ev *qext.ErrorEvent) error {
	trigger, id := "", ""
	if ev.Request != nil {
		trigger, id = ev.Request.Trigger, ev.Request.ID
	}
	if !e.tracked(trigger) {
		return nil
	}
	e.log.Warn("request failed", "trigger", trigger, "request_id", id, "stage", ev.Stage.String(), "err", ev.Err)
	return nil
}
