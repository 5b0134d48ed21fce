// Package qmock provides test doubles for trigger servers.
package qmock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/kardianos/qtrigger"
	"github.com/kardianos/qtrigger/qext"
)

// HookLog collects hook calls from one or more Recorders, in call order.
type HookLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *HookLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, s)
}

// Entries returns a copy of the log. Each entry is "<ext> <hook> <trigger>".
func (l *HookLog) Entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

// Recorder is an extension implementing every hook. It records each call and
// can be told to fail or panic on a given hook.
type Recorder struct {
	ExtName string
	Log     *HookLog
	Fail    map[qext.Hook]error
	Panic   qext.Hook
	Helpers map[string]any

	mu     sync.Mutex
	errors []*qext.ErrorEvent
	ends   []*qext.ResponseEvent
}

func (r *Recorder) Name() string { return r.ExtName }

func (r *Recorder) Inject() map[string]any { return r.Helpers }

func (r *Recorder) record(h qext.Hook, trigger string) error {
	if r.Log != nil {
		r.Log.add(fmt.Sprintf("%s %s %s", r.ExtName, h, trigger))
	}
	if r.Panic == h {
		panic(fmt.Sprintf("%s panics on %s", r.ExtName, h))
	}
	return r.Fail[h]
}

func (r *Recorder) OnStart(ctx context.Context, ev *qext.StartEvent) error {
	return r.record(qext.HookStart, "")
}

func (r *Recorder) OnRequestBegin(ctx context.Context, ev *qext.RequestEvent) error {
	return r.record(qext.HookRequestBegin, ev.Trigger)
}

func (r *Recorder) OnRequestEnd(ctx context.Context, ev *qext.ResponseEvent) error {
	r.mu.Lock()
	r.ends = append(r.ends, ev)
	r.mu.Unlock()
	return r.record(qext.HookRequestEnd, ev.Request.Trigger)
}

func (r *Recorder) OnError(ctx context.Context, ev *qext.ErrorEvent) error {
	r.mu.Lock()
	r.errors = append(r.errors, ev)
	r.mu.Unlock()
	trigger := ""
	if ev.Request != nil {
		trigger = ev.Request.Trigger
	}
	return r.record(qext.HookOnError, trigger)
}

// Errors returns the error events received so far.
func (r *Recorder) Errors() []*qext.ErrorEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*qext.ErrorEvent(nil), r.errors...)
}

// Ends returns the response events received so far.
func (r *Recorder) Ends() []*qext.ResponseEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*qext.ResponseEvent(nil), r.ends...)
}

// TLSFiles writes a self-signed certificate and key for host into a
// temporary directory and returns their paths.
func TLSFiles(t testing.TB, host string) (certFile, keyFile string) {
	t.Helper()
	certPEM, keyPEM, err := qtrigger.GenerateCertificate(host, 0)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	certFile = filepath.Join(dir, "server.crt")
	keyFile = filepath.Join(dir, "server.key")
	if err := os.WriteFile(certFile, certPEM, 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}
