package logger

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/kardianos/qtrigger/qext"
	"pkt.systems/pslog"
)

func newBufferLogger(buf *bytes.Buffer) pslog.Logger {
	return pslog.NewWithOptions(buf, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
		MinLevel:         pslog.DebugLevel,
	})
}

func TestLifecycleLines(t *testing.T) {
	var buf bytes.Buffer
	e := New(Options{Logger: newBufferLogger(&buf), ShowPayload: true, ShowResponse: true})
	ctx := context.Background()

	e.OnStart(ctx, &qext.StartEvent{Addr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6000}})
	req := &qext.RequestEvent{ID: "r1", Trigger: "add", Body: map[string]any{"num1": 2}}
	e.OnRequestBegin(ctx, req)
	e.OnRequestEnd(ctx, &qext.ResponseEvent{Request: req, Status: 200, Data: 5, Size: 2048, Duration: time.Millisecond})
	e.OnError(ctx, &qext.ErrorEvent{Request: req, Stage: qext.StageHandler, Err: errors.New("bad input")})

	out := buf.String()
	for _, want := range []string{"server started", "127.0.0.1:6000", "request", "num1", "response", "2.0 kB", "request failed", "bad input", "handler"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output lacks %q:\n%s", want, out)
		}
	}
}

func TestExcludedTrigger(t *testing.T) {
	var buf bytes.Buffer
	e := New(Options{Logger: newBufferLogger(&buf), ExcludeTriggers: []string{"ping"}})
	e.OnRequestBegin(context.Background(), &qext.RequestEvent{Trigger: "ping"})
	if buf.Len() != 0 {
		t.Fatalf("excluded trigger logged: %s", buf.String())
	}
}

func TestInjectLogger(t *testing.T) {
	l := pslog.NoopLogger()
	e := New(Options{Logger: l})
	var h qext.Helpers
	h.Inject(e)
	if _, ok := qext.HelperAs[pslog.Logger](&h, HelperName); !ok {
		t.Fatal("logger helper missing")
	}
}
