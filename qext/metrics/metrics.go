// Package metrics is an extension that records request metrics in
// Prometheus collectors and serves them on a side HTTP endpoint.
package metrics

import (
	"context"
	"slices"
	"strconv"
	"sync"

	"github.com/kardianos/qtrigger/qext"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"pkt.systems/pslog"
)

// Defaults.
const (
	DefaultNamespace = "qtrigger"
	DefaultListen    = ":7001"
)

// HelperName is the helper under which the registry is injected.
const HelperName = "metrics"

// UnknownTrigger labels errors for trigger names the server does not serve.
const UnknownTrigger = "unknown"

var (
	durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	sizeBuckets     = []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 500000}
)

// Options configure a Collector.
type Options struct {
	// Namespace prefixes every metric name. Defaults to DefaultNamespace.
	Namespace string
	// Listen is the address of the metrics HTTP server started on server
	// start. Empty means the caller serves Handler itself.
	Listen string
	// IncludeTriggers, when set, limits tracking to these triggers.
	IncludeTriggers []string
	// ExcludeTriggers are never tracked.
	ExcludeTriggers []string
	// Registry receives the collectors. A new registry with Go and process
	// collectors is created when nil.
	Registry *prometheus.Registry
	Logger   pslog.Logger
}

// Collector is the metrics extension.
type Collector struct {
	opt Options
	reg *prometheus.Registry
	log pslog.Logger

	pending   *prometheus.GaugeVec
	responses *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	size      *prometheus.HistogramVec

	mu    sync.RWMutex
	known map[string]bool // nil until OnStart
}

var (
	_ qext.StartHook        = (*Collector)(nil)
	_ qext.RequestBeginHook = (*Collector)(nil)
	_ qext.RequestEndHook   = (*Collector)(nil)
	_ qext.ErrorHook        = (*Collector)(nil)
	_ qext.Injector         = (*Collector)(nil)
)

// New creates the collectors and registers them.
func New(opt Options) (*Collector, error) {
	if opt.Namespace == "" {
		opt.Namespace = DefaultNamespace
	}
	if opt.Logger == nil {
		opt.Logger = pslog.NoopLogger()
	}
	reg := opt.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	ns := opt.Namespace
	c := &Collector{
		opt: opt,
		reg: reg,
		log: opt.Logger,
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "pending_requests",
			Help:      "Requests that have begun dispatch and not yet finished.",
		}, []string{"trigger", "client"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "total_responses",
			Help:      "Handler responses by status. A request-end hook that rejects one also counts it in dropped_requests_total.",
		}, []string{"trigger", "client", "status"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "dropped_requests_total",
			Help:      "Requests that ended in an error reply, by failing stage.",
		}, []string{"trigger", "client", "reason"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "request_duration_seconds",
			Help:      "Time from request start to reply.",
			Buckets:   durationBuckets,
		}, []string{"trigger", "client", "status"}),
		size: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "response_size_bytes",
			Help:      "Compressed response body size.",
			Buckets:   sizeBuckets,
		}, []string{"trigger", "client"}),
	}
	for _, col := range []prometheus.Collector{c.pending, c.responses, c.dropped, c.duration, c.size} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Name returns "metrics".
func (c *Collector) Name() string { return "metrics" }

// Registry returns the registry the collectors are registered with.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Inject exposes the registry so application code can add its own metrics.
func (c *Collector) Inject() map[string]any {
	return map[string]any{HelperName: c.reg}
}

// Tracked reports whether metrics are recorded for trigger.
func (c *Collector) Tracked(trigger string) bool {
	if len(c.opt.IncludeTriggers) > 0 && !slices.Contains(c.opt.IncludeTriggers, trigger) {
		return false
	}
	return !slices.Contains(c.opt.ExcludeTriggers, trigger)
}

// OnStart records the served trigger names and starts the metrics HTTP
// server when Listen is set.
func (c *Collector) OnStart(ctx context.Context, ev *qext.StartEvent) error {
	known := make(map[string]bool, len(ev.Triggers))
	for _, name := range ev.Triggers {
		known[name] = true
	}
	c.mu.Lock()
	c.known = known
	c.mu.Unlock()
	if c.opt.Listen == "" {
		return nil
	}
	go func() {
		if err := c.ListenAndServe(ctx, c.opt.Listen); err != nil {
			c.log.Error("metrics server stopped", "listen", c.opt.Listen, "err", err)
		}
	}()
	return nil
}

// OnRequestBegin counts the request as pending.
func (c *Collector) OnRequestBegin(ctx context.Context, ev *qext.RequestEvent) error {
	if !c.Tracked(ev.Trigger) {
		return nil
	}
	c.pending.WithLabelValues(ev.Trigger, ev.Client.ID).Inc()
	return nil
}

// OnRequestEnd records the response status, duration and size. A later
// request-end hook may still reject the request; it is then also counted in
// dropped_requests_total with reason "extension".
func (c *Collector) OnRequestEnd(ctx context.Context, ev *qext.ResponseEvent) error {
	req := ev.Request
	if !c.Tracked(req.Trigger) {
		return nil
	}
	status := strconv.Itoa(ev.Status)
	c.pending.WithLabelValues(req.Trigger, req.Client.ID).Dec()
	c.responses.WithLabelValues(req.Trigger, req.Client.ID, status).Inc()
	c.duration.WithLabelValues(req.Trigger, req.Client.ID, status).Observe(ev.Duration.Seconds())
	c.size.WithLabelValues(req.Trigger, req.Client.ID).Observe(float64(ev.Size))
	return nil
}

// OnError counts the failed request by stage. Trigger names that are not
// served are recorded as UnknownTrigger so clients cannot create series.
func (c *Collector) OnError(ctx context.Context, ev *qext.ErrorEvent) error {
	trigger, client := "", "anonymous"
	if ev.Request != nil {
		trigger, client = ev.Request.Trigger, ev.Request.Client.ID
	}
	if ev.Stage == qext.StageTrigger || !c.served(trigger) {
		trigger = UnknownTrigger
	}
	if !c.Tracked(trigger) {
		return nil
	}
	c.dropped.WithLabelValues(trigger, client, ev.Stage.String()).Inc()
	if ev.Pending {
		c.pending.WithLabelValues(trigger, client).Dec()
	}
	return nil
}

// served reports whether trigger was registered when the server started.
// Before start every name is accepted.
func (c *Collector) served(trigger string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.known == nil || c.known[trigger]
}
