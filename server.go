// Package qtrigger is a server for named remote triggers. Each TCP or TLS
// connection carries one gzip JSON request; the server authenticates the
// caller, validates the payload, runs middlewares and the trigger handler,
// and replies with a gzip JSON result.
package qtrigger

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/kardianos/qtrigger/qauth"
	"github.com/kardianos/qtrigger/qext"
	"github.com/kardianos/qtrigger/qschema"
	"github.com/kardianos/qtrigger/qstate"
	"github.com/kardianos/qtrigger/qwire"
	"pkt.systems/pslog"
)

// Server defaults.
const (
	DefaultHost         = "localhost"
	DefaultPort         = 2000
	DefaultBacklog      = 128
	DefaultReadTimeout  = 10 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultMaxRequest   = 16 << 20
)

// ServerOpt configures a Server. Zero values select the defaults.
type ServerOpt struct {
	Host    string
	Port    int
	Backlog int

	// TLSConfig enables TLS. When nil and both TLSCertFile and TLSKeyFile
	// are set, the pair is loaded from disk.
	TLSConfig   *tls.Config
	TLSCertFile string
	TLSKeyFile  string

	// Clients enables authentication. With no clients every caller is allowed.
	Clients []qauth.Client

	Extensions  []qext.Extension
	Middlewares []Middleware

	// ReadTimeout bounds the TLS handshake and request read.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// MaxRequestBytes bounds the raw request frame.
	MaxRequestBytes int64
	// MaxConcurrent bounds connections served at once. Zero is unbounded.
	MaxConcurrent int

	Logger pslog.Logger
}

type serverPhase uint8

const (
	phaseSetup serverPhase = iota
	phaseServing
	phaseStopped
)

func (p serverPhase) String() string {
	switch p {
	case phaseSetup:
		return "setup"
	case phaseServing:
		return "serving"
	case phaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var serverPhases = qstate.NewTable(
	qstate.Transition[serverPhase]{From: phaseSetup, To: phaseServing, Name: "serve"},
	qstate.Transition[serverPhase]{From: phaseSetup, To: phaseStopped, Name: "close"},
	qstate.Transition[serverPhase]{From: phaseServing, To: phaseStopped, Name: "shutdown"},
)

// Server owns the trigger, schema, client and extension registries of one
// listener. Register triggers, middlewares and extensions before Serve.
type Server struct {
	addr         string
	backlog      int
	tlsCfg       *tls.Config
	readTimeout  time.Duration
	writeTimeout time.Duration
	maxRequest   int64
	sem          chan struct{}
	log          pslog.Logger

	clients   *qauth.Registry
	validator *qschema.Validator
	bus       *qext.Bus
	helpers   qext.Helpers

	phase *qstate.Machine[serverPhase]

	mu          sync.RWMutex
	triggers    map[string]Handler
	middlewares []Middleware
	ln          net.Listener

	conns sync.WaitGroup
}

// NewServer creates a server from opt.
func NewServer(opt ServerOpt) (*Server, error) {
	if opt.Host == "" {
		opt.Host = DefaultHost
	}
	if opt.Port == 0 {
		opt.Port = DefaultPort
	}
	if opt.Backlog <= 0 {
		opt.Backlog = DefaultBacklog
	}
	if opt.ReadTimeout <= 0 {
		opt.ReadTimeout = DefaultReadTimeout
	}
	if opt.WriteTimeout <= 0 {
		opt.WriteTimeout = DefaultWriteTimeout
	}
	if opt.MaxRequestBytes <= 0 {
		opt.MaxRequestBytes = DefaultMaxRequest
	}
	if opt.Logger == nil {
		opt.Logger = pslog.NoopLogger()
	}

	tlsCfg := opt.TLSConfig
	if tlsCfg == nil && opt.TLSCertFile != "" && opt.TLSKeyFile != "" {
		var err error
		tlsCfg, err = LoadTLSConfig(opt.TLSCertFile, opt.TLSKeyFile)
		if err != nil {
			return nil, err
		}
	}

	clients, err := qauth.NewRegistry(opt.Clients...)
	if err != nil {
		return nil, fmt.Errorf("clients: %w", err)
	}

	s := &Server{
		addr:         net.JoinHostPort(opt.Host, strconv.Itoa(opt.Port)),
		backlog:      opt.Backlog,
		tlsCfg:       tlsCfg,
		readTimeout:  opt.ReadTimeout,
		writeTimeout: opt.WriteTimeout,
		maxRequest:   opt.MaxRequestBytes,
		log:          opt.Logger,
		clients:      clients,
		validator:    qschema.New(),
		bus:          qext.NewBus(opt.Logger),
		triggers:     make(map[string]Handler),
	}
	s.phase = serverPhases.Machine(phaseSetup, func(from, to serverPhase, name string) {
		s.log.Debug("server phase", "from", from.String(), "to", to.String(), "event", name)
	})
	if opt.MaxConcurrent > 0 {
		s.sem = make(chan struct{}, opt.MaxConcurrent)
	}
	s.middlewares = append(s.middlewares, opt.Middlewares...)
	if err := s.AddExtension(opt.Extensions...); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) setup() error {
	if s.phase.Current() != phaseSetup {
		return ErrServerRunning
	}
	return nil
}

// Register sets the handler and optional schema for a trigger, replacing any
// previous registration of the same name.
func (s *Server) Register(name string, h Handler, schema *openapi3.Schema) error {
	if name == "" {
		return ErrEmptyTrigger
	}
	if h == nil {
		return fmt.Errorf("%w: %s", ErrNilHandler, name)
	}
	if err := s.setup(); err != nil {
		return err
	}
	s.mu.Lock()
	s.triggers[name] = h
	s.mu.Unlock()
	s.validator.Register(name, schema)
	return nil
}

// RegisterDefinition registers every trigger of d.
func (s *Server) RegisterDefinition(d *Definition) error {
	for name, t := range d.Triggers() {
		if err := s.Register(name, t.Handler, t.Schema); err != nil {
			return err
		}
	}
	return nil
}

// Use appends global middlewares, run in order before every handler.
func (s *Server) Use(mw ...Middleware) error {
	if err := s.setup(); err != nil {
		return err
	}
	s.mu.Lock()
	s.middlewares = append(s.middlewares, mw...)
	s.mu.Unlock()
	return nil
}

// AddExtension appends extensions and stores the helpers they inject.
func (s *Server) AddExtension(exts ...qext.Extension) error {
	if err := s.setup(); err != nil {
		return err
	}
	if err := s.bus.Use(exts...); err != nil {
		return err
	}
	for _, ext := range exts {
		s.helpers.Inject(ext)
	}
	return nil
}

// Helper returns a value injected by an extension.
func (s *Server) Helper(name string) (any, bool) {
	return s.helpers.Get(name)
}

// Helpers returns the helper registry.
func (s *Server) Helpers() *qext.Helpers {
	return &s.helpers
}

// Triggers returns the registered trigger names.
func (s *Server) Triggers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.triggers))
	for name := range s.triggers {
		names = append(names, name)
	}
	return names
}

// Addr returns the listener address once serving.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ListenAndServe listens on the configured host and port and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := listen(ctx, s.addr, s.backlog)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done or Shutdown is called.
// It returns nil when stopped through ctx.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.phase.To(phaseServing); err != nil {
		ln.Close()
		if s.phase.Current() == phaseStopped {
			return ErrServerClosed
		}
		return ErrServerRunning
	}
	s.bus.Freeze()
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	// Shutdown may have run before ln was stored and found nothing to close.
	if s.phase.Current() == phaseStopped {
		ln.Close()
		return nil
	}

	// Connections outlive the accept loop; Shutdown waits for them.
	connCtx := context.WithoutCancel(ctx)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	s.log.Info("listening", "addr", ln.Addr().String(), "tls", s.tlsCfg != nil)
	if err := s.bus.Broadcast(ctx, &qext.StartEvent{Addr: ln.Addr(), TLS: s.tlsCfg != nil, Triggers: s.Triggers()}); err != nil {
		s.log.Warn("start hooks failed", "err", err)
	}

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.phase.Current() == phaseStopped {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				delay = backoff(delay)
				s.log.Warn("accept failed, retrying", "err", err, "delay", delay.String())
				time.Sleep(delay)
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		delay = 0
		if s.sem != nil {
			select {
			case s.sem <- struct{}{}:
			case <-ctx.Done():
				conn.Close()
				return nil
			}
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			if s.sem != nil {
				defer func() { <-s.sem }()
			}
			s.serveConn(connCtx, conn)
		}()
	}
}

func backoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

// Shutdown stops accepting connections and waits for in-flight connections
// to finish or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.phase.To(phaseStopped); err != nil {
		return ErrServerClosed
	}
	s.mu.RLock()
	ln := s.ln
	s.mu.RUnlock()
	if ln != nil {
		_ = ln.Close()
	}
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// frameLimit bounds one raw request frame.
func (s *Server) frameLimit() int64 {
	if s.maxRequest <= 0 {
		return qwire.DefaultMaxBody
	}
	return s.maxRequest
}
