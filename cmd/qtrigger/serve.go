package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kardianos/qtrigger"
	"github.com/kardianos/qtrigger/qauth"
	"github.com/kardianos/qtrigger/qext"
	"github.com/kardianos/qtrigger/qext/logger"
	"github.com/kardianos/qtrigger/qext/metrics"
	"github.com/kardianos/qtrigger/qext/ratelimit"
	"github.com/kardianos/qtrigger/qschema"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

type serveConfig struct {
	Host            string
	Port            int
	Backlog         int
	TLSCert         string
	TLSKey          string
	Clients         []qauth.Client
	ClientsDB       string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxRequestBytes int64
	MaxConcurrent   int
	Schemas         string

	MetricsListen    string
	MetricsNamespace string
	RateLimit        int
	RateInterval     time.Duration
	LogPayload       bool
	LogResponse      bool
}

func newServeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the built-in triggers (add, echo, ping)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bindServeConfig(a.v)
			if err != nil {
				return err
			}
			return a.runServe(cmd.Context(), cfg)
		},
	}
	flags := cmd.Flags()
	flags.String("host", qtrigger.DefaultHost, "listen host")
	flags.Int("port", qtrigger.DefaultPort, "listen port")
	flags.Int("backlog", qtrigger.DefaultBacklog, "listen backlog")
	flags.String("tls-cert", "", "TLS certificate PEM file (enables TLS with --tls-key)")
	flags.String("tls-key", "", "TLS private key PEM file")
	flags.String("clients-db", "", "client registry database managed by \"qtrigger clients\"")
	flags.Duration("read-timeout", qtrigger.DefaultReadTimeout, "handshake and request read timeout")
	flags.Duration("write-timeout", qtrigger.DefaultWriteTimeout, "reply write timeout")
	flags.String("max-request-size", humanize.IBytes(uint64(qtrigger.DefaultMaxRequest)), "maximum raw request size")
	flags.Int("max-concurrent", 0, "maximum connections served at once (0 is unbounded)")
	flags.String("schemas", "", "YAML or JSON file mapping trigger names to JSON schemas")
	flags.String("metrics-listen", metrics.DefaultListen, "metrics listen address (empty disables)")
	flags.String("metrics-namespace", metrics.DefaultNamespace, "metric name prefix")
	flags.Int("rate-limit", ratelimit.DefaultLimit, "requests per client IP per interval (0 disables)")
	flags.Duration("rate-interval", ratelimit.DefaultInterval, "rate limit refill interval")
	flags.Bool("log-payload", false, "log request payloads")
	flags.Bool("log-response", false, "log response data")
	return cmd
}

func bindServeConfig(v *viper.Viper) (serveConfig, error) {
	cfg := serveConfig{
		Host:             v.GetString("host"),
		Port:             v.GetInt("port"),
		Backlog:          v.GetInt("backlog"),
		TLSCert:          v.GetString("tls-cert"),
		TLSKey:           v.GetString("tls-key"),
		ClientsDB:        v.GetString("clients-db"),
		ReadTimeout:      v.GetDuration("read-timeout"),
		WriteTimeout:     v.GetDuration("write-timeout"),
		MaxConcurrent:    v.GetInt("max-concurrent"),
		Schemas:          v.GetString("schemas"),
		MetricsListen:    v.GetString("metrics-listen"),
		MetricsNamespace: v.GetString("metrics-namespace"),
		RateLimit:        v.GetInt("rate-limit"),
		RateInterval:     v.GetDuration("rate-interval"),
		LogPayload:       v.GetBool("log-payload"),
		LogResponse:      v.GetBool("log-response"),
	}
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return cfg, fmt.Errorf("--tls-cert and --tls-key must be set together")
	}
	if s := v.GetString("max-request-size"); s != "" {
		size, err := humanize.ParseBytes(s)
		if err != nil {
			return cfg, fmt.Errorf("parse max-request-size: %w", err)
		}
		cfg.MaxRequestBytes = int64(size)
	}
	if v.IsSet("clients") {
		if err := v.UnmarshalKey("clients", &cfg.Clients); err != nil {
			return cfg, fmt.Errorf("parse clients: %w", err)
		}
	}
	return cfg, nil
}

// loadClients merges configured clients with the client database.
func loadClients(cfg serveConfig) ([]qauth.Client, error) {
	clients := append([]qauth.Client(nil), cfg.Clients...)
	if cfg.ClientsDB == "" {
		return clients, nil
	}
	store, err := qauth.OpenStore(cfg.ClientsDB)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	stored, err := store.Clients()
	if err != nil {
		return nil, err
	}
	return append(clients, stored...), nil
}

func (a *app) newServer(cfg serveConfig) (*qtrigger.Server, *metrics.Collector, error) {
	log := a.logger.With("cmd", "serve")
	clients, err := loadClients(cfg)
	if err != nil {
		return nil, nil, err
	}

	exts := []qext.Extension{logger.New(logger.Options{
		Logger:       log,
		ShowPayload:  cfg.LogPayload,
		ShowResponse: cfg.LogResponse,
	})}
	if cfg.RateLimit > 0 {
		exts = append(exts, ratelimit.New(ratelimit.Options{
			Limit:    cfg.RateLimit,
			Interval: cfg.RateInterval,
			Logger:   log,
		}))
	}
	var collector *metrics.Collector
	if cfg.MetricsListen != "" {
		// The collector's HTTP server runs beside the trigger server, not
		// from its start hook.
		collector, err = metrics.New(metrics.Options{Namespace: cfg.MetricsNamespace, Logger: log})
		if err != nil {
			return nil, nil, err
		}
		exts = append(exts, collector)
	}

	srv, err := qtrigger.NewServer(qtrigger.ServerOpt{
		Host:            cfg.Host,
		Port:            cfg.Port,
		Backlog:         cfg.Backlog,
		TLSCertFile:     cfg.TLSCert,
		TLSKeyFile:      cfg.TLSKey,
		Clients:         clients,
		Extensions:      exts,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		MaxRequestBytes: cfg.MaxRequestBytes,
		MaxConcurrent:   cfg.MaxConcurrent,
		Logger:          log,
	})
	if err != nil {
		return nil, nil, err
	}

	def := demoDefinition()
	if cfg.Schemas != "" {
		schemas, err := qschema.LoadFile(cfg.Schemas)
		if err != nil {
			return nil, nil, err
		}
		known := def.Triggers()
		for name, s := range schemas {
			if _, ok := known[name]; !ok {
				log.Warn("schema for unknown trigger ignored", "trigger", name)
				continue
			}
			def.WithSchema(name, s)
		}
	}
	if err := srv.RegisterDefinition(def); err != nil {
		return nil, nil, err
	}
	log.Info("server configured", "clients", len(clients), "triggers", srv.Triggers())
	return srv, collector, nil
}

func (a *app) runServe(ctx context.Context, cfg serveConfig) error {
	srv, collector, err := a.newServer(cfg)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	if collector != nil {
		g.Go(func() error {
			return collector.ListenAndServe(gctx, cfg.MetricsListen)
		})
	}
	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil && err == nil && serr != qtrigger.ErrServerClosed {
		err = serr
	}
	return err
}
