// Command qtrigger runs and talks to a trigger server.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"
)

const envPrefix = "QTRIGGER"

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix(envPrefix+"_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "qtrigger")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

// app carries state shared by every command.
type app struct {
	v      *viper.Viper
	logger pslog.Logger
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	a := &app{v: viper.New(), logger: baseLogger}
	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "qtrigger",
		Short:         "qtrigger serves named triggers over gzip JSON requests",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Serve the demo triggers on localhost:2000 with metrics on :7001
  qtrigger serve

  # Serve with TLS and a client list from a config file
  qtrigger cert --host localhost --out ./tls
  qtrigger serve --config qtrigger.yaml --tls-cert ./tls/cert.pem --tls-key ./tls/key.pem

  # Call a trigger
  qtrigger call add '{"a":1,"b":2}'
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.bindFlags(cmd.Flags()); err != nil {
				return err
			}
			if err := a.loadConfigFile(); err != nil {
				return err
			}
			if level, ok := pslog.ParseLevel(strings.TrimSpace(a.v.GetString("log-level"))); ok {
				a.logger = a.logger.LogLevel(level)
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	cmd.AddCommand(newServeCommand(a))
	cmd.AddCommand(newCallCommand(a))
	cmd.AddCommand(newClientsCommand(a))
	cmd.AddCommand(newCertCommand(a))
	return cmd
}

// bindFlags binds every flag visible to the running command, so values
// resolve flag, then environment, then config file.
func (a *app) bindFlags(flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		err = a.v.BindPFlag(f.Name, f)
	})
	return err
}

func (a *app) loadConfigFile() error {
	cfgPath := strings.TrimSpace(a.v.GetString("config"))
	if cfgPath == "" {
		return nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		return fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config file %q is a directory", expanded)
	}
	a.v.SetConfigFile(expanded)
	a.v.SetConfigType("yaml")
	if err := a.v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %q: %w", expanded, err)
	}
	a.logger.Debug("loaded config file", "path", expanded)
	return nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
