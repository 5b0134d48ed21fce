package main

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/kardianos/qtrigger"
	"github.com/kardianos/qtrigger/qauth"
	"github.com/kardianos/qtrigger/qclient"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newCallCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <trigger> [payload-json|-]",
		Short: "Call a trigger and print its data",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []byte
			if len(args) == 2 {
				if args[1] == "-" {
					b, err := io.ReadAll(cmd.InOrStdin())
					if err != nil {
						return err
					}
					raw = b
				} else {
					raw = []byte(args[1])
				}
			}
			payload := map[string]any{}
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &payload); err != nil {
					return fmt.Errorf("payload must be a JSON object: %w", err)
				}
			}

			opt, err := clientOpt(a.v)
			if err != nil {
				return err
			}
			data, err := qclient.New(opt).CallRaw(cmd.Context(), args[0], payload)
			if err != nil {
				return err
			}
			var out any
			if len(data) > 0 {
				if err := json.Unmarshal(data, &out); err != nil {
					return err
				}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	flags := cmd.Flags()
	flags.String("addr", net.JoinHostPort(qtrigger.DefaultHost, strconv.Itoa(qtrigger.DefaultPort)), "server address")
	flags.Bool("tls", false, "connect with TLS")
	flags.String("tls-ca", "", "PEM file of certificates trusted for the server (implies --tls)")
	flags.Bool("tls-insecure", false, "skip server certificate verification (implies --tls)")
	flags.String("secret-key", "", "client secret key")
	flags.String("ip", "", "client ip credential")
	flags.String("language", "go", "client language credential")
	flags.Duration("timeout", qclient.DefaultTimeout, "call timeout")
	flags.Bool("tunnel", false, "send the payload compressed inside the message field")
	return cmd
}

func clientOpt(v *viper.Viper) (qclient.Opt, error) {
	opt := qclient.Opt{
		Addr: v.GetString("addr"),
		Credentials: qauth.Credentials{
			SecretKey: v.GetString("secret-key"),
			IP:        v.GetString("ip"),
			Language:  v.GetString("language"),
		},
		Timeout:       v.GetDuration("timeout"),
		TunnelPayload: v.GetBool("tunnel"),
	}
	caFile := v.GetString("tls-ca")
	insecure := v.GetBool("tls-insecure")
	if !v.GetBool("tls") && caFile == "" && !insecure {
		return opt, nil
	}
	host, _, err := net.SplitHostPort(opt.Addr)
	if err != nil {
		return opt, fmt.Errorf("addr %q: %w", opt.Addr, err)
	}
	cfg := &tls.Config{
		ServerName:         host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: insecure,
	}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return opt, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return opt, fmt.Errorf("no certificates in %s", caFile)
		}
		cfg.RootCAs = pool
	}
	opt.TLSConfig = cfg
	return opt, nil
}
