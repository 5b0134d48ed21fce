package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kardianos/qtrigger"
	"github.com/spf13/cobra"
)

func newCertCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Write a self-signed TLS certificate and key for development",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := a.v.GetString("out")
			certPEM, keyPEM, err := qtrigger.GenerateCertificate(a.v.GetString("host"), a.v.GetDuration("validity"))
			if err != nil {
				return err
			}
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
			certFile := filepath.Join(dir, "cert.pem")
			keyFile := filepath.Join(dir, "key.pem")
			if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
				return err
			}
			if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "certificate: %s\nkey: %s\n", certFile, keyFile)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.String("host", qtrigger.DefaultHost, "certificate host name or IP")
	flags.String("out", ".", "output directory")
	flags.Duration("validity", 0, "certificate validity (one year when zero)")
	return cmd
}
