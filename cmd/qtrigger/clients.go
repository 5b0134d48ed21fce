package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kardianos/qtrigger/qauth"
	"github.com/spf13/cobra"
)

const defaultClientsDB = "./data/clients.db"

func newClientsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clients",
		Short: "Manage the client registry database",
	}
	cmd.PersistentFlags().String("clients-db", defaultClientsDB, "client registry database")

	open := func() (*qauth.Store, error) {
		return qauth.OpenStore(a.v.GetString("clients-db"))
	}

	add := &cobra.Command{
		Use:   "add",
		Short: "Add or replace a client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			id, err := store.Put(qauth.Client{
				SecretKey: a.v.GetString("secret-key"),
				IP:        a.v.GetString("ip"),
				Language:  a.v.GetString("language"),
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	add.Flags().String("secret-key", "", "client secret key (required)")
	add.Flags().String("ip", qauth.Wildcard, "allowed client ip, or * for any")
	add.Flags().String("language", qauth.Wildcard, "allowed client language, or * for any")

	list := &cobra.Command{
		Use:   "list",
		Short: "List clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			clients, err := store.List()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tIP\tLANGUAGE\tADDED")
			for _, c := range clients {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ID, orWildcard(c.Client.IP), orWildcard(c.Client.Language), humanize.RelTime(c.CreatedAt, time.Now(), "ago", "from now"))
			}
			return w.Flush()
		},
	}

	remove := &cobra.Command{
		Use:     "remove <id>...",
		Aliases: []string{"rm"},
		Short:   "Remove clients by ID",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			for _, id := range args {
				if err := store.Delete(id); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.AddCommand(add, list, remove)
	return cmd
}

func orWildcard(s string) string {
	if s == "" {
		return qauth.Wildcard
	}
	return s
}
