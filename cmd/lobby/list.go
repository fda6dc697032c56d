package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List public sessions (needs the postgres store to see other processes)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := loadEnv(ctx, opts)
			if err != nil {
				return err
			}
			defer e.cleanup()

			p, release, err := e.participant(ctx, e.cfg)
			if err != nil {
				return err
			}
			defer release()

			listCtx, cancel := context.WithTimeout(ctx, e.cfg.Discovery.RefreshTimeout)
			defer cancel()
			rows, err := p.LobbyRows(listCtx, true)
			if err != nil {
				return fmt.Errorf("listing sessions: %w", err)
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no public sessions")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tMEMBERS")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\n", r.ID, r.Name, r.Capacity)
			}
			return w.Flush()
		},
	}
}
