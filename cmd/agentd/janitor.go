package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"agentrunner/internal/janitor"
)

func newJanitorCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "janitor",
		Short: "Delete pending claims older than janitor.max_pending_age once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(o.cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := janitor.New(a.db.DB(), a.metrics).CleanupStalePending(cmd.Context(), o.cfg.Janitor.MaxPendingAge.Std())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d stale pending claims\n", n)
			return nil
		},
	}
}
