package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
	"github.com/yanun0323/logs"
)

func newReconcileCmd(o *rootOptions) *cobra.Command {
	var accountID string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Align the ledger of one exchange account with the exchange",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(o.cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			exchange, err := a.accountAdapter(ctx, accountID)
			if err != nil {
				return err
			}
			defer func() {
				if err := exchange.Close(); err != nil {
					logs.Warnf("[agentd] close adapter failed account=%s, err: %+v", accountID, err)
				}
			}()

			positions, err := exchange.GetPositions(ctx)
			if err != nil {
				return err
			}
			report, err := a.reconciler.Reconcile(ctx, accountID, positions)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "exchange account id (required)")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}
