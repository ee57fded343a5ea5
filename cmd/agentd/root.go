package main

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/yanun0323/logs"

	"agentrunner/internal/ops"
)

type rootOptions struct {
	configPath string
	envFile    string
	cfg        *ops.Config
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "agentd",
		Short:         "Run trading agents with leased ownership and a reconciled position ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return o.load()
		},
	}

	cmd.PersistentFlags().StringVarP(&o.configPath, "config", "c", "", "path to config file (YAML or JSON)")
	cmd.PersistentFlags().StringVar(&o.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	cmd.AddCommand(
		newRunCmd(o),
		newJanitorCmd(o),
		newReconcileCmd(o),
		newVersionCmd(),
	)
	return cmd
}

func (o *rootOptions) load() error {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil {
			logs.Debugf("[agentd] no env file %s, using process environment", o.envFile)
		}
	}

	cfg, err := ops.Load(o.configPath)
	if err != nil {
		logs.Errorf("[agentd] load config failed, err: %+v", err)
		return err
	}
	o.cfg = cfg
	return nil
}
