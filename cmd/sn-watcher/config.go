package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shelepuginivan/snwatcher/internal/config"
)

var configOutput string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Write the default configuration file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.WriteDefault(configOutput)
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), "Configuration written to", path)
		return nil
	},
}

func init() {
	configCmd.Flags().StringVarP(&configOutput, "output", "o", "", "output path (default is $XDG_CONFIG_HOME/sn-watcher/config.yaml)")
}
