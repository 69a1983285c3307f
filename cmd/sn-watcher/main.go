// Command sn-watcher bridges StatusNotifierItem applications to
// org.x.StatusIcon applets.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:     "sn-watcher",
	Version: version,
	Short:   "StatusNotifierItem to org.x.StatusIcon bridge",
	Long: `sn-watcher owns org.kde.StatusNotifierWatcher on the session bus and
republishes every registered StatusNotifierItem as an org.x.StatusIcon icon.

It exits on its own when no org.x.StatusIcon applet has been present for the
configured idle timeout. Without a subcommand it runs the daemon.`,
	SilenceUsage: true,
	RunE:         runDaemon,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/sn-watcher/config.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
