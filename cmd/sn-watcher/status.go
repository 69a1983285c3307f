package main

import (
	"os"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	systray "github.com/shelepuginivan/snwatcher"
)

var (
	statusMenus   bool
	statusTimeout time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the items registered with the running watcher",
	Long: `Reads the roster of whichever StatusNotifierWatcher owns the name on the
session bus and prints every item with its properties and owning process.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := dbus.ConnectSessionBus()
		if err != nil {
			return err
		}
		defer conn.Close()

		report, err := systray.Inspect(systray.NewSessionBus(conn), systray.InspectOptions{
			Menus:   statusMenus,
			Timeout: statusTimeout,
		})
		if err != nil {
			return err
		}

		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()

		return enc.Encode(report)
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusMenus, "menus", false, "include the menu layout of every item")
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", systray.DefaultPropertyTimeout, "timeout of a single property read")
}
