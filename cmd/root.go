// Package cmd assembles the highline-capture command line interface.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	capturecmd "github.com/patricksmith/highline-capture/cmd/capture"
	statuscmd "github.com/patricksmith/highline-capture/cmd/status"
	synccmd "github.com/patricksmith/highline-capture/cmd/sync"
	"github.com/patricksmith/highline-capture/internal/conf"
)

// RootCommand creates and returns the root command.
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "highline-capture",
		Short: "Offline-resilient photo capture and upload client for the Highline inventory system",
	}

	setupFlags(rootCmd, settings)

	rootCmd.AddCommand(
		capturecmd.Command(settings),
		synccmd.Command(settings),
		statuscmd.Command(settings),
	)

	return rootCmd
}

// setupFlags defines flags global to the command line interface. Flags
// override the config file through viper.
func setupFlags(rootCmd *cobra.Command, settings *conf.Settings) {
	rootCmd.PersistentFlags().BoolVarP(&settings.Debug, "debug", "d", viper.GetBool("debug"), "Enable debug output")
	rootCmd.PersistentFlags().StringVar(&settings.Server.Origin, "server", viper.GetString("server.origin"), "Backend origin, scheme://host:port")
	rootCmd.PersistentFlags().StringVar(&settings.Store.Path, "store", viper.GetString("store.path"), "Path to the photo store database")
	rootCmd.PersistentFlags().StringVar(&settings.Capture.DeviceType, "device-type", viper.GetString("capture.devicetype"), "Device class reported with uploads (mobile, tablet or desktop)")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		cobra.CheckErr(fmt.Errorf("error binding flags: %w", err))
	}
}
