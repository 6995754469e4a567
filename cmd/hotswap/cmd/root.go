// Package cmd provides the CLI commands for the hotswap host.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/hotswap-go/hotswap/internal/config"
	"github.com/hotswap-go/hotswap/internal/logging"
)

var (
	debug bool
	human bool
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "hotswap",
	Short: "Hot-reload host for WebAssembly guest modules",
	Long: `A host process that runs WebAssembly guest modules and swaps them in place
whenever their artifact is rebuilt, carrying guest state across versions and
surviving guest faults.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		if err := config.Initialize(); err != nil {
			return err
		}
		logging.InitLogger(debug, human)

		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&human, "human", true, "Enable human-readable logs")
}
