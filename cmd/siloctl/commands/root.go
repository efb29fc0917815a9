// Package commands implements the siloctl cobra tree: a thin reference
// client for a meridian cluster, one file per subcommand, flags bound in
// init, and a shared client helper in common.go.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// dbPath is the sqlite state database siloctl opens directly when
	// operating in embedded mode (no --addr given).
	dbPath string

	// addr, if set, makes siloctl dial a running silod's gRPC listener
	// instead of opening the state database itself. Only invoke is
	// supported in this mode, since Invoke is the only operation
	// meridian's wire transport carries; publish/subscribe/reminder/
	// status/topics all need direct access to the silo's collaborators.
	addr string

	// targetSiloID names the silo --addr points at. Only meaningful
	// alongside --addr.
	targetSiloID string

	// outputFormat controls how results print: text or json.
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "siloctl",
	Short: "Reference CLI client for a meridian silo",
	Long: `siloctl drives a meridian cluster: invoke actor methods, publish and
subscribe to stream subjects, register and list reminders, and inspect
cluster status and stream subject metrics.

By default siloctl opens the silo's sqlite state database directly and
operates against an embedded, ephemeral silo sharing that database. Pass
--addr to instead dial a running silod's gRPC listener for remote actor
invocation.`,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "~/.meridian/silo.db",
		"Path to the silo's sqlite state database (embedded mode)")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "",
		"gRPC address of a running silod (remote mode; invoke only)")
	rootCmd.PersistentFlags().StringVar(&targetSiloID, "target-silo", "remote",
		"Silo ID the --addr endpoint identifies itself as")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "text",
		"Output format: text or json")

	rootCmd.AddCommand(invokeCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(subscribeCmd)
	rootCmd.AddCommand(reminderCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(topicsCmd)
}
