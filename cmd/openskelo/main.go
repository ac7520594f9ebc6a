// openskelo is a single-node orchestrator for AI coding tasks executed by
// external CLI or HTTP backends.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagConfig string
	flagDebug  bool

	// Client flags for the task/pipeline subcommands.
	flagServer string
	flagAPIKey string
)

func main() {
	root := &cobra.Command{
		Use:           "openskelo",
		Short:         "Task orchestrator for AI coding backends",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to config file")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	root.PersistentFlags().StringVar(&flagServer, "server", "http://127.0.0.1:8090", "control API base URL")
	root.PersistentFlags().StringVar(&flagAPIKey, "api-key", os.Getenv("OPENSKELO_API_KEY"), "control API key")

	root.AddCommand(newServeCmd())
	root.AddCommand(newTaskCmd())
	root.AddCommand(newPipelineCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
