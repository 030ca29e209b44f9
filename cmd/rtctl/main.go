package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	server  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rtctl",
		Short: "Publish and inspect PBS realtime events",
		Long: `rtctl talks to the realtime broker configured in the environment (or .env)
to publish workflow events and watch the topics the router consumes.
With --server it publishes through a running server's HTTP ingress instead.`,
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&server, "server", "", "Realtime server URL (e.g. http://localhost:8080)")

	rootCmd.AddCommand(
		newPublishCmd(),
		newTapCmd(),
		newWorkflowCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
