package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

const defaultDaemonURL = "http://127.0.0.1:8080"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "nblistener",
		Short:        "Track Jupyter kernel sessions for open notebooks",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("url", defaultDaemonURL, "Daemon base URL for client commands")
	root.PersistentFlags().String("token", os.Getenv("NBLISTENER_TOKEN"), "Daemon auth token")

	root.AddCommand(newServeCmd(), newNotebooksCmd(), newWatchCmd())
	return root
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
