// Command loadtest drives the push server with simulated users.
//
//	loadtest presence   open N connections and measure presence fan-out
package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "loadtest",
		Short:        "Load scenarios for the chat push server",
		SilenceUsage: true,
	}
	root.AddCommand(newPresenceCommand())

	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
