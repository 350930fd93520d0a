package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is stamped by the release build; "dev" covers local builds.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "te-framework",
		Short: "te-framework — process and PTY supervision control plane",
		Long:  "Exposes framework shells, interactive terminals, jobs, and a key/value store over HTTP for a mobile-first UI.",
	}

	root.AddCommand(serveCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the te-framework version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}
