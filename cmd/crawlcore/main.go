// crawlcore — an autoscaled crawling core: request queue, session
// pool, and system-load-aware worker pool behind a small router.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:     "crawlcore",
		Short:   "Autoscaled crawling core",
		Version: version,
	}

	rootCmd.AddCommand(newRunCmd(), newMCPCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
