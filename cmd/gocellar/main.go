package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// set by -ldflags at release time
var version = "dev"

var (
	configPath string
	adminAddr  string
	timeout    int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gocellar",
		Short: "gocellar - cluster fabric for modular runtimes",
		Long:  `gocellar groups nodes into clusters and keeps their resources in sync through events, commands and synchronizers.`,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&adminAddr, "admin", "http://localhost:9701", "Admin endpoint of a running node")
	rootCmd.PersistentFlags().IntVar(&timeout, "timeout", 30, "Request timeout in seconds")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(clusterCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
