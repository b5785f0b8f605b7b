package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"gocellar/config"
	"gocellar/pkg/logging"
	"gocellar/pkg/server"
)

func serveCmd() *cobra.Command {
	var (
		nodeID    string
		port      int
		dataDir   string
		bootstrap bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a cluster node",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewLoader(configPath)
			// flags win over the file and the environment
			if nodeID != "" {
				loader.Set("node.id", nodeID)
			}
			if port != 0 {
				loader.Set("node.port", port)
			}
			if dataDir != "" {
				loader.Set("storage.data_dir", dataDir)
			}
			if bootstrap {
				loader.Set("raft.bootstrap", true)
			}
			cfg, err := loader.Load()
			if err != nil {
				return err
			}

			logger, closer, err := logging.New(logging.Options{
				Name:   "gocellar",
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
				File:   cfg.Logging.File,
			})
			if err != nil {
				return err
			}
			defer closer.Close()

			srv, err := server.NewServer(cfg, logger)
			if err != nil {
				return err
			}
			if loader.ConfigFile() != "" {
				loader.Watch(func(next *config.Config, err error) {
					if err != nil {
						logger.Error("configuration reload rejected", "error", err)
						return
					}
					srv.ApplyConfig(next)
				})
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&nodeID, "node-id", "", "Node ID")
	cmd.Flags().IntVar(&port, "port", 0, "Node port")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Data directory")
	cmd.Flags().BoolVar(&bootstrap, "bootstrap", false, "Bootstrap the raft cluster")
	return cmd
}
