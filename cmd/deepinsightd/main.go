package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deepinsight-ai/deepinsight/config"
	"github.com/deepinsight-ai/deepinsight/internal/server"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "deepinsightd",
		Short: "DeepInsight analysis orchestration service",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config yaml")

	var addr string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(configPath)
			return server.Run(cfg, addr)
		},
	}
	serveCmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.address)")

	var (
		dir       string
		direction string
		steps     int
	)
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(configPath)
			return server.Migrate(dir, cfg.Storage.Postgres.DSN(), direction, steps)
		},
	}
	migrateCmd.Flags().StringVar(&dir, "dir", "file://migrations", "migrations source")
	migrateCmd.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrateCmd.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	root.AddCommand(serveCmd, migrateCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
