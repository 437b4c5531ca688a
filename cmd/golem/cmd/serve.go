package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aeolun/golem/pkg/database"
	"github.com/aeolun/golem/pkg/server"
)

var logDir string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat server",
	Long: `Run the chat server until SIGINT or SIGTERM.

Storage, limits and listen addresses come from the config file; any key can be
overridden with GOLEM_<SECTION>_<KEY>, for example GOLEM_SERVER_HTTP_ADDR=:9000.
Rooms listed in server.seed_rooms are created on startup.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&logDir, "log-dir", "", "directory for errors.log and server.log (default: next to the config file)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	config, err := server.LoadConfig(configPath)
	if err != nil {
		return err
	}

	dir := logDir
	if dir == "" {
		expanded, err := expandConfigDir()
		if err != nil {
			return err
		}
		dir = expanded
	}
	if err := server.InitLogging(dir); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	if debug {
		server.EnableDebugLogging(os.Stderr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gen, err := config.NewGenerator()
	if err != nil {
		return fmt.Errorf("invalid snowflake config: %w", err)
	}
	store, err := config.OpenStore(ctx)
	if err != nil {
		return err
	}
	log.Printf("Storage backend: %s (node %d)", backendName(config), gen.Node())

	if _, err := database.SeedRooms(ctx, store, gen, config.Server.SeedRooms); err != nil {
		store.Close()
		return err
	}

	srv, err := server.NewServer(config.ToServerConfig(), store, gen, server.NewMetrics())
	if err != nil {
		store.Close()
		return err
	}
	if err := srv.Start(); err != nil {
		srv.Stop()
		return err
	}

	<-ctx.Done()
	log.Printf("Received shutdown signal")
	return srv.Stop()
}

func backendName(config server.TOMLConfig) string {
	if config.Server.DatabaseBackend == "" {
		return server.BackendSQLite
	}
	return config.Server.DatabaseBackend
}

func expandConfigDir() (string, error) {
	path := configPath
	if len(path) > 1 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}
	return filepath.Dir(path), nil
}
