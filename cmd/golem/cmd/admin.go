package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aeolun/golem/pkg/auth"
	"github.com/aeolun/golem/pkg/database"
	"github.com/aeolun/golem/pkg/server"
	"github.com/aeolun/golem/pkg/snowflake"
)

// openStore opens the configured store and id allocator for an offline
// admin command. A running memory-backend server only loads rows at start,
// so run these while it is stopped.
func openStore(ctx context.Context) (server.TOMLConfig, database.Store, *snowflake.Generator, error) {
	config, err := server.LoadConfig(configPath)
	if err != nil {
		return config, nil, nil, err
	}
	gen, err := config.NewGenerator()
	if err != nil {
		return config, nil, nil, fmt.Errorf("invalid snowflake config: %w", err)
	}
	store, err := config.OpenStore(ctx)
	if err != nil {
		return config, nil, nil, err
	}
	if backendName(config) == server.BackendMemory && config.Server.DatabasePath == "" {
		fmt.Fprintln(os.Stderr, "warning: volatile memory backend, changes are lost on exit")
	}
	return config, store, gen, nil
}

var userPassword string

var useraddCmd = &cobra.Command{
	Use:   "useradd <name>",
	Short: "Create an account",
	Long: `Create an account directly in the store.

The password is taken from --password or read from the first line of stdin:
  echo hunter2 | golem useradd alice`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword(userPassword, cmd.InOrStdin())
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		_, store, gen, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		authenticator, err := auth.NewAuthenticator(store, gen, log.New(os.Stderr, "ERROR: ", log.LstdFlags))
		if err != nil {
			return err
		}
		user, err := authenticator.Register(ctx, strings.TrimSpace(args[0]), password)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created user %s (%s)\n", user.Name, user.ID)
		return nil
	},
}

var roomCmd = &cobra.Command{
	Use:   "room",
	Short: "Manage rooms",
}

var roomCreateCmd = &cobra.Command{
	Use:   "create <name>...",
	Short: "Create rooms that do not exist yet",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		_, store, gen, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		rooms, err := database.SeedRooms(ctx, store, gen, args)
		if err != nil {
			return err
		}
		for _, r := range rooms {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", r.ID, r.Name)
		}
		return nil
	},
}

var roomListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rooms",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		_, store, _, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		rooms, err := store.ListRooms(ctx)
		if err != nil {
			return err
		}
		for _, r := range rooms {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", r.ID, r.Name)
		}
		return nil
	},
}

var snowflakeCmd = &cobra.Command{
	Use:   "snowflake [id]",
	Short: "Mint an id, or decode one",
	Long: `Without arguments, mint a fresh id with the configured node and epoch.
With an id, print its timestamp, node and sequence.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := server.LoadConfig(configPath)
		if err != nil {
			return err
		}
		gen, err := config.NewGenerator()
		if err != nil {
			return err
		}

		var id snowflake.ID
		if len(args) == 1 {
			id, err = snowflake.Parse(args[0])
		} else {
			id, err = gen.NextID()
		}
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(id.Decompose(gen.Epoch()))
	},
}

func init() {
	useraddCmd.Flags().StringVar(&userPassword, "password", "", "password (default: read from stdin)")
	roomCmd.AddCommand(roomCreateCmd, roomListCmd)
	rootCmd.AddCommand(useraddCmd, roomCmd, snowflakeCmd)
}
