package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	envFile    string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "golem",
	Short: "Real-time threaded chat server",
	Long: `golem runs a WebSocket chat server with threaded messages and live presence.

Server commands read the TOML config (written with defaults on first use).
Client commands keep their session tokens in ~/.golem/client.db.

Use "golem [command] --help" for more information about a command.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env is normal; a malformed one is not
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
		return nil
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "~/.golem/config.toml", "path to the server config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "environment file loaded before the config")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

// readPassword returns flagValue, or the first line of stdin when it is empty.
func readPassword(flagValue string, in io.Reader) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("no password given (use --password or pipe it on stdin)")
	}
	return password, nil
}
