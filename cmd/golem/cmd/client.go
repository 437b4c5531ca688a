package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aeolun/golem/pkg/client"
	"github.com/aeolun/golem/pkg/protocol"
)

var (
	statePath     string
	loginPassword string
	tailRoom      string
	tailBacklog   uint8
)

func openClientState() (*client.State, error) {
	path := statePath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, ".golem", "client.db")
	}
	return client.OpenState(path)
}

var registerCmd = &cobra.Command{
	Use:   "register <server> <name>",
	Short: "Create an account on a running server and log in",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return clientLogin(cmd, args[0], args[1], true)
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <server> <name>",
	Short: "Log in to a server and remember the session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return clientLogin(cmd, args[0], args[1], false)
	},
}

func clientLogin(cmd *cobra.Command, addr, name string, register bool) error {
	password, err := readPassword(loginPassword, cmd.InOrStdin())
	if err != nil {
		return err
	}
	api, err := client.NewAPI(addr)
	if err != nil {
		return err
	}
	state, err := openClientState()
	if err != nil {
		return err
	}
	defer state.Close()

	ctx := cmd.Context()
	if register {
		if _, err := api.Register(ctx, name, password); err != nil {
			return err
		}
	}
	res, err := api.Login(ctx, name, password)
	if err != nil {
		return err
	}
	if err := state.SaveCredentials(api.Base(), res.User.Name, res.Token); err != nil {
		return err
	}
	if err := state.SetLastName(res.User.Name); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "logged in to %s as %s\n", api.Base(), res.User.Name)
	return nil
}

var logoutCmd = &cobra.Command{
	Use:   "logout <server>",
	Short: "End the saved session for a server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		api, err := client.NewAPI(args[0])
		if err != nil {
			return err
		}
		state, err := openClientState()
		if err != nil {
			return err
		}
		defer state.Close()

		_, token, ok, err := state.GetCredentials(api.Base())
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("not logged in to %s", api.Base())
		}
		api.SetToken(token)
		// An expired session is already logged out server-side
		if err := api.Logout(cmd.Context()); err != nil && !errors.Is(err, client.ErrUnauthorized) {
			return err
		}
		return state.ForgetCredentials(api.Base())
	},
}

var tailCmd = &cobra.Command{
	Use:   "tail <server>",
	Short: "Follow a room, printing messages as they arrive",
	Long: `Follow a room, printing messages as they arrive.

The saved session for the server is used when there is one; otherwise the
connection stays anonymous. Reconnects automatically until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runTail,
}

func runTail(cmd *cobra.Command, args []string) error {
	api, err := client.NewAPI(args[0])
	if err != nil {
		return err
	}
	state, err := openClientState()
	if err != nil {
		return err
	}
	defer state.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	room, err := api.RoomID(ctx, tailRoom)
	if err != nil {
		return err
	}
	epoch, err := api.Epoch(ctx)
	if err != nil {
		return err
	}
	conn, err := client.NewConnection(api.Base() + "/" + room.String())
	if err != nil {
		return err
	}
	if debug {
		conn.SetLogger(log.New(os.Stderr, "DEBUG: ", log.LstdFlags))
	}
	_, token, ok, err := state.GetCredentials(api.Base())
	if err != nil {
		return err
	}
	if ok {
		conn.SetToken(token)
	}
	if err := conn.ConnectContext(ctx); err != nil {
		return err
	}
	defer conn.Close()

	lastSeen, err := state.GetLastSeen(api.Base(), room.String())
	if err != nil {
		return err
	}
	if err := conn.Send(protocol.LoadMessages{Amount: tailBacklog}); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	view := client.NewRoomView()
	go func() {
		for err := range conn.Errors() {
			fmt.Fprintf(cmd.ErrOrStderr(), "connection: %v\n", err)
		}
	}()

	err = view.Run(ctx, conn, func(msg protocol.ServerMsg) {
		switch m := msg.(type) {
		case protocol.Messages:
			// Backlog arrives newest first
			for i := len(m.List) - 1; i >= 0; i-- {
				printMessage(out, view, epoch, m.List[i], m.List[i].ID > lastSeen)
			}
		case protocol.NewMessage:
			printMessage(out, view, epoch, m.Message, true)
		case protocol.Join:
			fmt.Fprintf(out, "* %s joined\n", m.Presence.Name)
		case protocol.Leave:
			fmt.Fprintf(out, "* %s left\n", m.Presence.Name)
		case protocol.Update:
			fmt.Fprintf(out, "* %s is now known as %s\n", m.Presence.ID, m.Presence.Name)
		}
	})

	if newest := view.Newest(); newest != 0 {
		if markErr := state.MarkSeen(api.Base(), room.String(), newest); markErr != nil {
			return markErr
		}
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printMessage(w io.Writer, view *client.RoomView, epoch time.Time, m protocol.Message, unread bool) {
	marker := " "
	if unread {
		marker = "*"
	}
	indent := strings.Repeat("  ", view.Depth(m.ID))
	fmt.Fprintf(w, "%s %s %s%s: %s\n", marker, m.ID.Time(epoch).Local().Format(time.Kitchen), indent, m.AuthorName, m.Content)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&statePath, "state", "", "client state database (default ~/.golem/client.db)")
	registerCmd.Flags().StringVar(&loginPassword, "password", "", "password (default: read from stdin)")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "password (default: read from stdin)")
	tailCmd.Flags().StringVar(&tailRoom, "room", "general", "room name or id")
	tailCmd.Flags().Uint8Var(&tailBacklog, "backlog", 20, "top-level messages to load first")
	rootCmd.AddCommand(registerCmd, loginCmd, logoutCmd, tailCmd)
}
