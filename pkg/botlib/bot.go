package botlib

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/golem/pkg/client"
	"github.com/aeolun/golem/pkg/protocol"
	"github.com/aeolun/golem/pkg/snowflake"
)

// MessageHandler is called when a new message is received. Handlers run on
// the bot's event loop; hand long work to a goroutine.
type MessageHandler func(ctx *Context, msg *Message)

// Config holds the bot configuration.
type Config struct {
	// Server address (host:port or URL)
	Server string

	// Room name or id to sit in (default: "general")
	Room string

	// Name for the bot (e.g., "helper")
	Name string

	// Password logs the bot in as Name. Without one the bot stays anonymous
	// and only renames its presence, which needs anonymous posting enabled.
	Password string

	// Register creates the account when the first login is rejected
	Register bool

	// Logger for debug output (optional, defaults to stdout)
	Logger *log.Logger
}

// Bot represents a chat bot instance.
type Bot struct {
	config Config
	logger *log.Logger
	name   string
	view   *client.RoomView

	conn client.ConnectionInterface
	room snowflake.ID

	// Messages the bot posted; replies to them go to onReply
	mine   map[snowflake.ID]bool
	mineMu sync.RWMutex

	dedupPrefix string
	seq         atomic.Int64

	// Handlers
	onMessage MessageHandler
	onReply   MessageHandler
	onMention MessageHandler
}

// New creates a new Bot with the given configuration.
func New(config Config) *Bot {
	if config.Logger == nil {
		config.Logger = log.New(os.Stdout, "[bot] ", log.LstdFlags)
	}
	if config.Room == "" {
		config.Room = "general"
	}

	return &Bot{
		config:      config,
		logger:      config.Logger,
		name:        config.Name,
		view:        client.NewRoomView(),
		mine:        make(map[snowflake.ID]bool),
		dedupPrefix: fmt.Sprintf("%s-%d", config.Name, time.Now().UnixNano()),
	}
}

// OnMessage registers a handler for all new messages not claimed by the
// reply or mention handlers.
func (b *Bot) OnMessage(handler MessageHandler) {
	b.onMessage = handler
}

// OnReply registers a handler for direct replies to the bot's own messages.
func (b *Bot) OnReply(handler MessageHandler) {
	b.onReply = handler
}

// OnMention registers a handler for messages that mention the bot.
func (b *Bot) OnMention(handler MessageHandler) {
	b.onMention = handler
}

// Run logs in, connects to the room and processes messages until ctx ends.
// The connection reconnects on its own while the bot runs.
func (b *Bot) Run(ctx context.Context) error {
	api, err := client.NewAPI(b.config.Server)
	if err != nil {
		return err
	}
	room, err := api.RoomID(ctx, b.config.Room)
	if err != nil {
		return fmt.Errorf("resolve room: %w", err)
	}

	conn, err := client.NewConnection(api.Base() + "/" + room.String())
	if err != nil {
		return err
	}
	if b.config.Password != "" {
		token, err := b.login(ctx, api)
		if err != nil {
			return err
		}
		conn.SetToken(token)
	}

	b.logger.Printf("Connecting to %s as %s...", conn.GetAddress(), b.name)
	return b.run(ctx, conn, room)
}

func (b *Bot) login(ctx context.Context, api *client.API) (string, error) {
	res, err := api.Login(ctx, b.name, b.config.Password)
	if errors.Is(err, client.ErrUnauthorized) && b.config.Register {
		b.logger.Printf("Login rejected, registering %s", b.name)
		if _, err := api.Register(ctx, b.name, b.config.Password); err != nil {
			return "", fmt.Errorf("register: %w", err)
		}
		res, err = api.Login(ctx, b.name, b.config.Password)
	}
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	b.name = res.User.Name
	return res.Token, nil
}

// run drives an already configured connection until ctx ends or it is closed.
func (b *Bot) run(ctx context.Context, conn client.ConnectionInterface, room snowflake.ID) error {
	b.conn = conn
	b.room = room

	if err := conn.Connect(); err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	defer conn.Close()

	if b.config.Password == "" && b.name != "" {
		if err := conn.Send(protocol.ChangeName{Name: b.name}); err != nil {
			return err
		}
	}

	b.logger.Printf("Bot is running in room %s", room)
	err := b.view.Run(ctx, conn, b.handleEvent)
	if errors.Is(err, context.Canceled) {
		b.logger.Printf("Bot stopped")
		return nil
	}
	return err
}

func (b *Bot) handleEvent(event protocol.ServerMsg) {
	switch e := event.(type) {
	case protocol.NewMessage:
		b.handleNewMessage(e.Message)
	case protocol.AuthResult:
		if !e.Success {
			b.logger.Printf("Authentication failed")
		}
	case protocol.Error:
		b.logger.Printf("Server rejected a command")
	}
}

func (b *Bot) handleNewMessage(m protocol.Message) {
	// Skip our own messages, but remember them so replies can be routed
	if m.AuthorName == b.name {
		b.mineMu.Lock()
		b.mine[m.ID] = true
		b.mineMu.Unlock()
		return
	}

	msg := &Message{Message: m, Room: b.room, botName: b.name}
	ctx := &Context{bot: b, message: msg}

	b.mineMu.RLock()
	replyToMe := b.mine[m.Parent]
	b.mineMu.RUnlock()

	switch {
	case replyToMe && b.onReply != nil:
		b.onReply(ctx, msg)
	case msg.MentionsMe() && b.onMention != nil:
		b.onMention(ctx, msg)
	case b.onMessage != nil:
		b.onMessage(ctx, msg)
	}
}

func (b *Bot) post(parent snowflake.ID, content string) error {
	dedup := fmt.Sprintf("%s-%d", b.dedupPrefix, b.seq.Add(1))
	if err := b.conn.Send(protocol.SendMessage{Parent: parent, Content: content, DedupID: &dedup}); err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	return nil
}
