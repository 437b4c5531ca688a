package botlib

import (
	"fmt"

	"github.com/aeolun/golem/pkg/protocol"
)

// Context provides methods for responding to messages.
// It is passed to message handlers and provides a convenient API
// for common bot actions.
type Context struct {
	bot     *Bot
	message *Message
}

// Message returns the message that triggered this context.
func (c *Context) Message() *Message {
	return c.message
}

// Reply posts directly under the current message.
func (c *Context) Reply(content string) error {
	return c.bot.post(c.message.ID, content)
}

// ReplyInThread posts next to the current message, under its parent.
func (c *Context) ReplyInThread(content string) error {
	return c.bot.post(c.message.Parent, content)
}

// NewThread starts a top-level thread in the room.
func (c *Context) NewThread(content string) error {
	return c.bot.post(c.message.Room, content)
}

// Author returns the display name of the message author.
func (c *Context) Author() string {
	return c.message.AuthorName
}

// BotName returns the bot's display name.
func (c *Context) BotName() string {
	return c.bot.name
}

// Replies returns the direct replies to the current message seen so far.
func (c *Context) Replies() []protocol.Message {
	return c.bot.view.Children(c.message.ID)
}

// Depth returns how deep in its thread the current message sits, 0 for a
// top-level message.
func (c *Context) Depth() int {
	return c.bot.view.Depth(c.message.ID)
}

// Log logs a message using the bot's logger.
func (c *Context) Log(format string, args ...any) {
	if c.bot.logger != nil {
		c.bot.logger.Printf(format, args...)
	}
}

// String returns a debug representation of the context.
func (c *Context) String() string {
	return fmt.Sprintf("Context{room=%s, message=%s, author=%s}",
		c.message.Room, c.message.ID, c.message.AuthorName)
}
