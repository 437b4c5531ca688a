// Package botlib provides a simple library for building bots that sit in a
// room and react to messages.
package botlib

import (
	"strings"

	"github.com/aeolun/golem/pkg/protocol"
	"github.com/aeolun/golem/pkg/snowflake"
)

// Message is a chat message received by the bot.
type Message struct {
	protocol.Message
	Room snowflake.ID

	// Internal: the bot's name for mention detection
	botName string
}

// IsTopLevel returns true if the message starts a thread (its parent is the room).
func (m *Message) IsTopLevel() bool {
	return m.Parent == m.Room
}

// IsReply returns true if this message is a reply to another message.
func (m *Message) IsReply() bool {
	return m.Parent != m.Room
}

// MentionsMe returns true if the message content mentions the bot.
// Checks for @name anywhere and "name:" style prefixes (case-insensitive).
func (m *Message) MentionsMe() bool {
	if m.botName == "" {
		return false
	}

	content := strings.ToLower(m.Content)
	name := strings.ToLower(m.botName)

	if strings.Contains(content, "@"+name) {
		return true
	}
	return strings.HasPrefix(content, name+":") ||
		strings.HasPrefix(content, name+",") ||
		strings.HasPrefix(content, name+" ")
}

// MentionedContent returns the message content with the bot mention removed.
// Useful for extracting the actual query/command.
func (m *Message) MentionedContent() string {
	if m.botName == "" {
		return m.Content
	}

	content := m.Content
	name := m.botName

	// Remove @name mentions in any case
	lowerContent := strings.ToLower(content)
	at := "@" + strings.ToLower(name)
	for {
		i := strings.Index(lowerContent, at)
		if i < 0 {
			break
		}
		content = content[:i] + content[i+len(at):]
		lowerContent = lowerContent[:i] + lowerContent[i+len(at):]
	}

	// Remove name: or name, prefix
	content = strings.TrimSpace(content)
	lower := strings.ToLower(content)
	lowerName := strings.ToLower(name)
	for _, sep := range []string{":", ",", " "} {
		if strings.HasPrefix(lower, lowerName+sep) {
			content = content[len(name)+1:]
			break
		}
	}

	return strings.TrimSpace(content)
}
