// Command bot is a helper bot that answers a few commands when mentioned.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aeolun/golem/pkg/botlib"
)

const helpText = "commands: ping, time, echo <text>, depth, replies, help"

// respond answers one command, or returns "" for anything it does not know.
func respond(ctx *botlib.Context, command string) string {
	verb, rest, _ := strings.Cut(strings.TrimSpace(command), " ")
	switch strings.ToLower(verb) {
	case "ping":
		return "pong"
	case "time":
		return time.Now().UTC().Format(time.RFC1123)
	case "echo":
		if rest == "" {
			return "echo what?"
		}
		return rest
	case "depth":
		return fmt.Sprintf("this message is %d levels deep", ctx.Depth())
	case "replies":
		return fmt.Sprintf("I have seen %d replies to this message", len(ctx.Replies()))
	case "help", "":
		return helpText
	}
	return ""
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func main() {
	server := flag.String("server", getEnvOrDefault("GOLEM_BOT_SERVER", "localhost:8080"), "Server address (host:port or URL)")
	room := flag.String("room", getEnvOrDefault("GOLEM_BOT_ROOM", "general"), "Room name or id")
	name := flag.String("name", getEnvOrDefault("GOLEM_BOT_NAME", "helper"), "Bot name")
	register := flag.Bool("register", false, "Create the account if login fails")
	flag.Parse()

	// Password only from the environment to keep it out of process listings
	password := os.Getenv("GOLEM_BOT_PASSWORD")

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags)
	bot := botlib.New(botlib.Config{
		Server:   *server,
		Room:     *room,
		Name:     *name,
		Password: password,
		Register: *register,
		Logger:   logger,
	})

	bot.OnMention(func(ctx *botlib.Context, msg *botlib.Message) {
		answer := respond(ctx, msg.MentionedContent())
		if answer == "" {
			answer = "I don't know that one. " + helpText
		}
		if err := ctx.Reply(answer); err != nil {
			ctx.Log("reply to %s failed: %v", msg.ID, err)
		}
	})

	// Replies to the bot's own posts are treated as commands without a mention
	bot.OnReply(func(ctx *botlib.Context, msg *botlib.Message) {
		if answer := respond(ctx, msg.Content); answer != "" {
			if err := ctx.Reply(answer); err != nil {
				ctx.Log("reply to %s failed: %v", msg.ID, err)
			}
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bot.Run(ctx); err != nil {
		logger.Fatalf("Bot error: %v", err)
	}
}
