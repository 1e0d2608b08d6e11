// Package bot answers inbound chat commands and keeps the update poll loop
// alive through transient channel failures.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/shineum/voicemail-relay/internal/metrics"
	"github.com/shineum/voicemail-relay/internal/provider/telegram"
)

// Sender is the outbound half of the chat channel used for replies.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// Command produces the canned reply for one chat command.
type Command interface {
	Name() string
	Reply(msg *telegram.Message) string
}

type startCommand struct{}

func (startCommand) Name() string                   { return "start" }
func (startCommand) Reply(*telegram.Message) string { return "Ok, I'm ready." }

type idCommand struct{}

func (idCommand) Name() string { return "id" }
func (idCommand) Reply(msg *telegram.Message) string {
	return strconv.FormatInt(msg.Chat.ID, 10)
}

type testCommand struct{}

func (testCommand) Name() string                   { return "test" }
func (testCommand) Reply(*telegram.Message) string { return "Test bestanden." }

// DefaultCommands is the command table the relay answers.
func DefaultCommands() []Command {
	return []Command{startCommand{}, idCommand{}, testCommand{}}
}

// Dispatcher routes chat messages to commands. A message matches a command
// only if its whole text is "/name" or "/name@botusername"; names are
// case-sensitive.
type Dispatcher struct {
	username string
	commands map[string]Command
	sender   Sender
	metrics  *metrics.Metrics
}

// NewDispatcher creates a Dispatcher. username is the bot's own username
// without the leading "@". It panics if two commands share a name.
func NewDispatcher(username string, sender Sender, m *metrics.Metrics, commands ...Command) *Dispatcher {
	if len(commands) == 0 {
		commands = DefaultCommands()
	}
	table := make(map[string]Command, len(commands))
	for _, c := range commands {
		if _, dup := table[c.Name()]; dup {
			panic(fmt.Sprintf("bot: duplicate command %q", c.Name()))
		}
		table[c.Name()] = c
	}
	return &Dispatcher{
		username: username,
		commands: table,
		sender:   sender,
		metrics:  m,
	}
}

// Match returns the command addressed by text, if any.
func (d *Dispatcher) Match(text string) (Command, bool) {
	name, ok := strings.CutPrefix(text, "/")
	if !ok {
		return nil, false
	}
	if base, target, found := strings.Cut(name, "@"); found {
		if d.username == "" || target != d.username {
			return nil, false
		}
		name = base
	}
	c, ok := d.commands[name]
	return c, ok
}

// Dispatch answers msg if it is a known command. Other messages are
// ignored.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *telegram.Message) error {
	if msg == nil || msg.Text == "" {
		return nil
	}
	c, ok := d.Match(msg.Text)
	if !ok {
		return nil
	}

	slog.Debug("found command", "command", c.Name(), "chat_id", msg.Chat.ID)
	slog.Info("sending command answer", "command", "/"+c.Name(), "chat_id", msg.Chat.ID)

	d.metrics.IncCommand(c.Name())
	return d.sender.SendText(ctx, msg.Chat.ID, c.Reply(msg))
}
