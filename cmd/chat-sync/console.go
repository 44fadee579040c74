package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	chaterrors "github.com/lancerly/chat-sync/internal/errors"
	"github.com/lancerly/chat-sync/internal/models"
)

// chatClient is what the console needs from the messaging controller.
type chatClient interface {
	LoadDirectory(ctx context.Context) []models.Conversation
	OpenConversationByID(ctx context.Context, id models.ID) (models.Conversation, error)
	StartConversation(ctx context.Context, otherID models.ID) (models.Conversation, error)
	Active() (models.Conversation, bool)
	Messages() []models.Message
	Send(ctx context.Context, content string) bool
	SenderName(m models.Message) string
}

// console is the interactive terminal front end. Command output and
// rendered messages share out, so every write holds mu.
type console struct {
	chat chatClient
	out  io.Writer

	changes chan struct{}

	mu       sync.Mutex
	shownFor models.ID
	shown    map[string]bool
}

func newConsole(chat chatClient, out io.Writer) *console {
	return &console{
		chat:    chat,
		out:     out,
		changes: make(chan struct{}, 1),
		shown:   make(map[string]bool),
	}
}

// notify schedules a render. Safe to call from the controller loop.
func (c *console) notify() {
	select {
	case c.changes <- struct{}{}:
	default:
	}
}

// render prints messages of the active conversation that have not been
// printed yet, with a header when the conversation changed.
func (c *console) render() {
	conv, ok := c.chat.Active()
	if !ok {
		return
	}

	msgs := c.chat.Messages()

	c.mu.Lock()
	defer c.mu.Unlock()

	if conv.ID != c.shownFor {
		c.shownFor = conv.ID
		c.shown = make(map[string]bool)
		fmt.Fprintf(c.out, "--- %s (%s) ---\n", conv.Counterparty.Name(), conv.ID)
	}

	repeats := make(map[string]int)

	for _, m := range msgs {
		key := messageKey(m)
		if m.ClientID == "" && m.ID == "" {
			repeats[key]++
			key = fmt.Sprintf("%s#%d", key, repeats[key])
		}

		if c.shown[key] {
			continue
		}

		c.shown[key] = true

		fmt.Fprintf(c.out, "[%s] %s\n", c.chat.SenderName(m), m.Content)
	}
}

// messageKey identifies a message across its pending and settled forms.
// Messages with neither id are keyed by author and content; render tells
// repeats apart by occurrence.
func messageKey(m models.Message) string {
	if m.ClientID != "" {
		return "c:" + m.ClientID
	}

	if m.ID != "" {
		return "i:" + m.ID.String()
	}

	return "m:" + m.SenderID.String() + ":" + m.Content
}

// renderLoop redraws on every change until ctx is done.
func (c *console) renderLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.changes:
			c.render()
		}
	}
}

func (c *console) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, format, args...)
}

// readLoop feeds lines from in to handle until ctx is done, /quit is
// entered or in is exhausted. It returns true when the user asked to quit.
func (c *console) readLoop(ctx context.Context, in io.Reader) bool {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)

	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return false
		case line, ok := <-lines:
			if !ok {
				return false
			}

			if c.handle(ctx, line) {
				return true
			}
		}
	}
}

// handle runs one input line. Returns true on /quit.
func (c *console) handle(ctx context.Context, line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}

	if !strings.HasPrefix(trimmed, "/") {
		if _, ok := c.chat.Active(); !ok {
			c.printf("no active conversation; use /list and /open <id>\n")
			return false
		}

		c.chat.Send(ctx, line)

		return false
	}

	cmd, arg, _ := strings.Cut(trimmed, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit":
		return true

	case "/list":
		c.list(ctx)

	case "/open":
		if arg == "" {
			c.printf("usage: /open <conversation-id>\n")
			return false
		}

		_, err := c.chat.OpenConversationByID(ctx, models.ID(arg))
		if errors.Is(err, chaterrors.ErrConversationNotFound) {
			c.printf("unknown conversation %s; try /list\n", arg)
		} else if err != nil {
			c.printf("open failed: %v\n", err)
		}

	case "/start":
		if arg == "" {
			c.printf("usage: /start <participant-id>\n")
			return false
		}

		if _, err := c.chat.StartConversation(ctx, models.ID(arg)); err != nil {
			c.printf("start failed: %v\n", err)
		}

	case "/export":
		if err := c.export(arg); err != nil {
			c.printf("export failed: %v\n", err)
		}

	case "/help":
		c.printf("commands: /list, /open <id>, /start <participant>, /export [file], /quit\n")

	default:
		c.printf("unknown command %s; try /help\n", cmd)
	}

	return false
}

func (c *console) list(ctx context.Context) {
	convs := c.chat.LoadDirectory(ctx)
	if len(convs) == 0 {
		c.printf("no conversations\n")
		return
	}

	active, _ := c.chat.Active()

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, conv := range convs {
		marker := " "
		if conv.ID == active.ID {
			marker = "*"
		}

		fmt.Fprintf(c.out, "%s %-12s %s\n", marker, conv.ID, conv.Counterparty.Name())
	}
}

// transcript is the /export document.
type transcript struct {
	Conversation models.Conversation `yaml:"conversation"`
	ExportedAt   time.Time           `yaml:"exported_at"`
	Messages     []models.Message    `yaml:"messages"`
}

// export writes the active log as YAML to path, or to the console when
// path is empty.
func (c *console) export(path string) error {
	conv, ok := c.chat.Active()
	if !ok {
		return fmt.Errorf("no active conversation")
	}

	data, err := yaml.Marshal(transcript{
		Conversation: conv,
		ExportedAt:   time.Now().UTC(),
		Messages:     c.chat.Messages(),
	})
	if err != nil {
		return fmt.Errorf("encoding transcript: %w", err)
	}

	if path == "" {
		c.printf("%s", data)
		return nil
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	c.printf("exported %s to %s\n", conv.ID, path)

	return nil
}
