package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/chatroom/internal/protocol"
	"github.com/MarcoPoloResearchLab/chatroom/internal/reactions"
	"github.com/MarcoPoloResearchLab/chatroom/internal/reveal"
	"github.com/MarcoPoloResearchLab/chatroom/internal/session"
	"github.com/MarcoPoloResearchLab/chatroom/internal/upload"
)

const timestampLayout = "15:04"

const consoleHelp = `Commands:
  /react <message-id> <emoji>   toggle a reaction
  /reveal <token>               open view-once content
  /dismiss <token>              close revealed content
  /upload [-once] <path>        share a file (view-once with -once)
  /who                          list online users
  /quit                         leave the room
Anything else is sent as a message.`

type roomSession interface {
	SendText(content string)
	Send(intent protocol.Intent)
	React(messageID, emoji string)
	Reveal(token string)
	Dismiss(token string)
	Snapshot() session.Snapshot
}

type uploader interface {
	Upload(ctx context.Context, file upload.File, viewOnce bool) (upload.Descriptor, error)
}

// terminalNotifier renders session output as transcript lines.
type terminalNotifier struct {
	mu         *sync.Mutex
	out        io.Writer
	closed     chan struct{}
	closedOnce sync.Once
}

func newTerminalNotifier(out io.Writer) *terminalNotifier {
	return &terminalNotifier{mu: &sync.Mutex{}, out: out, closed: make(chan struct{})}
}

// Closed is closed once the room connection has ended.
func (n *terminalNotifier) Closed() <-chan struct{} {
	return n.closed
}

func (n *terminalNotifier) printf(format string, args ...any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintf(n.out, format+"\n", args...)
}

func (n *terminalNotifier) OnConnected(room session.RoomHandle) {
	n.printf("* joined %s as %s", room.Room, room.Identity.Username)
}

func (n *terminalNotifier) OnClosed(notice string) {
	n.printf("* %s", notice)
	n.closedOnce.Do(func() { close(n.closed) })
}

func (n *terminalNotifier) OnMessage(message session.Message) {
	stamp := message.Timestamp.Local().Format(timestampLayout)
	author := message.User
	if message.Own {
		author += " (you)"
	}
	if message.ViewOnce {
		if message.RevealToken == "" {
			n.printf("[%s] %s: %s  #%s", stamp, author, protocol.ViewOncePlaceholder, message.ID)
			return
		}
		n.printf("[%s] %s: [%s] /reveal %s  #%s", stamp, author, reveal.LabelUnrevealed, message.RevealToken, message.ID)
		return
	}
	n.printf("[%s] %s: %s  #%s", stamp, author, message.Content, message.ID)
}

func (n *terminalNotifier) OnPresence(notice string, online []string) {
	n.printf("* %s (online: %s)", notice, strings.Join(online, ", "))
}

func (n *terminalNotifier) OnReactions(messageID string, entries []reactions.Reaction) {
	if len(entries) == 0 {
		n.printf("* reactions on #%s cleared", messageID)
		return
	}
	parts := make([]string, 0, len(entries))
	for _, entry := range entries {
		parts = append(parts, fmt.Sprintf("%s %d", entry.Emoji, entry.Count))
	}
	n.printf("* reactions on #%s: %s", messageID, strings.Join(parts, "  "))
}

func (n *terminalNotifier) OnReveal(record reveal.Record) {
	if record.Status == reveal.StatusRevealed && !record.Dismissed && record.Handle != nil {
		n.printf("* view-once %s: %s %s", record.Token, record.Label(), record.Handle.Location())
		return
	}
	n.printf("* view-once %s: %s", record.Token, record.Label())
}

func (n *terminalNotifier) OnNotice(notice string) {
	n.printf("! %s", notice)
}

// console reads user input lines and turns them into session calls.
type console struct {
	notifier *terminalNotifier
	session  roomSession
	uploads  uploader
	openFile func(path string) (io.ReadCloser, error)
	logger   *zap.Logger
}

func newConsole(notifier *terminalNotifier, roomSession roomSession, uploads uploader, logger *zap.Logger) *console {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &console{
		notifier: notifier,
		session:  roomSession,
		uploads:  uploads,
		openFile: func(path string) (io.ReadCloser, error) { return os.Open(path) },
		logger:   logger,
	}
}

// run processes input until /quit, end of input or ctx cancellation.
func (c *console) run(ctx context.Context, input io.Reader) error {
	scanner := bufio.NewScanner(input)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		if quit := c.handleLine(ctx, scanner.Text()); quit {
			return nil
		}
	}
	return scanner.Err()
}

func (c *console) handleLine(ctx context.Context, line string) bool {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "/") {
		c.session.SendText(trimmed)
		return false
	}

	fields := strings.Fields(trimmed)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		c.notifier.printf("%s", consoleHelp)
	case "/who":
		c.notifier.printf("* online: %s", strings.Join(c.session.Snapshot().Online, ", "))
	case "/react":
		if len(fields) != 3 {
			c.notifier.printf("usage: /react <message-id> <emoji>")
			return false
		}
		c.session.React(fields[1], fields[2])
	case "/reveal":
		if len(fields) != 2 {
			c.notifier.printf("usage: /reveal <token>")
			return false
		}
		c.session.Reveal(fields[1])
	case "/dismiss":
		if len(fields) != 2 {
			c.notifier.printf("usage: /dismiss <token>")
			return false
		}
		c.session.Dismiss(fields[1])
	case "/upload":
		c.handleUpload(ctx, fields[1:])
	default:
		c.notifier.printf("unknown command %s, try /help", fields[0])
	}
	return false
}

func (c *console) handleUpload(ctx context.Context, args []string) {
	viewOnce := false
	if len(args) > 0 && args[0] == "-once" {
		viewOnce = true
		args = args[1:]
	}
	if len(args) != 1 {
		c.notifier.printf("usage: /upload [-once] <path>")
		return
	}
	if c.uploads == nil {
		c.notifier.OnNotice(upload.FailureNotice)
		return
	}

	file, err := c.openFile(args[0])
	if err != nil {
		c.logger.Warn("upload file unreadable", zap.String("path", args[0]), zap.Error(err))
		c.notifier.OnNotice(upload.FailureNotice)
		return
	}
	defer file.Close()

	descriptor, err := c.uploads.Upload(ctx, upload.File{Name: args[0], Reader: file}, viewOnce)
	if err != nil {
		c.notifier.OnNotice(upload.FailureNotice)
		return
	}
	c.session.Send(descriptor.Intent())
}
