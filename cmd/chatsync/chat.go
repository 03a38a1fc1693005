package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id>",
	Short: "Open a conversation and chat in real time",
	Long: "Open a conversation, print its history and every new message, and send each line typed on stdin.\n" +
		"Commands: /older loads older messages, /read marks the conversation read, /quit leaves.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := requireLogin(cfg); err != nil {
			return err
		}

		session, err := newSession(cfg)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		printer := &messagePrinter{out: out, seen: make(map[string]bool)}
		session.OnChange(func(ch chatsync.Change) {
			if ch.Kind == chatsync.ChangeMessages && ch.ConversationID == id {
				printer.print(session.Messages(), cfg.Auth.UserID)
			}
		})
		session.OnStateChange(func(s chatsync.ConnectionState) {
			fmt.Fprintf(out, "-- %s\n", s)
		})
		authFailed := make(chan error, 1)
		session.OnAuthFailure(func(err error) {
			select {
			case authFailed <- err:
			default:
			}
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		if err := session.Connect(ctx, cfg.Auth.AccessToken); err != nil {
			return err
		}
		defer session.Disconnect()
		session.SelectConversation(id)

		lines := make(chan string)
		go scanLines(cmd.InOrStdin(), lines)

		for {
			select {
			case <-ctx.Done():
				return nil
			case err := <-authFailed:
				return fmt.Errorf("session ended: %w", err)
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				switch strings.TrimSpace(line) {
				case "/quit":
					return nil
				case "/older":
					hasMore, err := session.LoadOlderMessages(ctx)
					if err != nil {
						fmt.Fprintf(out, "-- failed to load older messages: %v\n", err)
					} else if !hasMore {
						fmt.Fprintln(out, "-- beginning of conversation")
					}
				case "/read":
					if err := session.MarkRead(); err != nil {
						fmt.Fprintf(out, "-- %v\n", err)
					}
				default:
					switch session.SendMessage(line) {
					case chatsync.SendDropped:
						fmt.Fprintln(out, "-- not connected, message dropped")
					case chatsync.SendQueued:
						fmt.Fprintln(out, "-- not connected, message queued")
					}
				}
			}
		}
	},
}

func scanLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

// messagePrinter prints each message once.
type messagePrinter struct {
	mu   sync.Mutex
	out  io.Writer
	seen map[string]bool
}

func (p *messagePrinter) print(msgs []chatsync.Message, self int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		if p.seen[m.ID] {
			continue
		}
		p.seen[m.ID] = true
		printMessage(p.out, m, self)
	}
}
