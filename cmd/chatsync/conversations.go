package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations list
	conversationsUnread bool
	conversationsJSON   bool

	// conversations create
	conversationsCreateJSON bool

	// messages
	messagesLimit int
	messagesJSON  bool
)

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "List and create conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := requireLogin(cfg); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		list, err := getClient(cfg).FetchConversationList(ctx)
		if err != nil {
			return err
		}

		// Reuse the engine ordering so the CLI matches what a session shows.
		engine := chatsync.NewEngine(newLogger(cfg.Default.LogLevel))
		engine.ReplaceConversations(list)
		list = engine.Conversations()

		if conversationsUnread {
			filtered := list[:0]
			for _, c := range list {
				if c.UnreadCount > 0 {
					filtered = append(filtered, c)
				}
			}
			list = filtered
		}

		if conversationsJSON {
			return printJSON(cmd.OutOrStdout(), list)
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No conversations found.")
			return nil
		}
		for _, c := range list {
			printConversation(cmd.OutOrStdout(), c)
		}
		return nil
	},
}

var conversationsCreateCmd = &cobra.Command{
	Use:   "create <receiver-id>",
	Short: "Open a conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		receiverID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("receiver id must be an integer: %w", err)
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := requireLogin(cfg); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		conv, err := getClient(cfg).CreateConversation(ctx, receiverID)
		if err != nil {
			return err
		}
		if conversationsCreateJSON {
			return printJSON(cmd.OutOrStdout(), conv)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Conversation %s ready. Run 'chatsync chat %s' to open it.\n", conv.ID, conv.ID)
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Print the latest messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := requireLogin(cfg); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		page, err := getClient(cfg).FetchMessagePage(ctx, args[0], nil, messagesLimit)
		if err != nil {
			return err
		}
		if messagesJSON {
			return printJSON(cmd.OutOrStdout(), page)
		}
		if len(page.Messages) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No messages found.")
			return nil
		}
		for _, m := range page.Messages {
			printMessage(cmd.OutOrStdout(), m, cfg.Auth.UserID)
		}
		return nil
	},
}

// ============================================================================
// Output helpers
// ============================================================================

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func printConversation(w io.Writer, c chatsync.Conversation) {
	last := "(no messages)"
	if c.LastMessage != nil {
		last = fmt.Sprintf("%s  %s", c.LastMessage.CreatedAt.Local().Format(time.DateTime), c.LastMessage.Content)
	}
	unread := ""
	if c.UnreadCount > 0 {
		unread = fmt.Sprintf(" [%d unread]", c.UnreadCount)
	}
	fmt.Fprintf(w, "%s  %s%s\n    %s\n", c.ID, valueOrDefault(c.OtherUser.Username, "(unknown)"), unread, last)
}

func printMessage(w io.Writer, m chatsync.Message, self int64) {
	sender := valueOrDefault(m.SenderName, strconv.FormatInt(m.SenderID, 10))
	suffix := ""
	if m.SenderID == self {
		sender = "me"
		if m.Read {
			suffix = " (read)"
		}
	}
	fmt.Fprintf(w, "[%s] %s: %s%s\n", m.CreatedAt.Local().Format(time.DateTime), sender, m.Content, suffix)
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	conversationsListCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Show only unread conversations")
	conversationsListCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output JSON")

	conversationsCreateCmd.Flags().BoolVar(&conversationsCreateJSON, "json", false, "Output JSON")

	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", chatsync.DefaultPageSize, "Maximum number of messages to return")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output JSON")

	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsCreateCmd)

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
}
