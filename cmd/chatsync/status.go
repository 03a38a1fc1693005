package main

import (
	"context"
	"fmt"
	"time"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, check whether the access token is expired, and fetch live account info.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL:       %s\n", valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL))
		fmt.Fprintf(out, "  WebSocket URL:  %s\n", wsURL(cfg))
		fmt.Fprintf(out, "  Offline policy: %s\n", valueOrDefault(cfg.Default.OfflinePolicy, "drop"))

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Auth:")
		if cfg.Auth.Username != "" {
			fmt.Fprintf(out, "  Username: %s\n", cfg.Auth.Username)
			fmt.Fprintf(out, "  User ID:  %d\n", cfg.Auth.UserID)
		} else {
			fmt.Fprintln(out, "  Username: (not logged in)")
		}

		tokenStatus := "none"
		if cfg.Auth.AccessToken != "" {
			if exp, ok := chatsync.CredentialExpiry(cfg.Auth.AccessToken); ok {
				if time.Now().Before(exp) {
					tokenStatus = fmt.Sprintf("valid (expires %s)", exp.Format(time.RFC3339))
				} else {
					tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", exp.Format(time.RFC3339))
				}
			} else {
				tokenStatus = fmt.Sprintf("present (%s, no expiry claim)", maskToken(cfg.Auth.AccessToken))
			}
		}
		fmt.Fprintf(out, "  Token:    %s\n", tokenStatus)

		if requireLogin(cfg) != nil {
			return nil
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")

		client := getClient(cfg)
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		user, err := client.FetchCurrentUser(ctx)
		if err != nil {
			fmt.Fprintf(out, "  Error fetching account info: %v\n", err)
			return nil
		}
		list, err := client.FetchConversationList(ctx)
		if err != nil {
			fmt.Fprintf(out, "  Error fetching conversations: %v\n", err)
			return nil
		}
		unread := 0
		for _, c := range list {
			unread += c.UnreadCount
		}
		fmt.Fprintf(out, "  Username:      %s\n", user.Username)
		fmt.Fprintf(out, "  Email:         %s\n", user.Email)
		fmt.Fprintf(out, "  Conversations: %d\n", len(list))
		fmt.Fprintf(out, "  Unread:        %d\n", unread)
		return nil
	},
}
