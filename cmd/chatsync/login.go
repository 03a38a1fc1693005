package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	loginPassword  string
	signupPassword string
)

func init() {
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "Password (read from stdin when omitted)")
	signupCmd.Flags().StringVarP(&signupPassword, "password", "p", "", "Password (read from stdin when omitted)")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(signupCmd)
}

// readPassword returns flagValue or the first line of in.
func readPassword(flagValue string, in io.Reader) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", fmt.Errorf("password required")
	}
	return line, nil
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Log in and store the access token",
	Long:  "Log in with email and password and store the returned tokens in ~/.chatsync/config.toml.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		password, err := readPassword(loginPassword, cmd.InOrStdin())
		if err != nil {
			return err
		}

		client := getClient(cfg)

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		tokens, err := client.Login(ctx, email, password)
		if err != nil {
			return err
		}
		user, err := client.FetchCurrentUser(ctx)
		if err != nil {
			return err
		}

		cfg.Auth.AccessToken = tokens.AccessToken
		cfg.Auth.RefreshToken = tokens.RefreshToken
		cfg.Auth.UserID = user.ID
		cfg.Auth.Email = user.Email
		cfg.Auth.Username = user.Username

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Login successful!")
		fmt.Fprintf(out, "  User ID:  %d\n", user.ID)
		fmt.Fprintf(out, "  Username: %s\n", user.Username)
		fmt.Fprintf(out, "  Email:    %s\n", user.Email)
		return nil
	},
}

var signupCmd = &cobra.Command{
	Use:   "signup <email> <username>",
	Short: "Create an account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		email, username := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		password, err := readPassword(signupPassword, cmd.InOrStdin())
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		if err := getClient(cfg).Signup(ctx, email, username, password); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Account %s created. Run 'chatsync login %s' to log in.\n", username, email)
		return nil
	},
}
