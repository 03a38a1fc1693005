package main

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/LuminPulse-AI/chatsync"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration with tokens masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := toml.Marshal(redactedConfig(cfg))
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), string(data))
		fmt.Fprintf(cmd.OutOrStdout(), "# realtime endpoint: %s\n", wsURL(cfg))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value using dot notation.

Keys:
  default.base_url        REST base URL (http or https)
  default.ws_url          STOMP endpoint (ws, wss, http or https)
  default.offline_policy  drop | queue
  default.log_level       zerolog level (debug, info, warn, ...)
  auth.*                  access_token, refresh_token, user_id, email, username

Example: chatsync config set default.offline_policy queue`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		shown, _ := configValue(redactedConfig(cfg), key)
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, shown)
		return nil
	},
}

// setConfigValue validates value for key and stores its normalized form.
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}

	switch section {
	case "default":
		switch field {
		case "base_url":
			u, err := checkURL(value, "http", "https")
			if err != nil {
				return fmt.Errorf("base_url: %w", err)
			}
			cfg.Default.BaseURL = u
		case "ws_url":
			u, err := checkURL(value, "ws", "wss", "http", "https")
			if err != nil {
				return fmt.Errorf("ws_url: %w", err)
			}
			cfg.Default.WSURL = u
		case "offline_policy":
			policy, err := chatsync.ParseOfflinePolicy(value)
			if err != nil {
				return fmt.Errorf("offline_policy must be drop or queue: %w", err)
			}
			cfg.Default.OfflinePolicy = policy.String()
		case "log_level":
			lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(value)))
			if err != nil {
				return fmt.Errorf("log_level: %w", err)
			}
			cfg.Default.LogLevel = lvl.String()
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "access_token":
			cfg.Auth.AccessToken = value
		case "refresh_token":
			cfg.Auth.RefreshToken = value
		case "user_id":
			id, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("user_id must be an integer: %w", err)
			}
			cfg.Auth.UserID = id
		case "email":
			cfg.Auth.Email = value
		case "username":
			cfg.Auth.Username = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil
}

// configValue reads key back from cfg in its stored form.
func configValue(cfg *Config, key string) (string, bool) {
	switch key {
	case "default.base_url":
		return cfg.Default.BaseURL, true
	case "default.ws_url":
		return cfg.Default.WSURL, true
	case "default.offline_policy":
		return cfg.Default.OfflinePolicy, true
	case "default.log_level":
		return cfg.Default.LogLevel, true
	case "auth.access_token":
		return cfg.Auth.AccessToken, true
	case "auth.refresh_token":
		return cfg.Auth.RefreshToken, true
	case "auth.user_id":
		return strconv.FormatInt(cfg.Auth.UserID, 10), true
	case "auth.email":
		return cfg.Auth.Email, true
	case "auth.username":
		return cfg.Auth.Username, true
	}
	return "", false
}

// checkURL requires an absolute URL with one of schemes and a host.
func checkURL(raw string, schemes ...string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("%q has no host", raw)
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			return raw, nil
		}
	}
	return "", fmt.Errorf("scheme %q not allowed (want %s)", u.Scheme, strings.Join(schemes, ", "))
}

// redactedConfig returns a copy of cfg safe to print.
func redactedConfig(cfg *Config) *Config {
	out := *cfg
	if out.Auth.AccessToken != "" {
		out.Auth.AccessToken = maskToken(out.Auth.AccessToken)
	}
	if out.Auth.RefreshToken != "" {
		out.Auth.RefreshToken = maskToken(out.Auth.RefreshToken)
	}
	return &out
}
