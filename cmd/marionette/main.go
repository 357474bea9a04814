package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/marionette/pkg/automation/meow"
	"github.com/go-go-golems/marionette/pkg/credstore"
	"github.com/go-go-golems/marionette/pkg/gateway"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "marionette",
		Short: "Multi-session chat automation gateway with webhook fan-out",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}
	root.AddCommand(newServeCmd())
	return root
}

func setupLogging() {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(viper.GetString("log_level"))); err == nil && parsed != zerolog.NoLevel {
		level = parsed
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromEnv()
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.Addr = addr
			}
			store, err := buildStore(cfg)
			if err != nil {
				return err
			}
			ctx := context.Background()
			srv, err := gateway.NewServer(ctx, cfg, meow.NewFactory(), store)
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}
	cmd.Flags().String("addr", "", "HTTP listen address (overrides ADDR)")
	return cmd
}

// configFromEnv maps the environment surface onto the gateway config.
// Every key has a sensible default, so a bare `marionette serve` works.
func configFromEnv() (*gateway.Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("addr", ":3000")
	v.SetDefault("sessions_path", "./sessions")
	v.SetDefault("max_attachment_size", 10_000_000)
	v.SetDefault("rate_limit_max", 1000)
	v.SetDefault("rate_limit_window_ms", 1000)
	v.SetDefault("recover_sessions", true)
	v.SetDefault("set_messages_as_seen", true)
	v.SetDefault("credential_store", "local")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_group", "marionette")
	v.SetDefault("redis_consumer", "notifier-1")

	cfg := gateway.DefaultConfig()
	cfg.Addr = v.GetString("addr")
	cfg.APIKey = v.GetString("api_key")
	cfg.BaseWebhookURL = v.GetString("base_webhook_url")
	cfg.SessionsPath = v.GetString("sessions_path")
	cfg.MaxAttachmentSize = v.GetInt64("max_attachment_size")
	cfg.SetMessagesAsSeen = v.GetBool("set_messages_as_seen")
	cfg.RecoverSessions = v.GetBool("recover_sessions")
	cfg.RateLimitMax = v.GetInt("rate_limit_max")
	cfg.RateLimitWindow = time.Duration(v.GetInt("rate_limit_window_ms")) * time.Millisecond
	if wv := v.GetString("web_version"); wv != "" {
		cfg.WebVersion = wv
	}
	if mode := v.GetString("web_version_cache_type"); mode != "" {
		cfg.WebVersionCacheType = mode
	}
	cfg.RedisEnabled = v.GetBool("redis_enabled")
	cfg.RedisAddr = v.GetString("redis_addr")
	cfg.RedisGroup = v.GetString("redis_group")
	cfg.RedisConsumer = v.GetString("redis_consumer")
	cfg.CredentialStore = v.GetString("credential_store")
	cfg.CredentialStoreDSN = v.GetString("credential_store_dsn")

	if disabled := v.GetString("disabled_callbacks"); disabled != "" {
		for _, name := range strings.Split(disabled, "|") {
			name = strings.TrimSpace(name)
			if name != "" {
				cfg.DisabledCallbacks = append(cfg.DisabledCallbacks, name)
			}
		}
	}
	return cfg, nil
}

func buildStore(cfg *gateway.Config) (credstore.Store, error) {
	switch cfg.CredentialStore {
	case "", "local":
		return credstore.NewLocalStore(cfg.SessionsPath)
	case "sqlite":
		if cfg.CredentialStoreDSN == "" {
			return nil, errors.New("CREDENTIAL_STORE_DSN is required for the sqlite store")
		}
		return credstore.NewSQLiteStore(cfg.CredentialStoreDSN, cfg.SessionsPath)
	default:
		return nil, errors.Errorf("unknown credential store %q", cfg.CredentialStore)
	}
}
