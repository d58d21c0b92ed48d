package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ledgerline/opshub/internal/auth"
	"github.com/ledgerline/opshub/internal/config"
	"github.com/ledgerline/opshub/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|status]",
	Short:     "Apply or inspect database migrations",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down", "status"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		client, err := db.NewClient(dbConfig(cfg), logger)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer client.Close()

		return db.Migrate(cmd.Context(), client.Wrapper().DB().DB, args[0], logger)
	},
}

var (
	keyUser    string
	keyName    string
	keyScopes  []string
	keyExpires time.Duration
)

var apiKeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage API keys",
}

var apiKeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue an API key for a user and print it once",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := uuid.Parse(keyUser)
		if err != nil {
			return fmt.Errorf("--user must be a UUID: %w", err)
		}
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		client, err := db.NewClient(dbConfig(cfg), logger)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer client.Close()

		svc := auth.NewService(client.DB(), client, sessionManager(cfg), logger)
		var expiresAt *time.Time
		if keyExpires > 0 {
			t := time.Now().Add(keyExpires)
			expiresAt = &t
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		plaintext, key, err := svc.CreateAPIKey(ctx, userID, keyName, keyScopes, expiresAt)
		if err != nil {
			return err
		}
		logger.Info("API key created", zap.String("key_id", key.ID.String()), zap.String("user_id", userID.String()))
		fmt.Fprintln(cmd.OutOrStdout(), plaintext)
		return nil
	},
}

func init() {
	apiKeyCreateCmd.Flags().StringVar(&keyUser, "user", "", "owner user ID")
	apiKeyCreateCmd.Flags().StringVar(&keyName, "name", "", "label shown in the key list")
	apiKeyCreateCmd.Flags().StringSliceVar(&keyScopes, "scopes", nil,
		"scopes to grant ("+strings.Join([]string{auth.ScopeRead, auth.ScopeWrite, auth.ScopeAdmin}, ", ")+"); empty inherits the role")
	apiKeyCreateCmd.Flags().DurationVar(&keyExpires, "expires-in", 0, "lifetime of the key, 0 for no expiry")
	_ = apiKeyCreateCmd.MarkFlagRequired("user")
	_ = apiKeyCreateCmd.MarkFlagRequired("name")
	apiKeyCmd.AddCommand(apiKeyCreateCmd)
}

func dbConfig(cfg *config.Config) *db.Config {
	d := cfg.Database
	return &db.Config{
		URL:             d.URL,
		Host:            d.Host,
		Port:            d.Port,
		User:            d.User,
		Password:        d.Password,
		Database:        d.Name,
		SSLMode:         d.SSLMode,
		MaxConnections:  d.MaxConnections,
		IdleConnections: d.IdleConnections,
		MaxLifetime:     d.MaxLifetime,
		Workers:         d.WriteWorkers,
		QueueSize:       d.WriteQueueSize,
	}
}

func sessionManager(cfg *config.Config) *auth.JWTManager {
	return auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, cfg.Auth.SessionTTL)
}
