package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/scanledger/internal/httpapi"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagListenAddr          = "listen-addr"
	flagDatabaseURL         = "database-url"
	flagStoreDriver         = "store-driver"
	flagAllowedOrigins      = "allowed-origins"
	flagJWTSigningKey       = "jwt-signing-key"
	flagJWTIssuer           = "jwt-issuer"
	flagJWTCookieName       = "jwt-cookie-name"
	flagAdminEmails         = "admin-emails"
	flagAdminDeltaCeiling   = "admin-delta-ceiling"
	flagReasonMaxLength     = "reason-max-length"
	flagStripeSecretKey     = "stripe-secret-key"
	flagStripeWebhookSecret = "stripe-webhook-secret"
	flagStripeAPIBaseURL    = "stripe-api-base-url"
	flagWebhookTolerance    = "webhook-tolerance"
	flagRequestTimeout      = "request-timeout"
	envPrefix               = "SCANLEDGER"
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "scanledgerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "scanledgerd",
		Short:         "Scan credit ledger and payment reconciliation service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newServeCommand(), newMigrateCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	cfg := httpapi.Config{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the webhook, account and admin HTTP API",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadServeConfig(cmd, newViper(), &cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return httpapi.Run(ctx, cfg)
		},
	}

	cmd.Flags().String(flagListenAddr, "", "HTTP listen address (default :8080)")
	cmd.Flags().String(flagDatabaseURL, "", "postgres:// or sqlite:// database url")
	cmd.Flags().String(flagStoreDriver, httpapi.StoreDriverGorm, "ledger store implementation: gorm or pgx")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "session JWT signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "", "expected session JWT issuer")
	cmd.Flags().String(flagJWTCookieName, "", "session cookie name used when no bearer token is sent")
	cmd.Flags().String(flagAdminEmails, "", "comma-separated administrator emails (required)")
	cmd.Flags().Int64(flagAdminDeltaCeiling, 0, "largest credit magnitude an admin may adjust at once")
	cmd.Flags().Int(flagReasonMaxLength, 0, "maximum length of admin reasons")
	cmd.Flags().String(flagStripeSecretKey, "", "Stripe secret API key (required)")
	cmd.Flags().String(flagStripeWebhookSecret, "", "Stripe webhook signing secret (required)")
	cmd.Flags().String(flagStripeAPIBaseURL, "", "Stripe API base url")
	cmd.Flags().Duration(flagWebhookTolerance, 0, "accepted webhook signature age (e.g. 5m)")
	cmd.Flags().Duration(flagRequestTimeout, 0, "per-request timeout (e.g. 10s)")

	return cmd
}

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the ledger schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := newViper()
			for _, flagName := range []string{flagDatabaseURL, flagStoreDriver} {
				if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
					return err
				}
			}
			cfg := httpapi.Config{
				DatabaseURL: strings.TrimSpace(v.GetString(flagDatabaseURL)),
				StoreDriver: strings.ToLower(strings.TrimSpace(v.GetString(flagStoreDriver))),
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("%s is required", flagDatabaseURL)
			}
			_, closeStore, err := httpapi.OpenStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if err := closeStore(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema ready (%s)\n", cfg.StoreDriver)
			return nil
		},
	}
	cmd.Flags().String(flagDatabaseURL, "", "postgres:// or sqlite:// database url (required)")
	cmd.Flags().String(flagStoreDriver, httpapi.StoreDriverGorm, "schema owner: gorm automigrate or pgx sql migrations")
	return cmd
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func loadServeConfig(cmd *cobra.Command, v *viper.Viper, cfg *httpapi.Config) error {
	for _, flagName := range []string{
		flagListenAddr, flagDatabaseURL, flagStoreDriver, flagAllowedOrigins,
		flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName, flagAdminEmails,
		flagAdminDeltaCeiling, flagReasonMaxLength, flagStripeSecretKey,
		flagStripeWebhookSecret, flagStripeAPIBaseURL, flagWebhookTolerance, flagRequestTimeout,
	} {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	if !v.IsSet(flagJWTSigningKey) {
		return fmt.Errorf("%s is required", flagJWTSigningKey)
	}
	if !v.IsSet(flagAdminEmails) {
		return fmt.Errorf("%s is required", flagAdminEmails)
	}

	cfg.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.StoreDriver = strings.TrimSpace(v.GetString(flagStoreDriver))
	cfg.AllowedOrigins = httpapi.ParseList(v.GetString(flagAllowedOrigins))
	cfg.SessionSigningKey = v.GetString(flagJWTSigningKey)
	cfg.SessionIssuer = strings.TrimSpace(v.GetString(flagJWTIssuer))
	cfg.SessionCookieName = strings.TrimSpace(v.GetString(flagJWTCookieName))
	cfg.AdminEmails = httpapi.ParseList(v.GetString(flagAdminEmails))
	cfg.AdminDeltaCeiling = v.GetInt64(flagAdminDeltaCeiling)
	cfg.ReasonMaxLength = v.GetInt(flagReasonMaxLength)
	cfg.StripeSecretKey = strings.TrimSpace(v.GetString(flagStripeSecretKey))
	cfg.StripeWebhookSecret = strings.TrimSpace(v.GetString(flagStripeWebhookSecret))
	cfg.StripeAPIBaseURL = strings.TrimSpace(v.GetString(flagStripeAPIBaseURL))
	cfg.WebhookTolerance = v.GetDuration(flagWebhookTolerance)
	cfg.RequestTimeout = v.GetDuration(flagRequestTimeout)

	return cfg.Validate()
}
