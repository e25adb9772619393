package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dmehra2102/prod-golang-projects/medportal/internal/app"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/config"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/identity"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/identity/local"
	"github.com/dmehra2102/prod-golang-projects/medportal/pkg/database"
	"github.com/dmehra2102/prod-golang-projects/medportal/pkg/logger"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "medportal",
		Short:         "Patient portal authentication and user-sync service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(identityCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func bootstrap() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	log, err := logger.New(cfg.Log,
		zap.String("service", cfg.Tracing.ServiceName),
		zap.String("version", cfg.App.Version),
		zap.String("env", cfg.App.Environment),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("creating logger: %w", err)
	}
	return cfg, log, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, log)
			if err != nil {
				log.Error("startup failed", zap.Error(err))
				return err
			}
			return a.Run(ctx)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create schemas, tables and indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			db, err := database.Connect(cfg.Database)
			if err != nil {
				return err
			}
			return database.Migrate(db, log)
		},
	}
}

// identityCmd holds operator tooling for the built-in identity provider.
func identityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage accounts of the built-in identity provider",
	}

	var email string
	cmd.PersistentFlags().StringVar(&email, "email", "", "account email (required)")
	_ = cmd.MarkPersistentFlagRequired("email")

	enroll := &cobra.Command{
		Use:   "totp-enroll",
		Short: "Generate an authenticator secret for an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLocalProvider(cmd.Context(), email, func(ctx context.Context, p *local.Provider, userID string) error {
				key, err := p.EnrollTOTP(ctx, userID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "secret: %s\nurl:    %s\n", key.Secret(), key.URL())
				fmt.Fprintln(cmd.OutOrStdout(), "confirm with: medportal identity totp-confirm --email", email, "--code <code>")
				return nil
			})
		},
	}

	var code string
	confirm := &cobra.Command{
		Use:   "totp-confirm",
		Short: "Activate a pending authenticator secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLocalProvider(cmd.Context(), email, func(ctx context.Context, p *local.Provider, userID string) error {
				if err := p.ConfirmTOTP(ctx, userID, code); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "authenticator enabled")
				return nil
			})
		},
	}
	confirm.Flags().StringVar(&code, "code", "", "current authenticator code")
	_ = confirm.MarkFlagRequired("code")

	var role string
	setRole := &cobra.Command{
		Use:   "set-role",
		Short: "Assign a role in public metadata (the only way to grant ADMIN)",
		RunE: func(cmd *cobra.Command, args []string) error {
			r := domain.ParseRole(role)
			if r == "" {
				return fmt.Errorf("unknown role %q", role)
			}
			return withLocalProvider(cmd.Context(), email, func(ctx context.Context, p *local.Provider, userID string) error {
				if err := p.UpdateMetadata(ctx, userID, identity.Metadata{identity.KeyRole: string(r)}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "role %s assigned; it applies at the next sign-in\n", r)
				return nil
			})
		},
	}
	setRole.Flags().StringVar(&role, "role", "", "PATIENT, PROVIDER or ADMIN")
	_ = setRole.MarkFlagRequired("role")

	cmd.AddCommand(enroll, confirm, setRole)
	return cmd
}

func withLocalProvider(ctx context.Context, email string, fn func(ctx context.Context, p *local.Provider, userID string) error) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if cfg.Identity.Provider != "local" {
		return errors.New("identity commands need IDENTITY_PROVIDER=local")
	}

	db, err := database.Connect(cfg.Database)
	if err != nil {
		return err
	}
	p := local.New(local.NewGormStore(db), local.NewMailer(cfg.SMTP, log), cfg.Identity, log)

	userID, err := p.LookupUserID(ctx, email)
	if err != nil {
		return fmt.Errorf("looking up %s: %w", email, err)
	}
	return fn(ctx, p, userID)
}
