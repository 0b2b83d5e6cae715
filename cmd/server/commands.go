package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/charlesng35/confsessions/internal/app"
	iauth "github.com/charlesng35/confsessions/internal/auth"
	"github.com/charlesng35/confsessions/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "confsessions",
		Short:         "Registry of the live conference streams of every media server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to configuration directory or file")

	root.AddCommand(
		newServeCommand(opts),
		newMigrateCommand(opts),
		newTokenCommand(opts),
	)
	return root
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the event stream and the cluster jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := prepare(opts, false)
			if err != nil {
				return err
			}
			defer logger.Sync() // best effort

			db, err := initialiseDatabase(cfg)
			if err != nil {
				return err
			}
			defer closeDatabase(db, log)

			fmt.Fprintf(cmd.OutOrStdout(), "database %s migrated\n", cfg.Database.ConnectionConfig().Driver)
			return nil
		},
	}
}

type tokenOptions struct {
	subject  string
	roles    []string
	serverID string
	ttl      time.Duration
}

func newTokenCommand(opts *rootOptions) *cobra.Command {
	tokenOpts := &tokenOptions{}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a media server or an operator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadApplicationConfig(opts.configPath)
			if err != nil {
				return err
			}
			// A generated secret would die with this process, so the token would never verify.
			if strings.TrimSpace(cfg.Auth.JWT.Secret) == "" {
				return errors.New("auth.jwt.secret must be configured to issue tokens")
			}

			token, err := issueToken(cfg, *tokenOpts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&tokenOpts.subject, "subject", "", "Name of the media server or operator")
	flags.StringSliceVar(&tokenOpts.roles, "role", []string{iauth.RoleMedia}, "Roles granted by the token (media, admin)")
	flags.StringVar(&tokenOpts.serverID, "server-id", "", "Server the media token registers streams for")
	flags.DurationVar(&tokenOpts.ttl, "ttl", 0, "Token lifetime, defaults to auth.jwt.token_ttl")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func issueToken(cfg *app.Config, opts tokenOptions) (string, error) {
	jwtSvc, err := iauth.NewJWTService(cfg.Auth.JWTServiceConfig())
	if err != nil {
		return "", fmt.Errorf("initialise jwt service: %w", err)
	}
	return jwtSvc.GenerateToken(iauth.TokenInput{
		Subject:  strings.TrimSpace(opts.subject),
		Roles:    opts.roles,
		ServerID: strings.TrimSpace(opts.serverID),
		TTL:      opts.ttl,
	})
}

// prepare loads and validates configuration and configures logging.
func prepare(opts *rootOptions, logGenerated bool) (*app.Config, *zap.Logger, error) {
	cfg, err := loadApplicationConfig(opts.configPath)
	if err != nil {
		return nil, nil, err
	}

	generated, err := app.ApplyRuntimeDefaults(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := app.ConfigureLogging(cfg.Server, cfg.Cluster); err != nil {
		return nil, nil, fmt.Errorf("configure logging: %w", err)
	}

	log := logger.WithModule("bootstrap")
	if logGenerated {
		for key := range generated {
			log.Info("generated runtime value", zap.String("key", key))
		}
	}
	return cfg, log, nil
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, log, err := prepare(opts, true)
	if err != nil {
		return err
	}
	defer logger.Sync() // best effort

	stack, err := bootstrapRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := stack.Shutdown(context.Background()); err != nil {
			log.Warn("shutdown completed with errors", zap.Error(err))
		}
	}()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           stack.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening",
			zap.String("addr", server.Addr),
			zap.String("cluster_mode", cfg.Cluster.Mode),
			zap.String("session_source", stack.Registry.SourceKind()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	if err, ok := <-serverErr; ok && err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("server stopped gracefully")
	return nil
}

func loadApplicationConfig(path string) (*app.Config, error) {
	switch {
	case strings.TrimSpace(path) == "":
		return app.LoadConfig()
	default:
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() {
				return app.LoadConfig(path)
			}
			return app.LoadConfig(filepath.Dir(path))
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config path %q does not exist", path)
		}
		return nil, fmt.Errorf("stat config path: %w", err)
	}
}
