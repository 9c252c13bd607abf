package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/xiaot623/botconsole/internal/apiclient"
	"github.com/xiaot623/botconsole/internal/config"
	"github.com/xiaot623/botconsole/internal/repository"
)

// app holds what every command needs: configuration, the local state store
// and a platform client.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *repository.SQLiteStore
	api    *apiclient.Client
}

func openApp(cmd *cobra.Command, opts *rootOpts) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.baseURL != "" {
		cfg.BaseURL = opts.baseURL
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	logger := config.NewLogger(cfg.LogLevel, cmd.ErrOrStderr())

	if err := os.MkdirAll(filepath.Dir(cfg.StatePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	store, err := repository.NewSQLiteStore(cfg.StatePath)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, store: store}
	a.api = apiclient.New(cfg.BaseURL,
		apiclient.WithTokenStore(a.tokenStore()),
		apiclient.WithTimeout(cfg.RequestTimeout),
		apiclient.WithLogger(logger),
		apiclient.WithUnauthorizedHandler(func() {
			logger.Warn("token rejected by platform, run `console login` again")
		}),
	)
	return a, nil
}

// tokenStore prefers a token from the config file or environment over the
// one saved by login.
func (a *app) tokenStore() apiclient.TokenStore {
	if a.cfg.Token != "" {
		return apiclient.StaticToken(a.cfg.Token)
	}
	return a.store
}

func (a *app) token(ctx context.Context) (string, error) {
	return a.tokenStore().Token(ctx)
}

func (a *app) Close() error {
	return a.store.Close()
}
