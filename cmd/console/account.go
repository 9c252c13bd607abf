package main

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/xiaot623/botconsole/internal/apiclient"
	"github.com/xiaot623/botconsole/internal/domain"
)

func newLoginCmd(opts *rootOpts) *cobra.Command {
	var (
		token    string
		email    string
		language string
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Verify and save an API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				return errors.New("--token is required")
			}
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			check := apiclient.New(a.cfg.BaseURL,
				apiclient.WithTokenStore(apiclient.StaticToken(token)),
				apiclient.WithTimeout(a.cfg.RequestTimeout),
				apiclient.WithLogger(a.logger),
			)
			info, err := check.CheckToken(ctx)
			if err != nil {
				return fmt.Errorf("token check failed: %w", err)
			}
			if email == "" {
				email = info.Email
			}

			if err := a.store.SetSetting(ctx, domain.SettingToken, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}
			if err := a.store.SetSetting(ctx, domain.SettingUserEmail, email); err != nil {
				return fmt.Errorf("failed to save email: %w", err)
			}
			if language != "" {
				if err := a.store.SetSetting(ctx, domain.SettingLanguage, language); err != nil {
					return fmt.Errorf("failed to save language: %w", err)
				}
			}

			out := cmd.OutOrStdout()
			color.New(color.FgGreen).Fprint(out, "Logged in")
			fmt.Fprintf(out, " as %s at %s\n", email, a.cfg.BaseURL)
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "API token")
	cmd.Flags().StringVar(&email, "email", "", "account email to remember (default: as reported by the platform)")
	cmd.Flags().StringVar(&language, "language", "", "preferred interface language, e.g. en_US or zh_Hans (kept across logins)")
	return cmd
}

func newLogoutCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if err := a.store.ClearToken(ctx); err != nil {
				return fmt.Errorf("failed to clear token: %w", err)
			}
			if err := a.store.DeleteSetting(ctx, domain.SettingUserEmail); err != nil {
				return fmt.Errorf("failed to clear email: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}

func newWhoamiCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Check the saved token against the platform",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			info, err := a.api.CheckToken(ctx)
			if err != nil {
				if errors.Is(err, apiclient.ErrUnauthorized) {
					return errors.New("not logged in or token expired")
				}
				return err
			}
			language, err := a.store.GetSetting(ctx, domain.SettingLanguage)
			if err != nil {
				return fmt.Errorf("failed to read language: %w", err)
			}

			out := cmd.OutOrStdout()
			color.New(color.FgGreen).Fprint(out, "  User:     ")
			fmt.Fprintln(out, info.Email)
			color.New(color.FgGreen).Fprint(out, "  Platform: ")
			fmt.Fprintln(out, a.cfg.BaseURL)
			if language != "" {
				color.New(color.FgGreen).Fprint(out, "  Language: ")
				fmt.Fprintln(out, language)
			}
			return nil
		},
	}
}

func newInfoCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show platform system info",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			info, err := a.api.SystemInfo(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			cyan := color.New(color.FgCyan)
			cyan.Fprint(out, "  Version:   ")
			fmt.Fprintln(out, info.Version)
			cyan.Fprint(out, "  Debug:     ")
			fmt.Fprintln(out, info.Debug)
			cyan.Fprint(out, "  Platforms: ")
			fmt.Fprintf(out, "%d enabled\n", info.EnabledPlatformCount)
			if info.CloudServiceURL != "" {
				cyan.Fprint(out, "  Cloud:     ")
				fmt.Fprintln(out, info.CloudServiceURL)
			}
			return nil
		},
	}
}
