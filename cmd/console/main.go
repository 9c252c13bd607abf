// Command console is the operator CLI for a bot platform: token login,
// bot and pipeline listings, the bot log viewer and the pipeline debug chat.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

type rootOpts struct {
	configPath string
	baseURL    string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOpts{}

	cmd := &cobra.Command{
		Use:           "console",
		Short:         "Bot platform console",
		Long:          "Console for a bot platform: inspect bots and pipelines, page through bot logs and chat with a pipeline over its debug WebSocket.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file (default ~/.config/botconsole/config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.baseURL, "base-url", "", "platform base URL, overrides the config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newLoginCmd(opts))
	cmd.AddCommand(newLogoutCmd(opts))
	cmd.AddCommand(newWhoamiCmd(opts))
	cmd.AddCommand(newInfoCmd(opts))
	cmd.AddCommand(newBotsCmd(opts))
	cmd.AddCommand(newPipelinesCmd(opts))
	cmd.AddCommand(newLogsCmd(opts))
	cmd.AddCommand(newChatCmd(opts))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "console %s (commit: %s)\n", Version, Commit)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		color.New(color.FgRed).Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
