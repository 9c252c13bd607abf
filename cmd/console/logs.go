package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/xiaot623/botconsole/internal/botlog"
	"github.com/xiaot623/botconsole/internal/domain"
	"github.com/xiaot623/botconsole/internal/policy"
)

type logsOpts struct {
	levels     []string
	pages      int
	follow     bool
	policyPath string
}

func newLogsCmd(root *rootOpts) *cobra.Command {
	opts := logsOpts{}

	cmd := &cobra.Command{
		Use:   "logs <bot-id>",
		Short: "View a bot's runtime logs",
		Long:  "Shows the newest page of a bot's logs, optionally walks back through older pages, and with --follow keeps the view pinned at the newest entries as they arrive.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogs(cmd, root, args[0], opts)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.levels, "level", "l", nil, "only show these levels (debug, info, warning, error)")
	cmd.Flags().IntVarP(&opts.pages, "pages", "p", 0, "number of older pages to load after the newest one")
	cmd.Flags().BoolVarP(&opts.follow, "follow", "f", false, "keep watching for new entries")
	cmd.Flags().StringVar(&opts.policyPath, "policy", "", "rego policy deciding which entries to show or highlight")
	return cmd
}

func parseLevels(names []string) ([]domain.Level, error) {
	var levels []domain.Level
	for _, n := range names {
		l := domain.Level(strings.ToLower(strings.TrimSpace(n)))
		if l == "warn" {
			l = domain.LevelWarning
		}
		if !l.Valid() {
			return nil, fmt.Errorf("unknown level %q", n)
		}
		levels = append(levels, l)
	}
	return levels, nil
}

func runLogs(cmd *cobra.Command, root *rootOpts, botID string, opts logsOpts) error {
	levels, err := parseLevels(opts.levels)
	if err != nil {
		return err
	}
	if opts.pages < 0 {
		return errors.New("--pages must not be negative")
	}

	a, err := openApp(cmd, root)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	policyPath := opts.policyPath
	if policyPath == "" {
		policyPath = a.cfg.Logs.PolicyFile
	}
	engine, err := policy.LoadFile(ctx, policyPath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	mgr := botlog.NewManager(botID, a.api, botlog.Options{
		PageSize:     a.cfg.Logs.PageSize,
		PushInterval: a.cfg.Logs.PushInterval,
		Logger:       a.logger,
	})
	viewer := botlog.NewViewer(ctx, mgr, botlog.ViewerOptions{
		Debounce: a.cfg.Logs.ScrollDebounce,
		Logger:   a.logger,
	})
	defer viewer.Close()

	if err := viewer.Start(ctx); err != nil {
		return fmt.Errorf("failed to load logs: %w", err)
	}
	for i := 0; i < opts.pages && mgr.HasOlder(); i++ {
		if err := viewer.ScrollTo(ctx, botlog.AtOldest); err != nil {
			return fmt.Errorf("failed to load older logs: %w", err)
		}
	}

	logs := mgr.Filtered(levels...)
	if len(logs) == 0 && !opts.follow {
		fmt.Fprintln(out, "No log entries found.")
		return nil
	}
	if err := printLogs(ctx, out, engine, logs); err != nil {
		return err
	}
	snap := mgr.Snapshot()
	fmt.Fprintf(out, "-- %d of %d entries loaded --\n", len(snap.Logs), snap.TotalCount)

	if !opts.follow {
		return nil
	}
	return followLogs(ctx, out, mgr, viewer, engine, levels, lastSeq(snap.Logs))
}

// followLogs pins the viewer at the newest edge with auto-refresh on and
// prints every entry newer than after as pushes arrive.
func followLogs(ctx context.Context, out io.Writer, mgr *botlog.Manager, viewer *botlog.Viewer, engine *policy.Engine, levels []domain.Level, after int64) error {
	snaps := make(chan botlog.Snapshot, 4)
	unsubscribe := mgr.Subscribe(func(s botlog.Snapshot) {
		select {
		case snaps <- s:
		case <-ctx.Done():
		}
	})
	defer unsubscribe()

	if err := viewer.ScrollTo(ctx, botlog.AtNewest); err != nil {
		return err
	}
	viewer.SetAutoRefresh(true)

	warn := color.New(color.FgYellow)
	stale := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-snaps:
			if s.Err != nil {
				if !stale {
					warn.Fprintf(out, "refresh failed, showing stale logs: %v\n", s.Err)
				}
				stale = true
				continue
			}
			stale = false

			var fresh []domain.BotLog
			for _, l := range s.Logs {
				if l.SeqID > after && l.MatchesLevel(levels) {
					fresh = append(fresh, l)
				}
			}
			if len(s.Logs) > 0 {
				after = max(after, lastSeq(s.Logs))
			}
			if err := printLogs(ctx, out, engine, fresh); err != nil {
				return err
			}
		}
	}
}

func lastSeq(logs []domain.BotLog) int64 {
	if len(logs) == 0 {
		return -1
	}
	return logs[len(logs)-1].SeqID
}

func printLogs(ctx context.Context, out io.Writer, engine *policy.Engine, logs []domain.BotLog) error {
	annotated, err := engine.Annotate(ctx, logs)
	if err != nil {
		return err
	}
	for _, l := range annotated {
		printLog(out, l)
	}
	return nil
}

func levelColor(l domain.Level) *color.Color {
	switch l {
	case domain.LevelError:
		return color.New(color.FgRed)
	case domain.LevelWarning:
		return color.New(color.FgYellow)
	case domain.LevelDebug:
		return color.New(color.Faint)
	default:
		return color.New(color.FgCyan)
	}
}

func printLog(out io.Writer, l policy.Annotated) {
	ts := time.Unix(l.Timestamp, 0).Format("2006-01-02 15:04:05")
	fmt.Fprintf(out, "#%-5d %s ", l.SeqID, ts)
	levelColor(l.Level).Fprintf(out, "%-7s", strings.ToUpper(string(l.Level)))

	text := l.Text
	if l.Decision == policy.Highlight {
		text = color.New(color.Bold, color.FgHiRed).Sprint(text)
	}
	fmt.Fprintf(out, " %s", text)
	if l.MessageSessionID != "" {
		fmt.Fprintf(out, " [%s]", l.MessageSessionID)
	}
	fmt.Fprintln(out)
	for _, img := range l.Images {
		fmt.Fprintf(out, "       image: %s\n", img)
	}
}
