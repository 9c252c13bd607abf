package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/xiaot623/botconsole/internal/domain"
	"github.com/xiaot623/botconsole/internal/protocol"
	"github.com/xiaot623/botconsole/internal/wsclient"
)

type chatOpts struct {
	sessionType string
	history     int
}

func newChatCmd(root *rootOpts) *cobra.Command {
	opts := chatOpts{}

	cmd := &cobra.Command{
		Use:   "chat <pipeline-id> [message]",
		Short: "Chat with a pipeline over its debug WebSocket",
		Long:  "Opens a pipeline debug session. With a message argument, sends it, prints the reply and exits; otherwise starts a REPL (/quit to exit).",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			message := ""
			if len(args) == 2 {
				message = args[1]
			}
			return runChat(cmd, root, args[0], message, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.sessionType, "session-type", "s", string(domain.SessionTypePerson), "session type (person or group)")
	cmd.Flags().IntVar(&opts.history, "history", 0, "print the last N transcript messages of this session first")
	return cmd
}

func runChat(cmd *cobra.Command, root *rootOpts, pipelineID, message string, opts chatOpts) error {
	sessionType := domain.SessionType(opts.sessionType)
	if !sessionType.Valid() {
		return fmt.Errorf("invalid session type %q", opts.sessionType)
	}

	a, err := openApp(cmd, root)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	out := &syncWriter{w: cmd.OutOrStdout()}

	if opts.history > 0 {
		past, err := a.store.ListTranscript(ctx, pipelineID, sessionType, opts.history)
		if err != nil {
			return fmt.Errorf("failed to load transcript: %w", err)
		}
		for _, m := range past {
			printChatMessage(out, m)
		}
		if len(past) > 0 {
			fmt.Fprintln(out, "-- end of history --")
		}
	}

	token, err := a.token(ctx)
	if err != nil {
		return err
	}
	wsCfg := wsclient.DefaultConfig(a.cfg.BaseURL, pipelineID, sessionType)
	wsCfg.Token = token
	wsCfg.ReconnectDelay = a.cfg.WebSocket.ReconnectDelay
	wsCfg.MaxReconnectAttempts = a.cfg.WebSocket.MaxReconnectAttempts
	wsCfg.HeartbeatInterval = a.cfg.WebSocket.HeartbeatInterval
	wsCfg.PongTimeout = a.cfg.WebSocket.PongTimeout
	wsCfg.HandshakeTimeout = a.cfg.WebSocket.HandshakeTimeout
	wsCfg.Logger = a.logger

	client, err := wsclient.New(wsCfg)
	if err != nil {
		return err
	}
	defer client.Disconnect()

	replies := make(chan protocol.Message, 16)
	client.OnMessage(func(m protocol.Message) {
		// Use a fresh context: the transcript write must not be lost to Ctrl+C.
		if err := a.store.AppendTranscript(context.Background(), pipelineID, sessionType, m); err != nil {
			a.logger.Warn("failed to save transcript message", "error", err)
		}
		printChatMessage(out, m)
		if m.Role == domain.RoleAssistant && m.Final() {
			select {
			case replies <- m:
			default:
			}
		}
	})
	client.OnBroadcast(func(msg string) {
		out.print(color.New(color.FgMagenta), "[broadcast] %s\n", msg)
	})
	client.OnError(func(err error) {
		var se *wsclient.ServerError
		if errors.As(err, &se) {
			out.print(color.New(color.FgRed), "[error] %s\n", se.Message)
		}
	})
	client.OnClose(func(evt wsclient.CloseEvent) {
		if evt.WillReconnect {
			out.print(color.New(color.FgYellow), "[disconnected] code %d, reconnecting...\n", evt.Code)
		}
	})
	client.OnConnected(func(id string) {
		out.print(color.New(color.FgGreen), "[connected] %s\n", id)
	})

	connectCtx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	_, err = client.Connect(connectCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	if message != "" {
		if err := client.SendMessage(protocol.Plain(message)); err != nil {
			return err
		}
		waitCtx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
		defer cancel()
		select {
		case <-replies:
			return nil
		case <-waitCtx.Done():
			return errors.New("timed out waiting for a reply")
		}
	}
	return chatREPL(ctx, cmd.InOrStdin(), out, client)
}

func chatREPL(ctx context.Context, in io.Reader, out *syncWriter, client *wsclient.Client) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	out.print(nil, "Type a message and press Enter to send. /quit to exit.\n")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			input := strings.TrimSpace(line)
			if input == "" {
				continue
			}
			if input == "/quit" {
				return nil
			}
			if err := client.SendMessage(protocol.Plain(input)); err != nil {
				out.print(color.New(color.FgRed), "send failed: %v\n", err)
			}
		}
	}
}

func printChatMessage(out *syncWriter, m protocol.Message) {
	label := color.New(color.FgGreen)
	if m.Role == domain.RoleAssistant {
		label = color.New(color.FgCyan)
	}
	text := m.MessageChain.Text()
	if text == "" {
		text = m.Content
	}
	suffix := ""
	if !m.Final() {
		suffix = " …"
	}
	out.mu.Lock()
	defer out.mu.Unlock()
	label.Fprintf(out.w, "%-9s ", string(m.Role)+":")
	fmt.Fprintf(out.w, "%s%s\n", text, suffix)
}

// syncWriter serializes output from the WebSocket callbacks and the REPL.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (s *syncWriter) print(c *color.Color, format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c == nil {
		fmt.Fprintf(s.w, format, args...)
		return
	}
	c.Fprintf(s.w, format, args...)
}
