package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xiaot623/botconsole/internal/config"
	"github.com/xiaot623/botconsole/internal/domain"
	"github.com/xiaot623/botconsole/internal/hub"
	"github.com/xiaot623/botconsole/internal/repository"
	"github.com/xiaot623/botconsole/internal/service"
	internalhttp "github.com/xiaot623/botconsole/internal/transport/http"
	"github.com/xiaot623/botconsole/internal/transport/ws"
)

// startBackend serves the development backend with 25 seeded logs for
// demo-bot and points the console at it through the environment.
func startBackend(t *testing.T, token string) {
	t.Helper()
	dir := t.TempDir()

	store, err := repository.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open backend store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := hub.NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)

	cfg := config.LoadBackend()
	cfg.APIToken = token
	cfg.UserEmail = "dev@example.com"
	cfg.SeedBotID = "demo-bot"
	cfg.SeedLogs = 25
	svc := service.New(store, h, cfg, logger)
	if err := svc.SeedLogs(ctx); err != nil {
		t.Fatalf("seed logs: %v", err)
	}

	srv := httptest.NewServer(internalhttp.NewServer(svc, ws.NewServer(svc, logger)))
	t.Cleanup(srv.Close)

	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("BOTCONSOLE_BASE_URL", srv.URL)
	t.Setenv("BOTCONSOLE_STATE_PATH", filepath.Join(dir, "state.db"))
	t.Setenv("BOTCONSOLE_TOKEN", "")
	t.Setenv("BOTCONSOLE_LOG_LEVEL", "error")
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "", "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out, "console dev") {
		t.Errorf("expected output to contain 'console dev', got: %s", out)
	}
}

func TestRootCmdHelpListsCommands(t *testing.T) {
	out, err := run(t, "", "--help")
	if err != nil {
		t.Fatalf("help command failed: %v", err)
	}
	for _, name := range []string{"login", "logout", "whoami", "info", "bots", "pipelines", "logs", "chat"} {
		if !strings.Contains(out, name) {
			t.Errorf("expected help to list %q, got: %s", name, out)
		}
	}
}

func TestLoginWhoamiLogout(t *testing.T) {
	startBackend(t, "secret")

	if _, err := run(t, "", "login", "--token", "wrong"); err == nil {
		t.Fatal("expected login with a bad token to fail")
	}

	out, err := run(t, "", "login", "--token", "secret")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if !strings.Contains(out, "dev@example.com") {
		t.Errorf("expected login to report the user, got: %s", out)
	}

	out, err = run(t, "", "whoami")
	if err != nil {
		t.Fatalf("whoami failed: %v", err)
	}
	if !strings.Contains(out, "dev@example.com") {
		t.Errorf("expected whoami to show the user, got: %s", out)
	}

	if _, err := run(t, "", "logout"); err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	if _, err := run(t, "", "whoami"); err == nil || !strings.Contains(err.Error(), "not logged in") {
		t.Errorf("expected whoami after logout to fail with 'not logged in', got: %v", err)
	}
}

func TestLoginRemembersLanguage(t *testing.T) {
	startBackend(t, "secret")

	if _, err := run(t, "", "login", "--token", "secret", "--language", "zh_Hans"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	out, err := run(t, "", "whoami")
	if err != nil {
		t.Fatalf("whoami failed: %v", err)
	}
	if !strings.Contains(out, "Language: zh_Hans") {
		t.Errorf("expected whoami to show the language, got: %s", out)
	}

	// The language is a preference and survives logout.
	if _, err := run(t, "", "logout"); err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	if _, err := run(t, "", "login", "--token", "secret"); err != nil {
		t.Fatalf("second login failed: %v", err)
	}
	out, err = run(t, "", "whoami")
	if err != nil {
		t.Fatalf("whoami failed: %v", err)
	}
	if !strings.Contains(out, "Language: zh_Hans") {
		t.Errorf("expected the language to survive logout, got: %s", out)
	}
}

func TestProtectedCommandClearsRejectedToken(t *testing.T) {
	startBackend(t, "secret")

	if _, err := run(t, "", "login", "--token", "secret"); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	store, err := repository.NewSQLiteStore(os.Getenv("BOTCONSOLE_STATE_PATH"))
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	if err := store.SetSetting(context.Background(), domain.SettingToken, "revoked"); err != nil {
		t.Fatalf("set token: %v", err)
	}
	store.Close()

	if _, err := run(t, "", "bots"); err == nil {
		t.Fatal("expected bots with a revoked token to fail")
	}

	store, err = repository.NewSQLiteStore(os.Getenv("BOTCONSOLE_STATE_PATH"))
	if err != nil {
		t.Fatalf("reopen state: %v", err)
	}
	defer store.Close()
	token, err := store.Token(context.Background())
	if err != nil {
		t.Fatalf("read token: %v", err)
	}
	if token != "" {
		t.Errorf("expected the rejected token to be cleared, got %q", token)
	}
}

func TestInfoBotsPipelines(t *testing.T) {
	startBackend(t, "")

	out, err := run(t, "", "info")
	if err != nil {
		t.Fatalf("info failed: %v", err)
	}
	if !strings.Contains(out, "1 enabled") {
		t.Errorf("expected one enabled platform, got: %s", out)
	}

	out, err = run(t, "", "bots")
	if err != nil {
		t.Fatalf("bots failed: %v", err)
	}
	if !strings.Contains(out, "demo-bot") || !strings.Contains(out, service.DefaultPipelineID) {
		t.Errorf("expected bots table to list demo-bot, got: %s", out)
	}

	out, err = run(t, "", "pipelines")
	if err != nil {
		t.Fatalf("pipelines failed: %v", err)
	}
	if !strings.Contains(out, service.DefaultPipelineID) {
		t.Errorf("expected pipelines table to list the default pipeline, got: %s", out)
	}
}

func TestLogsPages(t *testing.T) {
	startBackend(t, "")

	out, err := run(t, "", "logs", "demo-bot")
	if err != nil {
		t.Fatalf("logs failed: %v", err)
	}
	if !strings.Contains(out, "-- 10 of 25 entries loaded --") {
		t.Errorf("expected the newest page only, got: %s", out)
	}
	if strings.Contains(out, "#14 ") || !strings.Contains(out, "#15 ") || !strings.Contains(out, "#24 ") {
		t.Errorf("expected entries 15..24, got: %s", out)
	}

	out, err = run(t, "", "logs", "demo-bot", "--pages", "5")
	if err != nil {
		t.Fatalf("logs --pages failed: %v", err)
	}
	if !strings.Contains(out, "-- 25 of 25 entries loaded --") {
		t.Errorf("expected all entries after walking to the oldest edge, got: %s", out)
	}
	if strings.Index(out, "#0 ") > strings.Index(out, "#24 ") {
		t.Errorf("expected oldest entries first, got: %s", out)
	}
}

func TestLogsLevelFilter(t *testing.T) {
	startBackend(t, "")

	// Seeded levels cycle info, debug, info, warning, error.
	out, err := run(t, "", "logs", "demo-bot", "--level", "error")
	if err != nil {
		t.Fatalf("logs --level failed: %v", err)
	}
	if !strings.Contains(out, "#19 ") || !strings.Contains(out, "#24 ") {
		t.Errorf("expected error entries 19 and 24, got: %s", out)
	}
	if strings.Contains(out, "#20 ") {
		t.Errorf("expected info entries to be filtered out, got: %s", out)
	}

	if _, err := run(t, "", "logs", "demo-bot", "--level", "loud"); err == nil {
		t.Error("expected an unknown level to fail")
	}
}

func TestLogsPolicyHides(t *testing.T) {
	startBackend(t, "")

	path := filepath.Join(t.TempDir(), "quiet.rego")
	rego := `package log_policy

default decision = "show"

decision = "hide" {
	input.level == "debug"
}
`
	if err := os.WriteFile(path, []byte(rego), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	out, err := run(t, "", "logs", "demo-bot", "--policy", path)
	if err != nil {
		t.Fatalf("logs --policy failed: %v", err)
	}
	if strings.Contains(out, "#16 ") || strings.Contains(out, "#21 ") {
		t.Errorf("expected debug entries to be hidden, got: %s", out)
	}
	if !strings.Contains(out, "#15 ") {
		t.Errorf("expected other entries to be shown, got: %s", out)
	}
}

func TestChatOneShotAndHistory(t *testing.T) {
	startBackend(t, "")

	out, err := run(t, "", "chat", service.DefaultPipelineID, "hello")
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	if !strings.Contains(out, "echo: hello") {
		t.Errorf("expected the echo reply, got: %s", out)
	}

	out, err = run(t, "/quit\n", "chat", service.DefaultPipelineID, "--history", "10")
	if err != nil {
		t.Fatalf("chat --history failed: %v", err)
	}
	history, _, found := strings.Cut(out, "-- end of history --")
	if !found {
		t.Fatalf("expected a history section, got: %s", out)
	}
	if !strings.Contains(history, "hello") || !strings.Contains(history, "echo: hello") {
		t.Errorf("expected the saved transcript, got: %s", history)
	}

	// Group sessions keep their own transcript.
	out, err = run(t, "/quit\n", "chat", service.DefaultPipelineID, "--session-type", "group", "--history", "10")
	if err != nil {
		t.Fatalf("group chat failed: %v", err)
	}
	if strings.Contains(out, "-- end of history --") {
		t.Errorf("expected no history for the group session, got: %s", out)
	}
}

func TestChatRejectsBadSessionType(t *testing.T) {
	if _, err := run(t, "", "chat", "p1", "--session-type", "crowd"); err == nil {
		t.Fatal("expected an invalid session type to fail")
	}
}
