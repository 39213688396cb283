package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"

	"taskboard/api"
	"taskboard/domain"
	"taskboard/storage"
)

func newServer(t *testing.T) string {
	t.Helper()
	store, err := storage.OpenSQL(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	accounts := domain.NewAuthService(store, store, time.Hour)
	logger, _ := test.NewNullLogger()
	e := echo.New()
	e.JSONSerializer = api.JSONSerializer{}
	api.Register(e, api.Deps{
		Tasks:    domain.NewTaskService(store, nil),
		Accounts: accounts,
		Auth:     api.NewAuth([]byte("0123456789abcdef0123456789abcdef"), accounts),
	}, logger)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv.URL
}

type cli struct {
	t      *testing.T
	config string
	server string
}

func (c cli) run(stdin string, args ...string) (string, error) {
	c.t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", c.config, "--server", c.server}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (c cli) mustRun(args ...string) string {
	c.t.Helper()
	out, err := c.run("", args...)
	if err != nil {
		c.t.Fatalf("boardctl %v: %v\n%s", args, err, out)
	}
	return out
}

var idPattern = regexp.MustCompile(`[0-9a-f]{8}-[0-9a-f-]{27}`)

func TestBoardctlSession(t *testing.T) {
	c := cli{t: t, config: filepath.Join(t.TempDir(), "boardctl.yaml"), server: newServer(t)}

	if _, err := c.run("", "board"); err == nil || !strings.Contains(err.Error(), "not signed in") {
		t.Fatalf("expected not signed in error, got %v", err)
	}

	out, err := c.run("secret123\n", "signup", "--name", "Alice", "--email", "alice@example.com")
	if err != nil {
		t.Fatalf("signup: %v\n%s", err, out)
	}
	cfg, err := loadConfig(c.config)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Token == "" || cfg.Email != "alice@example.com" {
		t.Fatalf("session not saved: %#v", cfg)
	}
	info, err := os.Stat(c.config)
	if err != nil {
		t.Fatalf("stat config: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("config must be private, got %v", info.Mode().Perm())
	}

	c.mustRun("logout")
	if cfg, _ := loadConfig(c.config); cfg.Token != "" {
		t.Fatalf("token not cleared on logout")
	}

	if _, err := c.run("", "signin", "--email", "alice@example.com", "--password", "wrong-password"); err == nil || !strings.Contains(err.Error(), "Incorrect email or password") {
		t.Fatalf("expected sign-in failure, got %v", err)
	}
	c.mustRun("signin", "--email", "alice@example.com", "--password", "secret123")
}

func TestBoardctlTasks(t *testing.T) {
	c := cli{t: t, config: filepath.Join(t.TempDir(), "boardctl.yaml"), server: newServer(t)}
	c.mustRun("signup", "--name", "Alice", "--email", "alice@example.com", "--password", "secret123")

	if out := c.mustRun("add", "--title", "write report", "--priority", "Urgent", "--deadline", "2030-05-01", "--description", "quarterly"); !strings.Contains(out, domain.MsgTaskCreated) {
		t.Fatalf("unexpected add output %q", out)
	}
	c.mustRun("add", "--title", "tidy desk", "--priority", "Low")

	if _, err := c.run("", "add", "--title", "x", "--priority", "Soon"); err == nil || !strings.Contains(err.Error(), "priority") {
		t.Fatalf("expected validation failure, got %v", err)
	}

	out := c.mustRun("board")
	if !strings.Contains(out, "== To Do (2)") || !strings.Contains(out, "== Completed (0)") {
		t.Fatalf("unexpected board:\n%s", out)
	}
	if strings.Index(out, "write report") > strings.Index(out, "tidy desk") {
		t.Fatalf("urgent task must be listed first:\n%s", out)
	}
	id := idPattern.FindString(out)
	if id == "" {
		t.Fatalf("no task id in board output:\n%s", out)
	}

	out = c.mustRun("move", id, "Under_Review")
	if !strings.Contains(out, "== Under Review (1)") {
		t.Fatalf("move not reflected:\n%s", out)
	}
	if _, err := c.run("", "move", id, "Someday"); err == nil {
		t.Fatalf("expected unknown status error")
	}
	if _, err := c.run("", "move", "missing", "Completed"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}

	out = c.mustRun("show", id)
	if !strings.Contains(out, "Status:   Under_Review") || !strings.Contains(out, "Deadline: 2030-05-01") || !strings.Contains(out, "Details:  quarterly") {
		t.Fatalf("unexpected show output:\n%s", out)
	}

	c.mustRun("rm", id)
	if _, err := c.run("", "show", id); err == nil || !strings.Contains(err.Error(), "Task not found") {
		t.Fatalf("expected not found after rm, got %v", err)
	}
}

func TestParseDeadline(t *testing.T) {
	for in, want := range map[string]string{
		"2030-05-01":           "2030-05-01T00:00:00Z",
		"2030-05-01T10:00:00Z": "2030-05-01T10:00:00Z",
	} {
		got, err := parseDeadline(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if got.UTC().Format(time.RFC3339) != want {
			t.Fatalf("parse %q = %s, want %s", in, got.Format(time.RFC3339), want)
		}
	}
	if _, err := parseDeadline("next week"); err == nil {
		t.Fatalf("expected error for free text")
	}
}
