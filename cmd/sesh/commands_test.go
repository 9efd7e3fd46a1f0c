package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nvake/sesh/internal/backend"
	"github.com/nvake/sesh/internal/config"
	"github.com/nvake/sesh/internal/devserver"
	"github.com/nvake/sesh/internal/manager"
	"github.com/nvake/sesh/internal/session"
	"github.com/nvake/sesh/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testEnv points every command at an in-memory dev backend. Each
// invocation builds a fresh app over a shared data dir and store file,
// the way consecutive CLI processes would.
type testEnv struct {
	dev *devserver.Server
	dir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dev := devserver.New(devserver.WithLogger(discardLogger()))
	ts := httptest.NewServer(dev.Handler())
	t.Cleanup(ts.Close)

	env := &testEnv{dev: dev, dir: t.TempDir()}

	oldNew := newApp
	newApp = func() (*app, error) {
		var cfg config.Config
		cfg.Backend.BaseURL = ts.URL
		cfg.Backend.UserID = backend.DefaultUserID
		cfg.Storage.DataDir = env.dir

		client := backend.NewClient(
			backend.StaticCredentials{BaseURL: ts.URL},
			backend.WithLogger(discardLogger()),
			backend.WithPolicy(backend.Policy{
				Base:        time.Millisecond,
				Cap:         5 * time.Millisecond,
				MaxAttempts: 3,
			}),
		)
		store, err := storage.Open(env.dir)
		if err != nil {
			return nil, err
		}
		mgr := manager.New(manager.BackendRemote(client), store, manager.Options{
			Logger: discardLogger(),
		})
		return &app{cfg: cfg, store: store, mgr: mgr}, nil
	}
	t.Cleanup(func() { newApp = oldNew })

	return env
}

// runCommand executes the CLI as one invocation would, capturing
// structured output. Flags reset to their defaults first so
// invocations do not leak state into each other.
func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func resetFlags(cmd *cobra.Command) {
	for _, fs := range []*pflag.FlagSet{cmd.Flags(), cmd.PersistentFlags()} {
		fs.VisitAll(func(f *pflag.Flag) {
			if f.Changed {
				_ = f.Value.Set(f.DefValue)
				f.Changed = false
			}
		})
	}
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func TestNewCommandCreatesAndActivates(t *testing.T) {
	env := newTestEnv(t)

	out, err := runCommand(t, "new", "Research", "notes")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	id := strings.TrimSpace(out)
	if id == "" {
		t.Fatal("expected the new session id on stdout")
	}

	sess, ok := env.dev.Session(id)
	if !ok {
		t.Fatalf("session %s not on the backend", id)
	}
	if sess.Name != "Research notes" {
		t.Errorf("name = %q, want %q", sess.Name, "Research notes")
	}
	if got := readActiveSession(env.dir); got != id {
		t.Errorf("active session = %q, want %q", got, id)
	}
}

func TestSendCommandUsesActiveSession(t *testing.T) {
	env := newTestEnv(t)

	out, err := runCommand(t, "new", "Geography")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	id := strings.TrimSpace(out)

	env.dev.ScriptReplies("The capital of France is Paris.")

	out, err = runCommand(t, "send", "capital", "of", "France?")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(out, "The capital of France is Paris.") {
		t.Errorf("output %q missing the scripted reply", out)
	}

	sess, ok := env.dev.Session(id)
	if !ok {
		t.Fatal("session vanished from the backend")
	}
	if sess.MessageCount != 2 {
		t.Errorf("backend message count = %d, want 2", sess.MessageCount)
	}
}

func TestSendCommandExplicitSession(t *testing.T) {
	env := newTestEnv(t)
	sess := session.New(backend.DefaultUserID, "Seeded")
	env.dev.Seed(sess)
	env.dev.ScriptReplies("ok")

	if _, err := runCommand(t, "send", "--session", sess.ID, "ping"); err != nil {
		t.Fatalf("send: %v", err)
	}

	got, ok := env.dev.Session(sess.ID)
	if !ok {
		t.Fatal("seeded session missing")
	}
	if got.MessageCount != 2 {
		t.Errorf("backend message count = %d, want 2", got.MessageCount)
	}
}

func TestSendCommandNoActiveSession(t *testing.T) {
	newTestEnv(t)

	_, err := runCommand(t, "send", "hello")
	if err == nil {
		t.Fatal("expected error without an active session")
	}
	if !strings.Contains(err.Error(), "no active session") {
		t.Errorf("error = %q, want it to mention 'no active session'", err.Error())
	}
}

func TestStreamCommandPrintsReply(t *testing.T) {
	env := newTestEnv(t)

	out, err := runCommand(t, "new", "Streaming")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	id := strings.TrimSpace(out)

	env.dev.ScriptReplies("streamed reply text")

	out, err = runCommand(t, "stream", "go")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if !strings.Contains(out, "streamed reply text") {
		t.Errorf("output %q missing the streamed reply", out)
	}

	sess, ok := env.dev.Session(id)
	if !ok {
		t.Fatal("session missing from the backend")
	}
	if sess.MessageCount != 2 {
		t.Errorf("backend message count = %d, want 2", sess.MessageCount)
	}
}

func TestShowCommandRendersTranscript(t *testing.T) {
	env := newTestEnv(t)

	if _, err := runCommand(t, "new", "Planning"); err != nil {
		t.Fatalf("new: %v", err)
	}
	env.dev.ScriptReplies("Start with the schema.")
	if _, err := runCommand(t, "send", "where do I start?"); err != nil {
		t.Fatalf("send: %v", err)
	}

	out, err := runCommand(t, "show")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	for _, want := range []string{"Planning", "where do I start?", "Start with the schema."} {
		if !strings.Contains(out, want) {
			t.Errorf("transcript missing %q:\n%s", want, out)
		}
	}
}

func TestShowCommandJSON(t *testing.T) {
	env := newTestEnv(t)

	out, err := runCommand(t, "new", "JSON", "view")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	id := strings.TrimSpace(out)

	env.dev.ScriptReplies("fine")
	if _, err := runCommand(t, "send", "status?"); err != nil {
		t.Fatalf("send: %v", err)
	}

	out, err = runCommand(t, "show", "--json")
	if err != nil {
		t.Fatalf("show --json: %v", err)
	}

	var view struct {
		SessionID string `json:"session_id"`
		Messages  []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	if view.SessionID != id {
		t.Errorf("session_id = %q, want %q", view.SessionID, id)
	}
	if len(view.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(view.Messages))
	}
	if view.Messages[1].Role != "assistant" {
		t.Errorf("messages[1].role = %q, want assistant", view.Messages[1].Role)
	}
}

func TestListCommandMarksActive(t *testing.T) {
	newTestEnv(t)

	if _, err := runCommand(t, "new", "First"); err != nil {
		t.Fatalf("new: %v", err)
	}
	out, err := runCommand(t, "new", "Second")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	id2 := strings.TrimSpace(out)

	out, err = runCommand(t, "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "First") || !strings.Contains(out, "Second") {
		t.Errorf("listing missing a session:\n%s", out)
	}

	var marked string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "* ") {
			marked = line
		}
	}
	if marked == "" {
		t.Fatalf("no line marked active:\n%s", out)
	}
	if !strings.Contains(marked, shortID(id2)) {
		t.Errorf("active marker on %q, want session %s", marked, shortID(id2))
	}
}

func TestListCommandJSON(t *testing.T) {
	newTestEnv(t)

	if _, err := runCommand(t, "new", "First"); err != nil {
		t.Fatalf("new: %v", err)
	}
	out, err := runCommand(t, "new", "Second")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	id2 := strings.TrimSpace(out)

	out, err = runCommand(t, "list", "--json")
	if err != nil {
		t.Fatalf("list --json: %v", err)
	}

	var got []sessionSummary
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	if len(got) != 2 {
		t.Fatalf("sessions = %d, want 2", len(got))
	}
	var activeID string
	for _, s := range got {
		if s.Active {
			activeID = s.SessionID
		}
	}
	if activeID != id2 {
		t.Errorf("active = %q, want %q", activeID, id2)
	}
}

func TestUseAndActiveCommands(t *testing.T) {
	env := newTestEnv(t)

	out, err := runCommand(t, "new", "One")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	id1 := strings.TrimSpace(out)
	if _, err := runCommand(t, "new", "Two"); err != nil {
		t.Fatalf("new: %v", err)
	}

	if _, err := runCommand(t, "use", id1); err != nil {
		t.Fatalf("use: %v", err)
	}
	if got := readActiveSession(env.dir); got != id1 {
		t.Errorf("active session = %q, want %q", got, id1)
	}

	out, err = runCommand(t, "active")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if !strings.Contains(out, "One") {
		t.Errorf("active output %q missing session name", out)
	}
}

func TestUseCommandUnknownSession(t *testing.T) {
	newTestEnv(t)

	_, err := runCommand(t, "use", "ghost")
	if err == nil {
		t.Fatal("expected error for unknown session")
	}
	if !strings.Contains(err.Error(), "ghost") {
		t.Errorf("error = %q, want it to name the session", err.Error())
	}
}

func TestActiveCommandNoneSet(t *testing.T) {
	newTestEnv(t)

	out, err := runCommand(t, "active")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if !strings.Contains(out, "No active session.") {
		t.Errorf("output = %q, want 'No active session.'", out)
	}
}

func TestDeleteCommandClearsActive(t *testing.T) {
	env := newTestEnv(t)

	out, err := runCommand(t, "new", "Doomed")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	id := strings.TrimSpace(out)

	if _, err := runCommand(t, "delete", id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if env.dev.SessionCount() != 0 {
		t.Errorf("backend still has %d sessions", env.dev.SessionCount())
	}
	if got := readActiveSession(env.dir); got != "" {
		t.Errorf("active session = %q, want cleared", got)
	}
}

func TestRenameCommandActiveSession(t *testing.T) {
	env := newTestEnv(t)

	out, err := runCommand(t, "new", "Draft")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	id := strings.TrimSpace(out)

	if _, err := runCommand(t, "rename", "Final"); err != nil {
		t.Fatalf("rename: %v", err)
	}

	sess, ok := env.dev.Session(id)
	if !ok {
		t.Fatal("session missing from the backend")
	}
	if sess.Name != "Final" {
		t.Errorf("name = %q, want Final", sess.Name)
	}
}

func TestAppendCommandStaysLocal(t *testing.T) {
	env := newTestEnv(t)

	out, err := runCommand(t, "new", "Notes")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	id := strings.TrimSpace(out)

	if _, err := runCommand(t, "append", "system", "context:", "repo", "sesh"); err != nil {
		t.Fatalf("append: %v", err)
	}

	out, err = runCommand(t, "show")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, "context: repo sesh") {
		t.Errorf("appended note missing from transcript:\n%s", out)
	}

	// The note never left the machine.
	sess, ok := env.dev.Session(id)
	if !ok {
		t.Fatal("session missing from the backend")
	}
	if sess.MessageCount != 0 {
		t.Errorf("backend message count = %d, want 0", sess.MessageCount)
	}
}

func TestAppendCommandRejectsBadRole(t *testing.T) {
	newTestEnv(t)

	_, err := runCommand(t, "append", "narrator", "hmm")
	if err == nil {
		t.Fatal("expected error for invalid role")
	}
	if !strings.Contains(err.Error(), "invalid role") {
		t.Errorf("error = %q, want it to mention 'invalid role'", err.Error())
	}
}

func TestExportCommandWritesFile(t *testing.T) {
	env := newTestEnv(t)

	out, err := runCommand(t, "new", "Exportable")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	id := strings.TrimSpace(out)

	env.dev.ScriptReplies("done")
	if _, err := runCommand(t, "send", "make it so"); err != nil {
		t.Fatalf("send: %v", err)
	}

	path := filepath.Join(t.TempDir(), "out.md")
	if _, err := runCommand(t, "export", id, "--format", "md", "--out", path); err != nil {
		t.Fatalf("export: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading export: %v", err)
	}
	if !strings.HasPrefix(string(data), "# Exportable") {
		t.Errorf("export starts with %q, want the session title", string(data[:min(len(data), 40)]))
	}
	if !strings.Contains(string(data), "make it so") {
		t.Error("export missing the transcript")
	}
}

func TestExportAllCommand(t *testing.T) {
	newTestEnv(t)

	for _, name := range []string{"A", "B", "C"} {
		if _, err := runCommand(t, "new", name); err != nil {
			t.Fatalf("new %s: %v", name, err)
		}
	}

	dir := t.TempDir()
	if _, err := runCommand(t, "export", "--all", "--dir", dir, "--format", "json"); err != nil {
		t.Fatalf("export --all: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading export dir: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("exported %d files, want 3", len(entries))
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			t.Errorf("unexpected file %s", e.Name())
		}
	}
}

func TestStatsCommandJSON(t *testing.T) {
	env := newTestEnv(t)

	if _, err := runCommand(t, "new", "Counted"); err != nil {
		t.Fatalf("new: %v", err)
	}
	env.dev.ScriptReplies("yes")
	if _, err := runCommand(t, "send", "count this"); err != nil {
		t.Fatalf("send: %v", err)
	}

	out, err := runCommand(t, "stats", "--json")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}

	var got struct {
		Store struct {
			Sessions int64 `json:"sessions"`
			Messages int64 `json:"messages"`
		} `json:"store"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	if got.Store.Sessions != 1 {
		t.Errorf("stored sessions = %d, want 1", got.Store.Sessions)
	}
	if got.Store.Messages != 2 {
		t.Errorf("stored messages = %d, want 2", got.Store.Messages)
	}
}

func TestHealthCommand(t *testing.T) {
	newTestEnv(t)

	out, err := runCommand(t, "health", "--json")
	if err != nil {
		t.Fatalf("health: %v", err)
	}

	var got struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	if got.Status != "healthy" {
		t.Errorf("status = %q, want healthy", got.Status)
	}
}

func TestMaintainCommandSparesFreshSessions(t *testing.T) {
	newTestEnv(t)

	if _, err := runCommand(t, "new", "Kept"); err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := runCommand(t, "maintain"); err != nil {
		t.Fatalf("maintain: %v", err)
	}

	out, err := runCommand(t, "stats", "--json")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	var got struct {
		Store struct {
			Sessions int64 `json:"sessions"`
		} `json:"store"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if got.Store.Sessions != 1 {
		t.Errorf("stored sessions = %d after maintain, want 1", got.Store.Sessions)
	}
}

func TestRefreshCommandPullsBackendSessions(t *testing.T) {
	env := newTestEnv(t)

	env.dev.Seed(session.New(backend.DefaultUserID, "Remote one"))
	env.dev.Seed(session.New(backend.DefaultUserID, "Remote two"))

	if _, err := runCommand(t, "refresh"); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	out, err := runCommand(t, "stats", "--json")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	var got struct {
		Store struct {
			Sessions int64 `json:"sessions"`
		} `json:"store"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if got.Store.Sessions != 2 {
		t.Errorf("stored sessions = %d after refresh, want 2", got.Store.Sessions)
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestCountLabel(t *testing.T) {
	tests := []struct {
		count, limit int
		want         string
	}{
		{5, 100, "5"},
		{0, 100, "0"},
		{100, 100, "100+"},
		{150, 100, "150+"},
	}
	for _, tt := range tests {
		got := countLabel(tt.count, tt.limit)
		if got != tt.want {
			t.Errorf("countLabel(%d, %d) = %q, want %q", tt.count, tt.limit, got, tt.want)
		}
	}
}

func TestFormatAge(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		t    time.Time
		want string
	}{
		{now.Add(-30 * time.Second), "just now"},
		{now.Add(-5 * time.Minute), "5m ago"},
		{now.Add(-3 * time.Hour), "3h ago"},
		{now.Add(-48 * time.Hour), "2d ago"},
		{now.Add(-30 * 24 * time.Hour), "2025-05-16"},
		{time.Time{}, "never"},
	}
	for _, tt := range tests {
		if got := formatAge(now, tt.t); got != tt.want {
			t.Errorf("formatAge(%v) = %q, want %q", tt.t, got, tt.want)
		}
	}
}

func TestHumanBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KiB"},
		{5 << 20, "5.0 MiB"},
		{3 << 30, "3.0 GiB"},
	}
	for _, tt := range tests {
		if got := humanBytes(tt.n); got != tt.want {
			t.Errorf("humanBytes(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestResolveSessionPrecedence(t *testing.T) {
	dir := t.TempDir()
	a := &app{}
	a.cfg.Storage.DataDir = dir

	if _, err := a.resolveSession(""); err == nil {
		t.Fatal("expected error with no flag and no active session")
	}

	if err := writeActiveSession(dir, "file-id"); err != nil {
		t.Fatalf("writing active session: %v", err)
	}
	if id, err := a.resolveSession(""); err != nil || id != "file-id" {
		t.Errorf("resolveSession(\"\") = %q, %v, want file-id", id, err)
	}
	if id, err := a.resolveSession("flag-id"); err != nil || id != "flag-id" {
		t.Errorf("resolveSession(flag) = %q, %v, want flag-id", id, err)
	}
}

func TestConfigShowMasksSecrets(t *testing.T) {
	var cfg config.Config
	cfg.Backend.APIToken = "super-secret"

	for _, k := range config.ShowAll(cfg) {
		if k.Value == "super-secret" {
			t.Errorf("secret %s shown unmasked", k.Key)
		}
		if k.Key == "backend.api_token" && k.Value != "********" {
			t.Errorf("token value = %q, want masked", k.Value)
		}
	}
}
