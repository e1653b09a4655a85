package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"navigatorbot/internal/access"
	"navigatorbot/internal/config"
)

func TestMain(m *testing.M) {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	os.Exit(m.Run())
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"TELEGRAM_BOT_TOKEN", "NAVIGATOR_SERVER_URL", "NAVIGATOR_FRAMEWORK_NAME", "NAVIGATOR_TIMEOUT",
		"DATABASE_PATH", "PAYMENT_LINK", "PAYMENT_API_SECRET", "LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
}

// writeTestConfig saves a valid config and points --config at it.
func writeTestConfig(t *testing.T, mutate func(*config.Config)) string {
	t.Helper()
	clearEnv(t)
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Navigator.ServerURL = "http://127.0.0.1:1"
	cfg.Access.DBPath = filepath.Join(dir, "access.db")
	cfg.General.LogLevel = "warn"
	if mutate != nil {
		mutate(cfg)
	}
	path := filepath.Join(dir, "config.json")
	if err := config.Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	configPath = path
	t.Cleanup(func() { configPath = "" })
	return path
}

func TestForwardCommand(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"output":"pong"}`))
	}))
	defer srv.Close()

	writeTestConfig(t, func(c *config.Config) { c.Navigator.ServerURL = srv.URL })

	cmd := forwardCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"ping", "please"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("forward: %v", err)
	}

	if strings.TrimSpace(out.String()) != "pong" {
		t.Errorf("output = %q", out.String())
	}
	if got["input"] != "ping please" || got["framework"] != "navigator_vocalis" {
		t.Errorf("unexpected request: %v", got)
	}
	if _, ok := got["user_id"]; ok {
		t.Error("user_id should be omitted without --sender")
	}
}

func TestConfigSetAndGet(t *testing.T) {
	path := writeTestConfig(t, nil)

	set := configCmd()
	set.SetArgs([]string{"set", "navigator.retries", "2"})
	if err := set.Execute(); err != nil {
		t.Fatalf("config set: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Navigator.Retries != 2 {
		t.Errorf("retries = %d, want 2", cfg.Navigator.Retries)
	}

	get := configCmd()
	var out bytes.Buffer
	get.SetOut(&out)
	get.SetArgs([]string{"get", "navigator.retries"})
	if err := get.Execute(); err != nil {
		t.Fatalf("config get: %v", err)
	}
	if strings.TrimSpace(out.String()) != "2" {
		t.Errorf("get output = %q", out.String())
	}
}

func TestConfigKeysMarksSecrets(t *testing.T) {
	cmd := configCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"keys"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config keys: %v", err)
	}
	if !strings.Contains(out.String(), "navigator.timeout\n") {
		t.Errorf("navigator.timeout missing:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "api.paymentSecret (secret)") {
		t.Errorf("payment secret not marked:\n%s", out.String())
	}
}

func TestCodesIssueRequiresAccess(t *testing.T) {
	writeTestConfig(t, nil)

	cmd := codesCmd()
	cmd.SetArgs([]string{"issue"})
	cmd.SilenceErrors = true
	if err := cmd.Execute(); err != errAccessDisabled {
		t.Fatalf("expected errAccessDisabled, got %v", err)
	}
}

func TestCodesIssueAndList(t *testing.T) {
	writeTestConfig(t, func(c *config.Config) { c.Access.Enabled = true })

	issue := codesCmd()
	var issued bytes.Buffer
	issue.SetOut(&issued)
	issue.SetErr(&bytes.Buffer{})
	issue.SetArgs([]string{"issue", "-n", "3", "--note", "promo"})
	if err := issue.Execute(); err != nil {
		t.Fatalf("codes issue: %v", err)
	}
	codes := strings.Fields(issued.String())
	if len(codes) != 3 {
		t.Fatalf("expected 3 codes, got %q", issued.String())
	}

	list := codesCmd()
	var listed bytes.Buffer
	list.SetOut(&listed)
	list.SetArgs([]string{"list"})
	if err := list.Execute(); err != nil {
		t.Fatalf("codes list: %v", err)
	}
	for _, c := range codes {
		if !strings.Contains(listed.String(), c) {
			t.Errorf("code %s missing from list", c)
		}
	}
	if !strings.Contains(listed.String(), "promo") {
		t.Error("note missing from list")
	}
}

func TestServiceUnit(t *testing.T) {
	path, content, _, err := serviceUnit("linux", "/home/u", "/usr/local/bin/navigatorbot", "/home/u/.navigatorbot/config.json")
	if err != nil {
		t.Fatal(err)
	}
	if path != "/home/u/.config/systemd/user/navigatorbot.service" {
		t.Errorf("path = %s", path)
	}
	if !strings.Contains(content, "ExecStart=/usr/local/bin/navigatorbot run --config /home/u/.navigatorbot/config.json") {
		t.Errorf("unexpected unit:\n%s", content)
	}

	_, content, _, err = serviceUnit("darwin", "/Users/u", "/opt/navigatorbot", "/Users/u/cfg.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(content, "{{") {
		t.Errorf("unfilled placeholder in plist:\n%s", content)
	}

	if _, _, _, err := serviceUnit("plan9", "/", "x", "y"); err == nil {
		t.Error("expected an error for an unsupported OS")
	}
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	dbPath := filepath.Join(src, "access.db")
	cfgPath := filepath.Join(src, "config.json")

	store, err := access.OpenStore(dbPath, logger)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.InsertCode(ctx, "ABCDEFGHJK", "kept", time.Now()); err != nil {
		t.Fatal(err)
	}
	store.Close()
	if err := os.WriteFile(cfgPath, []byte(`{"general":{"logLevel":"info"}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	snapshot := filepath.Join(t.TempDir(), archiveDBName)
	if err := snapshotDB(ctx, dbPath, snapshot); err != nil {
		t.Fatal(err)
	}
	archive := filepath.Join(t.TempDir(), "backup.tar.gz")
	cfgEntry := archiveConfigName + ".json"
	if err := writeArchive(archive, map[string]string{
		archiveDBName: snapshot,
		cfgEntry:      cfgPath,
	}); err != nil {
		t.Fatal(err)
	}

	dst := t.TempDir()
	restoredDB := filepath.Join(dst, "restored.db")
	restoredCfg := filepath.Join(dst, "config.json")
	files, err := extractArchive(archive, func(name string) (string, bool) {
		switch name {
		case archiveDBName:
			return restoredDB, true
		case "config.json":
			return restoredCfg, true
		}
		return "", false
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 restored files, got %v", files)
	}

	restored, err := access.OpenStore(restoredDB, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer restored.Close()
	codes, err := restored.ListCodes(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(codes) != 1 || codes[0].Note != "kept" {
		t.Errorf("restored codes: %+v", codes)
	}
	data, _ := os.ReadFile(restoredCfg)
	if !strings.Contains(string(data), "logLevel") {
		t.Errorf("restored config: %s", data)
	}
}
