package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/inbox-sync/internal/auth"
	"github.com/Martian-dev/inbox-sync/internal/config"
	"github.com/Martian-dev/inbox-sync/internal/store"
	"github.com/Martian-dev/inbox-sync/internal/sync"
)

// writeConfig points the database at a temp dir and returns the config path
func writeConfig(t *testing.T, extra string) (string, string) {
	t.Helper()
	t.Setenv("INBOX_CONFIG", "")
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "data", "inbox.db")
	yaml := "database:\n  path: " + dbPath + "\nlog:\n  level: disabled\n" + extra
	path := filepath.Join(dir, "inbox-sync.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	return path, dbPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	zerolog.SetGlobalLevel(zerolog.Disabled)
	return out.String(), err
}

func TestMigrateCreatesDatabase(t *testing.T) {
	path, dbPath := writeConfig(t, "")
	if _, err := execute(t, "--config", path, "migrate"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database not created: %v", err)
	}
}

func TestRunSyncPrintsSummary(t *testing.T) {
	path, _ := writeConfig(t, "")
	out, err := execute(t, "--config", path, "run", "sync")
	if err != nil {
		t.Fatalf("run sync: %v", err)
	}
	var summary sync.Summary
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("output is not a summary: %v\n%s", err, out)
	}
	if summary != (sync.Summary{}) {
		t.Errorf("summary = %+v, want zero on an empty database", summary)
	}
}

func TestRunUnknownTask(t *testing.T) {
	path, _ := writeConfig(t, "")
	_, err := execute(t, "--config", path, "run", "reindex")
	if err == nil || !strings.Contains(err.Error(), "renew-gmail") {
		t.Fatalf("err = %v, want the available task list", err)
	}
}

func TestTokenIsAcceptedByTrigger(t *testing.T) {
	path, _ := writeConfig(t, "auth:\n  trigger_secret: s3cret\n")
	out, err := execute(t, "--config", path, "token", "--ttl", "5m")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	tok := strings.TrimSpace(out)
	if err := auth.NewTriggerAuthenticator("s3cret").Authenticate("Bearer " + tok); err != nil {
		t.Errorf("issued token rejected: %v", err)
	}
}

func TestTokenRequiresSecret(t *testing.T) {
	path, _ := writeConfig(t, "")
	if _, err := execute(t, "--config", path, "token"); err == nil {
		t.Error("expected an error without a trigger secret")
	}
}

func TestNewAppWiresEveryProvider(t *testing.T) {
	t.Setenv("INBOX_CONFIG", "")
	c, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	c.Database.Path = ":memory:"
	c.Classifier.URL = "http://classifier.invalid"

	a, err := newApp(c)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.close()

	for _, p := range []store.Provider{store.ProviderGmail, store.ProviderOutlook, store.ProviderSlack, store.ProviderIMAP} {
		if !a.registry.Supports(p) {
			t.Errorf("provider %s not registered", p)
		}
	}
	if a.classifier == nil {
		t.Error("classifier dispatcher not built")
	}
	want := []string{"renew-gmail", "renew-outlook", "sync"}
	if got := a.tasks.Names(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("tasks = %v, want %v", got, want)
	}
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	if _, err := openStore(config.DatabaseConfig{Driver: "mysql"}, false); err == nil {
		t.Error("expected an error")
	}
}

func TestZeroExtraPassesInConfigDisablesThem(t *testing.T) {
	t.Setenv("INBOX_CONFIG", "")
	c, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	c.Database.Path = ":memory:"
	c.Sync.MaxExtraPasses = 0

	a, err := newApp(c)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.close()
	if got := a.executor.Config().MaxExtraPasses; got != 0 {
		t.Errorf("extra passes = %d, want 0", got)
	}
}
