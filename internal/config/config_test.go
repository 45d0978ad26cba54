package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	t.Setenv("INBOX_CONFIG", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.Database.Driver != "sqlite" || cfg.Sync.MaxMessages != 50 {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.Renewal.GmailThreshold != 24*time.Hour || cfg.Renewal.OutlookThreshold != 12*time.Hour {
		t.Errorf("thresholds = %v %v", cfg.Renewal.GmailThreshold, cfg.Renewal.OutlookThreshold)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inbox.yaml")
	yaml := `
database:
  driver: postgres
  dsn: postgres://inbox@localhost/inbox
sync:
  max_messages: 100
  fetch_timeout: 20s
outlook:
  notification_url: https://inbox.example.com/webhooks/outlook
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("INBOX_SYNC_MAX_MESSAGES", "75")
	t.Setenv("INBOX_RENEWAL_GMAIL_THRESHOLD", "36h")
	t.Setenv("INBOX_AUTH_TRIGGER_SECRET", "s3cret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.DSN != "postgres://inbox@localhost/inbox" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Sync.MaxMessages != 75 {
		t.Errorf("env should override file: max_messages = %d", cfg.Sync.MaxMessages)
	}
	if cfg.Sync.FetchTimeout != 20*time.Second || cfg.Renewal.GmailThreshold != 36*time.Hour {
		t.Errorf("durations = %v %v", cfg.Sync.FetchTimeout, cfg.Renewal.GmailThreshold)
	}
	if cfg.Auth.TriggerSecret != "s3cret" || cfg.Outlook.NotificationURL == "" {
		t.Errorf("auth/outlook = %+v %+v", cfg.Auth, cfg.Outlook)
	}
}

func TestMissingConfigFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("explicit config path that does not exist must fail")
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("INBOX_CONFIG", "")
	base := func(t *testing.T) *Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatal(err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres" }, "database.dsn"},
		{"lease shorter than fetch", func(c *Config) { c.Sync.LeaseTTL = time.Second }, "lease_ttl"},
		{"negative passes", func(c *Config) { c.Sync.MaxExtraPasses = -1 }, "max_extra_passes"},
		{"half pubsub", func(c *Config) { c.Gmail.PubSubProject = "p" }, "pubsub"},
		{"broker without key", func(c *Config) { c.Auth.BrokerURL = "https://id.example.com" }, "broker_key"},
		{"short outlook lifetime", func(c *Config) { c.Outlook.SubscriptionLifetime = time.Hour }, "subscription_lifetime"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}
}
