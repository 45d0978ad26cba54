package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full service configuration. Every key can be set in the
// optional YAML file or through INBOX_<SECTION>_<KEY> environment variables.
type Config struct {
	HTTP       HTTPConfig       `mapstructure:"http"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Renewal    RenewalConfig    `mapstructure:"renewal"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
	Ingress    IngressConfig    `mapstructure:"ingress"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Gmail      GmailConfig      `mapstructure:"gmail"`
	Outlook    OutlookConfig    `mapstructure:"outlook"`
	Slack      SlackConfig      `mapstructure:"slack"`
	IMAP       IMAPConfig       `mapstructure:"imap"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Log        LogConfig        `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres"
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

type SyncConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	MaxMessages    int           `mapstructure:"max_messages"`
	MaxExtraPasses int           `mapstructure:"max_extra_passes"`
	ErrorThreshold int           `mapstructure:"error_threshold"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
	LeaseTTL       time.Duration `mapstructure:"lease_ttl"`
	AutoClassify   bool          `mapstructure:"auto_classify"`
	// Requests per second per provider family; zero is unlimited
	GmailRPS   float64 `mapstructure:"gmail_rps"`
	OutlookRPS float64 `mapstructure:"outlook_rps"`
	SlackRPS   float64 `mapstructure:"slack_rps"`
	IMAPRPS    float64 `mapstructure:"imap_rps"`
}

type RenewalConfig struct {
	FailureCap       int           `mapstructure:"failure_cap"`
	Retries          int           `mapstructure:"retries"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	Timeout          time.Duration `mapstructure:"timeout"`
	GmailThreshold   time.Duration `mapstructure:"gmail_threshold"`
	OutlookThreshold time.Duration `mapstructure:"outlook_threshold"`
}

type ScheduleConfig struct {
	// Enabled runs the tasks in-process instead of relying on an external cron
	Enabled       bool          `mapstructure:"enabled"`
	SyncInterval  time.Duration `mapstructure:"sync_interval"`
	RenewInterval time.Duration `mapstructure:"renew_interval"`
}

type IngressConfig struct {
	Workers   int           `mapstructure:"workers"`
	QueueSize int           `mapstructure:"queue_size"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type AuthConfig struct {
	TriggerSecret string        `mapstructure:"trigger_secret"`
	BrokerURL     string        `mapstructure:"broker_url"`
	BrokerKey     string        `mapstructure:"broker_key"`
	BrokerTimeout time.Duration `mapstructure:"broker_timeout"`
}

type GmailConfig struct {
	Topic         string `mapstructure:"topic"`
	BootstrapDays int    `mapstructure:"bootstrap_days"`
	// PushAudience enables OIDC verification of Pub/Sub push requests
	PushAudience       string `mapstructure:"push_audience"`
	PushServiceAccount string `mapstructure:"push_service_account"`
	// PubSubProject and PubSubSubscription enable pull mode
	PubSubProject      string `mapstructure:"pubsub_project"`
	PubSubSubscription string `mapstructure:"pubsub_subscription"`
}

type OutlookConfig struct {
	NotificationURL      string        `mapstructure:"notification_url"`
	ClientState          string        `mapstructure:"client_state"`
	SubscriptionLifetime time.Duration `mapstructure:"subscription_lifetime"`
	BootstrapDays        int           `mapstructure:"bootstrap_days"`
}

type SlackConfig struct {
	SigningSecret string `mapstructure:"signing_secret"`
	BootstrapDays int    `mapstructure:"bootstrap_days"`
}

type IMAPConfig struct {
	BootstrapDays int           `mapstructure:"bootstrap_days"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type ClassifierConfig struct {
	URL       string        `mapstructure:"url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Workers   int           `mapstructure:"workers"`
	QueueSize int           `mapstructure:"queue_size"`
}

type NATSConfig struct {
	URL    string `mapstructure:"url"`
	Stream string `mapstructure:"stream"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// defaults doubles as the key list for environment binding: viper only maps
// env vars onto keys it already knows about.
var defaults = map[string]any{
	"http.addr": ":8080",

	"database.driver": "sqlite",
	"database.path":   "data/inbox.db",
	"database.dsn":    "",

	"sync.concurrency":      8,
	"sync.max_messages":     50,
	"sync.max_extra_passes": 1,
	"sync.error_threshold":  3,
	"sync.fetch_timeout":    30 * time.Second,
	"sync.lease_ttl":        2 * time.Minute,
	"sync.auto_classify":    false,
	"sync.gmail_rps":        10.0,
	"sync.outlook_rps":      4.0,
	"sync.slack_rps":        1.0,
	"sync.imap_rps":         0.0,

	"renewal.failure_cap":       3,
	"renewal.retries":           2,
	"renewal.retry_backoff":     time.Second,
	"renewal.timeout":           10 * time.Second,
	"renewal.gmail_threshold":   24 * time.Hour,
	"renewal.outlook_threshold": 12 * time.Hour,

	"schedule.enabled":        false,
	"schedule.sync_interval":  5 * time.Minute,
	"schedule.renew_interval": 24 * time.Hour,

	"ingress.workers":    4,
	"ingress.queue_size": 256,
	"ingress.timeout":    2 * time.Minute,

	"auth.trigger_secret": "",
	"auth.broker_url":     "",
	"auth.broker_key":     "",
	"auth.broker_timeout": 10 * time.Second,

	"gmail.topic":                "",
	"gmail.bootstrap_days":       7,
	"gmail.push_audience":        "",
	"gmail.push_service_account": "",
	"gmail.pubsub_project":       "",
	"gmail.pubsub_subscription":  "",

	"outlook.notification_url":      "",
	"outlook.client_state":          "",
	"outlook.subscription_lifetime": 70 * time.Hour,
	"outlook.bootstrap_days":        7,

	"slack.signing_secret": "",
	"slack.bootstrap_days": 7,

	"imap.bootstrap_days": 7,
	"imap.timeout":        30 * time.Second,

	"classifier.url":        "",
	"classifier.timeout":    15 * time.Second,
	"classifier.workers":    2,
	"classifier.queue_size": 256,

	"nats.url":    "",
	"nats.stream": "INBOX_EVENTS",

	"log.level":  "info",
	"log.pretty": false,
}

// Load reads .env (if present), the config file and the environment.
// path may be empty: INBOX_CONFIG is consulted, then ./inbox-sync.yaml if it exists.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("INBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("INBOX_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat("inbox-sync.yaml"); err == nil {
			path = "inbox-sync.yaml"
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database.path is required for sqlite"))
		}
	case "postgres":
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not sqlite or postgres", c.Database.Driver))
	}

	if c.Sync.Concurrency <= 0 {
		errs = append(errs, errors.New("sync.concurrency must be positive"))
	}
	if c.Sync.MaxMessages <= 0 {
		errs = append(errs, errors.New("sync.max_messages must be positive"))
	}
	if c.Sync.MaxExtraPasses < 0 {
		errs = append(errs, errors.New("sync.max_extra_passes must not be negative"))
	}
	if c.Sync.LeaseTTL <= c.Sync.FetchTimeout {
		errs = append(errs, errors.New("sync.lease_ttl must exceed sync.fetch_timeout"))
	}
	if c.Renewal.FailureCap <= 0 {
		errs = append(errs, errors.New("renewal.failure_cap must be positive"))
	}
	if c.Renewal.Retries < 0 {
		errs = append(errs, errors.New("renewal.retries must not be negative"))
	}
	if c.Schedule.Enabled && (c.Schedule.SyncInterval <= 0 || c.Schedule.RenewInterval <= 0) {
		errs = append(errs, errors.New("schedule intervals must be positive when the scheduler is enabled"))
	}
	if c.Outlook.SubscriptionLifetime > 0 && c.Outlook.SubscriptionLifetime <= c.Renewal.OutlookThreshold {
		errs = append(errs, errors.New("outlook.subscription_lifetime must exceed renewal.outlook_threshold"))
	}
	if (c.Gmail.PubSubProject == "") != (c.Gmail.PubSubSubscription == "") {
		errs = append(errs, errors.New("gmail.pubsub_project and gmail.pubsub_subscription must be set together"))
	}
	if c.Auth.BrokerURL != "" && c.Auth.BrokerKey == "" {
		errs = append(errs, errors.New("auth.broker_key is required with auth.broker_url"))
	}
	return errors.Join(errs...)
}
