package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/inbox-sync/internal/store"
	"github.com/Martian-dev/inbox-sync/internal/sync"
)

const (
	DefaultBootstrapDays = 7
	snippetLength        = 200
)

// Config holds settings shared by every Slack connection
type Config struct {
	BootstrapDays int

	// APIURL and HTTPClient replace the Slack host and transport (tests)
	APIURL     string
	HTTPClient *http.Client
}

// Adapter implements sync.Adapter for one Slack channel
type Adapter struct {
	api     *slack.Client
	channel string
	cfg     Config
	now     func() time.Time
}

// cursor is the adapter's sync position. TS is the watermark every page of the
// current round is read above; Page is Slack's paging cursor inside the round
// and High the newest ts seen so far. The watermark moves to High only when
// the round completes, so an interrupted round is replayed, never skipped.
type cursor struct {
	TS   string `json:"ts"`
	Page string `json:"page,omitempty"`
	High string `json:"high,omitempty"`
}

// New creates a Slack adapter for channel
func New(tok *oauth2.Token, channel string, cfg Config) (*Adapter, error) {
	if cfg.BootstrapDays <= 0 {
		cfg.BootstrapDays = DefaultBootstrapDays
	}
	if tok == nil || tok.AccessToken == "" {
		return nil, sync.AuthExpired(errors.New("slack: no access token"))
	}
	if channel == "" {
		return nil, sync.Permanent(errors.New("slack: connection has no channel id"))
	}

	var opts []slack.Option
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, slack.OptionHTTPClient(cfg.HTTPClient))
	}
	return &Adapter{
		api:     slack.New(tok.AccessToken, opts...),
		channel: channel,
		cfg:     cfg,
		now:     time.Now,
	}, nil
}

// Factory returns the registry hook for Slack connections
func Factory(cfg Config) sync.AdapterFactory {
	return func(ctx context.Context, conn store.ChannelConnection, tok *oauth2.Token) (sync.Adapter, error) {
		return New(tok, conn.ProviderAccountID, cfg)
	}
}

// FetchChanges pages through channel history above the watermark
func (a *Adapter) FetchChanges(ctx context.Context, raw *string, limit int) (*sync.FetchResult, error) {
	cur, err := a.parseCursor(raw)
	if err != nil {
		return nil, err
	}

	resp, err := a.api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: a.channel,
		Cursor:    cur.Page,
		Oldest:    cur.TS,
		Limit:     limit,
	})
	if err != nil {
		return nil, classify(err)
	}

	res := &sync.FetchResult{}
	for _, m := range resp.Messages {
		if m.Timestamp == "" || m.Hidden {
			continue
		}
		res.Messages = append(res.Messages, a.normalize(m))
		if tsLess(cur.High, m.Timestamp) {
			cur.High = m.Timestamp
		}
	}

	next := cursor{TS: cur.TS, High: cur.High}
	if resp.HasMore && resp.ResponseMetaData.NextCursor != "" {
		next.Page = resp.ResponseMetaData.NextCursor
		res.HasMore = true
	} else {
		if tsLess(next.TS, cur.High) {
			next.TS = cur.High
		}
		next.High = ""
	}

	b, err := json.Marshal(next)
	if err != nil {
		return nil, sync.Permanent(fmt.Errorf("encode cursor: %w", err))
	}
	res.NextCursor = string(b)
	return res, nil
}

func (a *Adapter) parseCursor(raw *string) (cursor, error) {
	if raw == nil || *raw == "" {
		since := a.now().UTC().AddDate(0, 0, -a.cfg.BootstrapDays).Unix()
		return cursor{TS: fmt.Sprintf("%d.000000", since)}, nil
	}
	var c cursor
	if err := json.Unmarshal([]byte(*raw), &c); err != nil {
		return cursor{}, sync.Permanent(fmt.Errorf("decode slack cursor: %w", err))
	}
	return c, nil
}

func (a *Adapter) normalize(m slack.Message) sync.RawMessage {
	raw := sync.RawMessage{
		ProviderMessageID: m.Timestamp,
		ThreadID:          m.ThreadTimestamp,
		Sender:            m.User,
		Recipients:        []string{a.channel},
		Body:              m.Text,
		Snippet:           snippet(m.Text),
		Timestamp:         tsTime(m.Timestamp),
	}
	if raw.ThreadID == "" {
		raw.ThreadID = m.Timestamp
	}
	if raw.Sender == "" {
		raw.Sender = m.BotID
	}
	if m.SubType != "" {
		raw.Labels = append(raw.Labels, m.SubType)
	}
	for _, r := range m.Reactions {
		raw.Labels = append(raw.Labels, "reaction:"+r.Name)
	}
	return raw
}

// RegisterWebhook is a no-op: Events API subscriptions are app-level and never expire
func (a *Adapter) RegisterWebhook(ctx context.Context, conn store.ChannelConnection) (*sync.WebhookRegistration, error) {
	return &sync.WebhookRegistration{}, nil
}

// RenewWebhook is a no-op, see RegisterWebhook
func (a *Adapter) RenewWebhook(ctx context.Context, conn store.ChannelConnection) (*sync.WebhookRegistration, error) {
	return &sync.WebhookRegistration{}, nil
}

// classify maps Slack Web API failures onto the sync error taxonomy
func classify(err error) error {
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return sync.RateLimited(err, rl.RetryAfter)
	}

	var status slack.StatusCodeError
	if errors.As(err, &status) {
		return sync.FromStatus(status.Code, nil, err)
	}

	var apiErr slack.SlackErrorResponse
	if errors.As(err, &apiErr) {
		switch apiErr.Err {
		case "invalid_auth", "not_authed", "token_revoked", "token_expired", "account_inactive":
			return sync.AuthExpired(err)
		case "ratelimited":
			return sync.RateLimited(err, 0)
		case "internal_error", "fatal_error", "service_unavailable", "request_timeout":
			return sync.Transient(err)
		default:
			return sync.Permanent(err)
		}
	}
	return sync.Transient(err)
}

// tsLess compares Slack timestamps ("seconds.micros") without float rounding
func tsLess(a, b string) bool {
	if a == "" {
		return b != ""
	}
	as, af, _ := strings.Cut(a, ".")
	bs, bf, _ := strings.Cut(b, ".")
	ai, _ := strconv.ParseInt(as, 10, 64)
	bi, _ := strconv.ParseInt(bs, 10, 64)
	if ai != bi {
		return ai < bi
	}
	return padFrac(af) < padFrac(bf)
}

func padFrac(s string) string {
	for len(s) < 6 {
		s += "0"
	}
	return s
}

func tsTime(ts string) time.Time {
	secs, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}
	}
	micros, _ := strconv.ParseInt(padFrac(frac)[:6], 10, 64)
	return time.Unix(s, micros*int64(time.Microsecond)).UTC()
}

func snippet(text string) string {
	r := []rune(strings.TrimSpace(text))
	if len(r) <= snippetLength {
		return string(r)
	}
	return string(r[:snippetLength])
}
