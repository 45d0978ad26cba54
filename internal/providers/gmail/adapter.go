package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/inbox-sync/internal/store"
	"github.com/Martian-dev/inbox-sync/internal/sync"
)

const (
	DefaultBootstrapDays = 7

	userID          = "me"
	historyPageSize = 100
)

// Config holds settings shared by every Gmail connection
type Config struct {
	// Topic is the Pub/Sub topic watch notifications are published to,
	// e.g. projects/acme/topics/gmail-push
	Topic         string
	BootstrapDays int

	// Endpoint and HTTPClient replace the API host and transport (tests)
	Endpoint   string
	HTTPClient *http.Client
}

// Adapter implements sync.Adapter for Gmail
type Adapter struct {
	svc *gmail.Service
	cfg Config
}

// New creates a new Gmail adapter authorised with tok
func New(ctx context.Context, tok *oauth2.Token, cfg Config) (*Adapter, error) {
	if cfg.BootstrapDays <= 0 {
		cfg.BootstrapDays = DefaultBootstrapDays
	}

	var opts []option.ClientOption
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	} else {
		if tok == nil || tok.AccessToken == "" {
			return nil, sync.AuthExpired(errors.New("gmail: no access token"))
		}
		opts = append(opts, option.WithHTTPClient(oauth2.NewClient(ctx, oauth2.StaticTokenSource(tok))))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return &Adapter{svc: svc, cfg: cfg}, nil
}

// Factory returns the registry hook for Gmail connections
func Factory(cfg Config) sync.AdapterFactory {
	return func(ctx context.Context, conn store.ChannelConnection, tok *oauth2.Token) (sync.Adapter, error) {
		return New(ctx, tok, cfg)
	}
}

// bootstrapCursor resumes a bootstrap listing that spans several pages.
// HistoryID is captured before the first page and becomes the history cursor
// once the listing is exhausted.
type bootstrapCursor struct {
	HistoryID string `json:"h"`
	PageToken string `json:"p"`
}

// FetchChanges reads history after the cursor. The cursor is a decimal history
// id, or a JSON bootstrapCursor while the initial listing is still paging.
func (a *Adapter) FetchChanges(ctx context.Context, cursor *string, limit int) (*sync.FetchResult, error) {
	if cursor == nil || *cursor == "" {
		return a.bootstrap(ctx, bootstrapCursor{}, limit)
	}
	if strings.HasPrefix(*cursor, "{") {
		var bc bootstrapCursor
		if err := json.Unmarshal([]byte(*cursor), &bc); err != nil || bc.HistoryID == "" || bc.PageToken == "" {
			log.Warn().Str("component", "gmail").Str("cursor", *cursor).Msg("unparseable bootstrap cursor, restarting bootstrap")
			return a.bootstrap(ctx, bootstrapCursor{}, limit)
		}
		return a.bootstrap(ctx, bc, limit)
	}

	start, err := strconv.ParseUint(*cursor, 10, 64)
	if err != nil {
		log.Warn().Str("component", "gmail").Str("cursor", *cursor).Msg("unparseable history cursor, restarting bootstrap")
		return a.bootstrap(ctx, bootstrapCursor{}, limit)
	}

	res, err := a.history(ctx, start, limit)
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			log.Warn().Str("component", "gmail").Uint64("start_history_id", start).Msg("history id expired, restarting bootstrap")
			return a.bootstrap(ctx, bootstrapCursor{}, limit)
		}
		return nil, classify(err)
	}
	return res, nil
}

// bootstrap captures the current history id before listing recent mail so that
// anything arriving during the listing is replayed by the next history call.
// A window larger than limit is listed page by page; the cursor carries the
// page token until the last page.
func (a *Adapter) bootstrap(ctx context.Context, bc bootstrapCursor, limit int) (*sync.FetchResult, error) {
	if bc.HistoryID == "" {
		profile, err := a.svc.Users.GetProfile(userID).Context(ctx).Do()
		if err != nil {
			return nil, classify(err)
		}
		bc.HistoryID = strconv.FormatUint(profile.HistoryId, 10)
	}

	call := a.svc.Users.Messages.List(userID).
		Q(fmt.Sprintf("newer_than:%dd", a.cfg.BootstrapDays)).
		IncludeSpamTrash(false).
		MaxResults(int64(limit)).
		Context(ctx)
	if bc.PageToken != "" {
		call = call.PageToken(bc.PageToken)
	}
	list, err := call.Do()
	if err != nil {
		var gerr *googleapi.Error
		if bc.PageToken != "" && errors.As(err, &gerr) && gerr.Code == http.StatusBadRequest {
			log.Warn().Str("component", "gmail").Msg("bootstrap page token rejected, restarting bootstrap")
			return a.bootstrap(ctx, bootstrapCursor{}, limit)
		}
		return nil, classify(err)
	}

	ids := make([]string, 0, len(list.Messages))
	for _, m := range list.Messages {
		ids = append(ids, m.Id)
	}

	res := &sync.FetchResult{NextCursor: bc.HistoryID}
	if list.NextPageToken != "" {
		next, err := json.Marshal(bootstrapCursor{HistoryID: bc.HistoryID, PageToken: list.NextPageToken})
		if err != nil {
			return nil, sync.Permanent(fmt.Errorf("encode bootstrap cursor: %w", err))
		}
		res.NextCursor = string(next)
		res.HasMore = true
	}
	if err := a.fetchMessages(ctx, ids, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (a *Adapter) history(ctx context.Context, start uint64, limit int) (*sync.FetchResult, error) {
	res := &sync.FetchResult{}
	seen := make(map[string]bool)
	var ids []string
	last := start
	pageToken := ""

pages:
	for {
		call := a.svc.Users.History.List(userID).
			StartHistoryId(start).
			HistoryTypes("messageAdded", "labelAdded", "labelRemoved").
			MaxResults(historyPageSize).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		page, err := call.Do()
		if err != nil {
			return nil, err
		}

		for _, h := range page.History {
			recIDs := recordMessageIDs(h)
			fresh := 0
			for _, id := range recIDs {
				if !seen[id] {
					fresh++
				}
			}
			// stop on a record boundary so the cursor never splits a record
			if len(ids) > 0 && len(ids)+fresh > limit {
				res.HasMore = true
				break pages
			}
			for _, id := range recIDs {
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
			last = h.Id
		}

		if page.NextPageToken == "" {
			if page.HistoryId > last {
				last = page.HistoryId
			}
			break
		}
		pageToken = page.NextPageToken
	}

	res.NextCursor = strconv.FormatUint(last, 10)
	if err := a.fetchMessages(ctx, ids, res); err != nil {
		return nil, err
	}
	return res, nil
}

func recordMessageIDs(h *gmail.History) []string {
	var ids []string
	for _, r := range h.MessagesAdded {
		if r.Message != nil {
			ids = append(ids, r.Message.Id)
		}
	}
	for _, r := range h.LabelsAdded {
		if r.Message != nil {
			ids = append(ids, r.Message.Id)
		}
	}
	for _, r := range h.LabelsRemoved {
		if r.Message != nil {
			ids = append(ids, r.Message.Id)
		}
	}
	return ids
}

func (a *Adapter) fetchMessages(ctx context.Context, ids []string, res *sync.FetchResult) error {
	for _, id := range ids {
		m, err := a.svc.Users.Messages.Get(userID, id).Format("full").Context(ctx).Do()
		if err != nil {
			var gerr *googleapi.Error
			if errors.As(err, &gerr) && (gerr.Code == http.StatusNotFound || gerr.Code == http.StatusBadRequest) {
				res.Skipped = append(res.Skipped, sync.SkippedMessage{ProviderMessageID: id, Err: sync.Permanent(err)})
				continue
			}
			return classify(err)
		}
		res.Messages = append(res.Messages, normalize(m))
	}
	return nil
}

// RegisterWebhook starts a watch on the inbox label
func (a *Adapter) RegisterWebhook(ctx context.Context, conn store.ChannelConnection) (*sync.WebhookRegistration, error) {
	if a.cfg.Topic == "" {
		return nil, sync.Permanent(errors.New("gmail: pub/sub topic not configured"))
	}

	resp, err := a.svc.Users.Watch(userID, &gmail.WatchRequest{
		TopicName:           a.cfg.Topic,
		LabelIds:            []string{"INBOX"},
		LabelFilterBehavior: "include",
	}).Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}

	reg := &sync.WebhookRegistration{}
	if resp.Expiration > 0 {
		exp := time.UnixMilli(resp.Expiration).UTC()
		reg.ExpiresAt = &exp
	}
	return reg, nil
}

// RenewWebhook re-issues the watch; Gmail treats a repeated watch as a renewal
func (a *Adapter) RenewWebhook(ctx context.Context, conn store.ChannelConnection) (*sync.WebhookRegistration, error) {
	return a.RegisterWebhook(ctx, conn)
}

// classify maps Gmail API failures onto the sync error taxonomy
func classify(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return sync.AuthExpired(err)
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == http.StatusForbidden && rateLimited(gerr) {
			return sync.RateLimited(err, sync.ParseRetryAfter(gerr.Header))
		}
		return sync.FromStatus(gerr.Code, gerr.Header, err)
	}
	return sync.Transient(err)
}

func rateLimited(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}

// normalize converts a Gmail message to the sync shape
func normalize(m *gmail.Message) sync.RawMessage {
	var h mail.Header
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			h.Add(kv.Name, kv.Value)
		}
	}

	raw := sync.RawMessage{
		ProviderMessageID: m.Id,
		ThreadID:          m.ThreadId,
		Snippet:           m.Snippet,
		Labels:            m.LabelIds,
		Body:              textBody(m.Payload),
	}

	if subject, err := h.Subject(); err == nil {
		raw.Subject = subject
	} else {
		raw.Subject = h.Get("Subject")
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		raw.Sender = from[0].Address
	} else {
		raw.Sender = strings.TrimSpace(h.Get("From"))
	}
	for _, key := range []string{"To", "Cc"} {
		addrs, err := h.AddressList(key)
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			raw.Recipients = append(raw.Recipients, addr.Address)
		}
	}

	switch {
	case m.InternalDate > 0:
		raw.Timestamp = time.UnixMilli(m.InternalDate).UTC()
	default:
		if d, err := h.Date(); err == nil {
			raw.Timestamp = d.UTC()
		}
	}
	return raw
}

// textBody returns the first text/plain part, falling back to text/html
func textBody(p *gmail.MessagePart) string {
	if p == nil {
		return ""
	}
	if plain := findPart(p, "text/plain"); plain != "" {
		return plain
	}
	return findPart(p, "text/html")
}

func findPart(p *gmail.MessagePart, mimeType string) string {
	if strings.HasPrefix(p.MimeType, mimeType) && p.Body != nil && p.Body.Data != "" {
		return decodeData(p.Body.Data)
	}
	for _, child := range p.Parts {
		if s := findPart(child, mimeType); s != "" {
			return s
		}
	}
	return ""
}

func decodeData(s string) string {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return ""
	}
	return string(b)
}
