package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/inbox-sync/internal/store"
	"github.com/Martian-dev/inbox-sync/internal/sync"
)

const (
	DefaultBootstrapDays = 7
	DefaultMailbox       = "INBOX"
	DefaultTimeout       = 30 * time.Second

	// connection metadata keys
	MetaHost     = "imap_host"
	MetaSecurity = "imap_security" // "tls" (default) or "plain"
	MetaAuth     = "imap_auth"     // "oauthbearer" (default) or "password"
	MetaMailbox  = "imap_mailbox"

	snippetLength = 200
)

// Config holds settings shared by every IMAP connection
type Config struct {
	BootstrapDays int
	Timeout       time.Duration
}

// Adapter implements sync.Adapter for an IMAP mailbox. IMAP has no push
// subscription to renew; new mail is picked up by scheduled sweeps.
type Adapter struct {
	conn store.ChannelConnection
	tok  *oauth2.Token
	cfg  Config
	now  func() time.Time
}

// New creates an IMAP adapter for conn
func New(conn store.ChannelConnection, tok *oauth2.Token, cfg Config) (*Adapter, error) {
	if cfg.BootstrapDays <= 0 {
		cfg.BootstrapDays = DefaultBootstrapDays
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if conn.Metadata[MetaHost] == "" {
		return nil, sync.Permanent(fmt.Errorf("imap: connection %s has no %s", conn.ID, MetaHost))
	}
	if tok == nil || tok.AccessToken == "" {
		return nil, sync.AuthExpired(errors.New("imap: no credentials"))
	}
	return &Adapter{conn: conn, tok: tok, cfg: cfg, now: time.Now}, nil
}

// Factory returns the registry hook for IMAP connections
func Factory(cfg Config) sync.AdapterFactory {
	return func(ctx context.Context, conn store.ChannelConnection, tok *oauth2.Token) (sync.Adapter, error) {
		return New(conn, tok, cfg)
	}
}

// position is the decoded "uidvalidity:uid" cursor
type position struct {
	validity uint32
	uid      uint32
}

func parsePosition(s string) (position, bool) {
	v, u, ok := strings.Cut(s, ":")
	if !ok {
		return position{}, false
	}
	validity, err1 := strconv.ParseUint(v, 10, 32)
	uid, err2 := strconv.ParseUint(u, 10, 32)
	if err1 != nil || err2 != nil {
		return position{}, false
	}
	return position{validity: uint32(validity), uid: uint32(uid)}, true
}

func (p position) String() string {
	return fmt.Sprintf("%d:%d", p.validity, p.uid)
}

// FetchChanges returns messages with a UID above the cursor. A missing cursor or
// a changed UIDVALIDITY starts over from the bootstrap window.
func (a *Adapter) FetchChanges(ctx context.Context, cursor *string, limit int) (*sync.FetchResult, error) {
	c, err := a.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer a.close(c)

	stop := context.AfterFunc(ctx, func() { _ = c.Terminate() })
	defer stop()

	mbox := a.mailbox()
	status, err := c.Select(mbox, true)
	if err != nil {
		return nil, classify(ctx, fmt.Errorf("select %s: %w", mbox, err))
	}

	var (
		pos       position
		bootstrap = true
	)
	if cursor != nil {
		if p, ok := parsePosition(*cursor); ok && p.validity == status.UidValidity {
			pos, bootstrap = p, false
		} else if ok {
			log.Warn().Str("component", "imap").Str("connection_id", a.conn.ID).
				Uint32("old_validity", p.validity).Uint32("uid_validity", status.UidValidity).
				Msg("uidvalidity changed, restarting bootstrap")
		}
	}

	criteria := imap.NewSearchCriteria()
	if bootstrap {
		pos = position{validity: status.UidValidity}
		criteria.Since = a.now().UTC().AddDate(0, 0, -a.cfg.BootstrapDays)
	} else {
		criteria.Uid = new(imap.SeqSet)
		criteria.Uid.AddRange(pos.uid+1, 0)
	}

	found, err := c.UidSearch(criteria)
	if err != nil {
		return nil, classify(ctx, fmt.Errorf("uid search: %w", err))
	}

	uids := make([]uint32, 0, len(found))
	for _, uid := range found {
		// "n:*" always matches the highest uid, even below n
		if uid > pos.uid {
			uids = append(uids, uid)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	res := &sync.FetchResult{}
	if len(uids) > limit {
		uids = uids[:limit]
		res.HasMore = true
	}

	if len(uids) > 0 {
		msgs, err := a.fetch(c, uids, status.UidValidity)
		if err != nil {
			return nil, classify(ctx, err)
		}
		res.Messages = msgs
		pos.uid = uids[len(uids)-1]
	}

	// a finished bootstrap skips older mail outside the window
	if !res.HasMore && status.UidNext > 0 && status.UidNext-1 > pos.uid {
		pos.uid = status.UidNext - 1
	}
	res.NextCursor = pos.String()
	return res, nil
}

func (a *Adapter) fetch(c *client.Client, uids []uint32, validity uint32) ([]sync.RawMessage, error) {
	set := new(imap.SeqSet)
	set.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchEnvelope, imap.FetchFlags, imap.FetchInternalDate, section.FetchItem()}

	ch := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(set, items, ch)
	}()

	byUID := make(map[uint32]sync.RawMessage, len(uids))
	for m := range ch {
		byUID[m.Uid] = normalize(m, section, validity)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("uid fetch: %w", err)
	}

	out := make([]sync.RawMessage, 0, len(byUID))
	for _, uid := range uids {
		if m, ok := byUID[uid]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func normalize(m *imap.Message, section *imap.BodySectionName, validity uint32) sync.RawMessage {
	raw := sync.RawMessage{
		ProviderMessageID: fmt.Sprintf("%d:%d", validity, m.Uid),
		Labels:            m.Flags,
		Timestamp:         m.InternalDate.UTC(),
	}

	if env := m.Envelope; env != nil {
		raw.Subject = env.Subject
		if env.MessageId != "" {
			raw.ProviderMessageID = env.MessageId
		}
		raw.ThreadID = env.InReplyTo
		if raw.ThreadID == "" {
			raw.ThreadID = env.MessageId
		}
		if len(env.From) > 0 {
			raw.Sender = env.From[0].Address()
		}
		for _, addr := range append(env.To, env.Cc...) {
			raw.Recipients = append(raw.Recipients, addr.Address())
		}
		if raw.Timestamp.IsZero() {
			raw.Timestamp = env.Date.UTC()
		}
	}

	if body := m.GetBody(section); body != nil {
		raw.Body = textBody(body)
		raw.Snippet = snippet(raw.Body)
	}
	return raw
}

// textBody returns the first inline text/plain part, or the first inline part of any text type
func textBody(r io.Reader) string {
	mr, err := mail.CreateReader(r)
	if err != nil && mr == nil {
		return ""
	}
	defer mr.Close()

	var fallback string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		b, err := io.ReadAll(p.Body)
		if err != nil {
			continue
		}
		if ct == "text/plain" {
			return string(b)
		}
		if fallback == "" && strings.HasPrefix(ct, "text/") {
			fallback = string(b)
		}
	}
	return fallback
}

func snippet(body string) string {
	s := strings.Join(strings.Fields(body), " ")
	r := []rune(s)
	if len(r) <= snippetLength {
		return s
	}
	return string(r[:snippetLength])
}

// RegisterWebhook is a no-op; IMAP IDLE is not used by the scheduled sweep model
func (a *Adapter) RegisterWebhook(ctx context.Context, conn store.ChannelConnection) (*sync.WebhookRegistration, error) {
	return &sync.WebhookRegistration{}, nil
}

// RenewWebhook is a no-op, see RegisterWebhook
func (a *Adapter) RenewWebhook(ctx context.Context, conn store.ChannelConnection) (*sync.WebhookRegistration, error) {
	return &sync.WebhookRegistration{}, nil
}

func (a *Adapter) mailbox() string {
	if m := a.conn.Metadata[MetaMailbox]; m != "" {
		return m
	}
	return DefaultMailbox
}

func (a *Adapter) dial(ctx context.Context) (*client.Client, error) {
	addr := a.conn.Metadata[MetaHost]
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
		addr = net.JoinHostPort(addr, "993")
	}

	dialer := &net.Dialer{Timeout: a.cfg.Timeout}
	var c *client.Client
	if a.conn.Metadata[MetaSecurity] == "plain" {
		c, err = client.DialWithDialer(dialer, addr)
	} else {
		c, err = client.DialWithDialerTLS(dialer, addr, &tls.Config{ServerName: host})
	}
	if err != nil {
		return nil, classify(ctx, fmt.Errorf("dial %s: %w", addr, err))
	}
	c.Timeout = a.cfg.Timeout

	if a.conn.Metadata[MetaAuth] == "password" {
		err = c.Login(a.conn.ProviderAccountID, a.tok.AccessToken)
	} else {
		err = c.Authenticate(sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: a.conn.ProviderAccountID,
			Token:    a.tok.AccessToken,
		}))
	}
	if err != nil {
		_ = c.Terminate()
		return nil, sync.AuthExpired(fmt.Errorf("imap authenticate: %w", err))
	}
	return c, nil
}

func (a *Adapter) close(c *client.Client) {
	if err := c.Logout(); err != nil && !errors.Is(err, client.ErrAlreadyLoggedOut) {
		log.Debug().Err(err).Str("component", "imap").Msg("logout")
	}
}

// classify maps IMAP failures: a cancelled call is transient, a server NO/BAD
// on a command is permanent, anything on the wire is transient.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return sync.Transient(fmt.Errorf("%w: %v", ctx.Err(), err))
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) {
		return sync.Transient(err)
	}
	var imapErr *imap.ErrStatusResp
	if errors.As(err, &imapErr) {
		return sync.Permanent(err)
	}
	return sync.Transient(err)
}
