package outlook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	"github.com/microsoft/kiota-abstractions-go/authentication"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/inbox-sync/internal/store"
	"github.com/Martian-dev/inbox-sync/internal/sync"
)

const (
	DefaultBootstrapDays = 7
	// Graph caps mail subscriptions at 4230 minutes
	DefaultSubscriptionLifetime = 70 * time.Hour

	inboxFolder = "inbox"
)

var messageFields = []string{
	"id", "conversationId", "subject", "from", "toRecipients", "ccRecipients",
	"body", "bodyPreview", "receivedDateTime", "categories", "isRead", "flag",
}

// Config holds settings shared by every Outlook connection
type Config struct {
	// NotificationURL is the public address of the outlook webhook endpoint
	NotificationURL      string
	ClientState          string
	SubscriptionLifetime time.Duration
	BootstrapDays        int

	// BaseURL and HTTPClient replace the Graph host and transport (tests)
	BaseURL    string
	HTTPClient *http.Client
}

// Adapter implements sync.Adapter for Outlook/Microsoft Graph
type Adapter struct {
	client  *msgraphsdk.GraphServiceClient
	account string
	cfg     Config
	now     func() time.Time
}

// New creates a new Outlook adapter for one mailbox
func New(ctx context.Context, tok *oauth2.Token, account string, cfg Config) (*Adapter, error) {
	if cfg.BootstrapDays <= 0 {
		cfg.BootstrapDays = DefaultBootstrapDays
	}
	if cfg.SubscriptionLifetime <= 0 {
		cfg.SubscriptionLifetime = DefaultSubscriptionLifetime
	}

	var (
		client *msgraphsdk.GraphServiceClient
		err    error
	)
	if cfg.HTTPClient != nil {
		client, err = newTestClient(cfg)
	} else {
		if tok == nil || tok.AccessToken == "" {
			return nil, sync.AuthExpired(errors.New("outlook: no access token"))
		}
		cred := &staticTokenCredential{token: tok.AccessToken, expiry: tok.Expiry}
		client, err = msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}

	return &Adapter{client: client, account: account, cfg: cfg, now: time.Now}, nil
}

func newTestClient(cfg Config) (*msgraphsdk.GraphServiceClient, error) {
	adapter, err := msgraphsdk.NewGraphRequestAdapterWithParseNodeFactoryAndSerializationWriterFactoryAndHttpClient(
		&authentication.AnonymousAuthenticationProvider{}, nil, nil, cfg.HTTPClient)
	if err != nil {
		return nil, err
	}
	if cfg.BaseURL != "" {
		adapter.SetBaseUrl(cfg.BaseURL)
	}
	return msgraphsdk.NewGraphServiceClient(adapter), nil
}

// Factory returns the registry hook for Outlook connections
func Factory(cfg Config) sync.AdapterFactory {
	return func(ctx context.Context, conn store.ChannelConnection, tok *oauth2.Token) (sync.Adapter, error) {
		return New(ctx, tok, conn.ProviderAccountID, cfg)
	}
}

// FetchChanges follows the inbox delta query. The cursor is the nextLink of an
// unfinished round or the deltaLink of a finished one.
func (a *Adapter) FetchChanges(ctx context.Context, cursor *string, limit int) (*sync.FetchResult, error) {
	delta := a.client.Users().ByUserId(a.account).MailFolders().ByMailFolderId(inboxFolder).Messages().Delta()

	headers := abstractions.NewRequestHeaders()
	headers.Add("Prefer", fmt.Sprintf("odata.maxpagesize=%d", limit))
	reqCfg := &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration{Headers: headers}

	if cursor == nil || *cursor == "" {
		since := a.now().UTC().AddDate(0, 0, -a.cfg.BootstrapDays).Format(time.RFC3339)
		filter := "receivedDateTime ge " + since
		reqCfg.QueryParameters = &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetQueryParameters{
			Filter: &filter,
			Select: messageFields,
		}
	} else {
		delta = delta.WithUrl(*cursor)
	}

	resp, err := delta.GetAsDeltaGetResponse(ctx, reqCfg)
	if err != nil {
		if cursor != nil && syncStateLost(err) {
			log.Warn().Str("component", "outlook").Str("account", a.account).Msg("delta token expired, restarting bootstrap")
			return a.FetchChanges(ctx, nil, limit)
		}
		return nil, classify(err)
	}

	res := &sync.FetchResult{}
	for _, m := range resp.GetValue() {
		if _, removed := m.GetAdditionalData()["@removed"]; removed {
			continue
		}
		raw := normalize(m)
		if raw.ProviderMessageID == "" {
			continue
		}
		res.Messages = append(res.Messages, raw)
	}

	switch {
	case resp.GetOdataNextLink() != nil && *resp.GetOdataNextLink() != "":
		res.NextCursor = *resp.GetOdataNextLink()
		res.HasMore = true
	case resp.GetOdataDeltaLink() != nil && *resp.GetOdataDeltaLink() != "":
		res.NextCursor = *resp.GetOdataDeltaLink()
	case cursor != nil:
		res.NextCursor = *cursor
	default:
		return nil, sync.Transient(errors.New("outlook: delta response without next or delta link"))
	}
	return res, nil
}

// RegisterWebhook creates a Graph subscription on the inbox
func (a *Adapter) RegisterWebhook(ctx context.Context, conn store.ChannelConnection) (*sync.WebhookRegistration, error) {
	if a.cfg.NotificationURL == "" {
		return nil, sync.Permanent(errors.New("outlook: notification url not configured"))
	}

	expires := a.now().UTC().Add(a.cfg.SubscriptionLifetime)
	body := models.NewSubscription()
	body.SetChangeType(strPtr("created,updated"))
	body.SetNotificationUrl(strPtr(a.cfg.NotificationURL))
	body.SetResource(strPtr(fmt.Sprintf("users/%s/mailFolders('%s')/messages", a.account, inboxFolder)))
	body.SetExpirationDateTime(&expires)
	if a.cfg.ClientState != "" {
		body.SetClientState(strPtr(a.cfg.ClientState))
	}

	sub, err := a.client.Subscriptions().Post(ctx, body, nil)
	if err != nil {
		return nil, classify(err)
	}
	return registration(sub, expires), nil
}

// RenewWebhook extends the stored subscription, recreating it when Graph no longer knows it
func (a *Adapter) RenewWebhook(ctx context.Context, conn store.ChannelConnection) (*sync.WebhookRegistration, error) {
	if conn.WebhookSubscriptionID == "" {
		return a.RegisterWebhook(ctx, conn)
	}

	expires := a.now().UTC().Add(a.cfg.SubscriptionLifetime)
	body := models.NewSubscription()
	body.SetExpirationDateTime(&expires)

	sub, err := a.client.Subscriptions().BySubscriptionId(conn.WebhookSubscriptionID).Patch(ctx, body, nil)
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			log.Warn().Str("component", "outlook").Str("subscription_id", conn.WebhookSubscriptionID).Msg("subscription gone, registering a new one")
			return a.RegisterWebhook(ctx, conn)
		}
		return nil, classify(err)
	}
	reg := registration(sub, expires)
	if reg.SubscriptionID == "" {
		reg.SubscriptionID = conn.WebhookSubscriptionID
	}
	return reg, nil
}

func registration(sub models.Subscriptionable, fallback time.Time) *sync.WebhookRegistration {
	reg := &sync.WebhookRegistration{ExpiresAt: &fallback}
	if sub == nil {
		return reg
	}
	if id := sub.GetId(); id != nil {
		reg.SubscriptionID = *id
	}
	if exp := sub.GetExpirationDateTime(); exp != nil {
		t := exp.UTC()
		reg.ExpiresAt = &t
	}
	return reg
}

// normalize converts a Graph message to the sync shape
func normalize(m models.Messageable) sync.RawMessage {
	raw := sync.RawMessage{
		ProviderMessageID: deref(m.GetId()),
		ThreadID:          deref(m.GetConversationId()),
		Subject:           deref(m.GetSubject()),
		Snippet:           deref(m.GetBodyPreview()),
		Labels:            append([]string(nil), m.GetCategories()...),
	}

	if from := m.GetFrom(); from != nil {
		raw.Sender = address(from)
	}
	for _, r := range append(m.GetToRecipients(), m.GetCcRecipients()...) {
		if addr := address(r); addr != "" {
			raw.Recipients = append(raw.Recipients, addr)
		}
	}
	if body := m.GetBody(); body != nil {
		raw.Body = deref(body.GetContent())
	}
	if read := m.GetIsRead(); read != nil && !*read {
		raw.Labels = append(raw.Labels, "UNREAD")
	}
	if flag := m.GetFlag(); flag != nil && flag.GetFlagStatus() != nil && *flag.GetFlagStatus() == models.FLAGGED_FOLLOWUPFLAGSTATUS {
		raw.Labels = append(raw.Labels, "FLAGGED")
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		raw.Timestamp = rcvd.UTC()
	}
	return raw
}

func address(r models.Recipientable) string {
	if email := r.GetEmailAddress(); email != nil {
		return deref(email.GetAddress())
	}
	return ""
}

// syncStateLost reports an expired or invalid delta token
func syncStateLost(err error) bool {
	if statusCode(err) == http.StatusGone {
		return true
	}
	var odata *odataerrors.ODataError
	if errors.As(err, &odata) {
		if main := odata.GetErrorEscaped(); main != nil {
			code := strings.ToLower(deref(main.GetCode()))
			return code == "syncstatenotfound" || code == "resyncrequired" || code == "syncstateinvalid"
		}
	}
	return false
}

func statusCode(err error) int {
	var odata *odataerrors.ODataError
	if errors.As(err, &odata) {
		return odata.GetStatusCode()
	}
	var apiErr *abstractions.ApiError
	if errors.As(err, &apiErr) {
		return apiErr.GetStatusCode()
	}
	return 0
}

// classify maps Graph failures onto the sync error taxonomy
func classify(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return sync.AuthExpired(err)
	}

	var headers *abstractions.ResponseHeaders
	var odata *odataerrors.ODataError
	var apiErr *abstractions.ApiError
	switch {
	case errors.As(err, &odata):
		headers = odata.GetResponseHeaders()
	case errors.As(err, &apiErr):
		headers = apiErr.GetResponseHeaders()
	default:
		return sync.Transient(err)
	}

	h := http.Header{}
	if headers != nil {
		for _, v := range headers.Get("Retry-After") {
			h.Add("Retry-After", v)
		}
	}
	return sync.FromStatus(statusCode(err), h, err)
}

// staticTokenCredential implements the Azure credential interface over a broker-issued token
type staticTokenCredential struct {
	token  string
	expiry time.Time
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	expires := c.expiry
	if expires.IsZero() {
		expires = time.Now().Add(time.Hour)
	}
	return azcore.AccessToken{Token: c.token, ExpiresOn: expires}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func strPtr(s string) *string {
	return &s
}
