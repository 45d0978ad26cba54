package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/Martian-dev/inbox-sync/internal/store"
	"github.com/Martian-dev/inbox-sync/internal/sync"
)

// BrokerClient fetches provider access tokens from the identity broker.
// The broker owns token storage and refresh; this service never sees refresh tokens.
type BrokerClient struct {
	baseURL    string
	serviceKey string
	client     *http.Client
}

// NewBrokerClient creates a token source backed by the broker at baseURL
func NewBrokerClient(baseURL, serviceKey string, timeout time.Duration) *BrokerClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BrokerClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		serviceKey: serviceKey,
		client:     &http.Client{Timeout: timeout},
	}
}

// Token returns the current access token for conn
func (c *BrokerClient) Token(ctx context.Context, conn store.ChannelConnection) (*oauth2.Token, error) {
	u := fmt.Sprintf("%s/api/connections/%s/token", c.baseURL, url.PathEscape(conn.ID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, sync.Transient(fmt.Errorf("token broker: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, sync.Transient(fmt.Errorf("read token response: %w", err))
	}

	var result struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresAt   int64  `json:"expires_at"` // unix timestamp
		Error       string `json:"error"`
	}
	_ = json.Unmarshal(body, &result)

	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusGone:
		return nil, sync.AuthExpired(fmt.Errorf("token broker: status %d", resp.StatusCode))
	case result.Error == "reauth_required":
		return nil, sync.AuthExpired(errors.New("token broker: reauth_required"))
	case resp.StatusCode != http.StatusOK:
		return nil, sync.FromStatus(resp.StatusCode, resp.Header,
			fmt.Errorf("token broker: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	case result.AccessToken == "":
		return nil, sync.Transient(errors.New("token broker: empty access token"))
	}

	tok := &oauth2.Token{AccessToken: result.AccessToken, TokenType: result.TokenType}
	if result.ExpiresAt > 0 {
		tok.Expiry = time.Unix(result.ExpiresAt, 0)
	}
	return tok, nil
}
