package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Martian-dev/inbox-sync/internal/store"
	"github.com/Martian-dev/inbox-sync/internal/sync"
)

// HTTPClient calls the external classification service. Failures carry a
// sync error kind so callers can tell outages from bad requests.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type classifyRequest struct {
	MessageID   string         `json:"message_id"`
	WorkspaceID string         `json:"workspace_id"`
	Provider    store.Provider `json:"provider"`
	Sender      string         `json:"sender"`
	Subject     string         `json:"subject"`
	Snippet     string         `json:"snippet"`
	Body        string         `json:"body"`
	Labels      []string       `json:"labels"`
}

// Classify POSTs the message to {baseURL}/classify
func (c *HTTPClient) Classify(ctx context.Context, m store.Message) (store.Classification, error) {
	payload, err := json.Marshal(classifyRequest{
		MessageID:   m.ID,
		WorkspaceID: m.WorkspaceID,
		Provider:    m.Provider,
		Sender:      m.Sender,
		Subject:     m.Subject,
		Snippet:     m.Snippet,
		Body:        m.Body,
		Labels:      m.Labels,
	})
	if err != nil {
		return store.Classification{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/classify", bytes.NewReader(payload))
	if err != nil {
		return store.Classification{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return store.Classification{}, sync.Transient(fmt.Errorf("classifier request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return store.Classification{}, sync.FromStatus(resp.StatusCode, resp.Header,
			fmt.Errorf("classifier status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var out store.Classification
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return store.Classification{}, fmt.Errorf("decode response: %w", err)
	}
	if out.Priority == "" && out.Category == "" {
		return store.Classification{}, fmt.Errorf("classifier returned an empty classification")
	}
	return out, nil
}
