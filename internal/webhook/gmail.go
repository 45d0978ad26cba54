package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Martian-dev/inbox-sync/internal/store"
)

// PushEnvelope is the body Pub/Sub POSTs to a push endpoint
type PushEnvelope struct {
	Message struct {
		Data        []byte            `json:"data"` // base64 in JSON, decoded by encoding/json
		MessageID   string            `json:"messageId"`
		PublishTime string            `json:"publishTime"`
		Attributes  map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// gmailPayload is what Gmail publishes on the watch topic
type gmailPayload struct {
	EmailAddress string          `json:"emailAddress"`
	HistoryID    json.RawMessage `json:"historyId"`
}

// DecodeGmail turns the decoded Pub/Sub data of a Gmail watch notification into
// a Notification. The historyId is ignored: the stored cursor is authoritative.
func DecodeGmail(data []byte) (Notification, error) {
	var p gmailPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return Notification{}, fmt.Errorf("decode gmail notification: %w", err)
	}
	email := strings.TrimSpace(p.EmailAddress)
	if email == "" {
		return Notification{}, errors.New("gmail notification without emailAddress")
	}
	return Notification{Provider: store.ProviderGmail, AccountID: email}, nil
}
