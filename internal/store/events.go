package store

import (
	"encoding/json"
	"fmt"
	"time"
)

const EventMessageIngested = "message.ingested"

// IngestedEvent builds the outbox entry announcing a newly inserted message.
// The msg id is stable per dedup key so JetStream drops republished copies.
func IngestedEvent(m Message, now time.Time) (OutboxMessage, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"type":                EventMessageIngested,
		"ts":                  now.Unix(),
		"workspace_id":        m.WorkspaceID,
		"connection_id":       m.ConnectionID,
		"message_id":          m.ID,
		"provider":            m.Provider,
		"provider_message_id": m.ProviderMessageID,
		"thread_id":           m.ThreadID,
		"subject":             m.Subject,
		"sender":              m.Sender,
		"snippet":             m.Snippet,
		"timestamp":           m.Timestamp.Unix(),
	})
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("marshal ingested event: %w", err)
	}
	return OutboxMessage{
		Subject: fmt.Sprintf("inbox.%s.%s", m.WorkspaceID, EventMessageIngested),
		Payload: payload,
		MsgID:   fmt.Sprintf("%s|%s|%s", EventMessageIngested, m.ConnectionID, m.ProviderMessageID),
	}, nil
}
