package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/Martian-dev/inbox-sync/internal/store"
	"github.com/Martian-dev/inbox-sync/internal/webhook"
)

const maxWebhookBody = 1 << 20

type handlers struct {
	deps Deps
}

// gmailPush handles a Pub/Sub push delivery. Anything past authentication is
// acknowledged with 204 so Pub/Sub does not redeliver a payload we cannot use.
func (h *handlers) gmailPush(c *gin.Context) {
	if h.deps.Push != nil {
		if err := h.deps.Push.Verify(c.Request); err != nil {
			log.Warn().Err(err).Str("component", "http").Msg("rejected gmail push")
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
	}

	var env webhook.PushEnvelope
	if err := json.NewDecoder(io.LimitReader(c.Request.Body, maxWebhookBody)).Decode(&env); err != nil {
		log.Warn().Err(err).Str("component", "http").Msg("malformed pub/sub envelope")
		c.Status(http.StatusNoContent)
		return
	}
	n, err := webhook.DecodeGmail(env.Message.Data)
	if err != nil {
		log.Warn().Err(err).Str("component", "http").Str("message_id", env.Message.MessageID).Msg("malformed gmail notification")
		c.Status(http.StatusNoContent)
		return
	}

	h.deps.Ingress.Handle(c.Request.Context(), n)
	c.Status(http.StatusNoContent)
}

type outlookNotifications struct {
	Value []struct {
		SubscriptionID string `json:"subscriptionId"`
		ClientState    string `json:"clientState"`
		ChangeType     string `json:"changeType"`
	} `json:"value"`
}

// outlookNotification answers Graph's validation handshake and fans change
// notifications out to the ingress
func (h *handlers) outlookNotification(c *gin.Context) {
	if token := c.Query("validationToken"); token != "" {
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(token))
		return
	}

	var body outlookNotifications
	if err := json.NewDecoder(io.LimitReader(c.Request.Body, maxWebhookBody)).Decode(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification payload"})
		return
	}
	for _, v := range body.Value {
		h.deps.Ingress.Handle(c.Request.Context(), webhook.Notification{
			Provider:       store.ProviderOutlook,
			SubscriptionID: v.SubscriptionID,
			ClientState:    v.ClientState,
		})
	}
	c.Status(http.StatusAccepted)
}

func (h *handlers) slackEvent(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	if h.deps.SlackSigningSecret != "" {
		sv, err := slack.NewSecretsVerifier(c.Request.Header, h.deps.SlackSigningSecret)
		if err != nil {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		if _, err := sv.Write(body); err != nil || sv.Ensure() != nil {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
	}

	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event payload"})
		return
	}

	switch event.Type {
	case slackevents.URLVerification:
		challenge, ok := event.Data.(*slackevents.EventsAPIURLVerificationEvent)
		if !ok {
			c.Status(http.StatusBadRequest)
			return
		}
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(challenge.Challenge))
		return
	case slackevents.CallbackEvent:
		if msg, ok := event.InnerEvent.Data.(*slackevents.MessageEvent); ok && msg.Channel != "" {
			h.deps.Ingress.Handle(c.Request.Context(), webhook.Notification{
				Provider:  store.ProviderSlack,
				AccountID: msg.Channel,
			})
		}
	}
	c.Status(http.StatusOK)
}
