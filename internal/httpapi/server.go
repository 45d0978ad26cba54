package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/inbox-sync/internal/auth"
	"github.com/Martian-dev/inbox-sync/internal/store"
	"github.com/Martian-dev/inbox-sync/internal/sync"
	"github.com/Martian-dev/inbox-sync/internal/webhook"
)

type connectionStore interface {
	GetConnection(ctx context.Context, id string) (*store.ChannelConnection, error)
	SetStatus(ctx context.Context, id string, from, to store.Status) error
}

type orchestrator interface {
	SyncAll(ctx context.Context, opts sync.SyncOptions) (sync.Summary, error)
	SyncConnection(ctx context.Context, connectionID string, opts sync.RunOptions) (sync.Outcome, bool)
}

type notificationHandler interface {
	Handle(ctx context.Context, n webhook.Notification) webhook.Ack
}

type taskRunner interface {
	Run(ctx context.Context, name string) (any, error)
}

type pushVerifier interface {
	Verify(r *http.Request) error
}

// Deps are the collaborators the router dispatches to
type Deps struct {
	Connections  connectionStore
	Orchestrator orchestrator
	Ingress      notificationHandler
	Tasks        taskRunner
	Trigger      *auth.TriggerAuthenticator
	// Push verifies Pub/Sub OIDC tokens on the Gmail endpoint. Nil disables the check.
	Push pushVerifier
	// SlackSigningSecret enables request signature checks on the Slack endpoint
	SlackSigningSecret string
	RunOptions         sync.RunOptions
}

// NewRouter builds the gin engine with webhook and internal routes
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := &handlers{deps: d}

	hooks := r.Group("/webhooks")
	{
		hooks.POST("/gmail", h.gmailPush)
		hooks.POST("/outlook", h.outlookNotification)
		hooks.POST("/slack", h.slackEvent)
	}

	internal := r.Group("/internal")
	internal.Use(triggerAuth(d.Trigger))
	{
		internal.POST("/tasks/:name", h.runTask)
		internal.GET("/connections/:id", h.getConnection)
		internal.POST("/connections/:id/disconnect", h.disconnect)
		internal.POST("/connections/:id/reauthorize", h.reauthorize)
		internal.POST("/connections/:id/sync", h.syncConnection)
		internal.POST("/workspaces/:id/sync", h.syncWorkspace)
	}
	return r
}

// Serve runs the HTTP server until ctx is cancelled, then shuts down gracefully
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("component", "http").Str("addr", addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		evt := log.Info()
		switch {
		case status >= 500:
			evt = log.Error()
		case status >= 400:
			evt = log.Warn()
		}
		evt.Str("component", "http").
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

func triggerAuth(a *auth.TriggerAuthenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "trigger authentication not configured"})
			return
		}
		if err := a.Authenticate(c.GetHeader("Authorization")); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}
