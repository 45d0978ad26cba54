package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/inbox-sync/internal/schedule"
	"github.com/Martian-dev/inbox-sync/internal/store"
	"github.com/Martian-dev/inbox-sync/internal/sync"
)

// outcomeResponse is sync.Outcome with the error flattened to a string
type outcomeResponse struct {
	ConnectionID    string         `json:"connection_id"`
	Provider        store.Provider `json:"provider,omitempty"`
	Status          store.Status   `json:"status,omitempty"`
	NewMessageCount int            `json:"new_message_count"`
	UpdatedCount    int            `json:"updated_count"`
	SkippedCount    int            `json:"skipped_count"`
	Passes          int            `json:"passes"`
	Noop            bool           `json:"noop"`
	Error           string         `json:"error,omitempty"`
}

func toOutcomeResponse(o sync.Outcome) outcomeResponse {
	resp := outcomeResponse{
		ConnectionID:    o.ConnectionID,
		Provider:        o.Provider,
		Status:          o.Status,
		NewMessageCount: o.NewMessageCount,
		UpdatedCount:    o.UpdatedCount,
		SkippedCount:    o.SkippedCount,
		Passes:          o.Passes,
		Noop:            o.Noop,
	}
	if o.Err != nil {
		resp.Error = o.Err.Error()
	}
	return resp
}

func (h *handlers) runTask(c *gin.Context) {
	name := c.Param("name")
	result, err := h.deps.Tasks.Run(c.Request.Context(), name)
	switch {
	case errors.Is(err, schedule.ErrUnknownTask):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, schedule.ErrTaskRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"task": name, "result": result})
	}
}

func (h *handlers) getConnection(c *gin.Context) {
	conn, err := h.deps.Connections.GetConnection(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, conn)
}

func (h *handlers) disconnect(c *gin.Context) {
	ctx := c.Request.Context()
	conn, err := h.deps.Connections.GetConnection(ctx, c.Param("id"))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	if conn.Status == store.StatusDisconnected {
		c.JSON(http.StatusOK, conn)
		return
	}
	h.transition(c, conn, store.StatusDisconnected)
}

func (h *handlers) reauthorize(c *gin.Context) {
	ctx := c.Request.Context()
	conn, err := h.deps.Connections.GetConnection(ctx, c.Param("id"))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	if conn.Status != store.StatusAuthExpired {
		c.JSON(http.StatusConflict, gin.H{"error": "connection is not awaiting reauthorization", "status": conn.Status})
		return
	}
	h.transition(c, conn, store.StatusPending)
}

func (h *handlers) transition(c *gin.Context, conn *store.ChannelConnection, to store.Status) {
	ctx := c.Request.Context()
	if err := h.deps.Connections.SetStatus(ctx, conn.ID, conn.Status, to); err != nil {
		writeStoreError(c, err)
		return
	}
	updated, err := h.deps.Connections.GetConnection(ctx, conn.ID)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *handlers) syncConnection(c *gin.Context) {
	out, acquired := h.deps.Orchestrator.SyncConnection(c.Request.Context(), c.Param("id"), h.deps.RunOptions)
	if !acquired {
		c.JSON(http.StatusConflict, gin.H{"error": "sync already in progress"})
		return
	}
	if errors.Is(out.Err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
		return
	}
	c.JSON(http.StatusOK, toOutcomeResponse(out))
}

func (h *handlers) syncWorkspace(c *gin.Context) {
	opts := sync.SyncOptions{
		WorkspaceID:  c.Param("id"),
		MaxMessages:  h.deps.RunOptions.MaxMessages,
		AutoClassify: h.deps.RunOptions.AutoClassify,
	}
	summary, err := h.deps.Orchestrator.SyncAll(c.Request.Context(), opts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func writeStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
	case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrStatusConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
