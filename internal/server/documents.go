package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cowrite/internal/changes"
	"github.com/MarcoPoloResearchLab/cowrite/internal/conflicts"
	"github.com/MarcoPoloResearchLab/cowrite/internal/gateway"
	"github.com/gin-gonic/gin"
)

type changesResponsePayload struct {
	DocumentID string                   `json:"documentId"`
	Changes    []changes.DocumentChange `json:"changes"`
}

type resolveRequestPayload struct {
	Strategy         string                   `json:"strategy"`
	ManualOperations []changes.DocumentChange `json:"manualOperations"`
}

type resolveResultPayload struct {
	Change  changes.DocumentChange `json:"change"`
	Version int64                  `json:"version"`
}

type resolveResponsePayload struct {
	ConflictID string                 `json:"conflictId"`
	Applied    []resolveResultPayload `json:"applied"`
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	userID, documentID, ok := h.requestUser(c)
	if !ok {
		return
	}
	snapshot, err := h.gateway.Snapshot(c.Request.Context(), userID, documentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *httpHandler) handleListChanges(c *gin.Context) {
	userID, documentID, ok := h.requestUser(c)
	if !ok {
		return
	}
	var since time.Time
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": string(gateway.CodeInvalidRequest), "message": "since must be an RFC 3339 timestamp"})
			return
		}
		since = parsed
	}
	entries, err := h.gateway.ChangesSince(c.Request.Context(), userID, documentID, since)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, changesResponsePayload{DocumentID: documentID.String(), Changes: entries})
}

func (h *httpHandler) handleListPresence(c *gin.Context) {
	userID, documentID, ok := h.requestUser(c)
	if !ok {
		return
	}
	members, err := h.gateway.Presence(c.Request.Context(), userID, documentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documentId": documentID.String(), "presence": members})
}

func (h *httpHandler) handleListConflicts(c *gin.Context) {
	userID, documentID, ok := h.requestUser(c)
	if !ok {
		return
	}
	pending, err := h.gateway.PendingConflicts(c.Request.Context(), userID, documentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documentId": documentID.String(), "conflicts": pending})
}

func (h *httpHandler) handleResolveConflict(c *gin.Context) {
	userID, documentID, ok := h.requestUser(c)
	if !ok {
		return
	}
	var request resolveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": string(gateway.CodeInvalidRequest), "message": "invalid resolution payload"})
		return
	}
	strategy, err := conflicts.ParseStrategy(request.Strategy)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": string(gateway.CodeInvalidRequest), "message": err.Error()})
		return
	}

	conflictID := c.Param("conflictId")
	results, err := h.gateway.ResolvePending(c.Request.Context(), userID, documentID, conflictID, conflicts.Resolution{
		Strategy:         strategy,
		ManualOperations: request.ManualOperations,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	response := resolveResponsePayload{ConflictID: conflictID, Applied: make([]resolveResultPayload, 0, len(results))}
	for _, result := range results {
		response.Applied = append(response.Applied, resolveResultPayload{Change: result.Change, Version: result.Version})
	}
	c.JSON(http.StatusOK, response)
}
