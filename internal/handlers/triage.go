package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/hemocheck/triage-backend/internal/domain"
	"github.com/hemocheck/triage-backend/internal/platform/ctxutil"
	"github.com/hemocheck/triage-backend/internal/platform/logger"
	"github.com/hemocheck/triage-backend/internal/repos"
	"github.com/hemocheck/triage-backend/internal/services"
)

const maxQuestionBytes = 4096

type TriageHandler struct {
	log      *logger.Logger
	svc      services.TriageService
	turnLogs repos.TurnLogRepo
}

func NewTriageHandler(log *logger.Logger, svc services.TriageService, turnLogs repos.TurnLogRepo) *TriageHandler {
	return &TriageHandler{
		log:      log.With("handler", "TriageHandler"),
		svc:      svc,
		turnLogs: turnLogs,
	}
}

// POST /api/triage/turn
// { session_id?, question, donor?, donor_id? }
func (h *TriageHandler) RunTurn(c *gin.Context) {
	var req domain.TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if strings.TrimSpace(req.Question) == "" && len(req.Donor) == 0 {
		RespondError(c, http.StatusBadRequest, "invalid_request", errors.New("question or donor payload required"))
		return
	}
	if len(req.Question) > maxQuestionBytes {
		RespondError(c, http.StatusRequestEntityTooLarge, "question_too_long", errors.New("question exceeds maximum length"))
		return
	}

	ctx := c.Request.Context()
	if td := ctxutil.GetTraceData(ctx); td != nil {
		td.SessionID = req.SessionID
	}

	resp, err := h.svc.RunTurn(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			c.Status(499)
			return
		}
		h.log.Error("turn failed", "session_id", req.SessionID, "error", err.Error())
		RespondError(c, http.StatusInternalServerError, "turn_failed", errors.New("triage turn failed"))
		return
	}
	RespondOK(c, resp)
}

// POST /api/triage/session/:id/reset
func (h *TriageHandler) ResetSession(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Param("id"))
	if sessionID == "" {
		RespondError(c, http.StatusBadRequest, "invalid_request", errors.New("session id required"))
		return
	}
	if err := h.svc.ResetSession(c.Request.Context(), sessionID); err != nil {
		h.log.Error("session reset failed", "session_id", sessionID, "error", err.Error())
		RespondError(c, http.StatusInternalServerError, "reset_failed", errors.New("session reset failed"))
		return
	}
	RespondOK(c, gin.H{"session_id": sessionID, "reset": true})
}

// GET /api/triage/session/:id
func (h *TriageHandler) GetSession(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Param("id"))
	if sessionID == "" {
		RespondError(c, http.StatusBadRequest, "invalid_request", errors.New("session id required"))
		return
	}
	st, err := h.svc.SessionState(c.Request.Context(), sessionID)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "session_load_failed", errors.New("session load failed"))
		return
	}
	if st == nil {
		RespondError(c, http.StatusNotFound, "session_not_found", errors.New("unknown session"))
		return
	}
	RespondOK(c, gin.H{"session_id": sessionID, "state": st})
}

// GET /api/triage/session/:id/turns
func (h *TriageHandler) ListTurns(c *gin.Context) {
	if h.turnLogs == nil {
		c.Status(http.StatusNotImplemented)
		return
	}
	sessionID := strings.TrimSpace(c.Param("id"))
	if sessionID == "" {
		RespondError(c, http.StatusBadRequest, "invalid_request", errors.New("session id required"))
		return
	}
	turns, err := h.turnLogs.GetBySessionID(c.Request.Context(), nil, sessionID, 50)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "turns_load_failed", errors.New("turn history load failed"))
		return
	}
	RespondOK(c, gin.H{"session_id": sessionID, "turns": turns})
}
