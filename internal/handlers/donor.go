package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/hemocheck/triage-backend/internal/domain"
	"github.com/hemocheck/triage-backend/internal/platform/logger"
	"github.com/hemocheck/triage-backend/internal/repos"
)

type DonorHandler struct {
	log    *logger.Logger
	donors repos.DonorRepo
}

func NewDonorHandler(log *logger.Logger, donors repos.DonorRepo) *DonorHandler {
	return &DonorHandler{
		log:    log.With("handler", "DonorHandler"),
		donors: donors,
	}
}

type createDonorRequest struct {
	ExternalRef string         `json:"external_ref"`
	Attributes  map[string]any `json:"attributes"`
}

// POST /api/donors
// { external_ref?, attributes }
func (h *DonorHandler) Create(c *gin.Context) {
	var req createDonorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if req.Attributes == nil {
		req.Attributes = map[string]any{}
	}
	raw, err := json.Marshal(req.Attributes)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	record := &domain.DonorRecord{
		ExternalRef: strings.TrimSpace(req.ExternalRef),
		Attributes:  raw,
	}
	created, err := h.donors.Create(c.Request.Context(), nil, []*domain.DonorRecord{record})
	if err != nil {
		h.log.Error("donor create failed", "error", err.Error())
		RespondError(c, http.StatusInternalServerError, "donor_create_failed", errors.New("donor create failed"))
		return
	}
	c.JSON(http.StatusCreated, created[0])
}

// GET /api/donors/:id
func (h *DonorHandler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(strings.TrimSpace(c.Param("id")))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", errors.New("donor id must be a uuid"))
		return
	}
	record, err := h.donors.GetByID(c.Request.Context(), nil, id)
	if err != nil {
		h.log.Error("donor load failed", "donor_id", id.String(), "error", err.Error())
		RespondError(c, http.StatusInternalServerError, "donor_load_failed", errors.New("donor load failed"))
		return
	}
	if record == nil {
		RespondError(c, http.StatusNotFound, "donor_not_found", errors.New("unknown donor"))
		return
	}
	RespondOK(c, record)
}

// PUT /api/donors/:id/attributes
func (h *DonorHandler) UpdateAttributes(c *gin.Context) {
	id, err := uuid.Parse(strings.TrimSpace(c.Param("id")))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", errors.New("donor id must be a uuid"))
		return
	}
	var attrs map[string]any
	if err := c.ShouldBindJSON(&attrs); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if err := h.donors.UpdateAttributes(c.Request.Context(), nil, id, raw); err != nil {
		h.log.Error("donor update failed", "donor_id", id.String(), "error", err.Error())
		RespondError(c, http.StatusInternalServerError, "donor_update_failed", errors.New("donor update failed"))
		return
	}
	RespondOK(c, gin.H{"id": id, "updated": true})
}
