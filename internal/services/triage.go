package services

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/hemocheck/triage-backend/internal/domain"
	"github.com/hemocheck/triage-backend/internal/platform/logger"
	"github.com/hemocheck/triage-backend/internal/repos"
	"github.com/hemocheck/triage-backend/internal/triage/steps"
)

// TriageService runs one conversational turn end to end: load the session
// checkpoint, run the decision pipeline on a private copy, persist the new
// state, and audit the outcome. One turn per session at a time.
type TriageService interface {
	RunTurn(ctx context.Context, req domain.TurnRequest) (domain.TurnResponse, error)
	ResetSession(ctx context.Context, sessionID string) error
	SessionState(ctx context.Context, sessionID string) (*domain.ConversationState, error)
}

type triageService struct {
	log   *logger.Logger
	deps  steps.Deps
	store CheckpointStore
	locks *SessionLocks

	turnLogs repos.TurnLogRepo
	donors   repos.DonorRepo
}

// NewTriageService wires the pipeline to its persistence. turnLogs and donors
// may be nil when the service runs without a database.
func NewTriageService(log *logger.Logger, deps steps.Deps, store CheckpointStore, turnLogs repos.TurnLogRepo, donors repos.DonorRepo) TriageService {
	return &triageService{
		log:      log.With("service", "TriageService"),
		deps:     deps,
		store:    store,
		locks:    NewSessionLocks(),
		turnLogs: turnLogs,
		donors:   donors,
	}
}

func (s *triageService) RunTurn(ctx context.Context, req domain.TurnRequest) (domain.TurnResponse, error) {
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	started := time.Now()

	unlock := s.locks.Acquire(sessionID)
	defer unlock()

	st, err := s.store.Get(ctx, sessionID)
	if err != nil {
		// A corrupt or unreachable checkpoint must not take the turn down.
		// The session restarts from scratch and the caller may be re-asked
		// for facts given earlier.
		s.log.Warn("checkpoint load failed, starting fresh session", "session_id", sessionID, "error", err.Error())
		st = nil
	}
	if st == nil {
		st = domain.NewConversationState()
	}

	donor := s.resolveDonor(ctx, req)

	// The pipeline mutates a clone. The checkpoint advances only when the
	// turn ran to completion, so a cancelled or failed turn leaves the
	// stored state exactly as the previous turn wrote it.
	work := st.Clone()
	resp, err := s.deps.RunTurn(ctx, work, req.Question, donor)
	if err != nil {
		return domain.TurnResponse{}, err
	}
	if ctx.Err() != nil {
		return domain.TurnResponse{}, ctx.Err()
	}

	if err := s.store.Put(ctx, sessionID, work); err != nil {
		s.log.Warn("checkpoint save failed", "session_id", sessionID, "error", err.Error())
	}

	resp.SessionID = sessionID
	s.audit(ctx, sessionID, req, work, resp, time.Since(started))
	return resp, nil
}

func (s *triageService) ResetSession(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	unlock := s.locks.Acquire(sessionID)
	defer unlock()
	return s.store.Delete(ctx, sessionID)
}

func (s *triageService) SessionState(ctx context.Context, sessionID string) (*domain.ConversationState, error) {
	return s.store.Get(ctx, strings.TrimSpace(sessionID))
}

// resolveDonor layers the request's donor payload over the registered donor
// record, request fields winning. Lookup failures degrade to the request
// payload alone.
func (s *triageService) resolveDonor(ctx context.Context, req domain.TurnRequest) map[string]any {
	merged := map[string]any{}

	if s.donors != nil && strings.TrimSpace(req.DonorID) != "" {
		id, err := uuid.Parse(strings.TrimSpace(req.DonorID))
		if err != nil {
			s.log.Warn("invalid donor_id in request", "error", err.Error())
		} else {
			record, err := s.donors.GetByID(ctx, nil, id)
			if err != nil {
				s.log.Warn("donor lookup failed", "donor_id", req.DonorID, "error", err.Error())
			} else if record != nil {
				var attrs map[string]any
				if err := json.Unmarshal(record.Attributes, &attrs); err != nil {
					s.log.Warn("donor attributes unreadable", "donor_id", req.DonorID, "error", err.Error())
				} else {
					for k, v := range attrs {
						merged[k] = v
					}
				}
			}
		}
	}

	for k, v := range req.Donor {
		merged[k] = v
	}
	return merged
}

// audit writes the turn log row. Best effort: the response has already been
// decided and an audit failure must not fail the turn.
func (s *triageService) audit(ctx context.Context, sessionID string, req domain.TurnRequest, st *domain.ConversationState, resp domain.TurnResponse, latency time.Duration) {
	if s.turnLogs == nil {
		return
	}

	row := &domain.TurnLog{
		SessionID:     sessionID,
		Question:      req.Question,
		Decision:      resp.Decision,
		Confidence:    resp.Confidence,
		FinalStatus:   resp.FinalStatus,
		Blocked:       st.Blocked,
		MissingFields: jsonList(resp.MissingFields),
		SafetyFlags:   jsonList(resp.SafetyFlags),
		RuleCitations: jsonList(resp.RuleCitations),
		UsedModel:     resp.UsedModel,
		LatencyMS:     latency.Milliseconds(),
	}
	if id, err := uuid.Parse(strings.TrimSpace(req.DonorID)); err == nil {
		row.DonorID = &id
	}

	if _, err := s.turnLogs.Create(ctx, nil, []*domain.TurnLog{row}); err != nil {
		s.log.Warn("turn audit write failed", "session_id", sessionID, "error", err.Error())
	}
}

func jsonList(v any) datatypes.JSON {
	raw, err := json.Marshal(v)
	if err != nil || string(raw) == "null" {
		return datatypes.JSON([]byte("[]"))
	}
	return datatypes.JSON(raw)
}
