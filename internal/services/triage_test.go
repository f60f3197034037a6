package services

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/hemocheck/triage-backend/internal/domain"
	"github.com/hemocheck/triage-backend/internal/platform/logger"
	"github.com/hemocheck/triage-backend/internal/triage/steps"
)

// downAI fails every model call. The pipeline is expected to degrade to its
// deterministic fallbacks rather than surface the failure.
type downAI struct{}

func (downAI) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	return nil, errors.New("model unavailable")
}
func (downAI) GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error) {
	return nil, errors.New("model unavailable")
}
func (downAI) GenerateText(ctx context.Context, system, user string) (string, error) {
	return "", errors.New("model unavailable")
}
func (downAI) Model() string { return "down-model" }

type fakeDonorRepo struct {
	records map[uuid.UUID]*domain.DonorRecord
}

func (r *fakeDonorRepo) Create(ctx context.Context, tx *gorm.DB, donors []*domain.DonorRecord) ([]*domain.DonorRecord, error) {
	return donors, nil
}
func (r *fakeDonorRepo) GetByID(ctx context.Context, tx *gorm.DB, donorID uuid.UUID) (*domain.DonorRecord, error) {
	return r.records[donorID], nil
}
func (r *fakeDonorRepo) GetByExternalRef(ctx context.Context, tx *gorm.DB, externalRef string) (*domain.DonorRecord, error) {
	return nil, nil
}
func (r *fakeDonorRepo) UpdateAttributes(ctx context.Context, tx *gorm.DB, donorID uuid.UUID, attributes []byte) error {
	return nil
}

func testService(t *testing.T, store CheckpointStore, donors *fakeDonorRepo) TriageService {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	deps := steps.Deps{Log: log, AI: downAI{}}
	if donors == nil {
		return NewTriageService(log, deps, store, nil, nil)
	}
	return NewTriageService(log, deps, store, nil, donors)
}

func TestRunTurnPersistsStateAndAssignsSession(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpointStore()
	svc := testService(t, store, nil)

	resp, err := svc.RunTurn(ctx, domain.TurnRequest{
		Question: "Can I donate after a flu shot?",
		Donor:    map[string]any{"sex": "male", "hb_g_dl": 14.1},
	})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if resp.SessionID == "" {
		t.Fatal("response missing generated session id")
	}
	if resp.Decision != domain.LabelNeedMoreInfo {
		t.Fatalf("Decision = %q, want %q with the model down", resp.Decision, domain.LabelNeedMoreInfo)
	}

	st, err := store.Get(ctx, resp.SessionID)
	if err != nil {
		t.Fatalf("Get checkpoint: %v", err)
	}
	if st == nil {
		t.Fatal("no checkpoint written after turn")
	}
	if len(st.History) != 1 {
		t.Fatalf("History = %v, want one entry", st.History)
	}
	if st.Donor["sex"] != "male" {
		t.Fatalf("donor not carried into checkpoint: %+v", st.Donor)
	}
}

func TestRunTurnAccumulatesHistoryAcrossTurns(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpointStore()
	svc := testService(t, store, nil)

	req := domain.TurnRequest{SessionID: "s1", Question: "first question"}
	if _, err := svc.RunTurn(ctx, req); err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	req.Question = "second question"
	if _, err := svc.RunTurn(ctx, req); err != nil {
		t.Fatalf("turn 2: %v", err)
	}

	st, _ := store.Get(ctx, "s1")
	if len(st.History) != 2 {
		t.Fatalf("History = %v, want two entries", st.History)
	}
	if st.History[0] != "first question" || st.History[1] != "second question" {
		t.Fatalf("History out of order: %v", st.History)
	}
}

func TestRunTurnCancelledPersistsNothing(t *testing.T) {
	store := NewMemoryCheckpointStore()
	svc := testService(t, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.RunTurn(ctx, domain.TurnRequest{SessionID: "s1", Question: "hello"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RunTurn err = %v, want context.Canceled", err)
	}

	st, _ := store.Get(context.Background(), "s1")
	if st != nil {
		t.Fatalf("cancelled turn wrote a checkpoint: %+v", st)
	}
}

func TestResetSessionClearsCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpointStore()
	svc := testService(t, store, nil)

	if _, err := svc.RunTurn(ctx, domain.TurnRequest{SessionID: "s1", Question: "a question"}); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if err := svc.ResetSession(ctx, "s1"); err != nil {
		t.Fatalf("ResetSession: %v", err)
	}
	st, _ := store.Get(ctx, "s1")
	if st != nil {
		t.Fatalf("checkpoint survived reset: %+v", st)
	}
}

func TestRunTurnMergesDonorRecord(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpointStore()

	donorID := uuid.New()
	donors := &fakeDonorRepo{records: map[uuid.UUID]*domain.DonorRecord{
		donorID: {
			ID:         donorID,
			Attributes: []byte(`{"sex":"female","hb_g_dl":13.5,"bmi":22}`),
		},
	}}
	svc := testService(t, store, donors)

	resp, err := svc.RunTurn(ctx, domain.TurnRequest{
		SessionID: "s1",
		Question:  "Am I eligible?",
		DonorID:   donorID.String(),
		Donor:     map[string]any{"hb_g_dl": 12.0},
	})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	_ = resp

	st, _ := store.Get(ctx, "s1")
	if st.Donor["sex"] != "female" {
		t.Fatalf("record attribute lost: %+v", st.Donor)
	}
	// The request payload wins over the stored record.
	if got, ok := st.Donor["hb_g_dl"].(float64); !ok || got != 12.0 {
		t.Fatalf("request override lost: %+v", st.Donor)
	}
}
