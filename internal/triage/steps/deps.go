// Package steps implements the per-turn triage pipeline: slot extraction,
// clarification gating, decision synthesis, normalization, reflection, and
// response composition.
package steps

import (
	"context"

	"github.com/hemocheck/triage-backend/internal/domain"
	"github.com/hemocheck/triage-backend/internal/platform/logger"
	"github.com/hemocheck/triage-backend/internal/platform/openai"
	"github.com/hemocheck/triage-backend/internal/triage/guardrails"
)

// EvidenceRetriever returns a free-text answer plus citations for a policy
// question. Implementations may refuse unsafe queries by returning a safety
// message with no citations.
type EvidenceRetriever interface {
	Query(ctx context.Context, question string, donorFacts string) (*domain.Retrieved, error)
}

// Deps carries the collaborators every stage may need. Stages take the whole
// struct so call sites stay uniform.
type Deps struct {
	Log       *logger.Logger
	AI        openai.Client
	Retriever EvidenceRetriever
	Guards    *guardrails.Guardrails
}
