package steps

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/hemocheck/triage-backend/internal/domain"
	"github.com/hemocheck/triage-backend/internal/observability"
	"github.com/hemocheck/triage-backend/internal/triage/guardrails"
	"github.com/hemocheck/triage-backend/internal/triage/rules"
)

// State is the pipeline's working set for one turn: the session's
// conversation state plus turn-scoped scratch values.
type State struct {
	Conv         *domain.ConversationState
	DonorSummary string
	Clarify      *ClarifyJudgement
}

type stage int

const (
	stageIngest stage = iota
	stageGuardrailCheck
	stageSlotExtract
	stagePrecheck
	stageRetrieve
	stageSynthesize
	stageReflect
	stageCompose
	stageDone
)

func (s stage) String() string {
	switch s {
	case stageIngest:
		return "ingest"
	case stageGuardrailCheck:
		return "guardrail_check"
	case stageSlotExtract:
		return "slot_extract"
	case stagePrecheck:
		return "precheck"
	case stageRetrieve:
		return "retrieve"
	case stageSynthesize:
		return "synthesize"
	case stageReflect:
		return "reflect"
	case stageCompose:
		return "compose"
	default:
		return "done"
	}
}

// RunTurn drives one question through the stage machine. Two transitions
// short-circuit straight to Compose: a guardrail block, and the clarifier
// gate deciding the user must be asked before an answer is possible. Every
// other path runs the full sequence. Model failures degrade inside their
// stage; the only errors surfaced here are context cancellations.
func (d Deps) RunTurn(ctx context.Context, conv *domain.ConversationState, question string, donor map[string]any) (domain.TurnResponse, error) {
	st := &State{Conv: conv}
	var resp domain.TurnResponse

	observability.Current().IncTriageTurn()

	current := stageIngest
	for current != stageDone {
		if err := ctx.Err(); err != nil {
			return domain.TurnResponse{}, err
		}

		start := time.Now()
		next := stageDone

		switch current {
		case stageIngest:
			st.Conv.Question = strings.TrimSpace(question)
			if len(donor) > 0 {
				st.Conv.Donor = donor
			}
			next = stageGuardrailCheck

		case stageGuardrailCheck:
			if d.guardrailCheck(st) {
				next = stageCompose
			} else {
				next = stageSlotExtract
			}

		case stageSlotExtract:
			d.ExtractSlots(ctx, st)
			next = stagePrecheck

		case stagePrecheck:
			pc := rules.Compute(st.Conv.Donor)
			st.Conv.Precheck = &pc
			st.DonorSummary = DonorSummary(st.Conv.Donor, st.Conv.Precheck)
			next = stageRetrieve

		case stageRetrieve:
			d.retrieve(ctx, st)
			next = stageSynthesize

		case stageSynthesize:
			if d.clarifierGate(ctx, st) {
				next = stageCompose
				break
			}
			draft := d.Synthesize(ctx, st)
			normalized := Normalize(draft)
			st.Conv.Decision = &normalized
			st.Conv.UsedModel = d.AI.Model()
			next = stageReflect

		case stageReflect:
			d.Reflect(ctx, st)
			next = stageCompose

		case stageCompose:
			resp = Compose(st, st.Conv.UsedModel)
			next = stageDone
		}

		observability.Current().ObservePipelineStage(current.String(), "ok", time.Since(start))
		current = next
	}

	st.Conv.AppendHistory(st.Conv.Question)
	observability.Current().ObserveDecision(resp.Decision, resp.Confidence)
	return resp, nil
}

// guardrailCheck inspects the question and donor record for red-flag or
// injection content. A hit writes the safety decision directly and blocks
// the rest of the pipeline for this turn.
func (d Deps) guardrailCheck(st *State) bool {
	text := st.Conv.Question + " " + mustJSON(st.Conv.Donor)

	if guardrails.LooksLikePromptInjection(st.Conv.Question) {
		observability.Current().IncGuardrailEvent("injection")
		st.Conv.Blocked = true
		st.Conv.BlockedReason = "prompt_injection"
		st.Conv.Decision = &domain.Decision{
			Label:         domain.LabelNeedMoreInfo,
			Confidence:    0.95,
			Rationale:     guardrails.InjectionRefusal(),
			MissingFields: []string{},
			SafetyFlags:   []string{"prompt_injection"},
		}
		return true
	}

	if d.Guards != nil && d.Guards.RedFlagHit(text) {
		observability.Current().IncGuardrailEvent("red_flag")
		st.Conv.Blocked = true
		st.Conv.BlockedReason = "red_flag"
		st.Conv.Decision = &domain.Decision{
			Label:         domain.LabelNeedMoreInfo,
			Confidence:    0.95,
			Rationale:     d.Guards.EscalationMessage(),
			MissingFields: []string{},
			SafetyFlags:   []string{"red_flag_detected"},
		}
		return true
	}

	st.Conv.Blocked = false
	st.Conv.BlockedReason = ""
	return false
}

func (d Deps) retrieve(ctx context.Context, st *State) {
	if d.Retriever == nil {
		st.Conv.Retrieved = &domain.Retrieved{Citations: []any{}}
		return
	}
	question := st.Conv.Question
	if question == "" {
		question = "Eligibility determination context for donor: " + st.DonorSummary
	}
	retrieved, err := d.Retriever.Query(ctx, question, st.DonorSummary)
	if err != nil || retrieved == nil {
		if err != nil && d.Log != nil {
			d.Log.Warn("evidence retrieval failed, continuing on precheck only", "error", err.Error())
		}
		st.Conv.Retrieved = &domain.Retrieved{Citations: []any{}}
		return
	}
	observability.Current().ObserveRetrievalHits(len(retrieved.Citations))
	st.Conv.Retrieved = retrieved
}

// clarifierGate runs the judge and the deterministic filter. When clarify
// survives filtering, the gate writes a NeedMoreInfo decision with the
// filtered asks and confidence capped at 0.6, and the turn skips synthesis
// and reflection.
func (d Deps) clarifierGate(ctx context.Context, st *State) bool {
	judge := d.JudgeClarify(ctx, st)
	st.Clarify = &judge
	observability.Current().ObserveClarifierOutcome(judge.Decision, judge.Confidence)

	if judge.Decision != ClarifyDecisionClarify {
		return false
	}

	filtered := FilterAsks(judge.MissingSlots, st.Conv.Question, st)
	if len(filtered) == 0 {
		return false
	}

	rationale := judge.Reason
	if rationale == "" {
		rationale = "Additional details are needed before an eligibility answer is possible."
	}
	st.Conv.Decision = &domain.Decision{
		Label:         domain.LabelNeedMoreInfo,
		Confidence:    math.Min(judge.Confidence, 0.6),
		Rationale:     rationale,
		MissingFields: filtered,
		SafetyFlags:   []string{},
	}
	st.Conv.UsedModel = d.AI.Model()
	return true
}
