package domain

// Topics recognized by the slot extractor. Facts outside these categories
// are ignored.
var SlotTopics = []string{"vaccine", "tattoo", "travel", "donation", "medication", "symptoms"}

// Canonical decision labels. Normalization guarantees every decision carries
// exactly one of these.
const (
	LabelEligible     = "Eligible"
	LabelIneligible   = "Ineligible"
	LabelDefer        = "Defer"
	LabelNeedMoreInfo = "NeedMoreInfo"
)

// Precheck statuses produced by the deterministic rule engine.
const (
	PrecheckEligible         = "eligible"
	PrecheckIneligible       = "ineligible"
	PrecheckMedicalClearance = "require_medical_clearance"
)

type Precheck struct {
	Status  string   `json:"status"`
	Reasons []string `json:"reasons"`
}

// Retrieved holds the evidence answer for the current question. Citations
// may be bare document ids or {doc_id,...} maps depending on the retriever;
// the composer normalizes them.
type Retrieved struct {
	Text      string `json:"text"`
	Citations []any  `json:"citations"`
}

type Citation struct {
	DocID string `json:"doc_id"`
	Text  string `json:"text"`
}

type Decision struct {
	Label         string     `json:"decision"`
	Confidence    float64    `json:"confidence"`
	Rationale     string     `json:"rationale"`
	MissingFields []string   `json:"missing_fields"`
	SafetyFlags   []string   `json:"safety_flags"`
	RuleCitations []Citation `json:"rule_citations"`
	FinalStatus   string     `json:"final_status"`
}

// ConversationState is the per-session working state. It is owned by exactly
// one turn at a time, mutated in place by the pipeline stages, and
// checkpointed whole at turn end.
type ConversationState struct {
	Donor    map[string]any            `json:"donor"`
	Question string                    `json:"question"`
	History  []string                  `json:"history"`
	Slots    map[string]map[string]any `json:"slots"`
	Topics   []string                  `json:"topics"`

	Precheck  *Precheck  `json:"precheck,omitempty"`
	Retrieved *Retrieved `json:"retrieved,omitempty"`

	Blocked       bool   `json:"blocked"`
	BlockedReason string `json:"blocked_reason,omitempty"`

	Decision  *Decision `json:"decision,omitempty"`
	UsedModel string    `json:"used_model,omitempty"`
}

// NewConversationState returns an empty state for a fresh session.
func NewConversationState() *ConversationState {
	return &ConversationState{
		Donor:   map[string]any{},
		History: []string{},
		Slots:   map[string]map[string]any{},
		Topics:  []string{},
	}
}

const HistoryLimit = 6

// AppendHistory records a completed turn's question, dropping the oldest
// entries beyond the limit.
func (s *ConversationState) AppendHistory(question string) {
	if question == "" {
		return
	}
	s.History = append(s.History, question)
	if len(s.History) > HistoryLimit {
		s.History = s.History[len(s.History)-HistoryLimit:]
	}
}

// Clone deep-copies the state via its JSON form. Used for all-or-nothing
// checkpointing so a failed turn cannot leave partial mutations behind.
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return nil
	}
	out := NewConversationState()
	for k, v := range s.Donor {
		out.Donor[k] = v
	}
	out.Question = s.Question
	out.History = append([]string{}, s.History...)
	for topic, fields := range s.Slots {
		cp := map[string]any{}
		for k, v := range fields {
			cp[k] = v
		}
		out.Slots[topic] = cp
	}
	out.Topics = append([]string{}, s.Topics...)
	if s.Precheck != nil {
		pc := *s.Precheck
		pc.Reasons = append([]string{}, s.Precheck.Reasons...)
		out.Precheck = &pc
	}
	if s.Retrieved != nil {
		rt := *s.Retrieved
		rt.Citations = append([]any{}, s.Retrieved.Citations...)
		out.Retrieved = &rt
	}
	out.Blocked = s.Blocked
	out.BlockedReason = s.BlockedReason
	if s.Decision != nil {
		d := *s.Decision
		d.MissingFields = append([]string{}, s.Decision.MissingFields...)
		d.SafetyFlags = append([]string{}, s.Decision.SafetyFlags...)
		d.RuleCitations = append([]Citation{}, s.Decision.RuleCitations...)
		out.Decision = &d
	}
	out.UsedModel = s.UsedModel
	return out
}

// TurnRequest is the caller boundary for one conversational turn.
type TurnRequest struct {
	SessionID string         `json:"session_id"`
	Question  string         `json:"question"`
	Donor     map[string]any `json:"donor"`
	DonorID   string         `json:"donor_id,omitempty"`
}

// TurnResponse is what the caller receives for every turn, failures included.
type TurnResponse struct {
	SessionID     string     `json:"session_id"`
	Decision      string     `json:"decision"`
	Confidence    float64    `json:"confidence"`
	Rationale     string     `json:"rationale"`
	MissingFields []string   `json:"missing_fields"`
	SafetyFlags   []string   `json:"safety_flags"`
	RuleCitations []Citation `json:"rule_citations"`
	UsedModel     string     `json:"used_model"`
	FinalStatus   string     `json:"final_status"`
}
