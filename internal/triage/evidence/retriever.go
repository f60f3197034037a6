// Package evidence retrieves policy passages backing eligibility answers
// from a Pinecone index of the donor policy corpus.
package evidence

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hemocheck/triage-backend/internal/clients/pinecone"
	"github.com/hemocheck/triage-backend/internal/domain"
	"github.com/hemocheck/triage-backend/internal/platform/logger"
	"github.com/hemocheck/triage-backend/internal/platform/openai"
	"github.com/hemocheck/triage-backend/internal/triage/guardrails"
)

const answerPolicy = "Policy: Provide general information only. No diagnosis or treatment recommendations. " +
	"If a question suggests serious symptoms, advise seeking medical care. Include citations like [F1] or [S6] where relevant."

type Config struct {
	IndexName string
	Namespace string
	TopK      int
	Redaction guardrails.RedactionLevel
}

func ConfigFromEnv() Config {
	topK := 4
	if v := strings.TrimSpace(os.Getenv("EVIDENCE_TOP_K")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			topK = parsed
		}
	}
	return Config{
		IndexName: strings.TrimSpace(os.Getenv("PINECONE_INDEX")),
		Namespace: strings.TrimSpace(os.Getenv("PINECONE_NAMESPACE")),
		TopK:      topK,
		Redaction: guardrails.LevelFromEnv(),
	}
}

// Retriever answers policy questions over the indexed corpus: embed the
// question, pull the nearest passages, and have the model answer grounded
// on exactly those passages.
type Retriever struct {
	log    *logger.Logger
	ai     openai.Client
	pc     pinecone.Client
	guards *guardrails.Guardrails
	cfg    Config

	host string
}

func NewRetriever(log *logger.Logger, ai openai.Client, pc pinecone.Client, guards *guardrails.Guardrails, cfg Config) (*Retriever, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if ai == nil {
		return nil, fmt.Errorf("ai client required")
	}
	if pc == nil {
		return nil, fmt.Errorf("pinecone client required")
	}
	if strings.TrimSpace(cfg.IndexName) == "" {
		return nil, fmt.Errorf("missing PINECONE_INDEX")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 4
	}
	if cfg.Redaction == "" {
		cfg.Redaction = guardrails.RedactStandard
	}
	return &Retriever{
		log:    log.With("service", "EvidenceRetriever"),
		ai:     ai,
		pc:     pc,
		guards: guards,
		cfg:    cfg,
	}, nil
}

// Query implements the retrieval boundary. Unsafe queries are refused here
// with a safety message and no citations, mirroring the upstream filters.
func (r *Retriever) Query(ctx context.Context, question string, donorFacts string) (*domain.Retrieved, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return &domain.Retrieved{Citations: []any{}}, nil
	}

	if guardrails.LooksLikePromptInjection(question) {
		return &domain.Retrieved{
			Text:      guardrails.InjectionRefusal(),
			Citations: []any{"BLOCKED_PROMPT_INJECTION"},
		}, nil
	}
	if r.guards != nil && r.guards.RedFlagHit(question) {
		return &domain.Retrieved{
			Text:      r.guards.EscalationMessage(),
			Citations: []any{},
		}, nil
	}

	// Identifiers are masked before the text leaves the process. Citation
	// tags like [S6] survive redaction, so retrieved answers keep theirs.
	question = guardrails.RedactPII(question, r.cfg.Redaction)
	donorFacts = guardrails.RedactPII(donorFacts, r.cfg.Redaction)

	passages, citations, err := r.search(ctx, question)
	if err != nil {
		return nil, err
	}
	if len(passages) == 0 {
		return &domain.Retrieved{Citations: []any{}}, nil
	}

	var prompt strings.Builder
	prompt.WriteString(answerPolicy)
	prompt.WriteString("\n\n")
	if donorFacts != "" {
		prompt.WriteString("Donor facts:\n")
		prompt.WriteString(donorFacts)
		prompt.WriteString("\n\n")
	}
	prompt.WriteString("Policy passages:\n")
	for i, p := range passages {
		fmt.Fprintf(&prompt, "[%d] %s\n", i+1, p)
	}
	prompt.WriteString("\nQuestion:\n")
	prompt.WriteString(question)

	answer, err := r.ai.GenerateText(ctx,
		"You answer blood-donation policy questions using only the provided passages.",
		prompt.String())
	if err != nil {
		// Passages without an answer are still evidence the synthesizer can use.
		r.log.Warn("evidence answer generation failed, returning passages only", "error", err.Error())
		answer = strings.Join(passages, "\n")
	}

	return &domain.Retrieved{Text: answer, Citations: citations}, nil
}

func (r *Retriever) search(ctx context.Context, question string) ([]string, []any, error) {
	host, err := r.indexHost(ctx)
	if err != nil {
		return nil, nil, err
	}

	vectors, err := r.ai.Embed(ctx, []string{question})
	if err != nil {
		return nil, nil, fmt.Errorf("embed query: %w", err)
	}

	resp, err := r.pc.Query(ctx, host, pinecone.QueryRequest{
		Namespace:       r.cfg.Namespace,
		Vector:          vectors[0],
		TopK:            r.cfg.TopK,
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("pinecone query: %w", err)
	}

	passages := []string{}
	citations := []any{}
	for _, m := range resp.Matches {
		text := strings.TrimSpace(metaString(m.Metadata, "text"))
		if text == "" {
			continue
		}
		passages = append(passages, text)
		docID := strings.TrimSpace(metaString(m.Metadata, "doc_id"))
		if docID == "" {
			docID = m.ID
		}
		citations = append(citations, docID)
	}
	return passages, citations, nil
}

func (r *Retriever) indexHost(ctx context.Context) (string, error) {
	if r.host != "" {
		return r.host, nil
	}
	desc, err := r.pc.DescribeIndex(ctx, r.cfg.IndexName)
	if err != nil {
		return "", fmt.Errorf("describe index: %w", err)
	}
	r.host = desc.Host
	return r.host, nil
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	if s, ok := meta[key].(string); ok {
		return s
	}
	return ""
}
