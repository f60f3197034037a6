// Package guardrails holds the deterministic safety filters that run before
// any model sees user input: red-flag escalation, prompt-injection
// detection, and PII redaction. Patterns live in config so clinical staff
// can extend them without a deploy.
package guardrails

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	RedFlagPatterns   []string `yaml:"red_flag_patterns"`
	EscalationMessage string   `yaml:"escalation_message"`
	GenericRefusal    string   `yaml:"generic_refusal"`
}

const (
	defaultEscalation = "Please seek professional medical care."
	defaultRefusal    = "I can only provide general information."
)

type Guardrails struct {
	cfg      Config
	redFlags []*regexp.Regexp
}

func Load(path string) (*Guardrails, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("guardrails config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("guardrails config parse: %w", err)
	}
	return New(cfg)
}

func New(cfg Config) (*Guardrails, error) {
	if strings.TrimSpace(cfg.EscalationMessage) == "" {
		cfg.EscalationMessage = defaultEscalation
	}
	if strings.TrimSpace(cfg.GenericRefusal) == "" {
		cfg.GenericRefusal = defaultRefusal
	}
	g := &Guardrails{cfg: cfg}
	for _, p := range cfg.RedFlagPatterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(p) + `\b`)
		if err != nil {
			return nil, fmt.Errorf("guardrails pattern %q: %w", p, err)
		}
		g.redFlags = append(g.redFlags, re)
	}
	return g, nil
}

// RedFlagHit reports whether text contains any configured red-flag phrase
// as a whole word.
func (g *Guardrails) RedFlagHit(text string) bool {
	for _, re := range g.redFlags {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func (g *Guardrails) EscalationMessage() string { return g.cfg.EscalationMessage }
func (g *Guardrails) GenericRefusal() string    { return g.cfg.GenericRefusal }

// -------------------- prompt injection --------------------

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore (previous|prior) (instructions|rules)`),
	regexp.MustCompile(`(?i)reveal (system|hidden) prompt`),
	regexp.MustCompile(`(?i)show (the )?(full|entire) (document|policy)`),
	regexp.MustCompile(`(?i)print (all )?context`),
	regexp.MustCompile(`(?i)exfiltrate|leak|bypass (guardrails|safety)`),
	regexp.MustCompile(`(?i)\bbase64\b|curl\s+http`),
}

func LooksLikePromptInjection(text string) bool {
	for _, re := range injectionPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func InjectionRefusal() string {
	return "I can't comply with that request. I will answer based only on allowed policy summaries and won't reveal internal prompts or full documents."
}

// -------------------- PII redaction --------------------

type RedactionLevel string

const (
	RedactOff      RedactionLevel = "off"
	RedactStandard RedactionLevel = "standard"
	RedactStrict   RedactionLevel = "strict"
)

var (
	bracketBlock = regexp.MustCompile(`\[[^\]]+\]`)
	emailPattern = regexp.MustCompile(`[\w.-]+@[\w.-]+`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\s\-()]{7,}`)
	donorIDRef   = regexp.MustCompile(`\bD\d{3,8}\b`)
	slashDate    = regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{2,4}\b`)
	isoDate      = regexp.MustCompile(`\b\d{4}-\d{1,2}-\d{1,2}\b`)
	nonDigit     = regexp.MustCompile(`\D`)
	selfIntro    = regexp.MustCompile(`\b(?i:my name is|i am|i'm|name\s*:)\s+([A-Z][a-z]{2,}\s+[A-Z][a-z]{2,})\b`)
	namePair     = regexp.MustCompile(`\b[A-Z][a-z]{2,}\s+[A-Z][a-z]{2,}\b`)
)

// RedactPII masks common identifiers in free text. Bracketed citation tags
// like [S6] are protected so evidence references survive redaction.
// Standard level masks emails, phone numbers with 8+ digits, donor ids,
// dates, and self-introduced names. Strict additionally masks any
// capitalized two-word sequence that looks like a name.
func RedactPII(text string, level RedactionLevel) string {
	if text == "" || level == RedactOff {
		return text
	}

	working, blocks := protectBrackets(text)

	working = emailPattern.ReplaceAllString(working, "[REDACTED_EMAIL]")
	working = donorIDRef.ReplaceAllString(working, "[REDACTED_DONOR_ID]")
	// Dates go before phones: an ISO date carries eight digits and would
	// otherwise be swallowed by the phone pattern.
	working = slashDate.ReplaceAllString(working, "[REDACTED_DATE]")
	working = isoDate.ReplaceAllString(working, "[REDACTED_DATE]")
	working = phonePattern.ReplaceAllStringFunc(working, func(m string) string {
		if len(nonDigit.ReplaceAllString(m, "")) >= 8 {
			return "[REDACTED_PHONE]"
		}
		return m
	})

	working = selfIntro.ReplaceAllStringFunc(working, func(m string) string {
		sub := selfIntro.FindStringSubmatch(m)
		if len(sub) == 2 {
			return strings.Replace(m, sub[1], "[REDACTED_NAME]", 1)
		}
		return m
	})

	if level == RedactStrict {
		working = namePair.ReplaceAllString(working, "[REDACTED_NAME]")
	}

	return restoreBrackets(working, blocks)
}

// LevelFromEnv reads PII_REDACTION_LEVEL, defaulting to standard.
func LevelFromEnv() RedactionLevel {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("PII_REDACTION_LEVEL"))) {
	case "off":
		return RedactOff
	case "strict":
		return RedactStrict
	default:
		return RedactStandard
	}
}

type bracketToken struct {
	token string
	value string
}

func protectBrackets(text string) (string, []bracketToken) {
	var blocks []bracketToken
	out := bracketBlock.ReplaceAllStringFunc(text, func(m string) string {
		token := fmt.Sprintf("__BRACKET_BLOCK_%d__", len(blocks))
		blocks = append(blocks, bracketToken{token: token, value: m})
		return token
	})
	return out, blocks
}

func restoreBrackets(text string, blocks []bracketToken) string {
	for _, b := range blocks {
		text = strings.Replace(text, b.token, b.value, 1)
	}
	return text
}
