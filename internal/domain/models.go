package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// TurnLog is the audit record written after every completed turn.
type TurnLog struct {
	ID        uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	SessionID string    `gorm:"type:text;not null;index" json:"session_id"`
	DonorID   *uuid.UUID `gorm:"type:uuid;index" json:"donor_id,omitempty"`

	Question string `gorm:"type:text;not null" json:"question"`

	Decision    string  `gorm:"type:text;not null;index" json:"decision"`
	Confidence  float64 `gorm:"not null;default:0" json:"confidence"`
	FinalStatus string  `gorm:"type:text;not null;default:''" json:"final_status"`
	Blocked     bool    `gorm:"not null;default:false" json:"blocked"`

	MissingFields datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'" json:"missing_fields"`
	SafetyFlags   datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'" json:"safety_flags"`
	RuleCitations datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'" json:"rule_citations"`

	UsedModel string `gorm:"type:text;not null;default:''" json:"used_model"`
	LatencyMS int64  `gorm:"not null;default:0" json:"latency_ms"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
}

func (TurnLog) TableName() string { return "turn_log" }

// DonorRecord stores a registered donor's attributes (vitals and
// questionnaire flags) as a JSON document.
type DonorRecord struct {
	ID          uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ExternalRef string         `gorm:"type:text;not null;default:'';index" json:"external_ref"`
	Attributes  datatypes.JSON `gorm:"type:jsonb;not null;default:'{}'" json:"attributes"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now();index" json:"updated_at"`
}

func (DonorRecord) TableName() string { return "donor_record" }
