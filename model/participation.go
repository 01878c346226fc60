package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Participation is one participant's individual progress and result within a
// session. Exactly one row exists per (session, user) pair; an errored
// submission is retried by resetting this row to pending, never by creating a
// second row.
type Participation struct {
	ID        string         `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
	SessionID string         `gorm:"type:uuid;not null;uniqueIndex:idx_session_user" json:"session_id"`
	UserID    uint           `gorm:"not null;uniqueIndex:idx_session_user" json:"user_id"`
	Status    string         `gorm:"type:varchar(20);not null;default:'pending'" json:"status"`

	// Individual analysis result, set only on transition into completed.
	Emotions        datatypes.JSON `gorm:"type:jsonb" json:"emotions,omitempty"`
	Confidence      float64        `json:"confidence,omitempty"`
	DurationSeconds float64        `json:"duration_seconds,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`

	// Relationships
	Session GroupSession `gorm:"foreignKey:SessionID;references:ID;constraint:OnDelete:CASCADE" json:"-"`
	User    User         `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"user,omitempty"`
}

// Participation status values
const (
	ParticipationStatusPending   = "pending"
	ParticipationStatusRecording = "recording"
	ParticipationStatusAnalyzing = "analyzing"
	ParticipationStatusCompleted = "completed"
	ParticipationStatusErrored   = "errored"
)

// TableName specifies the table name for Participation
func (Participation) TableName() string {
	return "participations"
}

// IsTerminal reports whether no further transition is legal from the current
// status. Completed is strictly terminal; errored is terminal for the current
// submission cycle but may be reset to pending for a retry.
func (p *Participation) IsTerminal() bool {
	return p.Status == ParticipationStatusCompleted
}
