package model

import (
	"time"

	"gorm.io/datatypes"
)

// GroupResult is the one-time aggregate computed from all completed
// participations of a session. At most one row exists per session; the unique
// index on SessionID backs the exactly-once aggregation guarantee.
type GroupResult struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	SessionID string    `gorm:"type:uuid;not null;uniqueIndex" json:"session_id"`

	// Per-emotion arithmetic means over the completed participations at
	// aggregation time.
	Averages datatypes.JSON `gorm:"type:jsonb;not null" json:"averages"`

	PredominantEmotion string  `gorm:"type:varchar(50);not null" json:"predominant_emotion"`
	WellbeingScore     float64 `gorm:"not null" json:"wellbeing_score"`

	// Snapshot of the session's completed count at aggregation time. A later
	// recompute attempt under a different participant set is rejected by
	// comparing against this value.
	ParticipantCount int `gorm:"not null" json:"participant_count"`
}

// TableName specifies the table name for GroupResult
func (GroupResult) TableName() string {
	return "group_results"
}
