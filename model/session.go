package model

import (
	"time"

	"gorm.io/gorm"
)

// GroupSession is one group voice-analysis activity shared by a fixed set of
// participants. TotalParticipants is snapshotted from the group membership at
// creation time and never grows, even if members join the group later.
type GroupSession struct {
	ID          string         `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
	GroupID     uint           `gorm:"not null;index" json:"group_id"`
	Title       string         `gorm:"type:varchar(255);not null" json:"title"`
	Description string         `gorm:"type:text" json:"description"`
	Status      string         `gorm:"type:varchar(20);not null;default:'pending'" json:"status"`

	TotalParticipants int        `gorm:"not null" json:"total_participants"`
	CompletedCount    int        `gorm:"not null;default:0" json:"completed_count"`
	StartTime         time.Time  `gorm:"not null" json:"start_time"`
	Deadline          *time.Time `json:"deadline,omitempty"`

	// Set exactly once, when and only when Status becomes completed.
	GroupResultID *string `gorm:"type:uuid" json:"group_result_id,omitempty"`

	// Relationships
	Group          Group           `gorm:"foreignKey:GroupID;constraint:OnDelete:CASCADE" json:"-"`
	Participations []Participation `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"participations,omitempty"`
	GroupResult    *GroupResult    `gorm:"foreignKey:SessionID;references:ID" json:"group_result,omitempty"`
}

// Session status values
const (
	SessionStatusPending    = "pending"
	SessionStatusInProgress = "in_progress"
	SessionStatusCompleted  = "completed"
	SessionStatusCancelled  = "cancelled"
)

// TableName specifies the table name for GroupSession
func (GroupSession) TableName() string {
	return "group_sessions"
}

// PercentComplete reports participant progress as 0-100
func (s *GroupSession) PercentComplete() float64 {
	if s.TotalParticipants == 0 {
		return 0
	}
	return float64(s.CompletedCount) / float64(s.TotalParticipants) * 100
}
