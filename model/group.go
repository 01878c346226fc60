package model

import (
	"time"

	"gorm.io/gorm"
)

// Group represents a wellness group whose members run shared analysis sessions
type Group struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
	Name        string         `gorm:"type:varchar(255);not null" json:"name"`
	Description string         `gorm:"type:text" json:"description"`
	OwnerID     uint           `gorm:"not null;index" json:"owner_id"`

	// Relationships
	Owner    User           `gorm:"foreignKey:OwnerID" json:"-"`
	Members  []GroupMember  `gorm:"foreignKey:GroupID;constraint:OnDelete:CASCADE" json:"members,omitempty"`
	Sessions []GroupSession `gorm:"foreignKey:GroupID;constraint:OnDelete:CASCADE" json:"-"`
}

// GroupMember links a user to a group
type GroupMember struct {
	GroupID  uint  `gorm:"primaryKey" json:"group_id"`
	UserID   uint  `gorm:"primaryKey" json:"user_id"`
	JoinedAt int64 `gorm:"autoCreateTime" json:"joined_at"`

	// Relationships
	Group Group `gorm:"foreignKey:GroupID;constraint:OnDelete:CASCADE" json:"-"`
	User  User  `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"user,omitempty"`
}
