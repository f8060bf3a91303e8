package models

import (
	"time"
)

// FilePosition is the persisted read cursor of one tailed file.
type FilePosition struct {
	Path            string `gorm:"primaryKey"`
	SourceID        string `gorm:"not null;index"`
	AgentID         string `gorm:"index"`
	Offset          int64  `gorm:"default:0"`
	Inode           int64  `gorm:"default:0"` // SQLite only supports int64
	LastLineContent string
	LastReadAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (FilePosition) TableName() string {
	return "file_positions"
}
