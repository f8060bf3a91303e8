package models

import (
	"time"
)

// Source formats understood by the parser registry.
const (
	FormatJSONLines = "jsonlines"
	FormatPlainText = "plaintext"
)

// AgentConfig describes one agent and where its logs live. Built-in agents come
// from discovery; custom agents come from the agents file or the database.
type AgentConfig struct {
	ID           string        `gorm:"primaryKey;size:64" json:"id" yaml:"id"`
	Name         string        `gorm:"not null" json:"name" yaml:"name"`
	Type         string        `gorm:"not null;index" json:"type" yaml:"type"`
	Format       string        `gorm:"not null" json:"format" yaml:"format"`
	Paths        []string      `gorm:"serializer:json" json:"paths,omitempty" yaml:"paths,omitempty"`
	Directory    string        `json:"directory,omitempty" yaml:"directory,omitempty"`
	Pattern      string        `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Recursive    bool          `json:"recursive,omitempty" yaml:"recursive,omitempty"`
	PollInterval time.Duration `json:"pollInterval,omitempty" yaml:"poll_interval,omitempty"`
	Enabled      bool          `gorm:"not null" json:"enabled" yaml:"enabled"`
	Custom       bool          `gorm:"not null" json:"custom" yaml:"-"`
	CreatedAt    time.Time     `json:"createdAt" yaml:"-"`
	UpdatedAt    time.Time     `json:"updatedAt" yaml:"-"`
}

func (AgentConfig) TableName() string {
	return "agent_configs"
}
