package models

import (
	"time"

	"gorm.io/gorm"
)

// RampCurve selects how a warming sender's daily cap grows.
type RampCurve string

const (
	RampFixed   RampCurve = "fixed"   // cap += increment
	RampPercent RampCurve = "percent" // cap += cap * increment / 100
)

// SenderNode is one sending identity going through warmup. Its daily cap
// climbs along the ramp curve; its health score is recomputed from
// interaction outcomes and feeds the safety evaluator, never bypasses it.
type SenderNode struct {
	gorm.Model
	WorkspaceID uint `gorm:"not null;index" json:"workspace_id"`

	Identity  string `gorm:"not null;uniqueIndex" json:"identity"`
	FromEmail string `gorm:"not null" json:"from_email"`
	FromName  string `json:"from_name"`

	// Ramp state. RampDay advances at most once per calendar day.
	IsWarmingUp    bool       `gorm:"default:true" json:"is_warming_up"`
	DailyCap       int        `gorm:"not null" json:"daily_cap"`
	CeilingCap     int        `gorm:"not null" json:"ceiling_cap"`
	RampIncrement  int        `gorm:"not null" json:"ramp_increment"`
	Curve          RampCurve  `gorm:"not null;default:'fixed'" json:"curve"`
	RampDay        int        `gorm:"default:0" json:"ramp_day"`
	LastAdvancedOn *time.Time `json:"last_advanced_on"`

	// Reputation. Mutated only by interaction feedback.
	HealthScore int `gorm:"default:100" json:"health_score"`

	// Usage
	SentToday int     `gorm:"default:0" json:"sent_today"`
	TotalSent int     `gorm:"default:0" json:"total_sent"`
	LastError *string `json:"last_error"`
}

// WarmupSend records one simulated interaction for a warming sender.
type WarmupSend struct {
	gorm.Model
	SenderNodeID uint `gorm:"not null;index" json:"sender_node_id"`

	MessageID string    `gorm:"not null;uniqueIndex" json:"message_id"`
	SentAt    time.Time `gorm:"not null" json:"sent_at"`

	Opened  bool `gorm:"default:false" json:"opened"`
	Replied bool `gorm:"default:false" json:"replied"`
	Bounced bool `gorm:"default:false" json:"bounced"`
	Spammed bool `gorm:"default:false" json:"spammed"` // landed in spam folder
}
