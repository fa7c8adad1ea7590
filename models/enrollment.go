package models

import (
	"time"

	"gorm.io/gorm"
)

// EnrollmentStatus is the authoritative state of one (campaign, lead) pair.
type EnrollmentStatus string

const (
	StatusScheduled    EnrollmentStatus = "scheduled"
	StatusSent         EnrollmentStatus = "sent"
	StatusReplied      EnrollmentStatus = "replied"
	StatusBounced      EnrollmentStatus = "bounced"
	StatusUnsubscribed EnrollmentStatus = "unsubscribed"
	StatusCompleted    EnrollmentStatus = "completed"
	StatusPaused       EnrollmentStatus = "paused"
	StatusCancelled    EnrollmentStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s EnrollmentStatus) Terminal() bool {
	switch s {
	case StatusReplied, StatusBounced, StatusUnsubscribed, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Enrollment binds one lead to one campaign for the lifetime of the pairing
// and tracks its progress through the sequence steps.
type Enrollment struct {
	gorm.Model
	WorkspaceID uint `gorm:"not null;index" json:"workspace_id"`
	CampaignID  uint `gorm:"not null;index;uniqueIndex:idx_enrollment_pair" json:"campaign_id"`
	LeadID      uint `gorm:"not null;index;uniqueIndex:idx_enrollment_pair" json:"lead_id"`

	CurrentStepPosition int              `gorm:"not null;default:1" json:"current_step_position"`
	Status              EnrollmentStatus `gorm:"not null;default:'scheduled';index" json:"status"`

	NextEligibleAt time.Time  `gorm:"not null;index" json:"next_eligible_at"`
	LastEventAt    *time.Time `json:"last_event_at"`

	// Replies observed while StopOnReply is off are counted here without
	// stopping the enrollment.
	ReplyCount int `gorm:"default:0" json:"reply_count"`

	// Optimistic lock: every write must carry the version it read.
	Version int64 `gorm:"not null;default:0" json:"version"`

	// Relations
	SendAttempts []SendAttempt `gorm:"foreignKey:EnrollmentID" json:"send_attempts,omitempty"`
}

// AttemptOutcome is the recorded result of one send attempt.
type AttemptOutcome string

const (
	OutcomePending   AttemptOutcome = "pending"
	OutcomeDelivered AttemptOutcome = "delivered"
	OutcomeBounced   AttemptOutcome = "bounced"
	OutcomeFailed    AttemptOutcome = "failed"
)

// SendAttempt is the append-only record of one dispatch. Rows are never
// mutated after their outcome is recorded; corrections are new rows.
type SendAttempt struct {
	gorm.Model
	EnrollmentID uint `gorm:"not null;index" json:"enrollment_id"`
	StepPosition int  `gorm:"not null" json:"step_position"`

	MessageID       string `gorm:"not null;index" json:"message_id"`
	RenderedSubject string `gorm:"not null" json:"rendered_subject"`
	RenderedBody    string `gorm:"type:text" json:"rendered_body"`

	ScheduledAt time.Time      `gorm:"not null" json:"scheduled_at"`
	Outcome     AttemptOutcome `gorm:"not null;default:'pending'" json:"outcome"`
	FailReason  string         `json:"fail_reason"`
}
