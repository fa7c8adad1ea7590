package models

import (
	"time"

	"gorm.io/gorm"
)

// InboundEventType classifies signals arriving from the inbound feed.
type InboundEventType string

const (
	EventReply       InboundEventType = "reply"
	EventHardBounce  InboundEventType = "hard_bounce"
	EventSoftBounce  InboundEventType = "soft_bounce"
	EventUnsubscribe InboundEventType = "unsubscribe"
	EventComplaint   InboundEventType = "complaint"
)

// InboundEvent is one reply/bounce/unsubscribe/complaint signal. The
// provider event id is unique so duplicate delivery of the same event is a
// no-op when applied.
type InboundEvent struct {
	gorm.Model
	WorkspaceID uint `gorm:"not null;index" json:"workspace_id"`
	CampaignID  uint `gorm:"index" json:"campaign_id"`
	LeadID      uint `gorm:"index" json:"lead_id"`

	Type            InboundEventType `gorm:"not null;index" json:"type"`
	ProviderEventID string           `gorm:"not null;uniqueIndex" json:"provider_event_id"`
	OccurredAt      time.Time        `gorm:"not null" json:"occurred_at"`
	ProcessedAt     *time.Time       `json:"processed_at"`

	Detail string `json:"detail"` // DSN code, folder name, raw header hint
}
