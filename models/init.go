package models

import (
	"gorm.io/gorm"
)

// Migrate creates or updates the schema for every engine entity.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Workspace{},
		&SafetyPolicy{},
		&Campaign{},
		&CampaignLeadList{},
		&Sequence{},
		&SequenceStep{},
		&LeadList{},
		&Lead{},
		&LeadListMembership{},
		&LeadCustomField{},
		&Enrollment{},
		&SendAttempt{},
		&DispatchToken{},
		&SenderNode{},
		&WarmupSend{},
		&InboundEvent{},
	)
}
