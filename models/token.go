package models

import "gorm.io/gorm"

// DispatchToken enforces at-most-once delivery per (enrollment, step) when
// the engine runs without redis: the unique index makes the second acquirer
// fail its insert.
type DispatchToken struct {
	gorm.Model
	EnrollmentID uint   `gorm:"not null;uniqueIndex:idx_dispatch_token" json:"enrollment_id"`
	StepPosition int    `gorm:"not null;uniqueIndex:idx_dispatch_token" json:"step_position"`
	Token        string `gorm:"not null" json:"token"`
}
