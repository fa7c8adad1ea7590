package models

import (
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Workspace is the tenancy unit. Every safety decision and volume counter
// is scoped to one workspace.
type Workspace struct {
	gorm.Model
	Name     string `gorm:"not null" json:"name"`
	Timezone string `gorm:"default:'UTC'" json:"timezone"`

	// Complaint latch. Set when a complaint pauses the workspace; only an
	// explicit operator clearance resets it.
	PausedForComplaintAt *time.Time `json:"paused_for_complaint_at"`
	ComplaintNote        string     `json:"complaint_note"`

	// Relations
	Campaigns   []Campaign   `gorm:"foreignKey:WorkspaceID" json:"campaigns,omitempty"`
	SenderNodes []SenderNode `gorm:"foreignKey:WorkspaceID" json:"sender_nodes,omitempty"`
}

// SafetyPolicy holds the per-workspace sending guardrails. Edits take effect
// on the next evaluation cycle; evaluators work from a Snapshot.
type SafetyPolicy struct {
	gorm.Model
	WorkspaceID uint `gorm:"not null;uniqueIndex" json:"workspace_id"`

	// Threshold in basis points: 500 = 5%. Integer so bounce-rate
	// comparisons stay exact.
	BounceThresholdBps int `gorm:"default:500" json:"bounce_threshold_bps"`

	// Rolling window for bounce-rate evaluation. When both are set the
	// count window wins.
	BounceWindowCount int `gorm:"default:100" json:"bounce_window_count"`
	BounceWindowHours int `gorm:"default:0" json:"bounce_window_hours"`

	// Campaigns with fewer sends than this are exempt from the bounce rule.
	// Zero means use the engine default.
	MinSampleOverride int `gorm:"default:0" json:"min_sample_override"`

	DailyVolumeCap   int  `gorm:"default:500" json:"daily_volume_cap"`
	StopOnReply      bool `gorm:"default:true" json:"stop_on_reply"`
	PauseOnComplaint bool `gorm:"default:true" json:"pause_on_complaint"`
	WeekendPause     bool `gorm:"default:false" json:"weekend_pause"`

	// Comma-separated time.Weekday numbers treated as non-business days
	// when WeekendPause is on. Default Saturday and Sunday.
	NonBusinessDays string `gorm:"default:'0,6'" json:"non_business_days"`
}

// PolicySnapshot is the immutable copy handed to one evaluation cycle.
type PolicySnapshot struct {
	WorkspaceID        uint
	BounceThresholdBps int
	BounceWindowCount  int
	BounceWindowHours  int
	MinSampleOverride  int
	DailyVolumeCap     int
	StopOnReply        bool
	PauseOnComplaint   bool
	WeekendPause       bool
	Timezone           string
	NonBusinessDays    map[time.Weekday]bool
}

// Snapshot copies the policy for a single evaluation. The workspace timezone
// rides along so weekend checks do not need a second lookup.
func (p *SafetyPolicy) Snapshot(tz string) PolicySnapshot {
	return PolicySnapshot{
		WorkspaceID:        p.WorkspaceID,
		BounceThresholdBps: p.BounceThresholdBps,
		BounceWindowCount:  p.BounceWindowCount,
		BounceWindowHours:  p.BounceWindowHours,
		MinSampleOverride:  p.MinSampleOverride,
		DailyVolumeCap:     p.DailyVolumeCap,
		StopOnReply:        p.StopOnReply,
		PauseOnComplaint:   p.PauseOnComplaint,
		WeekendPause:       p.WeekendPause,
		Timezone:           tz,
		NonBusinessDays:    parseWeekdays(p.NonBusinessDays),
	}
}

// IsNonBusinessDay reports whether asOf falls on a configured non-business
// day in the workspace timezone.
func (s PolicySnapshot) IsNonBusinessDay(asOf time.Time) bool {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return s.NonBusinessDays[asOf.In(loc).Weekday()]
}

func parseWeekdays(csv string) map[time.Weekday]bool {
	days := make(map[time.Weekday]bool)
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 6 {
			continue
		}
		days[time.Weekday(n)] = true
	}
	if len(days) == 0 {
		days[time.Saturday] = true
		days[time.Sunday] = true
	}
	return days
}
