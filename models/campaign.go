package models

import (
	"sort"
	"time"

	"gorm.io/gorm"
)

const (
	CampaignStatusDraft     = "draft"
	CampaignStatusActive    = "active"
	CampaignStatusPaused    = "paused"
	CampaignStatusCompleted = "completed"
)

// Campaign represents one outreach campaign inside a workspace
type Campaign struct {
	gorm.Model
	WorkspaceID uint `gorm:"not null;index" json:"workspace_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	Status      string `gorm:"default:'draft'" json:"status"` // draft, active, paused, completed

	// Set when the safety evaluator pauses the campaign; cleared when a
	// later evaluation allows sending again.
	PausedReason string     `json:"paused_reason"`
	PausedAt     *time.Time `json:"paused_at"`

	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`

	// Relations
	Sequence          *Sequence          `gorm:"foreignKey:CampaignID" json:"sequence,omitempty"`
	CampaignLeadLists []CampaignLeadList `gorm:"foreignKey:CampaignID" json:"lead_lists,omitempty"`
	Enrollments       []Enrollment       `gorm:"foreignKey:CampaignID" json:"enrollments,omitempty"`
}

// CampaignLeadList joins campaigns to lead lists
type CampaignLeadList struct {
	gorm.Model
	CampaignID uint `gorm:"not null;index" json:"campaign_id"`
	LeadListID uint `gorm:"not null;index" json:"lead_list_id"`
}

// Sequence is the ordered list of steps a campaign sends. One per campaign.
type Sequence struct {
	gorm.Model
	CampaignID uint `gorm:"not null;uniqueIndex" json:"campaign_id"`

	Name string `json:"name"`

	// Relations
	Steps []SequenceStep `gorm:"foreignKey:SequenceID" json:"steps,omitempty"`
}

// SequenceStep is one email in a sequence. Positions are 1-based and dense:
// after any edit they form a contiguous 1..N range.
type SequenceStep struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index" json:"sequence_id"`

	Position        int    `gorm:"not null" json:"position"`
	SubjectTemplate string `gorm:"not null" json:"subject_template"`
	BodyTemplate    string `gorm:"type:text" json:"body_template"`

	// Delay since the previous step. Step 1 is always zero.
	DelaySeconds int64 `gorm:"not null;default:0" json:"delay_seconds"`
}

func (s SequenceStep) Delay() time.Duration {
	return time.Duration(s.DelaySeconds) * time.Second
}

// NormalizeSteps returns steps sorted by intended order with positions
// rewritten to a dense 1..N range and the first delay forced to zero.
// The sort is stable: steps sharing a position keep their relative order,
// never an arbitrary id order.
func NormalizeSteps(steps []SequenceStep) []SequenceStep {
	out := make([]SequenceStep, len(steps))
	copy(out, steps)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Position < out[j].Position
	})
	for i := range out {
		out[i].Position = i + 1
		if out[i].DelaySeconds < 0 {
			out[i].DelaySeconds = 0
		}
	}
	if len(out) > 0 {
		out[0].DelaySeconds = 0
	}
	return out
}

// InsertStep places step at position at (1-based, clamped to 1..N+1) and
// renumbers the rest.
func InsertStep(steps []SequenceStep, step SequenceStep, at int) []SequenceStep {
	normalized := NormalizeSteps(steps)
	if at < 1 {
		at = 1
	}
	if at > len(normalized)+1 {
		at = len(normalized) + 1
	}
	out := make([]SequenceStep, 0, len(normalized)+1)
	out = append(out, normalized[:at-1]...)
	out = append(out, step)
	out = append(out, normalized[at-1:]...)
	for i := range out {
		out[i].Position = i + 1
	}
	if len(out) > 0 {
		out[0].DelaySeconds = 0
	}
	return out
}

// RemoveStep deletes the step at position pos and closes the gap. Removing
// an unknown position is a no-op.
func RemoveStep(steps []SequenceStep, pos int) []SequenceStep {
	normalized := NormalizeSteps(steps)
	out := make([]SequenceStep, 0, len(normalized))
	for _, s := range normalized {
		if s.Position == pos {
			continue
		}
		out = append(out, s)
	}
	return NormalizeSteps(out)
}

// ReorderStep moves the step at position from to position to, shifting the
// steps in between. Out-of-range source positions are a no-op, targets are
// clamped.
func ReorderStep(steps []SequenceStep, from, to int) []SequenceStep {
	normalized := NormalizeSteps(steps)
	n := len(normalized)
	if n == 0 || from < 1 || from > n {
		return normalized
	}
	if to < 1 {
		to = 1
	}
	if to > n {
		to = n
	}
	moved := normalized[from-1]
	rest := append(append([]SequenceStep{}, normalized[:from-1]...), normalized[from:]...)
	out := make([]SequenceStep, 0, n)
	out = append(out, rest[:to-1]...)
	out = append(out, moved)
	out = append(out, rest[to-1:]...)
	for i := range out {
		out[i].Position = i + 1
	}
	out[0].DelaySeconds = 0
	return out
}

// StepAt returns the step at the given 1-based position, or nil.
func StepAt(steps []SequenceStep, pos int) *SequenceStep {
	for i := range steps {
		if steps[i].Position == pos {
			return &steps[i]
		}
	}
	return nil
}
