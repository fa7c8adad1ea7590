package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"skyreach/models"
)

// GormStore reads policy and workspace state straight from the database, so
// every cycle sees fresh policy values.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) PolicyFor(ctx context.Context, workspaceID uint) (models.PolicySnapshot, error) {
	var ws models.Workspace
	if err := s.db.WithContext(ctx).First(&ws, workspaceID).Error; err != nil {
		return models.PolicySnapshot{}, fmt.Errorf("workspace %d: %w", workspaceID, err)
	}

	var pol models.SafetyPolicy
	err := s.db.WithContext(ctx).Where("workspace_id = ?", workspaceID).First(&pol).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		pol = DefaultPolicy(workspaceID)
	} else if err != nil {
		return models.PolicySnapshot{}, fmt.Errorf("policy for workspace %d: %w", workspaceID, err)
	}
	return pol.Snapshot(ws.Timezone), nil
}

// DefaultPolicy is used for workspaces that never saved a policy row.
func DefaultPolicy(workspaceID uint) models.SafetyPolicy {
	return models.SafetyPolicy{
		WorkspaceID:        workspaceID,
		BounceThresholdBps: 500,
		BounceWindowCount:  100,
		DailyVolumeCap:     500,
		StopOnReply:        true,
		PauseOnComplaint:   true,
		NonBusinessDays:    "0,6",
	}
}

func (s *GormStore) ActiveCampaignIDs(ctx context.Context, workspaceID uint) ([]uint, error) {
	var ids []uint
	// Paused campaigns stay in scope so a still-bad bounce rate keeps them
	// paused instead of silently resuming.
	err := s.db.WithContext(ctx).
		Model(&models.Campaign{}).
		Where("workspace_id = ? AND status IN ?", workspaceID, []string{models.CampaignStatusActive, models.CampaignStatusPaused}).
		Order("id").
		Pluck("id", &ids).Error
	return ids, err
}

func (s *GormStore) ComplaintLatched(ctx context.Context, workspaceID uint) (bool, error) {
	var ws models.Workspace
	if err := s.db.WithContext(ctx).First(&ws, workspaceID).Error; err != nil {
		return false, err
	}
	return ws.PausedForComplaintAt != nil, nil
}

// GormMetrics aggregates send/bounce counts from attempts and inbound
// events.
type GormMetrics struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormMetrics(db *gorm.DB) *GormMetrics {
	return &GormMetrics{db: db, now: time.Now}
}

type bounceRow struct {
	Sends   int64
	Bounces int64
	Oldest  *time.Time
}

// BounceCounts computes the trailing-window counts for one campaign. Sends
// are attempts that actually left (delivered or bounced at send time);
// bounces add hard-bounce events reported after delivery within the same
// window.
func (m *GormMetrics) BounceCounts(ctx context.Context, campaignID uint, w Window) (int64, int64, error) {
	var row bounceRow
	var err error
	if w.Count > 0 {
		err = m.db.WithContext(ctx).Raw(`
			SELECT COUNT(*) AS sends,
			       COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0) AS bounces,
			       MIN(scheduled_at) AS oldest
			FROM (
				SELECT sa.outcome, sa.scheduled_at
				FROM send_attempts sa
				JOIN enrollments e ON e.id = sa.enrollment_id
				WHERE e.campaign_id = ?
				  AND sa.outcome IN ?
				  AND sa.deleted_at IS NULL
				ORDER BY sa.scheduled_at DESC, sa.id DESC
				LIMIT ?
			) trailing
		`, models.OutcomeBounced, campaignID,
			[]models.AttemptOutcome{models.OutcomeDelivered, models.OutcomeBounced},
			w.Count).Scan(&row).Error
	} else {
		since := m.now().Add(-w.Duration)
		err = m.db.WithContext(ctx).Raw(`
			SELECT COUNT(*) AS sends,
			       COALESCE(SUM(CASE WHEN sa.outcome = ? THEN 1 ELSE 0 END), 0) AS bounces,
			       MIN(sa.scheduled_at) AS oldest
			FROM send_attempts sa
			JOIN enrollments e ON e.id = sa.enrollment_id
			WHERE e.campaign_id = ?
			  AND sa.outcome IN ?
			  AND sa.scheduled_at >= ?
			  AND sa.deleted_at IS NULL
		`, models.OutcomeBounced, campaignID,
			[]models.AttemptOutcome{models.OutcomeDelivered, models.OutcomeBounced},
			since).Scan(&row).Error
	}
	if err != nil {
		return 0, 0, err
	}
	if row.Sends == 0 {
		return 0, 0, nil
	}

	// Hard bounces reported asynchronously for sends inside the window.
	since := m.now().Add(-24 * time.Hour)
	if row.Oldest != nil {
		since = *row.Oldest
	}
	var eventBounces int64
	err = m.db.WithContext(ctx).
		Model(&models.InboundEvent{}).
		Where("campaign_id = ? AND type = ? AND occurred_at >= ?",
			campaignID, models.EventHardBounce, since).
		Count(&eventBounces).Error
	if err != nil {
		return 0, 0, err
	}
	return row.Bounces + eventBounces, row.Sends, nil
}

// SendsToday counts everything already charged against the workspace's
// daily cap: campaign sends plus warmup traffic, since midnight in the
// workspace timezone.
func (m *GormMetrics) SendsToday(ctx context.Context, workspaceID uint, asOf time.Time) (int64, error) {
	var ws models.Workspace
	if err := m.db.WithContext(ctx).First(&ws, workspaceID).Error; err != nil {
		return 0, err
	}
	loc, err := time.LoadLocation(ws.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := asOf.In(loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	var campaignSends int64
	err = m.db.WithContext(ctx).
		Model(&models.SendAttempt{}).
		Joins("JOIN enrollments e ON e.id = send_attempts.enrollment_id").
		Where("e.workspace_id = ? AND send_attempts.outcome IN ? AND send_attempts.scheduled_at >= ?",
			workspaceID,
			[]models.AttemptOutcome{models.OutcomeDelivered, models.OutcomeBounced},
			dayStart).
		Count(&campaignSends).Error
	if err != nil {
		return 0, err
	}

	var warmupSends int64
	err = m.db.WithContext(ctx).
		Model(&models.WarmupSend{}).
		Joins("JOIN sender_nodes sn ON sn.id = warmup_sends.sender_node_id").
		Where("sn.workspace_id = ? AND warmup_sends.sent_at >= ?", workspaceID, dayStart).
		Count(&warmupSends).Error
	if err != nil {
		return 0, err
	}
	return campaignSends + warmupSends, nil
}

func (m *GormMetrics) MinWarmingHealth(ctx context.Context, workspaceID uint) (int, bool, error) {
	var scores []int
	err := m.db.WithContext(ctx).
		Model(&models.SenderNode{}).
		Where("workspace_id = ? AND is_warming_up = ?", workspaceID, true).
		Pluck("health_score", &scores).Error
	if err != nil {
		return 0, false, err
	}
	if len(scores) == 0 {
		return 0, false, nil
	}
	min := scores[0]
	for _, s := range scores[1:] {
		if s < min {
			min = s
		}
	}
	return min, true, nil
}
