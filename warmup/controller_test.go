package warmup

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"skyreach/models"
	"skyreach/transport"
)

type acceptAllTransport struct {
	mu   sync.Mutex
	sent []transport.Message
}

func (t *acceptAllTransport) Send(_ context.Context, msg transport.Message) (transport.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, msg)
	return transport.Accepted, nil
}

// haltingTransport accepts failAfter sends, then errors out mid-batch.
type haltingTransport struct {
	acceptAllTransport
	failAfter int
}

func (t *haltingTransport) Send(ctx context.Context, msg transport.Message) (transport.Result, error) {
	t.mu.Lock()
	n := len(t.sent)
	t.mu.Unlock()
	if n >= t.failAfter {
		return transport.RejectedTransient, errors.New("relay connection dropped")
	}
	return t.acceptAllTransport.Send(ctx, msg)
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.SenderNode{}, &models.WarmupSend{}))
	return db
}

func newTestController(t *testing.T, db *gorm.DB, tr transport.Transport, now time.Time) *Controller {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	c := NewController(db, tr, []Peer{
		{Email: "pool-1@warmup.example.net", Name: "Pat"},
		{Email: "pool-2@warmup.example.net", Name: "Sam"},
	}, log)
	c.now = func() time.Time { return now }
	return c
}

func seedSender(t *testing.T, db *gorm.DB, mutate func(*models.SenderNode)) *models.SenderNode {
	t.Helper()
	sender := &models.SenderNode{
		WorkspaceID:   1,
		Identity:      "warm@outbound.example.com",
		FromEmail:     "warm@outbound.example.com",
		FromName:      "Warm",
		IsWarmingUp:   true,
		DailyCap:      25,
		CeilingCap:    50,
		RampIncrement: 10,
		Curve:         models.RampFixed,
		RampDay:       5,
		HealthScore:   100,
	}
	if mutate != nil {
		mutate(sender)
	}
	require.NoError(t, db.Create(sender).Error)
	return sender
}

func TestAdvanceRampFixedCurve(t *testing.T) {
	now := time.Date(2026, 9, 2, 8, 0, 0, 0, time.UTC)
	db := openTestDB(t)
	c := newTestController(t, db, &acceptAllTransport{}, now)
	sender := seedSender(t, db, nil)

	require.NoError(t, c.AdvanceRamp(context.Background(), sender))

	assert.Equal(t, 35, sender.DailyCap)
	assert.Equal(t, 6, sender.RampDay)
	assert.True(t, sender.IsWarmingUp)

	var stored models.SenderNode
	require.NoError(t, db.First(&stored, sender.ID).Error)
	assert.Equal(t, 35, stored.DailyCap)
	assert.Equal(t, 0, stored.SentToday, "new ramp day resets the daily counter")
}

func TestAdvanceRampOncePerCalendarDay(t *testing.T) {
	now := time.Date(2026, 9, 2, 8, 0, 0, 0, time.UTC)
	db := openTestDB(t)
	c := newTestController(t, db, &acceptAllTransport{}, now)
	sender := seedSender(t, db, nil)

	require.NoError(t, c.AdvanceRamp(context.Background(), sender))
	require.NoError(t, c.AdvanceRamp(context.Background(), sender))

	assert.Equal(t, 35, sender.DailyCap, "second advance on the same day is a no-op")
	assert.Equal(t, 6, sender.RampDay)

	// Next calendar day advances again.
	c.now = func() time.Time { return now.Add(24 * time.Hour) }
	require.NoError(t, c.AdvanceRamp(context.Background(), sender))
	assert.Equal(t, 45, sender.DailyCap)
}

func TestAdvanceRampClampsAtCeilingAndGraduates(t *testing.T) {
	now := time.Date(2026, 9, 2, 8, 0, 0, 0, time.UTC)
	db := openTestDB(t)
	c := newTestController(t, db, &acceptAllTransport{}, now)
	sender := seedSender(t, db, func(s *models.SenderNode) {
		s.DailyCap = 45
	})

	require.NoError(t, c.AdvanceRamp(context.Background(), sender))

	assert.Equal(t, 50, sender.DailyCap, "cap clamps at ceiling, never overshoots")
	assert.False(t, sender.IsWarmingUp, "reaching the ceiling completes warmup")
}

func TestNextCapPercentCurve(t *testing.T) {
	assert.Equal(t, 110, NextCap(100, 500, 10, models.RampPercent))
	// Small caps still move by at least one.
	assert.Equal(t, 6, NextCap(5, 500, 10, models.RampPercent))
	// Clamped to ceiling.
	assert.Equal(t, 500, NextCap(490, 500, 10, models.RampPercent))
	// Zero increment never shrinks the cap.
	assert.Equal(t, 100, NextCap(100, 500, 0, models.RampFixed))
}

func TestTickSendsRemainingWarmupVolume(t *testing.T) {
	now := time.Date(2026, 9, 2, 8, 0, 0, 0, time.UTC)
	db := openTestDB(t)
	tr := &acceptAllTransport{}
	c := newTestController(t, db, tr, now)
	today := now.Truncate(24 * time.Hour)
	seedSender(t, db, func(s *models.SenderNode) {
		s.DailyCap = 4
		s.SentToday = 1
		s.LastAdvancedOn = &today // already advanced, only sends remain
	})

	c.Tick(context.Background())

	require.Len(t, tr.sent, 3, "sends exactly the remaining volume")
	for _, msg := range tr.sent {
		assert.True(t, msg.IsWarmup)
	}

	var stored models.SenderNode
	require.NoError(t, db.First(&stored, 1).Error)
	assert.Equal(t, 4, stored.SentToday)

	var records int64
	require.NoError(t, db.Model(&models.WarmupSend{}).Count(&records).Error)
	assert.EqualValues(t, 3, records)
}

func TestBatchFailureStillCountsAcceptedSends(t *testing.T) {
	now := time.Date(2026, 9, 2, 8, 0, 0, 0, time.UTC)
	db := openTestDB(t)
	tr := &haltingTransport{failAfter: 2}
	c := newTestController(t, db, tr, now)
	sender := seedSender(t, db, func(s *models.SenderNode) {
		s.DailyCap = 5
	})

	require.Error(t, c.sendBatch(context.Background(), sender))

	// The two accepted sends are counted even though the batch died, so
	// the next pass cannot resend them past the cap.
	var reloaded models.SenderNode
	require.NoError(t, db.First(&reloaded, sender.ID).Error)
	assert.Equal(t, 2, reloaded.SentToday)
	assert.Equal(t, 2, reloaded.TotalSent)
	assert.Equal(t, 2, sender.SentToday)

	tr.failAfter = 100
	require.NoError(t, c.sendBatch(context.Background(), sender))

	var sends int64
	require.NoError(t, db.Model(&models.WarmupSend{}).
		Where("sender_node_id = ?", sender.ID).Count(&sends).Error)
	assert.EqualValues(t, 5, sends)
	require.NoError(t, db.First(&reloaded, sender.ID).Error)
	assert.Equal(t, 5, reloaded.SentToday)
}

func TestHealthScorePenalties(t *testing.T) {
	assert.Equal(t, 100, HealthScore(0, 0, 0), "no data means no penalty")
	assert.Equal(t, 100, HealthScore(50, 0, 0))
	// 10% bounces cost 20 points, 10% spam costs 10.
	assert.Equal(t, 80, HealthScore(50, 5, 0))
	assert.Equal(t, 90, HealthScore(50, 0, 5))
	assert.Equal(t, 70, HealthScore(50, 5, 5))
	// Floor at zero.
	assert.Equal(t, 0, HealthScore(10, 10, 10))
}

func TestRecomputeHealthFromOutcomes(t *testing.T) {
	now := time.Date(2026, 9, 2, 8, 0, 0, 0, time.UTC)
	db := openTestDB(t)
	c := newTestController(t, db, &acceptAllTransport{}, now)
	sender := seedSender(t, db, nil)

	for i := 0; i < 10; i++ {
		send := models.WarmupSend{
			SenderNodeID: sender.ID,
			MessageID:    string(rune('a'+i)) + "-msg",
			SentAt:       now.Add(-time.Hour),
			Bounced:      i == 0, // 10% bounce rate
		}
		require.NoError(t, db.Create(&send).Error)
	}
	// Outside the window, must not count.
	stale := models.WarmupSend{
		SenderNodeID: sender.ID,
		MessageID:    "stale-msg",
		SentAt:       now.Add(-30 * 24 * time.Hour),
		Bounced:      true,
	}
	require.NoError(t, db.Create(&stale).Error)

	require.NoError(t, c.RecomputeHealth(context.Background(), sender))

	assert.Equal(t, 80, sender.HealthScore)
	var stored models.SenderNode
	require.NoError(t, db.First(&stored, sender.ID).Error)
	assert.Equal(t, 80, stored.HealthScore)
}

func TestRecordInteraction(t *testing.T) {
	now := time.Date(2026, 9, 2, 8, 0, 0, 0, time.UTC)
	db := openTestDB(t)
	c := newTestController(t, db, &acceptAllTransport{}, now)
	sender := seedSender(t, db, nil)
	send := models.WarmupSend{SenderNodeID: sender.ID, MessageID: "msg-1", SentAt: now}
	require.NoError(t, db.Create(&send).Error)

	require.NoError(t, c.RecordInteraction(context.Background(), "msg-1", true, true, false, false))

	var stored models.WarmupSend
	require.NoError(t, db.First(&stored, send.ID).Error)
	assert.True(t, stored.Opened)
	assert.True(t, stored.Replied)
	assert.False(t, stored.Bounced)

	err := c.RecordInteraction(context.Background(), "unknown-msg", true, false, false, false)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}
