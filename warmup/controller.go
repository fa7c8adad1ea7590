package warmup

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"skyreach/models"
	"skyreach/transport"
)

// Peer is one mailbox in the warmup pool that receives warmup traffic.
type Peer struct {
	Email string
	Name  string
}

// Controller drives sender warmup: it ramps each warming sender's daily cap
// along its curve, emits the day's warmup volume through the shared delivery
// transport, and recomputes health scores from interaction outcomes.
type Controller struct {
	db        *gorm.DB
	transport transport.Transport
	peers     []Peer
	log       *logrus.Logger

	now func() time.Time
}

func NewController(db *gorm.DB, tr transport.Transport, peers []Peer, log *logrus.Logger) *Controller {
	return &Controller{
		db:        db,
		transport: tr,
		peers:     peers,
		log:       log,
		now:       time.Now,
	}
}

// Tick runs one warmup pass: ramp advancement, then sends, then health
// recomputation. Errors on one sender never stop the others.
func (c *Controller) Tick(ctx context.Context) {
	var senders []models.SenderNode
	if err := c.db.WithContext(ctx).Where("is_warming_up = ?", true).Find(&senders).Error; err != nil {
		c.log.WithError(err).Error("failed to load warming senders")
		return
	}

	for i := range senders {
		sender := &senders[i]
		slog := c.log.WithFields(logrus.Fields{
			"sender_id": sender.ID,
			"identity":  sender.Identity,
		})

		if err := c.AdvanceRamp(ctx, sender); err != nil {
			slog.WithError(err).Error("ramp advance failed")
			c.recordError(ctx, sender.ID, err)
			continue
		}
		if err := c.sendBatch(ctx, sender); err != nil {
			slog.WithError(err).Error("warmup batch failed")
			c.recordError(ctx, sender.ID, err)
			continue
		}
		if err := c.RecomputeHealth(ctx, sender); err != nil {
			slog.WithError(err).Error("health recompute failed")
		}
	}
}

// AdvanceRamp grows the sender's daily cap along its curve, at most once per
// calendar day. The cap never decreases and never exceeds the ceiling; once
// the ceiling is reached the sender graduates out of warmup.
func (c *Controller) AdvanceRamp(ctx context.Context, sender *models.SenderNode) error {
	today := c.now().UTC().Truncate(24 * time.Hour)
	if sender.LastAdvancedOn != nil && !sender.LastAdvancedOn.UTC().Truncate(24*time.Hour).Before(today) {
		return nil // already advanced today
	}

	next := NextCap(sender.DailyCap, sender.CeilingCap, sender.RampIncrement, sender.Curve)
	updates := map[string]interface{}{
		"daily_cap":        next,
		"ramp_day":         sender.RampDay + 1,
		"last_advanced_on": today,
		"sent_today":       0,
	}
	if next >= sender.CeilingCap {
		updates["is_warming_up"] = false
	}
	if err := c.db.WithContext(ctx).Model(&models.SenderNode{}).
		Where("id = ?", sender.ID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to persist ramp advance: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"sender_id": sender.ID,
		"ramp_day":  sender.RampDay + 1,
		"daily_cap": next,
	}).Info("warmup ramp advanced")

	sender.DailyCap = next
	sender.RampDay++
	sender.LastAdvancedOn = &today
	sender.SentToday = 0
	sender.IsWarmingUp = next < sender.CeilingCap
	return nil
}

// NextCap computes tomorrow's daily cap from today's. Fixed curves add the
// increment; percent curves add increment% of the current cap, always at
// least one so a small cap cannot stall. The result is clamped to ceiling
// and never below the current cap.
func NextCap(current, ceiling, increment int, curve models.RampCurve) int {
	step := increment
	if curve == models.RampPercent {
		step = current * increment / 100
		if step < 1 {
			step = 1
		}
	}
	next := current + step
	if next > ceiling {
		next = ceiling
	}
	if next < current {
		next = current
	}
	return next
}

// sendBatch emits the remainder of today's warmup volume to pool peers.
func (c *Controller) sendBatch(ctx context.Context, sender *models.SenderNode) error {
	if len(c.peers) == 0 {
		return nil
	}
	remaining := sender.DailyCap - sender.SentToday
	if remaining <= 0 {
		return nil
	}

	// The counters flush on every exit path: accepted sends already have
	// WarmupSend rows, so losing the increment on a mid-batch error would
	// let the next tick resend past the daily cap. The flush deliberately
	// skips the request context so a cancellation cannot drop it.
	sent := 0
	defer func() {
		if sent == 0 {
			return
		}
		err := c.db.Model(&models.SenderNode{}).
			Where("id = ?", sender.ID).
			Updates(map[string]interface{}{
				"sent_today": gorm.Expr("sent_today + ?", sent),
				"total_sent": gorm.Expr("total_sent + ?", sent),
			}).Error
		if err != nil {
			c.log.WithError(err).WithField("sender_id", sender.ID).Error("failed to flush warmup send counters")
			return
		}
		sender.SentToday += sent
		sender.TotalSent += sent
	}()

	for i := 0; i < remaining; i++ {
		peer := c.peers[(sender.TotalSent+i)%len(c.peers)]
		messageID := uuid.New().String()

		subject, body := warmupContent(sender, peer)
		result, err := c.transport.Send(ctx, transport.Message{
			MessageID: messageID,
			From:      sender.FromEmail,
			FromName:  sender.FromName,
			To:        peer.Email,
			Subject:   subject,
			Body:      body,
			IsWarmup:  true,
		})
		if err != nil {
			return fmt.Errorf("warmup handoff to %s failed: %w", peer.Email, err)
		}
		if result != transport.Accepted {
			c.log.WithFields(logrus.Fields{
				"sender_id": sender.ID,
				"peer":      peer.Email,
				"result":    result.String(),
			}).Warn("warmup send rejected")
			continue
		}

		record := models.WarmupSend{
			SenderNodeID: sender.ID,
			MessageID:    messageID,
			SentAt:       c.now(),
		}
		if err := c.db.WithContext(ctx).Create(&record).Error; err != nil {
			return fmt.Errorf("failed to record warmup send: %w", err)
		}
		sent++
	}
	return nil
}

// healthWindow bounds which warmup sends feed the score.
const healthWindow = 14 * 24 * time.Hour

// RecomputeHealth rebuilds the sender's health score from recent warmup
// interaction outcomes. The score feeds the safety evaluator's cap scaling;
// it never grants volume on its own.
func (c *Controller) RecomputeHealth(ctx context.Context, sender *models.SenderNode) error {
	since := c.now().Add(-healthWindow)

	var stats struct {
		Total   int64
		Bounced int64
		Spammed int64
		Replied int64
	}
	err := c.db.WithContext(ctx).Model(&models.WarmupSend{}).
		Select(
			"COUNT(*) AS total, "+
				"COALESCE(SUM(CASE WHEN bounced THEN 1 ELSE 0 END), 0) AS bounced, "+
				"COALESCE(SUM(CASE WHEN spammed THEN 1 ELSE 0 END), 0) AS spammed, "+
				"COALESCE(SUM(CASE WHEN replied THEN 1 ELSE 0 END), 0) AS replied").
		Where("sender_node_id = ? AND sent_at >= ?", sender.ID, since).
		Scan(&stats).Error
	if err != nil {
		return err
	}

	score := HealthScore(stats.Total, stats.Bounced, stats.Spammed)
	if score == sender.HealthScore {
		return nil
	}
	if err := c.db.WithContext(ctx).Model(&models.SenderNode{}).
		Where("id = ?", sender.ID).
		Update("health_score", score).Error; err != nil {
		return err
	}
	c.log.WithFields(logrus.Fields{
		"sender_id": sender.ID,
		"from":      sender.HealthScore,
		"to":        score,
	}).Info("sender health score updated")
	sender.HealthScore = score
	return nil
}

// HealthScore maps interaction outcomes to a 0..100 reputation. Bounce
// percentage counts double against the score; spam-folder placement counts
// once. Integer arithmetic throughout so replicas always agree.
func HealthScore(total, bounced, spammed int64) int {
	if total == 0 {
		return 100
	}
	bouncePct := int(bounced * 100 / total)
	spamPct := int(spammed * 100 / total)
	score := 100 - 2*bouncePct - spamPct
	if score < 0 {
		score = 0
	}
	return score
}

// RecordInteraction marks an outcome on a warmup send, matched by the
// message id the peer mailbox saw.
func (c *Controller) RecordInteraction(ctx context.Context, messageID string, opened, replied, bounced, spammed bool) error {
	updates := map[string]interface{}{}
	if opened {
		updates["opened"] = true
	}
	if replied {
		updates["replied"] = true
	}
	if bounced {
		updates["bounced"] = true
	}
	if spammed {
		updates["spammed"] = true
	}
	if len(updates) == 0 {
		return nil
	}
	res := c.db.WithContext(ctx).Model(&models.WarmupSend{}).
		Where("message_id = ?", messageID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (c *Controller) recordError(ctx context.Context, senderID uint, err error) {
	msg := err.Error()
	if uerr := c.db.WithContext(ctx).Model(&models.SenderNode{}).
		Where("id = ?", senderID).
		Update("last_error", msg).Error; uerr != nil {
		c.log.WithError(uerr).Error("failed to record sender error")
	}
}

// warmupContent produces innocuous conversational content for pool traffic.
func warmupContent(sender *models.SenderNode, peer Peer) (string, string) {
	subject := fmt.Sprintf("Quick note for %s", peer.Name)
	body := fmt.Sprintf("Hi %s,\n\nHope the week is going well. Catching up on threads today.\n\nBest,\n%s\n", peer.Name, sender.FromName)
	return subject, body
}
