package inbound

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"skyreach/enrollment"
	"skyreach/models"
)

// Feed is a source of inbound signals. Run blocks until the context ends,
// pushing parsed events into the returned channel.
type Feed interface {
	Run(ctx context.Context) (<-chan models.InboundEvent, error)
}

// PolicySource supplies the immutable policy snapshot an event is applied
// under.
type PolicySource interface {
	PolicyFor(ctx context.Context, workspaceID uint) (models.PolicySnapshot, error)
}

// Resolver maps a sender address back to the lead and campaign it belongs
// to. ok is false when the address is not a known lead.
type Resolver interface {
	ResolveLead(ctx context.Context, email string) (workspaceID, campaignID, leadID uint, ok bool, err error)
}

// GormResolver resolves addresses against the lead table, picking the
// lead's most recent enrollment for campaign attribution.
type GormResolver struct {
	db *gorm.DB
}

func NewGormResolver(db *gorm.DB) *GormResolver {
	return &GormResolver{db: db}
}

func (r *GormResolver) ResolveLead(ctx context.Context, email string) (uint, uint, uint, bool, error) {
	var lead models.Lead
	err := r.db.WithContext(ctx).
		Where("LOWER(email) = ?", strings.ToLower(strings.TrimSpace(email))).
		First(&lead).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, 0, false, err
	}

	var enr models.Enrollment
	err = r.db.WithContext(ctx).
		Where("lead_id = ?", lead.ID).
		Order("created_at DESC").
		First(&enr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return lead.WorkspaceID, 0, lead.ID, true, nil
	}
	if err != nil {
		return 0, 0, 0, false, err
	}
	return lead.WorkspaceID, enr.CampaignID, lead.ID, true, nil
}

// Ingestor persists inbound events exactly once and applies them to the
// enrollment state machine. Duplicate provider event ids are silent no-ops.
type Ingestor struct {
	db       *gorm.DB
	machine  *enrollment.Machine
	repo     enrollment.Repo
	policies PolicySource
	log      *logrus.Logger

	now func() time.Time
}

func NewIngestor(db *gorm.DB, machine *enrollment.Machine, repo enrollment.Repo, policies PolicySource, log *logrus.Logger) *Ingestor {
	return &Ingestor{
		db:       db,
		machine:  machine,
		repo:     repo,
		policies: policies,
		log:      log,
		now:      time.Now,
	}
}

// Run consumes the feed until the context ends. One broken event never
// stops the stream.
func (in *Ingestor) Run(ctx context.Context, feed Feed) error {
	events, err := feed.Run(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := in.Ingest(ctx, ev); err != nil {
				in.log.WithError(err).WithFields(logrus.Fields{
					"provider_event_id": ev.ProviderEventID,
					"type":              ev.Type,
				}).Error("failed to ingest inbound event")
			}
		}
	}
}

// Ingest records and applies one event. Re-delivery of an already-recorded
// provider event id changes nothing.
func (in *Ingestor) Ingest(ctx context.Context, ev models.InboundEvent) error {
	if err := in.db.WithContext(ctx).Create(&ev).Error; err != nil {
		if isDuplicate(err) {
			return nil
		}
		return err
	}

	if err := in.apply(ctx, &ev); err != nil {
		return err
	}

	processed := in.now()
	return in.db.WithContext(ctx).Model(&models.InboundEvent{}).
		Where("id = ?", ev.ID).
		Update("processed_at", processed).Error
}

func (in *Ingestor) apply(ctx context.Context, ev *models.InboundEvent) error {
	switch ev.Type {
	case models.EventHardBounce:
		if err := in.flagLead(ctx, ev.LeadID, "is_bounced"); err != nil {
			return err
		}
	case models.EventUnsubscribe:
		if err := in.flagLead(ctx, ev.LeadID, "is_unsubscribed"); err != nil {
			return err
		}
	case models.EventComplaint:
		if err := in.latchComplaint(ctx, ev); err != nil {
			return err
		}
	}

	if ev.CampaignID == 0 || ev.LeadID == 0 {
		return nil
	}
	enr, err := in.repo.GetByPair(ctx, ev.CampaignID, ev.LeadID)
	if errors.Is(err, enrollment.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	snap, err := in.policies.PolicyFor(ctx, ev.WorkspaceID)
	if err != nil {
		return err
	}
	if err := in.machine.ApplyEvent(ctx, enr, *ev, snap); err != nil {
		if errors.Is(err, enrollment.ErrTerminalState) {
			// Logged by the machine; the event row still stands as the
			// correction record.
			return nil
		}
		return err
	}
	return nil
}

func (in *Ingestor) flagLead(ctx context.Context, leadID uint, column string) error {
	if leadID == 0 {
		return nil
	}
	return in.db.WithContext(ctx).Model(&models.Lead{}).
		Where("id = ?", leadID).
		Update(column, true).Error
}

// latchComplaint sets the workspace's sticky complaint pause. Only an
// operator clears it.
func (in *Ingestor) latchComplaint(ctx context.Context, ev *models.InboundEvent) error {
	var ws models.Workspace
	if err := in.db.WithContext(ctx).First(&ws, ev.WorkspaceID).Error; err != nil {
		return err
	}

	var snap models.PolicySnapshot
	if in.policies != nil {
		loaded, err := in.policies.PolicyFor(ctx, ev.WorkspaceID)
		if err != nil {
			return err
		}
		snap = loaded
	}
	if !snap.PauseOnComplaint {
		return nil
	}
	if ws.PausedForComplaintAt != nil {
		return nil // already latched
	}

	at := in.now()
	return in.db.WithContext(ctx).Model(&models.Workspace{}).
		Where("id = ?", ev.WorkspaceID).
		Updates(map[string]interface{}{
			"paused_for_complaint_at": at,
			"complaint_note":          ev.Detail,
		}).Error
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
