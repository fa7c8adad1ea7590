package enrollment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"skyreach/models"
)

var (
	// ErrTerminalState flags an attempted transition out of a terminal
	// state. It indicates a scheduler bug or a race; callers log it loudly
	// and never retry.
	ErrTerminalState = errors.New("enrollment is in a terminal state")

	// ErrConflict is returned by the repository when an optimistic write
	// lost the race; the caller re-reads and retries.
	ErrConflict = errors.New("enrollment version conflict")

	// ErrNotFound is returned when no enrollment matches.
	ErrNotFound = errors.New("enrollment not found")
)

// Repo is the persistence contract the state machine writes through. Every
// update is a compare-and-swap on the enrollment version.
type Repo interface {
	Get(ctx context.Context, id uint) (*models.Enrollment, error)
	GetByPair(ctx context.Context, campaignID, leadID uint) (*models.Enrollment, error)
	// LoadDue returns Scheduled enrollments with NextEligibleAt <= asOf,
	// ordered by NextEligibleAt then id.
	LoadDue(ctx context.Context, asOf time.Time) ([]models.Enrollment, error)
	// LoadSentDue returns Sent enrollments whose step delay has elapsed.
	LoadSentDue(ctx context.Context, asOf time.Time) ([]models.Enrollment, error)
	// PausedWorkspaces returns the distinct workspaces holding Paused
	// enrollments, so the dispatcher keeps re-evaluating them even when
	// nothing is due.
	PausedWorkspaces(ctx context.Context) ([]uint, error)
	// CASUpdate persists e if its stored version still equals
	// expectedVersion, bumping the version; otherwise ErrConflict.
	CASUpdate(ctx context.Context, e *models.Enrollment, expectedVersion int64) error
	Create(ctx context.Context, e *models.Enrollment) error
	// BulkStatus rewrites status for every enrollment of the campaign
	// currently in from, leaving NextEligibleAt untouched.
	BulkStatus(ctx context.Context, campaignID uint, from, to models.EnrollmentStatus) (int64, error)
	// BulkStatusWorkspace is BulkStatus across a whole workspace.
	BulkStatusWorkspace(ctx context.Context, workspaceID uint, from, to models.EnrollmentStatus) (int64, error)
}

// StepSource resolves a campaign's normalized sequence steps.
type StepSource interface {
	StepsFor(ctx context.Context, campaignID uint) ([]models.SequenceStep, error)
}

// Machine owns every enrollment state transition. A single enrollment's
// writes are serialized by the repository's version check, not by locks.
type Machine struct {
	repo  Repo
	steps StepSource
	log   *logrus.Logger
}

func NewMachine(repo Repo, steps StepSource, log *logrus.Logger) *Machine {
	return &Machine{repo: repo, steps: steps, log: log}
}

// Enroll creates the Scheduled(step 1) enrollment for a (campaign, lead)
// pair. The lead must still be contactable and carry a well-formed address.
func (m *Machine) Enroll(ctx context.Context, workspaceID, campaignID uint, lead *models.Lead, now time.Time) (*models.Enrollment, error) {
	if err := lead.ValidateEmail(); err != nil {
		return nil, fmt.Errorf("lead %d address invalid: %w", lead.ID, err)
	}
	if !lead.Contactable() {
		return nil, fmt.Errorf("lead %d is not contactable", lead.ID)
	}
	e := &models.Enrollment{
		WorkspaceID:         workspaceID,
		CampaignID:          campaignID,
		LeadID:              lead.ID,
		CurrentStepPosition: 1,
		Status:              models.StatusScheduled,
		NextEligibleAt:      now,
	}
	if err := m.repo.Create(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// MarkDelivered records a successful delivery of the given step and moves
// the enrollment forward: Sent while the next delay runs, Completed when the
// last step just went out. Calling it again for an already-advanced step is
// a no-op.
func (m *Machine) MarkDelivered(ctx context.Context, e *models.Enrollment, step int, at time.Time) error {
	if e.Status.Terminal() {
		return fmt.Errorf("mark delivered enrollment %d step %d: %w", e.ID, step, ErrTerminalState)
	}
	if e.CurrentStepPosition != step || e.Status == models.StatusSent {
		// Duplicate dispatch of an already-recorded step.
		return nil
	}

	steps, err := m.steps.StepsFor(ctx, e.CampaignID)
	if err != nil {
		return fmt.Errorf("steps for campaign %d: %w", e.CampaignID, err)
	}
	next := models.StepAt(steps, step+1)

	expected := e.Version
	e.LastEventAt = &at
	if next == nil {
		e.Status = models.StatusCompleted
	} else {
		e.Status = models.StatusSent
		e.NextEligibleAt = at.Add(next.Delay())
	}
	return m.repo.CASUpdate(ctx, e, expected)
}

// AdvanceDue flips Sent enrollments whose delay elapsed into
// Scheduled(step+1). Called at the top of every dispatch cycle.
func (m *Machine) AdvanceDue(ctx context.Context, now time.Time) error {
	due, err := m.repo.LoadSentDue(ctx, now)
	if err != nil {
		return err
	}
	for i := range due {
		e := &due[i]
		expected := e.Version
		e.Status = models.StatusScheduled
		e.CurrentStepPosition++
		if err := m.repo.CASUpdate(ctx, e, expected); err != nil {
			if errors.Is(err, ErrConflict) {
				continue // another replica advanced it
			}
			m.log.WithError(err).WithField("enrollment_id", e.ID).Error("failed to advance enrollment")
		}
	}
	return nil
}

// ApplyEvent applies one inbound signal to the enrollment. Duplicate events
// are filtered upstream by provider event id; a duplicate that still lands
// on a matching terminal state is a no-op, anything else out of a terminal
// state is a violation.
func (m *Machine) ApplyEvent(ctx context.Context, e *models.Enrollment, ev models.InboundEvent, snap models.PolicySnapshot) error {
	target, terminal := eventTarget(ev.Type, snap)

	if e.Status.Terminal() {
		if terminal && e.Status == target {
			return nil
		}
		return fmt.Errorf("apply %s to enrollment %d: %w", ev.Type, e.ID, ErrTerminalState)
	}

	expected := e.Version
	occurred := ev.OccurredAt
	e.LastEventAt = &occurred

	switch ev.Type {
	case models.EventReply:
		e.ReplyCount++
		if snap.StopOnReply {
			e.Status = models.StatusReplied
		}
	case models.EventHardBounce:
		e.Status = models.StatusBounced
	case models.EventUnsubscribe:
		e.Status = models.StatusUnsubscribed
	case models.EventSoftBounce, models.EventComplaint:
		// Recorded on the enrollment timeline only; complaints act at the
		// workspace level through the safety evaluator.
	default:
		return fmt.Errorf("unknown inbound event type %q", ev.Type)
	}
	return m.repo.CASUpdate(ctx, e, expected)
}

func eventTarget(t models.InboundEventType, snap models.PolicySnapshot) (models.EnrollmentStatus, bool) {
	switch t {
	case models.EventReply:
		if snap.StopOnReply {
			return models.StatusReplied, true
		}
	case models.EventHardBounce:
		return models.StatusBounced, true
	case models.EventUnsubscribe:
		return models.StatusUnsubscribed, true
	}
	return "", false
}

// PauseCampaign parks every Scheduled enrollment of the campaign. The
// original NextEligibleAt survives so resuming never restarts delay clocks.
func (m *Machine) PauseCampaign(ctx context.Context, campaignID uint) (int64, error) {
	return m.repo.BulkStatus(ctx, campaignID, models.StatusScheduled, models.StatusPaused)
}

// ResumeCampaign returns paused enrollments to Scheduled.
func (m *Machine) ResumeCampaign(ctx context.Context, campaignID uint) (int64, error) {
	return m.repo.BulkStatus(ctx, campaignID, models.StatusPaused, models.StatusScheduled)
}

// PauseWorkspace and ResumeWorkspace are the workspace-wide equivalents.
func (m *Machine) PauseWorkspace(ctx context.Context, workspaceID uint) (int64, error) {
	return m.repo.BulkStatusWorkspace(ctx, workspaceID, models.StatusScheduled, models.StatusPaused)
}

func (m *Machine) ResumeWorkspace(ctx context.Context, workspaceID uint) (int64, error) {
	return m.repo.BulkStatusWorkspace(ctx, workspaceID, models.StatusPaused, models.StatusScheduled)
}

// Cancel ends the enrollment when a lead is removed from a campaign.
// Cancelling an already-terminal enrollment is a no-op.
func (m *Machine) Cancel(ctx context.Context, e *models.Enrollment, now time.Time) error {
	if e.Status.Terminal() {
		return nil
	}
	expected := e.Version
	e.Status = models.StatusCancelled
	e.LastEventAt = &now
	return m.repo.CASUpdate(ctx, e, expected)
}
