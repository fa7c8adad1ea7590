package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"skyreach/alerting"
	"skyreach/enrollment"
	"skyreach/models"
	"skyreach/policy"
	"skyreach/render"
	"skyreach/transport"
)

// Evaluator gates one workspace's sending for a cycle.
type Evaluator interface {
	Evaluate(ctx context.Context, workspaceID uint, asOf time.Time) (policy.Decision, error)
}

// AttemptRepo is the slice of the attempt store the loop writes.
type AttemptRepo interface {
	Append(ctx context.Context, a *models.SendAttempt) error
	RecordOutcome(ctx context.Context, attemptID uint, outcome models.AttemptOutcome, reason string) error
}

// TokenStore hands out at-most-once dispatch tokens.
type TokenStore interface {
	Acquire(ctx context.Context, enrollmentID uint, step int, token string) (bool, error)
	Release(ctx context.Context, enrollmentID uint, step int) error
}

// LeadSource loads leads with their custom fields.
type LeadSource interface {
	Lead(ctx context.Context, id uint) (*models.Lead, error)
}

// SenderSource picks the from-identity for a workspace's campaign sends.
type SenderSource interface {
	SenderFor(ctx context.Context, workspaceID uint) (from, fromName string, err error)
}

// CampaignControl flips campaign-level pause state when the evaluator
// demands it.
type CampaignControl interface {
	MarkPaused(ctx context.Context, campaignID uint, reason string) error
	ResumeEnginePaused(ctx context.Context, workspaceID uint) error
}

// Config tunes the loop.
type Config struct {
	Interval        time.Duration
	DeliveryTimeout time.Duration
	MaxAttempts     int
}

// Loop is the dispatch scheduler: every interval it scans due enrollments,
// gates them per workspace, and emits each due step exactly once.
type Loop struct {
	cfg       Config
	machine   *enrollment.Machine
	repo      enrollment.Repo
	steps     enrollment.StepSource
	attempts  AttemptRepo
	tokens    TokenStore
	leads     LeadSource
	senders   SenderSource
	campaigns CampaignControl
	evaluator Evaluator
	renderer  *render.Renderer
	transport transport.Transport
	alerts    alerting.Sink
	log       *logrus.Logger

	now   func() time.Time
	sleep func(time.Duration)

	// One flag per workspace: overlapping cycles skip a busy workspace
	// instead of dispatching it concurrently.
	busy sync.Map

	// Workspaces with no engine pause since their last resume sweep.
	// Absent means a sweep is owed, so the first Allow after startup or
	// after a pause decision resumes; steady-state Allow cycles skip the
	// two resume writes.
	resumed sync.Map
}

func NewLoop(
	cfg Config,
	machine *enrollment.Machine,
	repo enrollment.Repo,
	steps enrollment.StepSource,
	attempts AttemptRepo,
	tokens TokenStore,
	leads LeadSource,
	senders SenderSource,
	campaigns CampaignControl,
	evaluator Evaluator,
	renderer *render.Renderer,
	tr transport.Transport,
	alerts alerting.Sink,
	log *logrus.Logger,
) *Loop {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Loop{
		cfg:       cfg,
		machine:   machine,
		repo:      repo,
		steps:     steps,
		attempts:  attempts,
		tokens:    tokens,
		leads:     leads,
		senders:   senders,
		campaigns: campaigns,
		evaluator: evaluator,
		renderer:  renderer,
		transport: tr,
		alerts:    alerts,
		log:       log,
		now:       time.Now,
		sleep:     time.Sleep,
	}
}

// Run ticks until the context is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	l.log.WithField("interval", l.cfg.Interval).Info("dispatch loop started")
	for {
		select {
		case <-ctx.Done():
			l.log.Info("dispatch loop shutting down")
			return
		case <-ticker.C:
			l.RunCycle(ctx)
		}
	}
}

// RunCycle executes one full scan. Workspaces fan out in parallel; a
// workspace still being dispatched by a previous overrun cycle is skipped.
func (l *Loop) RunCycle(ctx context.Context) {
	now := l.now()

	if err := l.machine.AdvanceDue(ctx, now); err != nil {
		l.log.WithError(err).Error("failed to advance sent enrollments")
	}

	due, err := l.repo.LoadDue(ctx, now)
	if err != nil {
		l.log.WithError(err).Error("failed to load due enrollments")
		return
	}
	// Group by workspace, preserving the repo's stable order (oldest
	// NextEligibleAt first, ties broken by id).
	byWorkspace := make(map[uint][]models.Enrollment)
	order := make([]uint, 0)
	for _, e := range due {
		if _, seen := byWorkspace[e.WorkspaceID]; !seen {
			order = append(order, e.WorkspaceID)
		}
		byWorkspace[e.WorkspaceID] = append(byWorkspace[e.WorkspaceID], e)
	}

	// Workspaces whose work is entirely parked have nothing due but still
	// need an evaluation so a recovered workspace resumes. Only unswept
	// ones join the cycle.
	paused, err := l.repo.PausedWorkspaces(ctx)
	if err != nil {
		l.log.WithError(err).Error("failed to load paused workspaces")
	}
	for _, workspaceID := range paused {
		if _, seen := byWorkspace[workspaceID]; seen {
			continue
		}
		if _, swept := l.resumed.Load(workspaceID); swept {
			continue
		}
		order = append(order, workspaceID)
		byWorkspace[workspaceID] = nil
	}
	if len(order) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, workspaceID := range order {
		if _, running := l.busy.LoadOrStore(workspaceID, true); running {
			l.log.WithField("workspace_id", workspaceID).Warn("previous cycle still dispatching workspace, skipping")
			continue
		}
		wg.Add(1)
		go func(workspaceID uint, batch []models.Enrollment) {
			defer wg.Done()
			defer l.busy.Delete(workspaceID)
			l.dispatchWorkspace(ctx, workspaceID, batch, now)
		}(workspaceID, byWorkspace[workspaceID])
	}
	wg.Wait()
}

func (l *Loop) dispatchWorkspace(ctx context.Context, workspaceID uint, batch []models.Enrollment, now time.Time) {
	decision, err := l.evaluator.Evaluate(ctx, workspaceID, now)
	if err != nil {
		l.log.WithError(err).WithField("workspace_id", workspaceID).Error("safety evaluation failed")
		return
	}

	switch decision.Kind {
	case policy.KindPauseCampaign:
		l.pauseCampaign(ctx, workspaceID, decision)
		return
	case policy.KindPauseWorkspace:
		l.pauseWorkspace(ctx, workspaceID, decision)
		return
	}

	// Allow: anything the evaluator paused earlier resumes with its
	// original eligibility time intact. Swept once per pause, not every
	// cycle.
	if _, swept := l.resumed.Load(workspaceID); !swept {
		if err := l.campaigns.ResumeEnginePaused(ctx, workspaceID); err != nil {
			l.log.WithError(err).WithField("workspace_id", workspaceID).Error("failed to resume paused campaigns")
		}
		if _, err := l.machine.ResumeWorkspace(ctx, workspaceID); err != nil {
			l.log.WithError(err).WithField("workspace_id", workspaceID).Error("failed to resume paused enrollments")
		}
		l.resumed.Store(workspaceID, true)
	}

	budget := decision.Budget
	for i := range batch {
		if budget <= 0 {
			break
		}
		consumed := l.dispatchOne(ctx, &batch[i], now)
		budget -= consumed
	}
}

func (l *Loop) pauseCampaign(ctx context.Context, workspaceID uint, decision policy.Decision) {
	l.resumed.Delete(workspaceID)
	if err := l.campaigns.MarkPaused(ctx, decision.CampaignID, string(decision.Reason)); err != nil {
		l.log.WithError(err).WithField("campaign_id", decision.CampaignID).Error("failed to mark campaign paused")
	}
	parked, err := l.machine.PauseCampaign(ctx, decision.CampaignID)
	if err != nil {
		l.log.WithError(err).WithField("campaign_id", decision.CampaignID).Error("failed to pause campaign enrollments")
		return
	}
	if parked == 0 {
		return // already parked on an earlier cycle, no fresh alert
	}
	l.alerts.Notify(alerting.Event{
		Type:        "campaign_paused",
		Severity:    alerting.SeverityWarning,
		WorkspaceID: workspaceID,
		CampaignID:  decision.CampaignID,
		Message:     "campaign paused by safety policy",
		Fields:      map[string]interface{}{"reason": decision.Reason, "enrollments_parked": parked},
		At:          l.now(),
	})
}

func (l *Loop) pauseWorkspace(ctx context.Context, workspaceID uint, decision policy.Decision) {
	l.resumed.Delete(workspaceID)
	parked, err := l.machine.PauseWorkspace(ctx, workspaceID)
	if err != nil {
		l.log.WithError(err).WithField("workspace_id", workspaceID).Error("failed to pause workspace enrollments")
		return
	}
	if parked == 0 {
		return
	}
	l.alerts.Notify(alerting.Event{
		Type:        "workspace_paused",
		Severity:    alerting.SeverityError,
		WorkspaceID: workspaceID,
		Message:     "workspace paused by safety policy; operator clearance required",
		Fields:      map[string]interface{}{"reason": decision.Reason, "enrollments_parked": parked},
		At:          l.now(),
	})
}

// dispatchOne sends a single due step. The return value is how much budget
// the dispatch consumed: 1 for a delivery or an exhausted transient retry, 0
// for skips and permanent rejections.
func (l *Loop) dispatchOne(ctx context.Context, e *models.Enrollment, now time.Time) int {
	log := l.log.WithFields(logrus.Fields{
		"enrollment_id": e.ID,
		"campaign_id":   e.CampaignID,
		"step":          e.CurrentStepPosition,
	})

	// Re-read right before delivery: a lead removed since the scan must
	// not receive this step.
	fresh, err := l.repo.Get(ctx, e.ID)
	if err != nil {
		log.WithError(err).Error("failed to reload enrollment")
		return 0
	}
	if fresh.Status != models.StatusScheduled {
		return 0
	}
	*e = *fresh

	steps, err := l.steps.StepsFor(ctx, e.CampaignID)
	if err != nil {
		log.WithError(err).Error("failed to load sequence steps")
		return 0
	}
	step := models.StepAt(steps, e.CurrentStepPosition)
	if step == nil {
		log.Error("enrollment points past the sequence")
		return 0
	}

	lead, err := l.leads.Lead(ctx, e.LeadID)
	if err != nil {
		log.WithError(err).Error("failed to load lead")
		return 0
	}
	if !lead.Contactable() {
		if err := l.machine.Cancel(ctx, e, now); err != nil {
			log.WithError(err).Error("failed to cancel uncontactable lead")
		}
		return 0
	}

	msg, err := l.renderer.RenderMessage(step.SubjectTemplate, step.BodyTemplate, lead.TemplateVariables())
	if err != nil {
		// Broken content never goes out. The enrollment stays Scheduled
		// so the operator can fix the template or the lead fields.
		var missing *render.MissingVariableError
		severity := alerting.SeverityError
		if errors.As(err, &missing) {
			severity = alerting.SeverityWarning
		}
		l.alerts.Notify(alerting.Event{
			Type:         "template_render_failed",
			Severity:     severity,
			WorkspaceID:  e.WorkspaceID,
			CampaignID:   e.CampaignID,
			EnrollmentID: e.ID,
			Message:      "step skipped: template failed to render",
			Err:          err,
			Fields:       map[string]interface{}{"step": e.CurrentStepPosition},
			At:           l.now(),
		})
		return 0
	}

	token := uuid.New().String()
	won, err := l.tokens.Acquire(ctx, e.ID, e.CurrentStepPosition, token)
	if err != nil {
		log.WithError(err).Error("failed to acquire dispatch token")
		return 0
	}
	if !won {
		// Another replica (or an earlier overrun cycle) owns this step.
		return 0
	}

	attempt := &models.SendAttempt{
		EnrollmentID:    e.ID,
		StepPosition:    e.CurrentStepPosition,
		MessageID:       token,
		RenderedSubject: msg.Subject,
		RenderedBody:    msg.Body,
		ScheduledAt:     now,
	}
	if err := l.attempts.Append(ctx, attempt); err != nil {
		log.WithError(err).Error("failed to record send attempt")
		l.releaseToken(ctx, e)
		return 0
	}

	from, fromName, err := l.senders.SenderFor(ctx, e.WorkspaceID)
	if err != nil {
		log.WithError(err).Error("no sender available")
		l.failAttempt(ctx, e, attempt, "no sender available")
		l.releaseToken(ctx, e)
		return 0
	}

	return l.deliver(ctx, e, attempt, transport.Message{
		MessageID: token,
		From:      from,
		FromName:  fromName,
		To:        lead.Email,
		Subject:   msg.Subject,
		Body:      msg.Body,
	}, now, log)
}

// deliver hands the message to the transport with bounded retries.
func (l *Loop) deliver(ctx context.Context, e *models.Enrollment, attempt *models.SendAttempt, msg transport.Message, now time.Time, log *logrus.Entry) int {
	for try := 1; try <= l.cfg.MaxAttempts; try++ {
		if try > 1 {
			// Quadratic backoff: 1s, 4s, 9s...
			l.sleep(time.Duration(try*try) * time.Second)
		}

		sendCtx, cancel := context.WithTimeout(ctx, l.cfg.DeliveryTimeout)
		result, err := l.transport.Send(sendCtx, msg)
		cancel()

		if err != nil {
			log.WithError(err).WithField("try", try).Warn("delivery handoff failed")
			continue // transport errors are transient
		}

		switch result {
		case transport.Accepted:
			if err := l.attempts.RecordOutcome(ctx, attempt.ID, models.OutcomeDelivered, ""); err != nil {
				log.WithError(err).Error("failed to record delivered outcome")
			}
			if err := l.casRetry(func() error {
				return l.machine.MarkDelivered(ctx, e, attempt.StepPosition, now)
			}, func() error {
				fresh, err := l.repo.Get(ctx, e.ID)
				if err != nil {
					return err
				}
				*e = *fresh
				return nil
			}); err != nil {
				if errors.Is(err, enrollment.ErrTerminalState) {
					log.WithError(err).Error("terminal-state violation while marking delivery")
				} else {
					log.WithError(err).Error("failed to mark enrollment delivered")
				}
			}
			return 1

		case transport.RejectedPermanent:
			// Invalid address: terminal for the enrollment and does not
			// count against the budget.
			l.failAttempt(ctx, e, attempt, "permanent rejection")
			if err := l.casRetry(func() error {
				return l.machine.ApplyEvent(ctx, e, models.InboundEvent{
					Type:       models.EventHardBounce,
					OccurredAt: now,
				}, models.PolicySnapshot{})
			}, func() error {
				fresh, err := l.repo.Get(ctx, e.ID)
				if err != nil {
					return err
				}
				*e = *fresh
				return nil
			}); err != nil {
				log.WithError(err).Error("failed to mark enrollment bounced")
			}
			return 0

		case transport.RejectedTransient:
			log.WithField("try", try).Warn("delivery rejected transiently")
		}
	}

	// Out of attempts: fail loudly, free the token, and push the
	// enrollment's eligibility forward so the next cycles do not hot-loop
	// on a broken destination.
	l.failAttempt(ctx, e, attempt, "transient rejections exhausted")
	l.releaseToken(ctx, e)
	l.alerts.Notify(alerting.Event{
		Type:         "delivery_failed",
		Severity:     alerting.SeverityError,
		WorkspaceID:  e.WorkspaceID,
		CampaignID:   e.CampaignID,
		EnrollmentID: e.ID,
		Message:      "step delivery failed after bounded retries",
		Fields:       map[string]interface{}{"step": attempt.StepPosition, "max_attempts": l.cfg.MaxAttempts},
		At:           l.now(),
	})
	l.deferEligibility(ctx, e, now.Add(time.Hour))
	return 1
}

func (l *Loop) failAttempt(ctx context.Context, e *models.Enrollment, attempt *models.SendAttempt, reason string) {
	if err := l.attempts.RecordOutcome(ctx, attempt.ID, models.OutcomeFailed, reason); err != nil {
		l.log.WithError(err).WithField("enrollment_id", e.ID).Error("failed to record failed outcome")
	}
}

func (l *Loop) releaseToken(ctx context.Context, e *models.Enrollment) {
	if err := l.tokens.Release(ctx, e.ID, e.CurrentStepPosition); err != nil {
		l.log.WithError(err).WithField("enrollment_id", e.ID).Error("failed to release dispatch token")
	}
}

func (l *Loop) deferEligibility(ctx context.Context, e *models.Enrollment, until time.Time) {
	err := l.casRetry(func() error {
		expected := e.Version
		e.NextEligibleAt = until
		return l.repo.CASUpdate(ctx, e, expected)
	}, func() error {
		fresh, err := l.repo.Get(ctx, e.ID)
		if err != nil {
			return err
		}
		*e = *fresh
		return nil
	})
	if err != nil {
		l.log.WithError(err).WithField("enrollment_id", e.ID).Error("failed to defer enrollment")
	}
}

// casRetry runs op, re-reading and retrying a bounded number of times when
// the optimistic write loses its race.
func (l *Loop) casRetry(op func() error, reload func() error) error {
	const maxRetries = 3
	var err error
	for i := 0; i < maxRetries; i++ {
		err = op()
		if !errors.Is(err, enrollment.ErrConflict) {
			return err
		}
		if rerr := reload(); rerr != nil {
			return rerr
		}
	}
	return err
}
