package enrollment_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"skyreach/enrollment"
	"skyreach/models"
	"skyreach/store"
)

type fixture struct {
	db      *gorm.DB
	machine *enrollment.Machine
	repo    *store.GormEnrollmentRepo

	workspaceID uint
	campaignID  uint
	t0          time.Time
}

// newFixture builds a campaign with a three-step sequence: step 2 waits
// three days, step 3 waits two more.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Workspace{}, &models.Campaign{}, &models.Sequence{},
		&models.SequenceStep{}, &models.Lead{}, &models.Enrollment{},
	))

	ws := models.Workspace{Name: "acme", Timezone: "UTC"}
	require.NoError(t, db.Create(&ws).Error)
	campaign := models.Campaign{WorkspaceID: ws.ID, Name: "launch", Status: models.CampaignStatusActive}
	require.NoError(t, db.Create(&campaign).Error)
	seq := models.Sequence{CampaignID: campaign.ID, Name: "default"}
	require.NoError(t, db.Create(&seq).Error)
	for i, delay := range []int64{0, 3 * 24 * 3600, 2 * 24 * 3600} {
		step := models.SequenceStep{
			SequenceID:      seq.ID,
			Position:        i + 1,
			SubjectTemplate: "s",
			BodyTemplate:    "b",
			DelaySeconds:    delay,
		}
		require.NoError(t, db.Create(&step).Error)
	}

	log := logrus.New()
	log.SetOutput(io.Discard)
	repo := store.NewGormEnrollmentRepo(db)
	machine := enrollment.NewMachine(repo, store.NewGormStepSource(db), log)

	return &fixture{
		db:          db,
		machine:     machine,
		repo:        repo,
		workspaceID: ws.ID,
		campaignID:  campaign.ID,
		t0:          time.Date(2026, 9, 2, 9, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) newLead(t *testing.T, email string) *models.Lead {
	t.Helper()
	lead := &models.Lead{WorkspaceID: f.workspaceID, Email: email}
	require.NoError(t, f.db.Create(lead).Error)
	return lead
}

func (f *fixture) enroll(t *testing.T, email string) *models.Enrollment {
	t.Helper()
	e, err := f.machine.Enroll(context.Background(), f.workspaceID, f.campaignID, f.newLead(t, email), f.t0)
	require.NoError(t, err)
	return e
}

func TestEnrollCreatesScheduledStepOne(t *testing.T) {
	f := newFixture(t)
	e := f.enroll(t, "ann@acme.test")

	assert.Equal(t, models.StatusScheduled, e.Status)
	assert.Equal(t, 1, e.CurrentStepPosition)
	assert.Equal(t, f.t0, e.NextEligibleAt.UTC())
}

func TestEnrollRejectsBrokenOrOptedOutLeads(t *testing.T) {
	f := newFixture(t)

	bad := &models.Lead{WorkspaceID: f.workspaceID, Email: "not-an-address"}
	require.NoError(t, f.db.Create(bad).Error)
	_, err := f.machine.Enroll(context.Background(), f.workspaceID, f.campaignID, bad, f.t0)
	assert.Error(t, err)

	opted := &models.Lead{WorkspaceID: f.workspaceID, Email: "opted@acme.test", IsUnsubscribed: true}
	require.NoError(t, f.db.Create(opted).Error)
	_, err = f.machine.Enroll(context.Background(), f.workspaceID, f.campaignID, opted, f.t0)
	assert.Error(t, err)
}

func TestEnrollPairIsUnique(t *testing.T) {
	f := newFixture(t)
	lead := f.newLead(t, "ann@acme.test")

	_, err := f.machine.Enroll(context.Background(), f.workspaceID, f.campaignID, lead, f.t0)
	require.NoError(t, err)
	_, err = f.machine.Enroll(context.Background(), f.workspaceID, f.campaignID, lead, f.t0)
	assert.Error(t, err, "a lead enrolls into a campaign at most once")
}

func TestMarkDeliveredSchedulesNextStepDelay(t *testing.T) {
	f := newFixture(t)
	e := f.enroll(t, "ann@acme.test")

	require.NoError(t, f.machine.MarkDelivered(context.Background(), e, 1, f.t0))

	assert.Equal(t, models.StatusSent, e.Status)
	assert.Equal(t, f.t0.Add(3*24*time.Hour), e.NextEligibleAt)

	stored, err := f.repo.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, stored.Status)
	assert.EqualValues(t, 1, stored.Version)
}

func TestMarkDeliveredLastStepCompletes(t *testing.T) {
	f := newFixture(t)
	e := f.enroll(t, "ann@acme.test")
	e.CurrentStepPosition = 3
	require.NoError(t, f.repo.CASUpdate(context.Background(), e, e.Version))

	require.NoError(t, f.machine.MarkDelivered(context.Background(), e, 3, f.t0))
	assert.Equal(t, models.StatusCompleted, e.Status)
}

func TestMarkDeliveredTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	e := f.enroll(t, "ann@acme.test")

	require.NoError(t, f.machine.MarkDelivered(context.Background(), e, 1, f.t0))
	versionAfterFirst := e.Version

	// A replayed dispatch of the same step changes nothing.
	require.NoError(t, f.machine.MarkDelivered(context.Background(), e, 1, f.t0.Add(time.Minute)))
	assert.Equal(t, versionAfterFirst, e.Version)
	assert.Equal(t, f.t0.Add(3*24*time.Hour), e.NextEligibleAt)
}

func TestMarkDeliveredOnTerminalIsViolation(t *testing.T) {
	f := newFixture(t)
	e := f.enroll(t, "ann@acme.test")
	require.NoError(t, f.machine.Cancel(context.Background(), e, f.t0))

	err := f.machine.MarkDelivered(context.Background(), e, 1, f.t0)
	assert.ErrorIs(t, err, enrollment.ErrTerminalState)
}

func TestReplyBetweenStepsStopsTheSequence(t *testing.T) {
	f := newFixture(t)
	e := f.enroll(t, "ann@acme.test")
	snap := models.PolicySnapshot{StopOnReply: true}

	// Step 1 goes out at t0; step 2 would go at t0+3d.
	require.NoError(t, f.machine.MarkDelivered(context.Background(), e, 1, f.t0))

	// The prospect replies a day later.
	reply := models.InboundEvent{Type: models.EventReply, OccurredAt: f.t0.Add(24 * time.Hour)}
	require.NoError(t, f.machine.ApplyEvent(context.Background(), e, reply, snap))
	assert.Equal(t, models.StatusReplied, e.Status)
	assert.Equal(t, 1, e.ReplyCount)

	// Step 2's due time passes; nothing may advance or dispatch.
	require.NoError(t, f.machine.AdvanceDue(context.Background(), f.t0.Add(4*24*time.Hour)))
	stored, err := f.repo.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReplied, stored.Status)
	assert.Equal(t, 1, stored.CurrentStepPosition)

	due, err := f.repo.LoadDue(context.Background(), f.t0.Add(5*24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestReplyWithoutStopOnReplyKeepsGoing(t *testing.T) {
	f := newFixture(t)
	e := f.enroll(t, "ann@acme.test")
	snap := models.PolicySnapshot{StopOnReply: false}

	require.NoError(t, f.machine.MarkDelivered(context.Background(), e, 1, f.t0))
	reply := models.InboundEvent{Type: models.EventReply, OccurredAt: f.t0.Add(time.Hour)}
	require.NoError(t, f.machine.ApplyEvent(context.Background(), e, reply, snap))

	assert.Equal(t, models.StatusSent, e.Status, "sequence continues when stop-on-reply is off")
	assert.Equal(t, 1, e.ReplyCount)
}

func TestAdvanceDueFlipsSentToNextStep(t *testing.T) {
	f := newFixture(t)
	e := f.enroll(t, "ann@acme.test")
	require.NoError(t, f.machine.MarkDelivered(context.Background(), e, 1, f.t0))

	// Before the delay elapses nothing moves.
	require.NoError(t, f.machine.AdvanceDue(context.Background(), f.t0.Add(24*time.Hour)))
	stored, err := f.repo.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, stored.Status)

	require.NoError(t, f.machine.AdvanceDue(context.Background(), f.t0.Add(3*24*time.Hour)))
	stored, err = f.repo.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusScheduled, stored.Status)
	assert.Equal(t, 2, stored.CurrentStepPosition)
}

func TestHardBounceAndUnsubscribeAreTerminal(t *testing.T) {
	f := newFixture(t)
	snap := models.PolicySnapshot{}

	e1 := f.enroll(t, "b@acme.test")
	require.NoError(t, f.machine.ApplyEvent(context.Background(), e1,
		models.InboundEvent{Type: models.EventHardBounce, OccurredAt: f.t0}, snap))
	assert.Equal(t, models.StatusBounced, e1.Status)

	e2 := f.enroll(t, "u@acme.test")
	require.NoError(t, f.machine.ApplyEvent(context.Background(), e2,
		models.InboundEvent{Type: models.EventUnsubscribe, OccurredAt: f.t0}, snap))
	assert.Equal(t, models.StatusUnsubscribed, e2.Status)

	// A duplicate of the same terminal event is a no-op; a conflicting
	// transition out of a terminal state is a violation.
	require.NoError(t, f.machine.ApplyEvent(context.Background(), e1,
		models.InboundEvent{Type: models.EventHardBounce, OccurredAt: f.t0}, snap))
	err := f.machine.ApplyEvent(context.Background(), e1,
		models.InboundEvent{Type: models.EventUnsubscribe, OccurredAt: f.t0}, snap)
	assert.ErrorIs(t, err, enrollment.ErrTerminalState)
}

func TestSoftBounceLeavesStateAlone(t *testing.T) {
	f := newFixture(t)
	e := f.enroll(t, "ann@acme.test")

	require.NoError(t, f.machine.ApplyEvent(context.Background(), e,
		models.InboundEvent{Type: models.EventSoftBounce, OccurredAt: f.t0}, models.PolicySnapshot{}))
	assert.Equal(t, models.StatusScheduled, e.Status)
	assert.NotNil(t, e.LastEventAt)
}

func TestPausePreservesEligibility(t *testing.T) {
	f := newFixture(t)
	e := f.enroll(t, "ann@acme.test")
	eligibleAt := e.NextEligibleAt

	n, err := f.machine.PauseCampaign(context.Background(), f.campaignID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	stored, err := f.repo.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, stored.Status)
	assert.Equal(t, eligibleAt.UTC(), stored.NextEligibleAt.UTC(), "pausing must not touch the delay clock")

	n, err = f.machine.ResumeCampaign(context.Background(), f.campaignID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	stored, err = f.repo.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusScheduled, stored.Status)
	assert.Equal(t, eligibleAt.UTC(), stored.NextEligibleAt.UTC())
}

func TestCASConflictSurfaces(t *testing.T) {
	f := newFixture(t)
	e := f.enroll(t, "ann@acme.test")

	// Another replica moves the row first.
	other, err := f.repo.Get(context.Background(), e.ID)
	require.NoError(t, err)
	other.Status = models.StatusPaused
	require.NoError(t, f.repo.CASUpdate(context.Background(), other, other.Version))

	// The stale copy's write must lose.
	e.Status = models.StatusSent
	err = f.repo.CASUpdate(context.Background(), e, 0)
	assert.ErrorIs(t, err, enrollment.ErrConflict)
}

func TestCancelIsIdempotent(t *testing.T) {
	f := newFixture(t)
	e := f.enroll(t, "ann@acme.test")

	require.NoError(t, f.machine.Cancel(context.Background(), e, f.t0))
	assert.Equal(t, models.StatusCancelled, e.Status)
	version := e.Version

	require.NoError(t, f.machine.Cancel(context.Background(), e, f.t0.Add(time.Hour)))
	assert.Equal(t, version, e.Version)
}
