package inbound

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

type staticPolicies struct{ snap models.PolicySnapshot }

func (p staticPolicies) PolicyFor(context.Context, uint) (models.PolicySnapshot, error) {
	return p.snap, nil
}

type ingestFixture struct {
	db       *gorm.DB
	ingestor *Ingestor
	repo     *store.GormEnrollmentRepo
	now      time.Time
}

func newIngestFixture(t *testing.T, snap models.PolicySnapshot) *ingestFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Workspace{}, &models.Lead{}, &models.Campaign{},
		&models.Sequence{}, &models.SequenceStep{},
		&models.Enrollment{}, &models.InboundEvent{},
	))

	log := logrus.New()
	log.SetOutput(io.Discard)

	repo := store.NewGormEnrollmentRepo(db)
	steps := store.NewGormStepSource(db)
	machine := enrollment.NewMachine(repo, steps, log)
	ing := NewIngestor(db, machine, repo, staticPolicies{snap: snap}, log)
	now := time.Date(2026, 9, 2, 10, 0, 0, 0, time.UTC)
	ing.now = func() time.Time { return now }

	return &ingestFixture{db: db, ingestor: ing, repo: repo, now: now}
}

func (f *ingestFixture) seed(t *testing.T) (workspaceID, campaignID, leadID uint) {
	t.Helper()
	ws := models.Workspace{Name: "acme", Timezone: "UTC"}
	require.NoError(t, f.db.Create(&ws).Error)
	lead := models.Lead{WorkspaceID: ws.ID, Email: "ann@acme.test"}
	require.NoError(t, f.db.Create(&lead).Error)
	campaign := models.Campaign{WorkspaceID: ws.ID, Name: "launch", Status: models.CampaignStatusActive}
	require.NoError(t, f.db.Create(&campaign).Error)
	enr := models.Enrollment{
		WorkspaceID:         ws.ID,
		CampaignID:          campaign.ID,
		LeadID:              lead.ID,
		Status:              models.StatusSent,
		CurrentStepPosition: 1,
		NextEligibleAt:      f.now.Add(24 * time.Hour),
	}
	require.NoError(t, f.db.Create(&enr).Error)
	return ws.ID, campaign.ID, lead.ID
}

func TestIngestReplyStopsSequence(t *testing.T) {
	f := newIngestFixture(t, models.PolicySnapshot{StopOnReply: true})
	wsID, campaignID, leadID := f.seed(t)

	ev := models.InboundEvent{
		WorkspaceID:     wsID,
		CampaignID:      campaignID,
		LeadID:          leadID,
		Type:            models.EventReply,
		ProviderEventID: "msg-reply-1",
		OccurredAt:      f.now,
	}
	require.NoError(t, f.ingestor.Ingest(context.Background(), ev))

	enr, err := f.repo.GetByPair(context.Background(), campaignID, leadID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReplied, enr.Status)
	assert.Equal(t, 1, enr.ReplyCount)

	var stored models.InboundEvent
	require.NoError(t, f.db.Where("provider_event_id = ?", "msg-reply-1").First(&stored).Error)
	assert.NotNil(t, stored.ProcessedAt)
}

func TestIngestDuplicateProviderEventIsNoOp(t *testing.T) {
	f := newIngestFixture(t, models.PolicySnapshot{StopOnReply: true})
	wsID, campaignID, leadID := f.seed(t)

	ev := models.InboundEvent{
		WorkspaceID:     wsID,
		CampaignID:      campaignID,
		LeadID:          leadID,
		Type:            models.EventReply,
		ProviderEventID: "msg-dup",
		OccurredAt:      f.now,
	}
	require.NoError(t, f.ingestor.Ingest(context.Background(), ev))
	require.NoError(t, f.ingestor.Ingest(context.Background(), models.InboundEvent{
		WorkspaceID:     wsID,
		CampaignID:      campaignID,
		LeadID:          leadID,
		Type:            models.EventReply,
		ProviderEventID: "msg-dup",
		OccurredAt:      f.now,
	}))

	enr, err := f.repo.GetByPair(context.Background(), campaignID, leadID)
	require.NoError(t, err)
	assert.Equal(t, 1, enr.ReplyCount, "re-delivered event must not double count")

	var count int64
	require.NoError(t, f.db.Model(&models.InboundEvent{}).Where("provider_event_id = ?", "msg-dup").Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestIngestHardBounceFlagsLead(t *testing.T) {
	f := newIngestFixture(t, models.PolicySnapshot{})
	wsID, campaignID, leadID := f.seed(t)

	require.NoError(t, f.ingestor.Ingest(context.Background(), models.InboundEvent{
		WorkspaceID:     wsID,
		CampaignID:      campaignID,
		LeadID:          leadID,
		Type:            models.EventHardBounce,
		ProviderEventID: "msg-bounce",
		OccurredAt:      f.now,
		Detail:          "5.1.1",
	}))

	var lead models.Lead
	require.NoError(t, f.db.First(&lead, leadID).Error)
	assert.True(t, lead.IsBounced)

	enr, err := f.repo.GetByPair(context.Background(), campaignID, leadID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusBounced, enr.Status)
}

func TestIngestComplaintLatchesWorkspace(t *testing.T) {
	f := newIngestFixture(t, models.PolicySnapshot{PauseOnComplaint: true})
	wsID, campaignID, leadID := f.seed(t)

	require.NoError(t, f.ingestor.Ingest(context.Background(), models.InboundEvent{
		WorkspaceID:     wsID,
		CampaignID:      campaignID,
		LeadID:          leadID,
		Type:            models.EventComplaint,
		ProviderEventID: "msg-complaint",
		OccurredAt:      f.now,
		Detail:          "abuse report",
	}))

	var ws models.Workspace
	require.NoError(t, f.db.First(&ws, wsID).Error)
	require.NotNil(t, ws.PausedForComplaintAt, "complaint must latch until an operator clears it")
	assert.Equal(t, "abuse report", ws.ComplaintNote)
}

func TestIngestComplaintRespectsPolicyToggle(t *testing.T) {
	f := newIngestFixture(t, models.PolicySnapshot{PauseOnComplaint: false})
	wsID, campaignID, leadID := f.seed(t)

	require.NoError(t, f.ingestor.Ingest(context.Background(), models.InboundEvent{
		WorkspaceID:     wsID,
		CampaignID:      campaignID,
		LeadID:          leadID,
		Type:            models.EventComplaint,
		ProviderEventID: "msg-complaint-off",
		OccurredAt:      f.now,
	}))

	var ws models.Workspace
	require.NoError(t, f.db.First(&ws, wsID).Error)
	assert.Nil(t, ws.PausedForComplaintAt)
}

func TestResolverFindsLeadAndLatestCampaign(t *testing.T) {
	f := newIngestFixture(t, models.PolicySnapshot{})
	wsID, campaignID, leadID := f.seed(t)

	resolver := NewGormResolver(f.db)
	gotWS, gotCampaign, gotLead, ok, err := resolver.ResolveLead(context.Background(), " Ann@Acme.test ")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, wsID, gotWS)
	assert.Equal(t, campaignID, gotCampaign)
	assert.Equal(t, leadID, gotLead)

	_, _, _, ok, err = resolver.ResolveLead(context.Background(), "stranger@elsewhere.test")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClassifyContent(t *testing.T) {
	tests := []struct {
		name     string
		from     string
		subject  string
		body     string
		want     models.InboundEventType
		wantAddr string
	}{
		{
			name:     "hard bounce DSN",
			from:     "mailer-daemon@mx.example.net",
			subject:  "Undeliverable: Quick question",
			body:     "Final-Recipient: rfc822; <gone@acme.test>\nStatus: 5.1.1",
			want:     models.EventHardBounce,
			wantAddr: "gone@acme.test",
		},
		{
			name:     "soft bounce DSN",
			from:     "postmaster@mx.example.net",
			subject:  "Delivery Status Notification (Delay)",
			body:     "Final-Recipient: rfc822; full@acme.test\nStatus: 4.2.2 mailbox full",
			want:     models.EventSoftBounce,
			wantAddr: "full@acme.test",
		},
		{
			name:    "unsubscribe request",
			from:    "ann@acme.test",
			subject: "Re: Quick question",
			body:    "Please unsubscribe me from this list.",
			want:    models.EventUnsubscribe,
		},
		{
			name:    "abuse complaint",
			from:    "fbl@isp.example.net",
			subject: "Abuse Report",
			body:    "Feedback-Type: abuse",
			want:    models.EventComplaint,
		},
		{
			name:    "plain reply",
			from:    "ann@acme.test",
			subject: "Re: Quick question",
			body:    "Sounds interesting, tell me more.",
			want:    models.EventReply,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, _, addr := classifyContent(tc.from, tc.subject, tc.body)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.wantAddr, addr)
		})
	}
}
