package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"skyreach/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Enrollment{}, &models.SendAttempt{}, &models.DispatchToken{},
	))
	return db
}

func TestRedisTokenStoreAtMostOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tokens := NewRedisTokenStore(rdb)
	ctx := context.Background()

	won, err := tokens.Acquire(ctx, 42, 1, "token-a")
	require.NoError(t, err)
	assert.True(t, won)

	// A second claimant for the same (enrollment, step) loses.
	won, err = tokens.Acquire(ctx, 42, 1, "token-b")
	require.NoError(t, err)
	assert.False(t, won)

	// A different step is an independent token.
	won, err = tokens.Acquire(ctx, 42, 2, "token-c")
	require.NoError(t, err)
	assert.True(t, won)

	// Release frees the pair for a retry.
	require.NoError(t, tokens.Release(ctx, 42, 1))
	won, err = tokens.Acquire(ctx, 42, 1, "token-d")
	require.NoError(t, err)
	assert.True(t, won)
}

func TestGormTokenStoreAtMostOnce(t *testing.T) {
	db := openTestDB(t)
	tokens := NewGormTokenStore(db)
	ctx := context.Background()

	won, err := tokens.Acquire(ctx, 42, 1, "token-a")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = tokens.Acquire(ctx, 42, 1, "token-b")
	require.NoError(t, err)
	assert.False(t, won, "unique index makes the second claim lose")

	require.NoError(t, tokens.Release(ctx, 42, 1))
	won, err = tokens.Acquire(ctx, 42, 1, "token-c")
	require.NoError(t, err)
	assert.True(t, won)
}

func TestAttemptOutcomeIsWriteOnce(t *testing.T) {
	db := openTestDB(t)
	attempts := NewGormAttemptRepo(db)
	ctx := context.Background()

	a := &models.SendAttempt{
		EnrollmentID:    7,
		StepPosition:    1,
		MessageID:       "msg-1",
		RenderedSubject: "s",
		RenderedBody:    "b",
		ScheduledAt:     time.Date(2026, 9, 2, 10, 0, 0, 0, time.UTC),
		Outcome:         models.OutcomePending,
	}
	require.NoError(t, attempts.Append(ctx, a))

	require.NoError(t, attempts.RecordOutcome(ctx, a.ID, models.OutcomeDelivered, ""))

	// The recorded outcome never flips; corrections are new rows.
	err := attempts.RecordOutcome(ctx, a.ID, models.OutcomeFailed, "late bounce")
	assert.ErrorIs(t, err, ErrOutcomeRecorded)

	history, err := attempts.ListForEnrollment(ctx, 7)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.OutcomeDelivered, history[0].Outcome)
	assert.Empty(t, history[0].FailReason)
}

func TestDeliveredExistsPerPair(t *testing.T) {
	db := openTestDB(t)
	attempts := NewGormAttemptRepo(db)
	ctx := context.Background()
	at := time.Date(2026, 9, 2, 10, 0, 0, 0, time.UTC)

	a := &models.SendAttempt{EnrollmentID: 7, StepPosition: 1, MessageID: "m1", RenderedSubject: "s", ScheduledAt: at, Outcome: models.OutcomePending}
	require.NoError(t, attempts.Append(ctx, a))
	require.NoError(t, attempts.RecordOutcome(ctx, a.ID, models.OutcomeDelivered, ""))

	// A failed attempt on the next step does not count as delivered.
	b := &models.SendAttempt{EnrollmentID: 7, StepPosition: 2, MessageID: "m2", RenderedSubject: "s", ScheduledAt: at, Outcome: models.OutcomePending}
	require.NoError(t, attempts.Append(ctx, b))
	require.NoError(t, attempts.RecordOutcome(ctx, b.ID, models.OutcomeFailed, "timeout"))

	got, err := attempts.DeliveredExists(ctx, 7, 1)
	require.NoError(t, err)
	assert.True(t, got)
	got, err = attempts.DeliveredExists(ctx, 7, 2)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestLoadDueOrdersOldestFirst(t *testing.T) {
	db := openTestDB(t)
	repo := NewGormEnrollmentRepo(db)
	ctx := context.Background()
	now := time.Date(2026, 9, 2, 10, 0, 0, 0, time.UTC)

	mk := func(campaign uint, eligible time.Time, status models.EnrollmentStatus) {
		e := &models.Enrollment{
			WorkspaceID:         1,
			CampaignID:          campaign,
			LeadID:              campaign, // one lead per campaign keeps the pair unique
			Status:              status,
			CurrentStepPosition: 1,
			NextEligibleAt:      eligible,
		}
		require.NoError(t, repo.Create(ctx, e))
	}
	mk(1, now.Add(-time.Minute), models.StatusScheduled)
	mk(2, now.Add(-time.Hour), models.StatusScheduled)
	mk(3, now.Add(time.Hour), models.StatusScheduled) // not due yet
	mk(4, now.Add(-time.Hour), models.StatusPaused)   // paused stays invisible

	due, err := repo.LoadDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, uint(2), due[0].CampaignID, "oldest eligibility first")
	assert.Equal(t, uint(1), due[1].CampaignID)
}
