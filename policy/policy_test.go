package policy

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyreach/models"
)

type fakeStore struct {
	snap      models.PolicySnapshot
	campaigns []uint
	latched   bool
}

func (f *fakeStore) PolicyFor(ctx context.Context, workspaceID uint) (models.PolicySnapshot, error) {
	return f.snap, nil
}

func (f *fakeStore) ActiveCampaignIDs(ctx context.Context, workspaceID uint) ([]uint, error) {
	return f.campaigns, nil
}

func (f *fakeStore) ComplaintLatched(ctx context.Context, workspaceID uint) (bool, error) {
	return f.latched, nil
}

type fakeMetrics struct {
	bounces    map[uint]int64
	sends      map[uint]int64
	sentToday  int64
	minHealth  int
	anyWarming bool
}

func (f *fakeMetrics) BounceCounts(ctx context.Context, campaignID uint, w Window) (int64, int64, error) {
	return f.bounces[campaignID], f.sends[campaignID], nil
}

func (f *fakeMetrics) SendsToday(ctx context.Context, workspaceID uint, asOf time.Time) (int64, error) {
	return f.sentToday, nil
}

func (f *fakeMetrics) MinWarmingHealth(ctx context.Context, workspaceID uint) (int, bool, error) {
	return f.minHealth, f.anyWarming, nil
}

func defaultSnapshot() models.PolicySnapshot {
	pol := DefaultPolicy(1)
	return pol.Snapshot("UTC")
}

func newTestEvaluator(store Store, metrics MetricsReader) *Evaluator {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewEvaluator(store, metrics, log)
}

// A weekday well away from any weekend in every timezone under test.
var wednesdayNoon = time.Date(2026, 9, 2, 12, 0, 0, 0, time.UTC)

func TestEvaluatePausesCampaignOverBounceThreshold(t *testing.T) {
	// 12 sends, 1 bounce = 8.3% against a 5% threshold.
	store := &fakeStore{snap: defaultSnapshot(), campaigns: []uint{7}}
	metrics := &fakeMetrics{
		bounces: map[uint]int64{7: 1},
		sends:   map[uint]int64{7: 12},
	}

	d, err := newTestEvaluator(store, metrics).Evaluate(context.Background(), 1, wednesdayNoon)
	require.NoError(t, err)
	assert.Equal(t, KindPauseCampaign, d.Kind)
	assert.Equal(t, uint(7), d.CampaignID)
	assert.Equal(t, ReasonBounceThreshold, d.Reason)
}

func TestEvaluateMinimumSampleExemption(t *testing.T) {
	// 9 sends with 5 bounces is a 55% rate but below the evidence floor.
	store := &fakeStore{snap: defaultSnapshot(), campaigns: []uint{7}}
	metrics := &fakeMetrics{
		bounces: map[uint]int64{7: 5},
		sends:   map[uint]int64{7: int64(MinBounceSample) - 1},
	}

	d, err := newTestEvaluator(store, metrics).Evaluate(context.Background(), 1, wednesdayNoon)
	require.NoError(t, err)
	assert.Equal(t, KindAllow, d.Kind)
}

func TestEvaluateMinimumSampleOverride(t *testing.T) {
	snap := defaultSnapshot()
	snap.MinSampleOverride = 20
	store := &fakeStore{snap: snap, campaigns: []uint{7}}
	metrics := &fakeMetrics{
		bounces: map[uint]int64{7: 5},
		sends:   map[uint]int64{7: 15}, // over default floor, under override
	}

	d, err := newTestEvaluator(store, metrics).Evaluate(context.Background(), 1, wednesdayNoon)
	require.NoError(t, err)
	assert.Equal(t, KindAllow, d.Kind)
}

func TestEvaluateExactThresholdDoesNotPause(t *testing.T) {
	// 100 sends, 5 bounces is exactly 5%, not over it.
	store := &fakeStore{snap: defaultSnapshot(), campaigns: []uint{3}}
	metrics := &fakeMetrics{
		bounces: map[uint]int64{3: 5},
		sends:   map[uint]int64{3: 100},
	}

	d, err := newTestEvaluator(store, metrics).Evaluate(context.Background(), 1, wednesdayNoon)
	require.NoError(t, err)
	assert.Equal(t, KindAllow, d.Kind)
}

func TestEvaluateBounceRuleWinsOverComplaint(t *testing.T) {
	store := &fakeStore{snap: defaultSnapshot(), campaigns: []uint{7}, latched: true}
	metrics := &fakeMetrics{
		bounces: map[uint]int64{7: 3},
		sends:   map[uint]int64{7: 20},
	}

	d, err := newTestEvaluator(store, metrics).Evaluate(context.Background(), 1, wednesdayNoon)
	require.NoError(t, err)
	assert.Equal(t, KindPauseCampaign, d.Kind)
}

func TestEvaluateComplaintLatchPausesWorkspace(t *testing.T) {
	store := &fakeStore{snap: defaultSnapshot(), latched: true}
	metrics := &fakeMetrics{}

	d, err := newTestEvaluator(store, metrics).Evaluate(context.Background(), 1, wednesdayNoon)
	require.NoError(t, err)
	assert.Equal(t, KindPauseWorkspace, d.Kind)
	assert.Equal(t, ReasonComplaint, d.Reason)
}

func TestEvaluateComplaintIgnoredWhenPolicyOff(t *testing.T) {
	snap := defaultSnapshot()
	snap.PauseOnComplaint = false
	store := &fakeStore{snap: snap, latched: true}
	metrics := &fakeMetrics{sentToday: 10}

	d, err := newTestEvaluator(store, metrics).Evaluate(context.Background(), 1, wednesdayNoon)
	require.NoError(t, err)
	assert.Equal(t, KindAllow, d.Kind)
	assert.Equal(t, 490, d.Budget)
}

func TestEvaluateWeekendPauseAllowsZero(t *testing.T) {
	snap := defaultSnapshot()
	snap.WeekendPause = true
	store := &fakeStore{snap: snap}
	metrics := &fakeMetrics{}

	saturday := time.Date(2026, 9, 5, 12, 0, 0, 0, time.UTC)
	d, err := newTestEvaluator(store, metrics).Evaluate(context.Background(), 1, saturday)
	require.NoError(t, err)
	assert.Equal(t, KindAllow, d.Kind)
	assert.Equal(t, 0, d.Budget)

	d, err = newTestEvaluator(store, metrics).Evaluate(context.Background(), 1, wednesdayNoon)
	require.NoError(t, err)
	assert.Equal(t, 500, d.Budget)
}

func TestEvaluateWeekendUsesWorkspaceTimezone(t *testing.T) {
	snap := defaultSnapshot()
	snap.WeekendPause = true
	snap.Timezone = "Pacific/Auckland"
	store := &fakeStore{snap: snap}
	metrics := &fakeMetrics{}

	// Friday 23:00 UTC is already Saturday in Auckland.
	fridayLateUTC := time.Date(2026, 9, 4, 23, 0, 0, 0, time.UTC)
	d, err := newTestEvaluator(store, metrics).Evaluate(context.Background(), 1, fridayLateUTC)
	require.NoError(t, err)
	assert.Equal(t, 0, d.Budget)
}

func TestEvaluateBudgetIsCapMinusSendsToday(t *testing.T) {
	store := &fakeStore{snap: defaultSnapshot()}
	metrics := &fakeMetrics{sentToday: 499}

	d, err := newTestEvaluator(store, metrics).Evaluate(context.Background(), 1, wednesdayNoon)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Budget)

	metrics.sentToday = 800
	d, err = newTestEvaluator(store, metrics).Evaluate(context.Background(), 1, wednesdayNoon)
	require.NoError(t, err)
	assert.Equal(t, 0, d.Budget, "budget never goes negative")
}

func TestEvaluateWarmingHealthScalesBudget(t *testing.T) {
	store := &fakeStore{snap: defaultSnapshot()}
	metrics := &fakeMetrics{minHealth: 50, anyWarming: true}

	d, err := newTestEvaluator(store, metrics).Evaluate(context.Background(), 1, wednesdayNoon)
	require.NoError(t, err)
	assert.Equal(t, 250, d.Budget)
}

func TestWindowFromSnapshotDefaults(t *testing.T) {
	snap := models.PolicySnapshot{}
	w := windowFromSnapshot(snap)
	assert.Equal(t, 100, w.Count)

	snap.BounceWindowHours = 24
	w = windowFromSnapshot(snap)
	assert.Equal(t, 0, w.Count)
	assert.Equal(t, 24*time.Hour, w.Duration)
}
