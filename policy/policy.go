package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"skyreach/models"
)

// MinBounceSample is the default minimum number of sends a campaign needs
// before its bounce rate carries enough evidence to pause it. Workspaces can
// raise or lower it through SafetyPolicy.MinSampleOverride.
const MinBounceSample = 10

// Reason explains a pause decision.
type Reason string

const (
	ReasonBounceThreshold Reason = "bounce_threshold"
	ReasonComplaint       Reason = "complaint"
)

// Kind discriminates Decision variants.
type Kind int

const (
	KindAllow Kind = iota
	KindPauseCampaign
	KindPauseWorkspace
)

// Decision is the outcome of one workspace evaluation.
type Decision struct {
	Kind       Kind
	Budget     int  // valid when Kind == KindAllow
	CampaignID uint // valid when Kind == KindPauseCampaign
	Reason     Reason
}

func Allow(budget int) Decision {
	if budget < 0 {
		budget = 0
	}
	return Decision{Kind: KindAllow, Budget: budget}
}

func PauseCampaign(campaignID uint, reason Reason) Decision {
	return Decision{Kind: KindPauseCampaign, CampaignID: campaignID, Reason: reason}
}

func PauseWorkspace(reason Reason) Decision {
	return Decision{Kind: KindPauseWorkspace, Reason: reason}
}

func (d Decision) String() string {
	switch d.Kind {
	case KindAllow:
		return fmt.Sprintf("allow(%d)", d.Budget)
	case KindPauseCampaign:
		return fmt.Sprintf("pause_campaign(%d, %s)", d.CampaignID, d.Reason)
	default:
		return fmt.Sprintf("pause_workspace(%s)", d.Reason)
	}
}

// Window selects the trailing sample for bounce-rate math: the last Count
// sends, or everything within Duration. Count wins when both are set.
type Window struct {
	Count    int
	Duration time.Duration
}

// MetricsReader supplies the aggregate counts the evaluator needs. Counts
// are integers so the rate comparison stays exact.
type MetricsReader interface {
	// BounceCounts returns (bounces, sends) for the campaign over the window.
	BounceCounts(ctx context.Context, campaignID uint, w Window) (bounces, sends int64, err error)
	// SendsToday returns the sends already counted against the workspace's
	// daily cap, in the workspace timezone.
	SendsToday(ctx context.Context, workspaceID uint, asOf time.Time) (int64, error)
	// MinWarmingHealth returns the lowest health score among the
	// workspace's warming sender nodes, and whether any exist.
	MinWarmingHealth(ctx context.Context, workspaceID uint) (score int, any bool, err error)
}

// Store supplies policy snapshots and campaign/complaint state.
type Store interface {
	PolicyFor(ctx context.Context, workspaceID uint) (models.PolicySnapshot, error)
	ActiveCampaignIDs(ctx context.Context, workspaceID uint) ([]uint, error)
	// ComplaintLatched reports whether the workspace is held by an
	// uncleared complaint.
	ComplaintLatched(ctx context.Context, workspaceID uint) (bool, error)
}

// Evaluator decides, per workspace, whether sending proceeds and with what
// budget. Every Evaluate call works from an immutable policy snapshot;
// policy edits only affect the next cycle.
type Evaluator struct {
	store   Store
	metrics MetricsReader
	log     *logrus.Logger
}

func NewEvaluator(store Store, metrics MetricsReader, log *logrus.Logger) *Evaluator {
	return &Evaluator{store: store, metrics: metrics, log: log}
}

// Evaluate applies the safety rules in precedence order; the first matching
// rule wins.
func (e *Evaluator) Evaluate(ctx context.Context, workspaceID uint, asOf time.Time) (Decision, error) {
	snap, err := e.store.PolicyFor(ctx, workspaceID)
	if err != nil {
		return Decision{}, fmt.Errorf("load policy for workspace %d: %w", workspaceID, err)
	}

	// Rule 1: per-campaign rolling bounce rate.
	campaignIDs, err := e.store.ActiveCampaignIDs(ctx, workspaceID)
	if err != nil {
		return Decision{}, fmt.Errorf("load campaigns for workspace %d: %w", workspaceID, err)
	}
	window := windowFromSnapshot(snap)
	minSample := int64(MinBounceSample)
	if snap.MinSampleOverride > 0 {
		minSample = int64(snap.MinSampleOverride)
	}
	for _, campaignID := range campaignIDs {
		bounces, sends, err := e.metrics.BounceCounts(ctx, campaignID, window)
		if err != nil {
			return Decision{}, fmt.Errorf("bounce counts for campaign %d: %w", campaignID, err)
		}
		if sends < minSample {
			continue // insufficient evidence
		}
		// bounces/sends > threshold, in basis points, exact integer math.
		if bounces*10000 > sends*int64(snap.BounceThresholdBps) {
			e.log.WithFields(logrus.Fields{
				"workspace_id": workspaceID,
				"campaign_id":  campaignID,
				"bounces":      bounces,
				"sends":        sends,
				"threshold_bp": snap.BounceThresholdBps,
			}).Warn("bounce rate over threshold, pausing campaign")
			return PauseCampaign(campaignID, ReasonBounceThreshold), nil
		}
	}

	// Rule 2: complaint latch, workspace-wide, no auto-resume.
	if snap.PauseOnComplaint {
		latched, err := e.store.ComplaintLatched(ctx, workspaceID)
		if err != nil {
			return Decision{}, fmt.Errorf("complaint state for workspace %d: %w", workspaceID, err)
		}
		if latched {
			return PauseWorkspace(ReasonComplaint), nil
		}
	}

	// Rule 3: non-business days send nothing but pause nothing.
	if snap.WeekendPause && snap.IsNonBusinessDay(asOf) {
		return Allow(0), nil
	}

	// Rule 4: remaining daily budget. The worst warming sender's health
	// score scales the cap so degraded reputation throttles volume without
	// bypassing the rules above.
	sentToday, err := e.metrics.SendsToday(ctx, workspaceID, asOf)
	if err != nil {
		return Decision{}, fmt.Errorf("sends today for workspace %d: %w", workspaceID, err)
	}
	cap := int64(snap.DailyVolumeCap)
	if score, any, err := e.metrics.MinWarmingHealth(ctx, workspaceID); err != nil {
		return Decision{}, fmt.Errorf("warming health for workspace %d: %w", workspaceID, err)
	} else if any && score < 100 {
		cap = cap * int64(score) / 100
	}
	return Allow(int(cap - sentToday)), nil
}

func windowFromSnapshot(snap models.PolicySnapshot) Window {
	w := Window{}
	if snap.BounceWindowCount > 0 {
		w.Count = snap.BounceWindowCount
	}
	if snap.BounceWindowHours > 0 {
		w.Duration = time.Duration(snap.BounceWindowHours) * time.Hour
	}
	if w.Count == 0 && w.Duration == 0 {
		w.Count = 100
	}
	return w
}
