package alerting

import (
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
)

// Severity grades an alert event.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is one operator-facing notification: a paused workspace, a failed
// step, a template that would not render.
type Event struct {
	Type         string
	Severity     Severity
	WorkspaceID  uint
	CampaignID   uint
	EnrollmentID uint
	Message      string
	Err          error
	Fields       map[string]interface{}
	At           time.Time
}

// Sink receives alert events. Implementations are fire-and-forget: they must
// never block or propagate failures into the dispatch loop.
type Sink interface {
	Notify(Event)
}

// LogSink writes alerts to logrus and mirrors error-severity events to
// Sentry.
type LogSink struct {
	log          *logrus.Logger
	sentryActive bool
}

func NewLogSink(log *logrus.Logger, sentryActive bool) *LogSink {
	return &LogSink{log: log, sentryActive: sentryActive}
}

func (s *LogSink) Notify(ev Event) {
	defer func() {
		// A broken sink must never take the dispatch loop down with it.
		_ = recover()
	}()

	entry := s.log.WithFields(logrus.Fields{
		"alert_type":    ev.Type,
		"workspace_id":  ev.WorkspaceID,
		"campaign_id":   ev.CampaignID,
		"enrollment_id": ev.EnrollmentID,
	})
	for k, v := range ev.Fields {
		entry = entry.WithField(k, v)
	}
	if ev.Err != nil {
		entry = entry.WithError(ev.Err)
	}

	switch ev.Severity {
	case SeverityError:
		entry.Error(ev.Message)
		if s.sentryActive {
			sentry.WithScope(func(scope *sentry.Scope) {
				scope.SetTag("alert_type", ev.Type)
				for k, v := range ev.Fields {
					scope.SetExtra(k, v)
				}
				if ev.Err != nil {
					sentry.CaptureException(ev.Err)
				} else {
					sentry.CaptureMessage(ev.Message)
				}
			})
		}
	case SeverityWarning:
		entry.Warn(ev.Message)
	default:
		entry.Info(ev.Message)
		if s.sentryActive {
			sentry.AddBreadcrumb(&sentry.Breadcrumb{
				Type:      "info",
				Category:  ev.Type,
				Message:   ev.Message,
				Data:      ev.Fields,
				Timestamp: ev.At,
			})
		}
	}
}
