package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"skyreach/dispatch"
	"skyreach/models"
)

// DispatchWorker owns the dispatch loop's lifecycle plus the midnight reset
// of per-sender daily counters.
type DispatchWorker struct {
	db   *gorm.DB
	loop *dispatch.Loop
	log  *logrus.Logger
}

func NewDispatchWorker(db *gorm.DB, loop *dispatch.Loop, log *logrus.Logger) *DispatchWorker {
	return &DispatchWorker{db: db, loop: loop, log: log}
}

func (dw *DispatchWorker) Start(ctx context.Context) {
	// Give the server a moment to finish migrations and route setup.
	time.Sleep(2 * time.Second)

	dw.log.Info("dispatch worker started")
	go dw.resetDailyCounters(ctx)
	dw.loop.Run(ctx)
}

// resetDailyCounters zeroes sent_today shortly after each UTC midnight.
func (dw *DispatchWorker) resetDailyCounters(ctx context.Context) {
	for {
		now := time.Now().UTC()
		next := now.Truncate(24 * time.Hour).Add(24*time.Hour + time.Minute)
		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
			if err := dw.db.WithContext(ctx).
				Model(&models.SenderNode{}).
				Where("sent_today > 0").
				Update("sent_today", 0).Error; err != nil {
				dw.log.WithError(err).Error("failed to reset daily sender counters")
				continue
			}
			dw.log.Info("daily sender counters reset")
		}
	}
}
