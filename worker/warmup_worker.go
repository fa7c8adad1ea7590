package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"skyreach/warmup"
)

// WarmupWorker ticks the warmup controller.
type WarmupWorker struct {
	controller *warmup.Controller
	interval   time.Duration
	log        *logrus.Logger
}

func NewWarmupWorker(controller *warmup.Controller, interval time.Duration, log *logrus.Logger) *WarmupWorker {
	return &WarmupWorker{controller: controller, interval: interval, log: log}
}

func (ww *WarmupWorker) Start(ctx context.Context) {
	// Initial delay to let the server start up
	time.Sleep(10 * time.Second)

	ww.log.WithField("interval", ww.interval).Info("warmup worker started")

	ticker := time.NewTicker(ww.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ww.log.Info("warmup worker shutting down")
			return
		case <-ticker.C:
			ww.controller.Tick(ctx)
		}
	}
}
