package monitor

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bl4ck0w1/crlsentry/internal/tracking"
	"github.com/bl4ck0w1/crlsentry/pkg/models"
)

// WeeklyReporter emits the weekly revocation statistics every Sunday at
// 23:59 in the configured zone.
type WeeklyReporter struct {
	engine   *tracking.Engine
	notifier Notifier
	loc      *time.Location
	logger   *logrus.Logger
	now      func() time.Time
	after    func(d time.Duration) <-chan time.Time
}

func NewWeeklyReporter(engine *tracking.Engine, notifier Notifier, loc *time.Location, logger *logrus.Logger) *WeeklyReporter {
	if logger == nil {
		logger = logrus.New()
	}
	if loc == nil {
		loc = time.Local
	}
	return &WeeklyReporter{
		engine:   engine,
		notifier: notifier,
		loc:      loc,
		logger:   logger,
		now:      time.Now,
		after:    time.After,
	}
}

func (w *WeeklyReporter) Start(ctx context.Context) error {
	for {
		next := NextWeeklyRun(w.now(), w.loc)
		w.logger.WithField("next_run", next.Format(time.RFC3339)).Info("weekly statistics scheduled")
		select {
		case <-ctx.Done():
			return nil
		case <-w.after(time.Until(next)):
		}
		if _, err := w.Emit(ctx); err != nil {
			w.logger.WithError(err).Error("weekly statistics failed")
		}
	}
}

// Emit flushes the accumulated aggregate and dispatches it. It returns nil
// stats when nothing was accumulated.
func (w *WeeklyReporter) Emit(ctx context.Context) (*models.WeeklyStats, error) {
	stats, err := w.engine.FlushWeekly(ctx)
	if err != nil {
		return stats, err
	}
	if stats == nil {
		w.logger.Info("no revocations accumulated this week")
		return nil, nil
	}
	w.logger.WithFields(logrus.Fields{
		"week_start": stats.WeekStart,
		"total":      stats.Total(),
	}).Info("sending weekly statistics")
	if w.notifier != nil {
		w.notifier.Dispatch(ctx, []models.Intent{*stats})
	}
	return stats, nil
}

// NextWeeklyRun is the first Sunday 23:59 in loc strictly after now.
func NextWeeklyRun(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	days := (int(time.Sunday) - int(local.Weekday()) + 7) % 7
	next := time.Date(local.Year(), local.Month(), local.Day()+days, 23, 59, 0, 0, loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}
