package notify

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/bl4ck0w1/crlsentry/pkg/models"
	"github.com/bl4ck0w1/crlsentry/pkg/utils"
)

// Sender delivers one rendered message.
type Sender interface {
	Send(ctx context.Context, text string) (int, error)
}

// Summary counts what one Dispatch call did.
type Summary struct {
	Sent     int
	Disabled int
	DryRun   int
	Failed   int
	Errors   []error
}

type Dispatcher struct {
	sender   Sender
	renderer *Renderer
	toggles  models.NotifyConfig
	dryRun   bool
	logger   *logrus.Logger
	metrics  *utils.MetricsCollector
}

func NewDispatcher(sender Sender, renderer *Renderer, toggles models.NotifyConfig, dryRun bool, logger *logrus.Logger, metrics *utils.MetricsCollector) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	if renderer == nil {
		renderer = NewRenderer(nil)
	}
	return &Dispatcher{
		sender:   sender,
		renderer: renderer,
		toggles:  toggles,
		dryRun:   dryRun,
		logger:   logger,
		metrics:  metrics,
	}
}

// Enabled reports whether intents of this shape should be delivered.
func (d *Dispatcher) Enabled(intent models.Intent) bool {
	t := d.toggles
	switch in := intent.(type) {
	case models.NewVersion:
		return t.NewVersion
	case models.ExpiringAlert:
		return t.Expiring
	case models.ExpiredAlert:
		return t.Expired
	case models.MissedAlert:
		return t.Missed
	case models.WeeklyStats, *models.WeeklyStats:
		return t.WeeklyStats
	case models.TslChange:
		switch in.Change {
		case models.ChangeCAAdded:
			return t.TSLAdded
		case models.ChangeCARemoved:
			return t.TSLRemoved
		case models.ChangeNameChanged:
			return t.TSLName
		case models.ChangeDateChanged:
			return t.TSLDate
		case models.ChangeCRLURLsChanged:
			return t.TSLCRLURLs
		default:
			return t.TSLOther
		}
	}
	return false
}

// Dispatch renders and sends every enabled intent in order. Delivery
// failures are logged and collected as *models.DispatchError; they never
// stop the remaining intents.
func (d *Dispatcher) Dispatch(ctx context.Context, intents []models.Intent) Summary {
	var s Summary
	for _, intent := range intents {
		if ctx.Err() != nil {
			s.Errors = append(s.Errors, ctx.Err())
			break
		}
		log := d.logger.WithField("kind", intent.Kind())
		if !d.Enabled(intent) {
			s.Disabled++
			d.metrics.Inc(utils.MetricNotifyMessages, "result", "disabled")
			log.Debug("notification kind disabled")
			continue
		}

		text, err := d.renderer.Render(intent)
		if err != nil {
			s.Failed++
			s.Errors = append(s.Errors, &models.DispatchError{Kind: intent.Kind(), Err: err})
			log.WithError(err).Error("failed to render notification")
			continue
		}

		if d.dryRun || d.sender == nil {
			s.DryRun++
			d.metrics.Inc(utils.MetricNotifyMessages, "result", "dry_run")
			log.WithField("text", text).Info("dry run: notification not sent")
			continue
		}

		attempts, err := d.sender.Send(ctx, text)
		if err != nil {
			derr := &models.DispatchError{Kind: intent.Kind(), Attempts: attempts, Err: err}
			s.Failed++
			s.Errors = append(s.Errors, derr)
			d.metrics.Inc(utils.MetricNotifyMessages, "result", "failed")
			log.WithError(derr).Error("failed to deliver notification")
			continue
		}
		s.Sent++
		d.metrics.Inc(utils.MetricNotifyMessages, "result", "sent")
		log.WithField("attempts", attempts).Info("notification sent")
	}
	return s
}

// Err joins every failure of the dispatch, or returns nil.
func (s Summary) Err() error {
	return errors.Join(s.Errors...)
}
