package monitor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bl4ck0w1/crlsentry/internal/notify"
	"github.com/bl4ck0w1/crlsentry/internal/tracking"
	"github.com/bl4ck0w1/crlsentry/pkg/models"
	"github.com/bl4ck0w1/crlsentry/pkg/utils"
)

const (
	LoopCRL = "crl"
	LoopTSL = "tsl"
)

var errDeltaCRL = errors.New("delta CRL is not monitored")

type Decoder interface {
	Decode(ctx context.Context, source string, data []byte) (*models.DecodedCRL, error)
}

// Notifier delivers intents; failures are reported in the summary only.
type Notifier interface {
	Dispatch(ctx context.Context, intents []models.Intent) notify.Summary
}

// CRLPassReport summarises one CRL pass.
type CRLPassReport struct {
	PassID       string
	Groups       int
	URLs         int
	Processed    int
	Failed       int
	SkippedEmpty int
	Intents      []models.Intent
	Duration     time.Duration
}

type CRLMonitor struct {
	sources  *SourceSet
	fetcher  Fetcher
	decoder  Decoder
	engine   *tracking.Engine
	notifier Notifier
	metrics  *utils.MetricsCollector
	logger   *logrus.Logger
	interval time.Duration

	mu      sync.Mutex
	running bool
}

func NewCRLMonitor(sources *SourceSet, fetcher Fetcher, decoder Decoder, engine *tracking.Engine, notifier Notifier, interval time.Duration, metrics *utils.MetricsCollector, logger *logrus.Logger) *CRLMonitor {
	if logger == nil {
		logger = logrus.New()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &CRLMonitor{
		sources:  sources,
		fetcher:  fetcher,
		decoder:  decoder,
		engine:   engine,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		interval: interval,
	}
}

// Start runs a pass immediately and then every interval until ctx ends.
func (m *CRLMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("CRL monitor is already running")
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	m.logger.WithField("interval", m.interval.String()).Info("starting CRL monitor")
	return every(ctx, m.interval, func(ctx context.Context) {
		if _, err := m.RunOnce(ctx); err != nil {
			m.logger.WithError(err).Error("CRL pass failed")
		}
	})
}

// RunOnce checks every monitored CRL once and then raises missed alerts.
func (m *CRLMonitor) RunOnce(ctx context.Context) (report *CRLPassReport, err error) {
	started := time.Now()
	report = &CRLPassReport{PassID: utils.NewPassID()}
	log := m.logger.WithFields(logrus.Fields{"loop": LoopCRL, "pass_id": report.PassID})

	defer func() {
		if r := recover(); r != nil {
			log.WithField("stack", string(debug.Stack())).Errorf("CRL pass panicked: %v", r)
			err = fmt.Errorf("CRL pass panicked: %v", r)
		}
		report.Duration = time.Since(started)
		m.metrics.ObservePass(LoopCRL, started)
	}()

	groups := m.sources.Collect(ctx)
	active := make(map[string]bool)
	for _, g := range groups {
		for _, u := range g.URLs {
			active[u] = true
		}
	}
	report.Groups, report.URLs = len(groups), len(active)
	m.metrics.SetGauge(utils.MetricCRLUniqueURLs, float64(len(active)), nil)
	log.WithFields(logrus.Fields{"groups": len(groups), "urls": len(active)}).Info("CRL pass started")

	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res, err := m.safeProcessGroup(ctx, log, g)
		if err != nil {
			report.Failed++
			m.metrics.Inc(utils.MetricCRLProcessed, "result", "failed")
			log.WithError(err).WithField("crl", g.Name).Warn("no mirror produced a usable CRL")
			continue
		}
		if res.SkippedEmpty {
			report.SkippedEmpty++
			m.metrics.Inc(utils.MetricCRLSkippedEmpty)
			m.metrics.Inc(utils.MetricCRLProcessed, "result", "skipped_empty")
			continue
		}
		report.Processed++
		m.metrics.Inc(utils.MetricCRLProcessed, "result", "ok")
		m.emit(ctx, report, res.Intents)
	}

	missed, err := m.engine.CheckMissed(ctx, active)
	if err != nil {
		log.WithError(err).Error("missed publication check failed")
	}
	m.emit(ctx, report, missed)

	m.metrics.Inc(utils.MetricCRLChecks)
	log.WithFields(logrus.Fields{
		"processed":     report.Processed,
		"failed":        report.Failed,
		"skipped_empty": report.SkippedEmpty,
		"intents":       len(report.Intents),
		"duration":      time.Since(started).String(),
	}).Info("CRL pass finished")
	return report, nil
}

// safeProcessGroup turns a panic in one group into an error so the rest of
// the pass still runs.
func (m *CRLMonitor) safeProcessGroup(ctx context.Context, log *logrus.Entry, g Group) (res *tracking.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("crl", g.Name).WithField("stack", string(debug.Stack())).Errorf("CRL group panicked: %v", r)
			res, err = nil, fmt.Errorf("%s: panicked: %v", g.Name, r)
		}
	}()
	return m.processGroup(ctx, log, g)
}

// processGroup tries each mirror in order until one yields a full CRL.
func (m *CRLMonitor) processGroup(ctx context.Context, log *logrus.Entry, g Group) (*tracking.Result, error) {
	var errs []error
	for _, u := range g.URLs {
		info, err := m.fetchAndDecode(ctx, u)
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{"crl": g.Name, "url": u}).Debug("mirror failed")
			errs = append(errs, err)
			continue
		}
		return m.engine.Process(ctx, g.Name, u, info)
	}
	return nil, errors.Join(errs...)
}

func (m *CRLMonitor) fetchAndDecode(ctx context.Context, u string) (info *models.DecodedCRL, err error) {
	defer func() {
		if r := recover(); r != nil {
			info, err = nil, fmt.Errorf("%s: panic: %v", u, r)
		}
	}()
	res, err := m.fetcher.Get(ctx, u)
	if err != nil {
		return nil, err
	}
	info, err = m.decoder.Decode(ctx, u, res.Body)
	if err != nil {
		return nil, err
	}
	if info.IsDelta {
		return nil, fmt.Errorf("%s: %w", u, errDeltaCRL)
	}
	return info, nil
}

func (m *CRLMonitor) emit(ctx context.Context, report *CRLPassReport, intents []models.Intent) {
	if len(intents) == 0 {
		return
	}
	for _, in := range intents {
		m.metrics.Inc(utils.MetricCRLAlerts, "kind", string(in.Kind()))
	}
	report.Intents = append(report.Intents, intents...)
	if m.notifier != nil {
		m.notifier.Dispatch(ctx, intents)
	}
}

// every calls fn now and then on each tick until ctx is cancelled.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	fn(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}
