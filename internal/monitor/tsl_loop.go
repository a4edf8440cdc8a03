package monitor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bl4ck0w1/crlsentry/internal/storage"
	"github.com/bl4ck0w1/crlsentry/internal/tsl"
	"github.com/bl4ck0w1/crlsentry/pkg/models"
	"github.com/bl4ck0w1/crlsentry/pkg/utils"
)

type TSLPassReport struct {
	PassID    string
	Version   string
	Previous  string
	Created   bool
	ActiveCAs int
	CRLURLs   int
	DiffCount int
	Changes   []models.TslChange
	Duration  time.Duration
}

type TSLMonitor struct {
	url      string
	filter   tsl.Filter
	fetcher  Fetcher
	engine   *tsl.Engine
	mappings storage.CAMappingStore
	notifier Notifier
	metrics  *utils.MetricsCollector
	logger   *logrus.Logger
	interval time.Duration
	now      func() time.Time
}

func NewTSLMonitor(url string, filter tsl.Filter, fetcher Fetcher, engine *tsl.Engine, mappings storage.CAMappingStore, notifier Notifier, interval time.Duration, metrics *utils.MetricsCollector, logger *logrus.Logger) *TSLMonitor {
	if logger == nil {
		logger = logrus.New()
	}
	if interval <= 0 {
		interval = 3 * time.Hour
	}
	return &TSLMonitor{
		url:      url,
		filter:   filter,
		fetcher:  fetcher,
		engine:   engine,
		mappings: mappings,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		interval: interval,
		now:      time.Now,
	}
}

func (m *TSLMonitor) Start(ctx context.Context) error {
	m.logger.WithFields(logrus.Fields{"interval": m.interval.String(), "url": m.url}).Info("starting TSL monitor")
	return every(ctx, m.interval, func(ctx context.Context) {
		if _, err := m.RunOnce(ctx); err != nil {
			m.logger.WithError(err).Error("TSL pass failed")
		}
	})
}

// RunOnce downloads and ingests the TSL. Changes are only announced the
// first time a version is ingested.
func (m *TSLMonitor) RunOnce(ctx context.Context) (report *TSLPassReport, err error) {
	started := time.Now()
	report = &TSLPassReport{PassID: utils.NewPassID()}
	log := m.logger.WithFields(logrus.Fields{"loop": LoopTSL, "pass_id": report.PassID})

	defer func() {
		if r := recover(); r != nil {
			log.WithField("stack", string(debug.Stack())).Errorf("TSL pass panicked: %v", r)
			err = fmt.Errorf("TSL pass panicked: %v", r)
		}
		report.Duration = time.Since(started)
		m.metrics.ObservePass(LoopTSL, started)
	}()

	res, err := m.fetcher.Get(ctx, m.url)
	if err != nil {
		m.metrics.Inc(utils.MetricTSLFetch, "result", "download_failed")
		return report, err
	}
	doc, err := tsl.Parse(res.Body, m.filter)
	if err != nil {
		m.metrics.Inc(utils.MetricTSLFetch, "result", "parse_failed")
		return report, err
	}
	m.metrics.Inc(utils.MetricTSLFetch, "result", "ok")

	report.Version = doc.Version
	report.ActiveCAs = len(doc.CAs)
	report.CRLURLs = doc.CRLURLCount()
	m.metrics.SetGauge(utils.MetricTSLActiveCAs, float64(report.ActiveCAs), nil)
	m.metrics.SetGauge(utils.MetricTSLCRLURLs, float64(report.CRLURLs), nil)
	log = log.WithField("tsl_version", doc.Version)
	log.WithFields(logrus.Fields{"active_cas": report.ActiveCAs, "crl_urls": report.CRLURLs}).Info("TSL parsed")

	if m.mappings != nil {
		if err := m.mappings.UpsertCAMappings(ctx, Mappings(doc, m.now())); err != nil {
			log.WithError(err).Error("failed to update CA mappings")
		}
	}

	ingest, err := m.engine.Ingest(ctx, doc)
	if err != nil {
		return report, err
	}
	report.Created = ingest.Created
	report.DiffCount = len(ingest.Entries)
	if ingest.Previous != nil {
		report.Previous = ingest.Previous.Version
	}

	if !ingest.Announced && len(ingest.Entries) > 0 {
		m.metrics.IncCounter(utils.MetricTSLDiffEntries, float64(len(ingest.Entries)), nil)
		report.Changes = tsl.Classify(ingest.Entries, ingest.Old, ingest.New)
		if m.notifier != nil {
			intents := make([]models.Intent, 0, len(report.Changes))
			for _, c := range report.Changes {
				intents = append(intents, c)
			}
			m.notifier.Dispatch(ctx, intents)
		}
		if err := m.engine.MarkAnnounced(ctx, doc.Version); err != nil {
			log.WithError(err).Error("failed to record TSL announcement, changes may be sent again")
		}
	}

	m.metrics.Inc(utils.MetricTSLChecks)
	log.WithFields(logrus.Fields{
		"created":  report.Created,
		"previous": report.Previous,
		"entries":  report.DiffCount,
		"changes":  len(report.Changes),
	}).Info("TSL pass finished")
	return report, nil
}

// Mappings lists one CA mapping per CRL URL of every CA in doc.
func Mappings(doc *models.TSLDocument, at time.Time) []models.CAMapping {
	var out []models.CAMapping
	for _, ca := range doc.CAs {
		for _, u := range ca.CRLURLs {
			out = append(out, models.CAMapping{URL: u, CAName: ca.Name, RegNumber: ca.RegNumber, UpdatedAt: at})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}
