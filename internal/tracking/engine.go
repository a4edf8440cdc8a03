package tracking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bl4ck0w1/crlsentry/internal/reasons"
	"github.com/bl4ck0w1/crlsentry/internal/storage"
	"github.com/bl4ck0w1/crlsentry/pkg/models"
)

// Config is handed to the engine once; nothing is read from globals.
type Config struct {
	Thresholds     []int
	GracePeriod    time.Duration
	MissedAfter    time.Duration
	EmptySkipAfter time.Duration
	Location       *time.Location
	Now            func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Thresholds:     []int{4, 2},
		GracePeriod:    30 * 24 * time.Hour,
		MissedAfter:    time.Hour,
		EmptySkipAfter: 90 * 24 * time.Hour,
		Location:       time.FixedZone("UTC+3", 3*3600),
		Now:            time.Now,
	}
}

// Result describes what Process did with one decoded CRL.
type Result struct {
	Intents   []models.Intent
	Decision  Decision
	Detection Detection
	Record    *models.CrlRecord
	// SkippedEmpty marks a CRL without revocations that stays valid past
	// EmptySkipAfter; nothing was recorded for it.
	SkippedEmpty bool
}

type Engine struct {
	cfg    Config
	states storage.CRLStateStore
	weekly storage.WeeklyStore
	cas    storage.CAMappingStore
	logger *logrus.Logger

	mu          sync.Mutex
	seen        map[string]*models.CrlRecord
	loggedEmpty map[string]bool
}

func NewEngine(cfg Config, states storage.CRLStateStore, weekly storage.WeeklyStore, cas storage.CAMappingStore, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	def := DefaultConfig()
	if len(cfg.Thresholds) == 0 {
		cfg.Thresholds = def.Thresholds
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.MissedAfter <= 0 {
		cfg.MissedAfter = def.MissedAfter
	}
	if cfg.EmptySkipAfter <= 0 {
		cfg.EmptySkipAfter = def.EmptySkipAfter
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		cfg:         cfg,
		states:      states,
		weekly:      weekly,
		cas:         cas,
		logger:      logger,
		seen:        make(map[string]*models.CrlRecord),
		loggedEmpty: make(map[string]bool),
	}
}

func (e *Engine) now() time.Time {
	return e.cfg.Now().In(e.cfg.Location)
}

// Process runs the expiry and new-version decisions for one decoded CRL,
// persists the resulting record and accumulates weekly deltas. Store
// failures are logged; the returned intents are still valid.
func (e *Engine) Process(ctx context.Context, name, url string, info *models.DecodedCRL) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	info.ThisUpdate = e.inZone(info.ThisUpdate)
	info.NextUpdate = e.inZone(info.NextUpdate)
	log := e.logger.WithFields(logrus.Fields{"crl": name, "url": url})

	if e.isEmptyLongLived(info, now) {
		if !e.loggedEmpty[name] {
			log.WithField("next_update", info.NextUpdate.Format(time.RFC3339)).
				Info("skipping empty CRL with long validity")
			e.loggedEmpty[name] = true
		}
		return &Result{SkippedEmpty: true}, nil
	}

	persisted, err := e.states.GetCRLState(ctx, name)
	if err != nil {
		log.WithError(err).Warn("failed to read CRL state, continuing with in-memory state")
		persisted = nil
	}
	prev := e.seen[name]

	alerts := mergeAlerts(persisted, prev)
	crlCtx := e.context(ctx, name, url, info, persisted)

	res := &Result{}
	newAlerts := make(map[string]time.Time)

	res.Decision = Evaluate(info.NextUpdate, now, alerts, e.cfg.Thresholds, e.cfg.GracePeriod)
	if res.Decision.Record {
		newAlerts[res.Decision.AlertKey] = now
	}
	if res.Decision.Emit {
		switch res.Decision.State {
		case Expired:
			res.Intents = append(res.Intents, models.ExpiredAlert{CRLContext: crlCtx, NextUpdate: *info.NextUpdate})
		case NearThreshold:
			res.Intents = append(res.Intents, models.ExpiringAlert{
				CRLContext: crlCtx,
				Threshold:  res.Decision.Threshold,
				HoursLeft:  res.Decision.HoursLeft,
				NextUpdate: *info.NextUpdate,
			})
		}
	}

	res.Detection = Detect(info, prev, persisted)
	switch {
	case res.Detection.Suppressed:
		log.WithField("crl_number", derefString(info.CRLNumber)).Debug("version already recorded before restart")
	case res.Detection.IsNew:
		res.Intents = append(res.Intents, models.NewVersion{
			CRLContext:      crlCtx,
			PreviousNumber:  res.Detection.PreviousNumber,
			RevokedCount:    info.RevokedCount,
			Increase:        res.Detection.Increase,
			CategoriesTotal: res.Detection.Totals,
			CategoriesDelta: res.Detection.Delta,
			ThisUpdate:      info.ThisUpdate,
			NextUpdate:      info.NextUpdate,
			SizeBytes:       info.SizeBytes,
		})
		e.accumulate(ctx, now, crlCtx, res.Detection.Delta)
	}

	rec := &models.CrlRecord{
		Name:         name,
		URL:          url,
		ThisUpdate:   info.ThisUpdate,
		NextUpdate:   info.NextUpdate,
		RevokedCount: info.RevokedCount,
		CRLNumber:    info.CRLNumber,
		IssuerKeyID:  info.IssuerKeyID,
		Fingerprint:  info.Fingerprint,
		Categories:   reasons.CountLabels(info.Revoked),
		LastCheck:    now,
		LastAlerts:   newAlerts,
		CAName:       crlCtx.CAName,
		CARegNumber:  crlCtx.CARegNumber,
	}
	if err := e.states.UpsertCRLState(ctx, rec); err != nil {
		log.WithError(err).Error("failed to persist CRL state")
	}

	cached := rec.Clone()
	cached.LastAlerts = alerts
	for k, v := range newAlerts {
		cached.LastAlerts[k] = v
	}
	e.seen[name] = cached
	res.Record = cached

	return res, nil
}

// CheckMissed raises a one-shot missed alert for every known CRL whose
// publication is overdue. active is the set of URLs monitored this pass.
func (e *Engine) CheckMissed(ctx context.Context, active map[string]bool) ([]models.Intent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	states, err := e.states.GetCRLStates(ctx)
	if err != nil {
		return nil, err
	}
	now := e.now()

	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)

	var intents []models.Intent
	for _, name := range names {
		rec := states[name]
		if cached := e.seen[name]; cached != nil && cached.HasAlert(models.AlertMissed) {
			continue
		}
		d := EvaluateMissed(rec, now, active, e.cfg.MissedAfter, e.cfg.GracePeriod)
		if !d.Emit {
			continue
		}

		if err := e.states.MarkAlert(ctx, name, models.AlertMissed, now); err != nil {
			e.logger.WithError(err).WithField("crl", name).Error("failed to record missed alert")
		}
		if cached := e.seen[name]; cached != nil {
			if cached.LastAlerts == nil {
				cached.LastAlerts = make(map[string]time.Time)
			}
			cached.LastAlerts[models.AlertMissed] = now
		}

		intents = append(intents, models.MissedAlert{
			CRLContext: models.CRLContext{
				Name:        name,
				URL:         rec.URL,
				CAName:      rec.CAName,
				CARegNumber: rec.CARegNumber,
				CRLNumber:   rec.CRLNumberString(),
				IssuerKeyID: rec.IssuerKeyID,
			},
			ExpectedAt: rec.NextUpdate.In(e.cfg.Location),
			LastCheck:  rec.LastCheck,
		})
	}
	return intents, nil
}

// FlushWeekly returns the accumulated weekly aggregate and resets it. It
// returns nil when nothing was accumulated.
func (e *Engine) FlushWeekly(ctx context.Context) (*models.WeeklyStats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	categories, err := e.weekly.GetWeekly(ctx)
	if err != nil {
		return nil, err
	}
	if len(categories) == 0 {
		return nil, nil
	}

	now := e.now()
	week := WeekStart(now)
	details, err := e.weekly.GetWeeklyDetails(ctx, week)
	if err != nil {
		e.logger.WithError(err).Warn("failed to read weekly details")
	}

	stats := &models.WeeklyStats{
		Categories:  categories,
		Details:     details,
		WeekStart:   week,
		GeneratedAt: now,
	}
	if err := e.weekly.ResetWeekly(ctx); err != nil {
		return stats, err
	}
	return stats, nil
}

// WeekStart is the Monday of t's week, formatted as a date.
func WeekStart(t time.Time) string {
	offset := (int(t.Weekday()) + 6) % 7
	return t.AddDate(0, 0, -offset).Format("2006-01-02")
}

func (e *Engine) accumulate(ctx context.Context, now time.Time, crlCtx models.CRLContext, delta map[string]int) {
	if len(delta) == 0 {
		return
	}
	if err := e.weekly.AddWeekly(ctx, delta); err != nil {
		e.logger.WithError(err).WithField("crl", crlCtx.Name).Error("failed to update weekly aggregate")
	}

	week := WeekStart(now)
	rows := make([]models.WeeklyDetail, 0, len(delta))
	for reason, n := range delta {
		rows = append(rows, models.WeeklyDetail{
			WeekStart:   week,
			CAName:      crlCtx.CAName,
			CARegNumber: crlCtx.CARegNumber,
			CRLName:     crlCtx.Name,
			CRLURL:      crlCtx.URL,
			Reason:      reason,
			Count:       n,
		})
	}
	if err := e.weekly.AddWeeklyDetails(ctx, rows); err != nil {
		e.logger.WithError(err).WithField("crl", crlCtx.Name).Error("failed to update weekly details")
	}
}

func (e *Engine) context(ctx context.Context, name, url string, info *models.DecodedCRL, persisted *models.CrlRecord) models.CRLContext {
	c := models.CRLContext{
		Name:        name,
		URL:         url,
		CRLNumber:   derefString(info.CRLNumber),
		IssuerKeyID: info.IssuerKeyID,
		Fingerprint: info.Fingerprint,
	}
	if e.cas != nil {
		m, err := e.cas.GetCAMapping(ctx, url)
		if err != nil {
			e.logger.WithError(err).WithField("url", url).Debug("CA mapping lookup failed")
		}
		if m != nil {
			c.CAName, c.CARegNumber = m.CAName, m.RegNumber
		}
	}
	if c.CAName == "" && persisted != nil {
		c.CAName, c.CARegNumber = persisted.CAName, persisted.CARegNumber
	}
	return c
}

func (e *Engine) isEmptyLongLived(info *models.DecodedCRL, now time.Time) bool {
	return info.RevokedCount == 0 && info.NextUpdate != nil && info.NextUpdate.Sub(now) > e.cfg.EmptySkipAfter
}

func (e *Engine) inZone(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.In(e.cfg.Location)
	return &v
}

func mergeAlerts(records ...*models.CrlRecord) map[string]time.Time {
	out := make(map[string]time.Time)
	for _, r := range records {
		if r == nil {
			continue
		}
		for k, v := range r.LastAlerts {
			if _, ok := out[k]; !ok {
				out[k] = v
			}
		}
	}
	return out
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
