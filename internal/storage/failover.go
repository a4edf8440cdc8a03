package storage

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/bl4ck0w1/crlsentry/pkg/models"
)

type FailoverConfig struct {
	// ConsecutiveFailures opens the breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the primary is skipped once the breaker opens.
	OpenTimeout time.Duration
}

// FailoverStore sends every call to the primary store through a circuit
// breaker and repeats it on the fallback store when the primary fails with
// a StateIOError. Other errors are returned as they are.
type FailoverStore struct {
	primary    Store
	fallback   Store
	breaker    *gobreaker.CircuitBreaker
	logger     *logrus.Logger
	onFallback func(op string)
}

func NewFailoverStore(primary, fallback Store, cfg FailoverConfig, logger *logrus.Logger) *FailoverStore {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 3
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 5 * time.Minute
	}

	f := &FailoverStore{primary: primary, fallback: fallback, logger: logger}
	f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "state-store",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		// Only storage I/O failures count against the primary.
		IsSuccessful: func(err error) bool {
			return err == nil || !isStateIOError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("state store circuit breaker changed state")
		},
	})
	return f
}

// SetFallbackHook registers a callback invoked whenever a call is served by
// the fallback store.
func (f *FailoverStore) SetFallbackHook(fn func(op string)) {
	f.onFallback = fn
}

func (f *FailoverStore) State() string {
	return f.breaker.State().String()
}

func (f *FailoverStore) Close() error {
	return errors.Join(f.primary.Close(), f.fallback.Close())
}

func failover[T any](ctx context.Context, f *FailoverStore, op string, call func(Store) (T, error)) (T, error) {
	out, err := f.breaker.Execute(func() (interface{}, error) {
		return call(f.primary)
	})
	if err == nil {
		v, _ := out.(T)
		return v, nil
	}
	if ctx.Err() != nil {
		var zero T
		return zero, ctx.Err()
	}
	if !isStateIOError(err) && !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, err
	}

	f.logger.WithError(err).WithField("op", op).Warn("primary state store failed, using file fallback")
	if f.onFallback != nil {
		f.onFallback(op)
	}

	v, ferr := call(f.fallback)
	if ferr != nil {
		var zero T
		return zero, &models.StateIOError{Backend: "failover", Op: op, Err: errors.Join(err, ferr)}
	}
	return v, nil
}

func isStateIOError(err error) bool {
	var ioErr *models.StateIOError
	return errors.As(err, &ioErr)
}

func exec(ctx context.Context, f *FailoverStore, op string, call func(Store) error) error {
	_, err := failover(ctx, f, op, func(s Store) (struct{}, error) {
		return struct{}{}, call(s)
	})
	return err
}

func (f *FailoverStore) GetCRLStates(ctx context.Context) (map[string]*models.CrlRecord, error) {
	return failover(ctx, f, "get_crl_states", func(s Store) (map[string]*models.CrlRecord, error) {
		return s.GetCRLStates(ctx)
	})
}

func (f *FailoverStore) GetCRLState(ctx context.Context, name string) (*models.CrlRecord, error) {
	return failover(ctx, f, "get_crl_state", func(s Store) (*models.CrlRecord, error) {
		return s.GetCRLState(ctx, name)
	})
}

func (f *FailoverStore) UpsertCRLState(ctx context.Context, rec *models.CrlRecord) error {
	return exec(ctx, f, "upsert_crl_state", func(s Store) error {
		return s.UpsertCRLState(ctx, rec)
	})
}

func (f *FailoverStore) MarkAlert(ctx context.Context, name, key string, at time.Time) error {
	return exec(ctx, f, "mark_alert", func(s Store) error {
		return s.MarkAlert(ctx, name, key, at)
	})
}

func (f *FailoverStore) AddWeekly(ctx context.Context, delta map[string]int) error {
	return exec(ctx, f, "add_weekly", func(s Store) error {
		return s.AddWeekly(ctx, delta)
	})
}

func (f *FailoverStore) GetWeekly(ctx context.Context) (map[string]int, error) {
	return failover(ctx, f, "get_weekly", func(s Store) (map[string]int, error) {
		return s.GetWeekly(ctx)
	})
}

func (f *FailoverStore) ResetWeekly(ctx context.Context) error {
	return exec(ctx, f, "reset_weekly", func(s Store) error {
		return s.ResetWeekly(ctx)
	})
}

func (f *FailoverStore) AddWeeklyDetails(ctx context.Context, rows []models.WeeklyDetail) error {
	return exec(ctx, f, "add_weekly_details", func(s Store) error {
		return s.AddWeeklyDetails(ctx, rows)
	})
}

func (f *FailoverStore) GetWeeklyDetails(ctx context.Context, weekStart string) ([]models.WeeklyDetail, error) {
	return failover(ctx, f, "get_weekly_details", func(s Store) ([]models.WeeklyDetail, error) {
		return s.GetWeeklyDetails(ctx, weekStart)
	})
}

func (f *FailoverStore) UpsertTSLVersion(ctx context.Context, v models.TslVersion) (bool, error) {
	return failover(ctx, f, "upsert_tsl_version", func(s Store) (bool, error) {
		return s.UpsertTSLVersion(ctx, v)
	})
}

func (f *FailoverStore) GetTSLVersion(ctx context.Context, version string) (*models.TslVersion, error) {
	return failover(ctx, f, "get_tsl_version", func(s Store) (*models.TslVersion, error) {
		return s.GetTSLVersion(ctx, version)
	})
}

func (f *FailoverStore) PreviousTSLVersion(ctx context.Context, version string) (*models.TslVersion, error) {
	return failover(ctx, f, "previous_tsl_version", func(s Store) (*models.TslVersion, error) {
		return s.PreviousTSLVersion(ctx, version)
	})
}

func (f *FailoverStore) ListTSLVersions(ctx context.Context) ([]models.TslVersion, error) {
	return failover(ctx, f, "list_tsl_versions", func(s Store) ([]models.TslVersion, error) {
		return s.ListTSLVersions(ctx)
	})
}

func (f *FailoverStore) HasSnapshots(ctx context.Context, version string) (bool, error) {
	return failover(ctx, f, "has_snapshots", func(s Store) (bool, error) {
		return s.HasSnapshots(ctx, version)
	})
}

func (f *FailoverStore) SaveSnapshots(ctx context.Context, version string, cas map[string]models.CAEntry) error {
	return exec(ctx, f, "save_snapshots", func(s Store) error {
		return s.SaveSnapshots(ctx, version, cas)
	})
}

func (f *FailoverStore) GetSnapshots(ctx context.Context, version string) (map[string]models.CAEntry, error) {
	return failover(ctx, f, "get_snapshots", func(s Store) (map[string]models.CAEntry, error) {
		return s.GetSnapshots(ctx, version)
	})
}

func (f *FailoverStore) UpsertDiffs(ctx context.Context, entries []models.TslDiffEntry) error {
	return exec(ctx, f, "upsert_diffs", func(s Store) error {
		return s.UpsertDiffs(ctx, entries)
	})
}

func (f *FailoverStore) GetDiffs(ctx context.Context, toVersion string) ([]models.TslDiffEntry, error) {
	return failover(ctx, f, "get_diffs", func(s Store) ([]models.TslDiffEntry, error) {
		return s.GetDiffs(ctx, toVersion)
	})
}

func (f *FailoverStore) IsTSLAnnounced(ctx context.Context, version string) (bool, error) {
	return failover(ctx, f, "is_tsl_announced", func(s Store) (bool, error) {
		return s.IsTSLAnnounced(ctx, version)
	})
}

func (f *FailoverStore) MarkTSLAnnounced(ctx context.Context, version string, at time.Time) error {
	return exec(ctx, f, "mark_tsl_announced", func(s Store) error {
		return s.MarkTSLAnnounced(ctx, version, at)
	})
}

func (f *FailoverStore) UpsertCAMappings(ctx context.Context, mappings []models.CAMapping) error {
	return exec(ctx, f, "upsert_ca_mappings", func(s Store) error {
		return s.UpsertCAMappings(ctx, mappings)
	})
}

func (f *FailoverStore) GetCAMapping(ctx context.Context, url string) (*models.CAMapping, error) {
	return failover(ctx, f, "get_ca_mapping", func(s Store) (*models.CAMapping, error) {
		return s.GetCAMapping(ctx, url)
	})
}

func (f *FailoverStore) GetCAMappings(ctx context.Context) ([]models.CAMapping, error) {
	return failover(ctx, f, "get_ca_mappings", func(s Store) ([]models.CAMapping, error) {
		return s.GetCAMappings(ctx)
	})
}
