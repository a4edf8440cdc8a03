package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/bl4ck0w1/crlsentry/internal/crl"
	"github.com/bl4ck0w1/crlsentry/internal/fetch"
	"github.com/bl4ck0w1/crlsentry/internal/monitor"
	"github.com/bl4ck0w1/crlsentry/internal/notify"
	"github.com/bl4ck0w1/crlsentry/internal/server"
	"github.com/bl4ck0w1/crlsentry/internal/storage"
	"github.com/bl4ck0w1/crlsentry/internal/tracking"
	"github.com/bl4ck0w1/crlsentry/internal/tsl"
	"github.com/bl4ck0w1/crlsentry/pkg/models"
	"github.com/bl4ck0w1/crlsentry/pkg/utils"
)

var logger = logrus.StandardLogger()

// SetLogger replaces the logger used by every command.
func SetLogger(l *logrus.Logger) {
	if l != nil {
		logger = l
	}
}

// SetDefaults registers every key of cfg as a viper default so that
// environment variables can override keys missing from the config file.
func SetDefaults(v *viper.Viper, cfg *models.Config) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal defaults: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return fmt.Errorf("unmarshal defaults: %w", err)
	}
	setTree(v, "", tree)
	return nil
}

func setTree(v *viper.Viper, prefix string, tree map[string]any) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if child, ok := val.(map[string]any); ok {
			setTree(v, key, child)
			continue
		}
		v.SetDefault(key, val)
	}
}

// LoadConfig decodes the merged viper settings into a validated Config.
// Decoding starts from a zero Config; every default must be registered
// through SetDefaults.
func LoadConfig(v *viper.Viper) (*models.Config, error) {
	cfg := &models.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// app holds every component built from one Config.
type app struct {
	cfg       *models.Config
	metrics   *utils.MetricsCollector
	store     storage.Store
	failover  *storage.FailoverStore
	snapshots []storage.Snapshotter

	downloader *fetch.Downloader
	engine     *tracking.Engine
	dispatcher *notify.Dispatcher

	crl    *monitor.CRLMonitor
	tsl    *monitor.TSLMonitor
	weekly *monitor.WeeklyReporter
	server *server.Server
}

func newApp(ctx context.Context, cfg *models.Config) (*app, error) {
	a := &app{cfg: cfg, metrics: utils.NewMetricsCollector(true)}
	if err := a.metrics.RegisterDefaults(); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	loc := cfg.Location()
	a.downloader = fetch.NewDownloader(fetch.OptionsFromConfig(cfg.HTTP), logger)
	a.engine = tracking.NewEngine(tracking.Config{
		Thresholds:     cfg.CRL.AlertThresholds,
		GracePeriod:    cfg.CRL.GracePeriod,
		MissedAfter:    cfg.CRL.MissedAfter,
		EmptySkipAfter: cfg.CRL.EmptySkipAfter,
		Location:       loc,
		Now:            time.Now,
	}, a.store, a.store, a.store, logger)

	var sender notify.Sender
	if tg := notify.NewTelegramSender(cfg.Telegram, logger); tg.Configured() {
		sender = tg
	} else if !cfg.Telegram.DryRun {
		logger.Warn("Telegram is not configured, notifications are only logged")
	}
	a.dispatcher = notify.NewDispatcher(sender, notify.NewRenderer(loc), cfg.Notify, cfg.Telegram.DryRun, logger, a.metrics)

	sources := monitor.NewSourceSet(monitor.SourceConfig{
		CDPSources: cfg.CRL.CDPSources,
		KnownPaths: cfg.CRL.KnownPaths,
		FNSOnly:    cfg.CRL.FNSOnly,
		FNSDomains: cfg.CRL.FNSDomains,
	}, a.downloader, a.store, logger)
	a.crl = monitor.NewCRLMonitor(sources, a.downloader, crl.NewDecoder(cfg.CRL.UseOpenSSLFallback, logger),
		a.engine, a.dispatcher, cfg.CRL.CheckInterval, a.metrics, logger)

	tslOpts := fetch.OptionsFromConfig(cfg.HTTP)
	if cfg.TSL.Timeout > 0 {
		tslOpts.Timeout = cfg.TSL.Timeout
	}
	a.tsl = monitor.NewTSLMonitor(cfg.TSL.URL, tsl.Filter{OGRN: cfg.TSL.OGRNFilter, Registry: cfg.TSL.RegistryFilter},
		fetch.NewDownloader(tslOpts, logger), tsl.NewEngine(a.store, logger), a.store, a.dispatcher,
		cfg.TSL.CheckInterval, a.metrics, logger)

	a.weekly = monitor.NewWeeklyReporter(a.engine, a.dispatcher, loc, logger)

	opts := server.Options{Addr: cfg.Server.Addr, JWTSecret: cfg.Server.JWTSecret}
	if a.failover != nil {
		opts.StoreState = a.failover.State
	}
	a.server = server.New(opts, a.store, a.metrics, logger)
	return a, nil
}

// openStore builds SQLite behind the circuit breaker with the JSON files as
// fallback. Either side alone is used directly.
func (a *app) openStore(ctx context.Context) error {
	sc := a.cfg.Storage
	var primary, fallback storage.Store

	if sc.FallbackDir != "" {
		fs, err := storage.NewFileStore(sc.FallbackDir, logger)
		if err != nil {
			return fmt.Errorf("open file store: %w", err)
		}
		fallback = fs
		a.snapshots = append(a.snapshots, fs)
	}
	if sc.SQLitePath != "" {
		if err := os.MkdirAll(filepath.Dir(sc.SQLitePath), 0o755); err != nil {
			return fmt.Errorf("create sqlite dir: %w", err)
		}
		db, err := storage.NewSQLiteStore(ctx, sc.SQLitePath, logger)
		switch {
		case err == nil:
			primary = db
			a.snapshots = append(a.snapshots, db)
		case fallback != nil:
			logger.WithError(err).Warn("SQLite store unavailable, using file store only")
		default:
			return fmt.Errorf("open sqlite store: %w", err)
		}
	}

	switch {
	case primary != nil && fallback != nil:
		f := storage.NewFailoverStore(primary, fallback, storage.FailoverConfig{
			ConsecutiveFailures: sc.BreakerTrip,
			OpenTimeout:         sc.BreakerWait,
		}, logger)
		f.SetFallbackHook(func(op string) {
			a.metrics.Inc(utils.MetricStoreFallback, "op", op)
		})
		a.failover = f
		a.store = f
	case primary != nil:
		a.store = primary
	default:
		a.store = fallback
	}
	return nil
}

func (a *app) Close() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}

// withApp loads the config, builds the app and closes it after fn.
func withApp(ctx context.Context, fn func(a *app) error) error {
	cfg, err := LoadConfig(viper.GetViper())
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			logger.WithError(cerr).Warn("closing state store")
		}
	}()
	return fn(a)
}
