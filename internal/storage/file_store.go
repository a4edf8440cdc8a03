package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bl4ck0w1/crlsentry/pkg/models"
)

const (
	backendFile = "file"

	fileCRLState      = "crl_state.json"
	fileWeeklyStats   = "weekly_stats.json"
	fileWeeklyDetails = "weekly_details.json"
	fileTSLVersions   = "tsl_versions.json"
	fileTSLDiffs      = "tsl_diffs.json"
	fileTSLAnnounced  = "tsl_announced.json"
	fileCAMapping     = "ca_mapping.json"
	dirTSLSnapshots   = "tsl_snapshots"
)

// FileStore keeps every logical table as one JSON document under baseDir.
// It is the degraded fallback when the database is unavailable.
type FileStore struct {
	baseDir string
	logger  *logrus.Logger
	mu      sync.RWMutex
}

func NewFileStore(baseDir string, logger *logrus.Logger) (*FileStore, error) {
	if logger == nil {
		logger = logrus.New()
	}
	for _, dir := range []string{baseDir, filepath.Join(baseDir, dirTSLSnapshots)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}
	return &FileStore{baseDir: baseDir, logger: logger}, nil
}

func (fs *FileStore) Close() error { return nil }

func (fs *FileStore) GetCRLStates(ctx context.Context) (map[string]*models.CrlRecord, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	states := map[string]*models.CrlRecord{}
	if err := fs.load(fileCRLState, &states); err != nil {
		return nil, err
	}
	for name, rec := range states {
		rec.Name = name
	}
	return states, nil
}

func (fs *FileStore) GetCRLState(ctx context.Context, name string) (*models.CrlRecord, error) {
	states, err := fs.GetCRLStates(ctx)
	if err != nil {
		return nil, err
	}
	return states[name], nil
}

func (fs *FileStore) UpsertCRLState(ctx context.Context, rec *models.CrlRecord) error {
	if rec == nil || rec.Name == "" {
		return errors.New("crl record without name")
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	states := map[string]*models.CrlRecord{}
	if err := fs.load(fileCRLState, &states); err != nil {
		return err
	}

	next := rec.Clone()
	if prev, ok := states[rec.Name]; ok && prev != nil {
		if len(next.LastAlerts) == 0 {
			next.LastAlerts = prev.LastAlerts
		} else {
			for k, v := range prev.LastAlerts {
				if _, set := next.LastAlerts[k]; !set {
					next.LastAlerts[k] = v
				}
			}
		}
		if next.CAName == "" {
			next.CAName = prev.CAName
		}
		if next.CARegNumber == "" {
			next.CARegNumber = prev.CARegNumber
		}
	}
	states[rec.Name] = next
	return fs.save(fileCRLState, states)
}

func (fs *FileStore) MarkAlert(ctx context.Context, name, key string, at time.Time) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	states := map[string]*models.CrlRecord{}
	if err := fs.load(fileCRLState, &states); err != nil {
		return err
	}
	rec, ok := states[name]
	if !ok || rec == nil {
		return fmt.Errorf("mark alert %s: unknown crl %q", key, name)
	}
	if rec.LastAlerts == nil {
		rec.LastAlerts = make(map[string]time.Time)
	}
	rec.LastAlerts[key] = at
	return fs.save(fileCRLState, states)
}

func (fs *FileStore) AddWeekly(ctx context.Context, delta map[string]int) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	stats := map[string]int{}
	if err := fs.load(fileWeeklyStats, &stats); err != nil {
		return err
	}
	for category, n := range delta {
		if n != 0 {
			stats[category] += n
		}
	}
	return fs.save(fileWeeklyStats, stats)
}

func (fs *FileStore) GetWeekly(ctx context.Context) (map[string]int, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	stats := map[string]int{}
	if err := fs.load(fileWeeklyStats, &stats); err != nil {
		return nil, err
	}
	for k, v := range stats {
		if v == 0 {
			delete(stats, k)
		}
	}
	return stats, nil
}

func (fs *FileStore) ResetWeekly(ctx context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.save(fileWeeklyStats, map[string]int{})
}

func (fs *FileStore) AddWeeklyDetails(ctx context.Context, rows []models.WeeklyDetail) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ledger := map[string]models.WeeklyDetail{}
	if err := fs.load(fileWeeklyDetails, &ledger); err != nil {
		return err
	}
	for _, d := range rows {
		if d.Count == 0 {
			continue
		}
		key := d.Key()
		if existing, ok := ledger[key]; ok {
			d.Count += existing.Count
			if d.CAName == "" {
				d.CAName = existing.CAName
			}
			if d.CRLURL == "" {
				d.CRLURL = existing.CRLURL
			}
		}
		ledger[key] = d
	}
	return fs.save(fileWeeklyDetails, ledger)
}

func (fs *FileStore) GetWeeklyDetails(ctx context.Context, weekStart string) ([]models.WeeklyDetail, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	ledger := map[string]models.WeeklyDetail{}
	if err := fs.load(fileWeeklyDetails, &ledger); err != nil {
		return nil, err
	}
	var out []models.WeeklyDetail
	for _, d := range ledger {
		if d.WeekStart == weekStart {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (fs *FileStore) UpsertTSLVersion(ctx context.Context, v models.TslVersion) (bool, error) {
	if v.Version == "" {
		return false, errors.New("tsl version without token")
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var versions []models.TslVersion
	if err := fs.load(fileTSLVersions, &versions); err != nil {
		return false, err
	}
	for i := range versions {
		if versions[i].Version == v.Version {
			if v.PublishedAt != "" {
				versions[i].PublishedAt = v.PublishedAt
			}
			if v.SchemaLocation != "" {
				versions[i].SchemaLocation = v.SchemaLocation
			}
			return false, fs.save(fileTSLVersions, versions)
		}
	}
	if v.IngestedAt.IsZero() {
		v.IngestedAt = time.Now()
	}
	versions = append(versions, v)
	return true, fs.save(fileTSLVersions, versions)
}

func (fs *FileStore) GetTSLVersion(ctx context.Context, version string) (*models.TslVersion, error) {
	versions, err := fs.ListTSLVersions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range versions {
		if versions[i].Version == version {
			return &versions[i], nil
		}
	}
	return nil, nil
}

func (fs *FileStore) PreviousTSLVersion(ctx context.Context, version string) (*models.TslVersion, error) {
	versions, err := fs.ListTSLVersions(ctx)
	if err != nil {
		return nil, err
	}
	// The slice is kept in ingestion order.
	for i := range versions {
		if versions[i].Version == version {
			if i == 0 {
				return nil, nil
			}
			prev := versions[i-1]
			return &prev, nil
		}
	}
	return nil, nil
}

func (fs *FileStore) ListTSLVersions(ctx context.Context) ([]models.TslVersion, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var versions []models.TslVersion
	if err := fs.load(fileTSLVersions, &versions); err != nil {
		return nil, err
	}
	return versions, nil
}

func (fs *FileStore) HasSnapshots(ctx context.Context, version string) (bool, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	_, err := os.Stat(fs.snapshotPath(version))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fs.ioErr("stat snapshots", err)
	}
	return true, nil
}

func (fs *FileStore) SaveSnapshots(ctx context.Context, version string, cas map[string]models.CAEntry) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	rel := filepath.Join(dirTSLSnapshots, snapshotFile(version))
	existing := map[string]models.CAEntry{}
	if err := fs.load(rel, &existing); err != nil {
		return err
	}
	for reg, entry := range cas {
		if _, ok := existing[reg]; !ok {
			existing[reg] = entry
		}
	}
	return fs.save(rel, existing)
}

func (fs *FileStore) GetSnapshots(ctx context.Context, version string) (map[string]models.CAEntry, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	out := map[string]models.CAEntry{}
	if err := fs.load(filepath.Join(dirTSLSnapshots, snapshotFile(version)), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (fs *FileStore) IsTSLAnnounced(ctx context.Context, version string) (bool, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	announced := map[string]time.Time{}
	if err := fs.load(fileTSLAnnounced, &announced); err != nil {
		return false, err
	}
	_, ok := announced[version]
	return ok, nil
}

func (fs *FileStore) MarkTSLAnnounced(ctx context.Context, version string, at time.Time) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	announced := map[string]time.Time{}
	if err := fs.load(fileTSLAnnounced, &announced); err != nil {
		return err
	}
	if _, ok := announced[version]; ok {
		return nil
	}
	announced[version] = at.UTC()
	return fs.save(fileTSLAnnounced, announced)
}

func (fs *FileStore) UpsertDiffs(ctx context.Context, entries []models.TslDiffEntry) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	diffs := map[string]models.TslDiffEntry{}
	if err := fs.load(fileTSLDiffs, &diffs); err != nil {
		return err
	}
	for _, e := range entries {
		if existing, ok := diffs[e.Key()]; ok {
			e.CreatedAt = existing.CreatedAt
		} else if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now()
		}
		diffs[e.Key()] = e
	}
	return fs.save(fileTSLDiffs, diffs)
}

func (fs *FileStore) GetDiffs(ctx context.Context, toVersion string) ([]models.TslDiffEntry, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	diffs := map[string]models.TslDiffEntry{}
	if err := fs.load(fileTSLDiffs, &diffs); err != nil {
		return nil, err
	}
	var out []models.TslDiffEntry
	for _, e := range diffs {
		if e.ToVersion == toVersion {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityType != out[j].EntityType {
			return out[i].EntityType > out[j].EntityType
		}
		if out[i].EntityID != out[j].EntityID {
			return out[i].EntityID < out[j].EntityID
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

func (fs *FileStore) UpsertCAMappings(ctx context.Context, mappings []models.CAMapping) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	all := map[string]models.CAMapping{}
	if err := fs.load(fileCAMapping, &all); err != nil {
		return err
	}
	now := time.Now()
	for _, m := range mappings {
		if m.UpdatedAt.IsZero() {
			m.UpdatedAt = now
		}
		all[m.URL] = m
	}
	return fs.save(fileCAMapping, all)
}

func (fs *FileStore) GetCAMapping(ctx context.Context, url string) (*models.CAMapping, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	all := map[string]models.CAMapping{}
	if err := fs.load(fileCAMapping, &all); err != nil {
		return nil, err
	}
	m, ok := all[url]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (fs *FileStore) GetCAMappings(ctx context.Context) ([]models.CAMapping, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	all := map[string]models.CAMapping{}
	if err := fs.load(fileCAMapping, &all); err != nil {
		return nil, err
	}
	out := make([]models.CAMapping, 0, len(all))
	for _, m := range all {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

func (fs *FileStore) snapshotPath(version string) string {
	return filepath.Join(fs.baseDir, dirTSLSnapshots, snapshotFile(version))
}

func snapshotFile(version string) string {
	return url.PathEscape(version) + ".json"
}

// load decodes a table file; a missing file leaves v untouched.
func (fs *FileStore) load(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(fs.baseDir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fs.ioErr("read "+name, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fs.ioErr("decode "+name, err)
	}
	return nil
}

func (fs *FileStore) save(name string, v any) error {
	finalPath := filepath.Join(fs.baseDir, name)
	dir := filepath.Dir(finalPath)

	tmpFile, err := os.CreateTemp(dir, ".state_*.json.tmp")
	if err != nil {
		return fs.ioErr("create temp file", err)
	}
	enc := json.NewEncoder(tmpFile)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		tmpFile.Close()
		_ = os.Remove(tmpFile.Name())
		return fs.ioErr("encode "+name, err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		_ = os.Remove(tmpFile.Name())
		return fs.ioErr("sync temp file", err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpFile.Name())
		return fs.ioErr("close temp file", err)
	}
	if err := os.Rename(tmpFile.Name(), finalPath); err != nil {
		_ = os.Remove(tmpFile.Name())
		return fs.ioErr("atomic rename", err)
	}
	return nil
}

func (fs *FileStore) ioErr(op string, err error) error {
	return &models.StateIOError{Backend: backendFile, Op: op, Err: err}
}
