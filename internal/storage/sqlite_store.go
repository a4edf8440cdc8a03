package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/bl4ck0w1/crlsentry/pkg/models"
)

const backendSQLite = "sqlite"

type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *logrus.Logger
}

func NewSQLiteStore(ctx context.Context, path string, logger *logrus.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection serialises writers from both loops.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := NewMigrator(db).Up(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.WithField("path", path).Debug("sqlite store ready")
	return &SQLiteStore{db: db, path: path, logger: logger}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) GetCRLStates(ctx context.Context) (map[string]*models.CrlRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT crl_name, url, last_check, this_update, next_update, revoked_count, crl_number,
		       issuer_key_id, fingerprint, categories, last_alerts, ca_name, ca_reg_number
		FROM crl_state
	`)
	if err != nil {
		return nil, s.ioErr("query crl_state", err)
	}
	defer rows.Close()

	out := make(map[string]*models.CrlRecord)
	for rows.Next() {
		rec, err := scanCRLState(rows)
		if err != nil {
			return nil, s.ioErr("scan crl_state", err)
		}
		out[rec.Name] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, s.ioErr("iterate crl_state", err)
	}
	return out, nil
}

func (s *SQLiteStore) GetCRLState(ctx context.Context, name string) (*models.CrlRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT crl_name, url, last_check, this_update, next_update, revoked_count, crl_number,
		       issuer_key_id, fingerprint, categories, last_alerts, ca_name, ca_reg_number
		FROM crl_state
		WHERE crl_name = ?
	`, name)
	rec, err := scanCRLState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.ioErr("get crl_state", err)
	}
	return rec, nil
}

func (s *SQLiteStore) UpsertCRLState(ctx context.Context, rec *models.CrlRecord) error {
	if rec == nil || rec.Name == "" {
		return errors.New("crl record without name")
	}
	snapshot := rec.Categories
	if snapshot == nil {
		snapshot = map[string]int{}
	}
	categories, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal categories: %w", err)
	}
	alerts, err := marshalNullable(rec.LastAlerts, len(rec.LastAlerts) == 0)
	if err != nil {
		return fmt.Errorf("marshal last_alerts: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO crl_state(crl_name, url, last_check, this_update, next_update, revoked_count,
			crl_number, issuer_key_id, fingerprint, categories, last_alerts, ca_name, ca_reg_number)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(crl_name) DO UPDATE SET
			url=excluded.url,
			last_check=excluded.last_check,
			this_update=excluded.this_update,
			next_update=excluded.next_update,
			revoked_count=excluded.revoked_count,
			crl_number=excluded.crl_number,
			issuer_key_id=excluded.issuer_key_id,
			fingerprint=excluded.fingerprint,
			categories=excluded.categories,
			last_alerts=CASE
				WHEN excluded.last_alerts IS NULL THEN crl_state.last_alerts
				ELSE json_patch(COALESCE(crl_state.last_alerts, '{}'), excluded.last_alerts)
			END,
			ca_name=CASE WHEN excluded.ca_name = '' THEN crl_state.ca_name ELSE excluded.ca_name END,
			ca_reg_number=CASE WHEN excluded.ca_reg_number = '' THEN crl_state.ca_reg_number ELSE excluded.ca_reg_number END
	`,
		rec.Name, rec.URL, formatTime(&rec.LastCheck), formatTime(rec.ThisUpdate), formatTime(rec.NextUpdate),
		rec.RevokedCount, nullString(rec.CRLNumber), rec.IssuerKeyID, rec.Fingerprint,
		string(categories), alerts, rec.CAName, rec.CARegNumber,
	)
	if err != nil {
		return s.ioErr("upsert crl_state", err)
	}
	return nil
}

func (s *SQLiteStore) MarkAlert(ctx context.Context, name, key string, at time.Time) error {
	patch, err := json.Marshal(map[string]time.Time{key: at})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE crl_state
		SET last_alerts = json_patch(COALESCE(last_alerts, '{}'), ?)
		WHERE crl_name = ?
	`, string(patch), name)
	if err != nil {
		return s.ioErr("mark alert", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark alert %s: unknown crl %q", key, name)
	}
	return nil
}

func (s *SQLiteStore) AddWeekly(ctx context.Context, delta map[string]int) error {
	return s.withTx(ctx, "add weekly_stats", func(tx *sql.Tx) error {
		for category, n := range delta {
			if n == 0 {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO weekly_stats(category, count) VALUES(?, ?)
				ON CONFLICT(category) DO UPDATE SET count = weekly_stats.count + excluded.count
			`, category, n); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetWeekly(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT category, count FROM weekly_stats WHERE count != 0`)
	if err != nil {
		return nil, s.ioErr("query weekly_stats", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var category string
		var n int
		if err := rows.Scan(&category, &n); err != nil {
			return nil, s.ioErr("scan weekly_stats", err)
		}
		out[category] = n
	}
	if err := rows.Err(); err != nil {
		return nil, s.ioErr("iterate weekly_stats", err)
	}
	return out, nil
}

func (s *SQLiteStore) ResetWeekly(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM weekly_stats`); err != nil {
		return s.ioErr("reset weekly_stats", err)
	}
	return nil
}

func (s *SQLiteStore) AddWeeklyDetails(ctx context.Context, details []models.WeeklyDetail) error {
	return s.withTx(ctx, "add weekly_details", func(tx *sql.Tx) error {
		for _, d := range details {
			if d.Count == 0 {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO weekly_details(week_start, ca_reg_number, crl_name, reason, ca_name, crl_url, count)
				VALUES(?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(week_start, ca_reg_number, crl_name, reason) DO UPDATE SET
					count = weekly_details.count + excluded.count,
					ca_name = CASE WHEN excluded.ca_name = '' THEN weekly_details.ca_name ELSE excluded.ca_name END,
					crl_url = CASE WHEN excluded.crl_url = '' THEN weekly_details.crl_url ELSE excluded.crl_url END
			`, d.WeekStart, d.CARegNumber, d.CRLName, d.Reason, d.CAName, d.CRLURL, d.Count); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetWeeklyDetails(ctx context.Context, weekStart string) ([]models.WeeklyDetail, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT week_start, ca_reg_number, crl_name, reason, ca_name, crl_url, count
		FROM weekly_details
		WHERE week_start = ?
		ORDER BY ca_reg_number, crl_name, reason
	`, weekStart)
	if err != nil {
		return nil, s.ioErr("query weekly_details", err)
	}
	defer rows.Close()

	var out []models.WeeklyDetail
	for rows.Next() {
		var d models.WeeklyDetail
		if err := rows.Scan(&d.WeekStart, &d.CARegNumber, &d.CRLName, &d.Reason, &d.CAName, &d.CRLURL, &d.Count); err != nil {
			return nil, s.ioErr("scan weekly_details", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, s.ioErr("iterate weekly_details", err)
	}
	return out, nil
}

func (s *SQLiteStore) UpsertTSLVersion(ctx context.Context, v models.TslVersion) (bool, error) {
	if v.Version == "" {
		return false, errors.New("tsl version without token")
	}
	if v.IngestedAt.IsZero() {
		v.IngestedAt = time.Now()
	}

	created := false
	err := s.withTx(ctx, "upsert tsl_versions", func(tx *sql.Tx) error {
		var seq int64
		err := tx.QueryRowContext(ctx, `SELECT seq FROM tsl_versions WHERE version = ?`, v.Version).Scan(&seq)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			created = true
			_, err = tx.ExecContext(ctx, `
				INSERT INTO tsl_versions(version, published_at, schema_location, content_hash, ingested_at, seq)
				VALUES(?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM tsl_versions))
			`, v.Version, v.PublishedAt, v.SchemaLocation, v.ContentHash, v.IngestedAt.Format(time.RFC3339Nano))
			return err
		case err != nil:
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE tsl_versions SET
				published_at = CASE WHEN ? = '' THEN published_at ELSE ? END,
				schema_location = CASE WHEN ? = '' THEN schema_location ELSE ? END
			WHERE version = ?
		`, v.PublishedAt, v.PublishedAt, v.SchemaLocation, v.SchemaLocation, v.Version)
		return err
	})
	return created, err
}

func (s *SQLiteStore) GetTSLVersion(ctx context.Context, version string) (*models.TslVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT version, published_at, schema_location, content_hash, ingested_at
		FROM tsl_versions WHERE version = ?
	`, version)
	return s.scanTSLVersion(row)
}

func (s *SQLiteStore) PreviousTSLVersion(ctx context.Context, version string) (*models.TslVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT version, published_at, schema_location, content_hash, ingested_at
		FROM tsl_versions
		WHERE seq < (SELECT seq FROM tsl_versions WHERE version = ?)
		ORDER BY seq DESC
		LIMIT 1
	`, version)
	return s.scanTSLVersion(row)
}

func (s *SQLiteStore) ListTSLVersions(ctx context.Context) ([]models.TslVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, published_at, schema_location, content_hash, ingested_at
		FROM tsl_versions ORDER BY seq
	`)
	if err != nil {
		return nil, s.ioErr("query tsl_versions", err)
	}
	defer rows.Close()

	var out []models.TslVersion
	for rows.Next() {
		v, err := s.scanTSLVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, s.ioErr("iterate tsl_versions", err)
	}
	return out, nil
}

func (s *SQLiteStore) HasSnapshots(ctx context.Context, version string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tsl_snapshots WHERE version = ? LIMIT 1`, version).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, s.ioErr("query tsl_snapshots", err)
	}
	return true, nil
}

func (s *SQLiteStore) SaveSnapshots(ctx context.Context, version string, cas map[string]models.CAEntry) error {
	return s.withTx(ctx, "save tsl_snapshots", func(tx *sql.Tx) error {
		for reg, entry := range cas {
			payload, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("marshal snapshot %s: %w", reg, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tsl_snapshots(version, reg_number, payload) VALUES(?, ?, ?)
				ON CONFLICT(version, reg_number) DO NOTHING
			`, version, reg, string(payload)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetSnapshots(ctx context.Context, version string) (map[string]models.CAEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT reg_number, payload FROM tsl_snapshots WHERE version = ?`, version)
	if err != nil {
		return nil, s.ioErr("query tsl_snapshots", err)
	}
	defer rows.Close()

	out := make(map[string]models.CAEntry)
	for rows.Next() {
		var reg, payload string
		if err := rows.Scan(&reg, &payload); err != nil {
			return nil, s.ioErr("scan tsl_snapshots", err)
		}
		var entry models.CAEntry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			return nil, fmt.Errorf("decode snapshot %s/%s: %w", version, reg, err)
		}
		out[reg] = entry
	}
	if err := rows.Err(); err != nil {
		return nil, s.ioErr("iterate tsl_snapshots", err)
	}
	return out, nil
}

func (s *SQLiteStore) IsTSLAnnounced(ctx context.Context, version string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tsl_announcements WHERE to_version = ?`, version).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, s.ioErr("query tsl_announcements", err)
	}
	return true, nil
}

func (s *SQLiteStore) MarkTSLAnnounced(ctx context.Context, version string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tsl_announcements(to_version, announced_at) VALUES(?, ?)
		ON CONFLICT(to_version) DO NOTHING
	`, version, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return s.ioErr("mark tsl_announcements", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertDiffs(ctx context.Context, entries []models.TslDiffEntry) error {
	return s.withTx(ctx, "upsert tsl_diffs", func(tx *sql.Tx) error {
		for _, e := range entries {
			created := e.CreatedAt
			if created.IsZero() {
				created = time.Now()
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tsl_diffs(to_version, entity_type, entity_id, path, from_version, old_value, new_value, created_at)
				VALUES(?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(to_version, entity_type, entity_id, path) DO UPDATE SET
					from_version = excluded.from_version,
					old_value = excluded.old_value,
					new_value = excluded.new_value
			`, e.ToVersion, e.EntityType, e.EntityID, e.Path, e.FromVersion,
				nullString(e.OldValue), nullString(e.NewValue), created.Format(time.RFC3339Nano)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetDiffs(ctx context.Context, toVersion string) ([]models.TslDiffEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT to_version, entity_type, entity_id, path, from_version, old_value, new_value, created_at
		FROM tsl_diffs
		WHERE to_version = ?
		ORDER BY entity_type DESC, entity_id, path
	`, toVersion)
	if err != nil {
		return nil, s.ioErr("query tsl_diffs", err)
	}
	defer rows.Close()

	var out []models.TslDiffEntry
	for rows.Next() {
		var (
			e         models.TslDiffEntry
			oldV      sql.NullString
			newV      sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ToVersion, &e.EntityType, &e.EntityID, &e.Path, &e.FromVersion, &oldV, &newV, &createdAt); err != nil {
			return nil, s.ioErr("scan tsl_diffs", err)
		}
		e.OldValue = stringPtr(oldV)
		e.NewValue = stringPtr(newV)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, s.ioErr("iterate tsl_diffs", err)
	}
	return out, nil
}

func (s *SQLiteStore) UpsertCAMappings(ctx context.Context, mappings []models.CAMapping) error {
	return s.withTx(ctx, "upsert ca_mapping", func(tx *sql.Tx) error {
		for _, m := range mappings {
			updated := m.UpdatedAt
			if updated.IsZero() {
				updated = time.Now()
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO ca_mapping(crl_url, ca_name, ca_reg_number, updated_at) VALUES(?, ?, ?, ?)
				ON CONFLICT(crl_url) DO UPDATE SET
					ca_name = excluded.ca_name,
					ca_reg_number = excluded.ca_reg_number,
					updated_at = excluded.updated_at
			`, m.URL, m.CAName, m.RegNumber, updated.Format(time.RFC3339Nano)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetCAMapping(ctx context.Context, url string) (*models.CAMapping, error) {
	var (
		m       models.CAMapping
		updated string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT crl_url, ca_name, ca_reg_number, updated_at FROM ca_mapping WHERE crl_url = ?
	`, url).Scan(&m.URL, &m.CAName, &m.RegNumber, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.ioErr("get ca_mapping", err)
	}
	m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &m, nil
}

func (s *SQLiteStore) GetCAMappings(ctx context.Context) ([]models.CAMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT crl_url, ca_name, ca_reg_number, updated_at FROM ca_mapping ORDER BY crl_url
	`)
	if err != nil {
		return nil, s.ioErr("query ca_mapping", err)
	}
	defer rows.Close()

	var out []models.CAMapping
	for rows.Next() {
		var (
			m       models.CAMapping
			updated string
		)
		if err := rows.Scan(&m.URL, &m.CAName, &m.RegNumber, &updated); err != nil {
			return nil, s.ioErr("scan ca_mapping", err)
		}
		m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, s.ioErr("iterate ca_mapping", err)
	}
	return out, nil
}

func (s *SQLiteStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.ioErr(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return s.ioErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return s.ioErr(op, err)
	}
	return nil
}

func (s *SQLiteStore) ioErr(op string, err error) error {
	return &models.StateIOError{Backend: backendSQLite, Op: op, Err: err}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCRLState(row rowScanner) (*models.CrlRecord, error) {
	var (
		rec                                       models.CrlRecord
		lastCheck, thisUpdate, nextUpdate, number sql.NullString
		categories, alerts                        sql.NullString
	)
	if err := row.Scan(&rec.Name, &rec.URL, &lastCheck, &thisUpdate, &nextUpdate, &rec.RevokedCount, &number,
		&rec.IssuerKeyID, &rec.Fingerprint, &categories, &alerts, &rec.CAName, &rec.CARegNumber); err != nil {
		return nil, err
	}

	if t := parseTime(lastCheck); t != nil {
		rec.LastCheck = *t
	}
	rec.ThisUpdate = parseTime(thisUpdate)
	rec.NextUpdate = parseTime(nextUpdate)
	rec.CRLNumber = stringPtr(number)
	if categories.Valid && categories.String != "" {
		if err := json.Unmarshal([]byte(categories.String), &rec.Categories); err != nil {
			return nil, fmt.Errorf("decode categories of %s: %w", rec.Name, err)
		}
	}
	if alerts.Valid && alerts.String != "" {
		if err := json.Unmarshal([]byte(alerts.String), &rec.LastAlerts); err != nil {
			return nil, fmt.Errorf("decode last_alerts of %s: %w", rec.Name, err)
		}
	}
	return &rec, nil
}

func (s *SQLiteStore) scanTSLVersion(row rowScanner) (*models.TslVersion, error) {
	var (
		v        models.TslVersion
		ingested string
	)
	err := row.Scan(&v.Version, &v.PublishedAt, &v.SchemaLocation, &v.ContentHash, &ingested)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.ioErr("scan tsl_versions", err)
	}
	v.IngestedAt, _ = time.Parse(time.RFC3339Nano, ingested)
	return &v, nil
}

func formatTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func marshalNullable(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
