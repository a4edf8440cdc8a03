package storage

import (
	"context"
	"time"

	"github.com/bl4ck0w1/crlsentry/pkg/models"
)

// CRLStateStore persists one CrlRecord per CRL name.
type CRLStateStore interface {
	GetCRLStates(ctx context.Context) (map[string]*models.CrlRecord, error)
	// GetCRLState returns nil, nil when the name is unknown.
	GetCRLState(ctx context.Context, name string) (*models.CrlRecord, error)
	// UpsertCRLState keeps the stored LastAlerts, CAName and CARegNumber
	// when the incoming record leaves them empty. Categories always reflect
	// the incoming record.
	UpsertCRLState(ctx context.Context, rec *models.CrlRecord) error
	MarkAlert(ctx context.Context, name, key string, at time.Time) error
}

type WeeklyStore interface {
	AddWeekly(ctx context.Context, delta map[string]int) error
	GetWeekly(ctx context.Context) (map[string]int, error)
	ResetWeekly(ctx context.Context) error
	AddWeeklyDetails(ctx context.Context, rows []models.WeeklyDetail) error
	GetWeeklyDetails(ctx context.Context, weekStart string) ([]models.WeeklyDetail, error)
}

type TSLStore interface {
	// UpsertTSLVersion reports whether the version token was seen for the first time.
	UpsertTSLVersion(ctx context.Context, v models.TslVersion) (bool, error)
	GetTSLVersion(ctx context.Context, version string) (*models.TslVersion, error)
	// PreviousTSLVersion is the most recently ingested version older than version.
	PreviousTSLVersion(ctx context.Context, version string) (*models.TslVersion, error)
	ListTSLVersions(ctx context.Context) ([]models.TslVersion, error)
	HasSnapshots(ctx context.Context, version string) (bool, error)
	SaveSnapshots(ctx context.Context, version string, cas map[string]models.CAEntry) error
	GetSnapshots(ctx context.Context, version string) (map[string]models.CAEntry, error)
	UpsertDiffs(ctx context.Context, entries []models.TslDiffEntry) error
	GetDiffs(ctx context.Context, toVersion string) ([]models.TslDiffEntry, error)
	// IsTSLAnnounced reports whether the changes into version were dispatched.
	IsTSLAnnounced(ctx context.Context, version string) (bool, error)
	MarkTSLAnnounced(ctx context.Context, version string, at time.Time) error
}

type CAMappingStore interface {
	UpsertCAMappings(ctx context.Context, mappings []models.CAMapping) error
	GetCAMapping(ctx context.Context, url string) (*models.CAMapping, error)
	GetCAMappings(ctx context.Context) ([]models.CAMapping, error)
}

type Store interface {
	CRLStateStore
	WeeklyStore
	TSLStore
	CAMappingStore
	Close() error
}
