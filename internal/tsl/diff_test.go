package tsl

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bl4ck0w1/crlsentry/internal/storage"
	"github.com/bl4ck0w1/crlsentry/pkg/models"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newEngine(t *testing.T) (*Engine, storage.Store) {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir(), quietLogger())
	require.NoError(t, err)
	e := NewEngine(store, quietLogger())
	e.now = func() time.Time { return time.Date(2025, 3, 5, 7, 0, 0, 0, time.UTC) }
	return e, store
}

func document(version string, cas ...models.CAEntry) *models.TSLDocument {
	doc := &models.TSLDocument{
		Version:     version,
		PublishedAt: "2025-03-01T10:00:00Z",
		ContentHash: "hash-" + version,
		CAs:         make(map[string]models.CAEntry),
	}
	for _, ca := range cas {
		doc.CAs[ca.RegNumber] = ca
	}
	return doc
}

func acme() models.CAEntry {
	return models.CAEntry{
		RegNumber:     "101",
		Name:          "ООО Акме",
		OGRN:          "1027700000001",
		EffectiveDate: "2022-05-10T00:00:00Z",
		CRLURLs:       []string{"http://acme.example/r.crl"},
	}
}

func TestDiffSameVersionIsEmpty(t *testing.T) {
	v := models.TslVersion{Version: "120"}
	cas := map[string]models.CAEntry{"101": acme()}
	assert.Empty(t, Diff(v, v, cas, cas, time.Now()))

	changed := acme()
	changed.Name = "Другое имя"
	assert.Empty(t, Diff(v, v, cas, map[string]models.CAEntry{"101": changed}, time.Now()))
}

func TestDiffFieldsAndExistence(t *testing.T) {
	from := models.TslVersion{Version: "120", PublishedAt: "2025-03-01T10:00:00Z", SchemaLocation: "tsl.xsd"}
	to := models.TslVersion{Version: "121", PublishedAt: "2025-03-02T10:00:00Z", SchemaLocation: "tsl.xsd"}

	before := acme()
	after := acme()
	after.Name = "АО Акме"
	after.CRLURLs = []string{"http://mirror.acme.example/r.crl", "http://acme.example/r.crl"}
	removed := models.CAEntry{RegNumber: "150", Name: "Закрытый УЦ"}
	added := models.CAEntry{RegNumber: "202", Name: "Бета", CRLURLs: []string{"http://beta.example/b.crl"}}

	entries := Diff(from, to,
		map[string]models.CAEntry{"101": before, "150": removed},
		map[string]models.CAEntry{"101": after, "202": added},
		time.Now(),
	)

	got := make(map[string]models.TslDiffEntry, len(entries))
	for _, e := range entries {
		assert.Equal(t, "121", e.ToVersion)
		assert.Equal(t, "120", e.FromVersion)
		got[e.EntityType+"/"+e.EntityID+"/"+e.Path] = e
	}
	require.Len(t, got, 6)

	assert.Equal(t, "120", *got["root/tsl/version"].OldValue)
	assert.Equal(t, "2025-03-02T10:00:00Z", *got["root/tsl/published_at"].NewValue)
	assert.Equal(t, "АО Акме", *got["ca/101/name"].NewValue)
	assert.Equal(t, `["http://acme.example/r.crl"]`, *got["ca/101/crl_urls"].OldValue)
	assert.Equal(t, `["http://acme.example/r.crl","http://mirror.acme.example/r.crl"]`, *got["ca/101/crl_urls"].NewValue)
	assert.Nil(t, got["ca/150/#exists"].NewValue)
	assert.Nil(t, got["ca/202/#exists"].OldValue)
}

func TestDiffIgnoresURLOrder(t *testing.T) {
	before := acme()
	before.CRLURLs = []string{"b", "a"}
	after := acme()
	after.CRLURLs = []string{"a", "b", "a"}

	entries := Diff(models.TslVersion{Version: "1"}, models.TslVersion{Version: "2"},
		map[string]models.CAEntry{"101": before}, map[string]models.CAEntry{"101": after}, time.Now())
	require.Len(t, entries, 1)
	assert.Equal(t, "version", entries[0].Path)
}

func TestIngestFirstVersionHasNoDiff(t *testing.T) {
	ctx := context.Background()
	e, store := newEngine(t)

	res, err := e.Ingest(ctx, document("120", acme()))
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Nil(t, res.Previous)
	assert.Empty(t, res.Entries)

	snap, err := store.GetSnapshots(ctx, "120")
	require.NoError(t, err)
	assert.Equal(t, "ООО Акме", snap["101"].Name)
}

func TestIngestDiffsAgainstPreviousAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e, store := newEngine(t)

	_, err := e.Ingest(ctx, document("120", acme()))
	require.NoError(t, err)

	renamed := acme()
	renamed.Name = "АО Акме"
	res, err := e.Ingest(ctx, document("121", renamed))
	require.NoError(t, err)
	assert.True(t, res.Created)
	require.NotNil(t, res.Previous)
	assert.Equal(t, "120", res.Previous.Version)
	require.Len(t, res.Entries, 2)

	again, err := e.Ingest(ctx, document("121", renamed))
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Len(t, again.Entries, 2)

	stored, err := store.GetDiffs(ctx, "121")
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	changes := Classify(res.Entries, res.Old, res.New)
	require.Len(t, changes, 2)
	var kinds []models.ChangeType
	for _, c := range changes {
		kinds = append(kinds, c.Change)
	}
	assert.ElementsMatch(t, []models.ChangeType{models.ChangeRootChanged, models.ChangeNameChanged}, kinds)
}

// flakyDiffStore fails UpsertDiffs a set number of times.
type flakyDiffStore struct {
	storage.Store
	failures int
}

func (f *flakyDiffStore) UpsertDiffs(ctx context.Context, entries []models.TslDiffEntry) error {
	if f.failures > 0 {
		f.failures--
		return &models.StateIOError{Backend: "test", Op: "upsert diffs", Err: errors.New("disk full")}
	}
	return f.Store.UpsertDiffs(ctx, entries)
}

func TestIngestRetryAfterFailedDiffStillAnnounces(t *testing.T) {
	ctx := context.Background()
	base, err := storage.NewFileStore(t.TempDir(), quietLogger())
	require.NoError(t, err)
	store := &flakyDiffStore{Store: base, failures: 1}
	e := NewEngine(store, quietLogger())

	_, err = e.Ingest(ctx, document("120", acme()))
	require.NoError(t, err)

	renamed := acme()
	renamed.Name = "АО Акме"
	_, err = e.Ingest(ctx, document("121", renamed))
	require.Error(t, err)

	res, err := e.Ingest(ctx, document("121", renamed))
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.False(t, res.Announced)
	assert.Len(t, res.Entries, 2)

	require.NoError(t, e.MarkAnnounced(ctx, "121"))
	res, err = e.Ingest(ctx, document("121", renamed))
	require.NoError(t, err)
	assert.True(t, res.Announced)
}

func TestIngestKeepsFirstSnapshotForVersion(t *testing.T) {
	ctx := context.Background()
	e, store := newEngine(t)

	_, err := e.Ingest(ctx, document("120", acme()))
	require.NoError(t, err)

	other := acme()
	other.Name = "Подмена"
	_, err = e.Ingest(ctx, document("120", other))
	require.NoError(t, err)

	snap, err := store.GetSnapshots(ctx, "120")
	require.NoError(t, err)
	assert.Equal(t, "ООО Акме", snap["101"].Name)
}

func TestClassify(t *testing.T) {
	old := map[string]models.CAEntry{
		"101": acme(),
		"150": {RegNumber: "150", Name: "Закрытый УЦ", CRLURLs: []string{"http://gone/x.crl"}},
	}
	after := acme()
	after.EffectiveDate = "2024-01-01T00:00:00Z"
	after.CATool = "Новое средство"
	after.CRLURLs = []string{"http://mirror.acme.example/r.crl"}
	cur := map[string]models.CAEntry{
		"101": after,
		"202": {RegNumber: "202", Name: "Бета", CRLURLs: []string{"http://beta.example/b.crl"}},
	}

	entries := Diff(models.TslVersion{Version: "1"}, models.TslVersion{Version: "2"}, old, cur, time.Now())
	byKind := make(map[models.ChangeType]models.TslChange)
	for _, c := range Classify(entries, old, cur) {
		byKind[c.Change] = c
	}

	assert.Equal(t, "Бета", byKind[models.ChangeCAAdded].Name)
	assert.Equal(t, []string{"http://beta.example/b.crl"}, byKind[models.ChangeCAAdded].Added)
	assert.Equal(t, "Закрытый УЦ", byKind[models.ChangeCARemoved].Name)
	assert.Equal(t, []string{"http://gone/x.crl"}, byKind[models.ChangeCARemoved].Removed)
	assert.Equal(t, "2024-01-01T00:00:00Z", byKind[models.ChangeDateChanged].After)
	assert.Equal(t, "ca_tool", byKind[models.ChangeFieldChanged].Field)
	assert.Equal(t, "Новое средство", byKind[models.ChangeFieldChanged].After)

	urls := byKind[models.ChangeCRLURLsChanged]
	assert.Equal(t, []string{"http://mirror.acme.example/r.crl"}, urls.Added)
	assert.Equal(t, []string{"http://acme.example/r.crl"}, urls.Removed)
	assert.Equal(t, "ООО Акме", urls.Name)

	assert.Equal(t, "1", byKind[models.ChangeRootChanged].Before)
}

func TestIsRegression(t *testing.T) {
	assert.True(t, isRegression("121", "120"))
	assert.False(t, isRegression("120", "121"))
	assert.False(t, isRegression("abc", "120"))
}
