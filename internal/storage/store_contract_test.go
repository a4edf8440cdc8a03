package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bl4ck0w1/crlsentry/pkg/models"
)

var msk = time.FixedZone("UTC+3", 3*3600)

func strp(s string) *string { return &s }

func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("tsl announcement marker", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		ok, err := s.IsTSLAnnounced(ctx, "121")
		require.NoError(t, err)
		assert.False(t, ok)

		at := time.Date(2025, 3, 5, 7, 0, 0, 0, time.UTC)
		require.NoError(t, s.MarkTSLAnnounced(ctx, "121", at))
		require.NoError(t, s.MarkTSLAnnounced(ctx, "121", at.Add(time.Hour)))

		ok, err = s.IsTSLAnnounced(ctx, "121")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.IsTSLAnnounced(ctx, "122")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("crl state upsert replaces categories", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		at := time.Date(2025, 3, 1, 8, 0, 0, 0, msk)

		require.NoError(t, s.UpsertCRLState(ctx, &models.CrlRecord{
			Name:         "kc.crl",
			RevokedCount: 5,
			CRLNumber:    strp("1"),
			Categories:   map[string]int{"Скомпрометированный закрытый ключ": 5},
			LastCheck:    at,
		}))
		require.NoError(t, s.UpsertCRLState(ctx, &models.CrlRecord{
			Name:      "kc.crl",
			CRLNumber: strp("2"),
			LastCheck: at.Add(time.Hour),
		}))

		got, err := s.GetCRLState(ctx, "kc.crl")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, 0, got.RevokedCount)
		assert.Empty(t, got.Categories)

		require.NoError(t, s.UpsertCRLState(ctx, &models.CrlRecord{
			Name:         "kc.crl",
			RevokedCount: 1,
			CRLNumber:    strp("3"),
			Categories:   map[string]int{"Причина не указана": 1},
			LastCheck:    at.Add(2 * time.Hour),
		}))
		got, err = s.GetCRLState(ctx, "kc.crl")
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"Причина не указана": 1}, got.Categories)
	})

	t.Run("crl state upsert keeps alerts", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		next := time.Date(2025, 3, 1, 12, 0, 0, 0, msk)
		alertAt := time.Date(2025, 3, 1, 8, 30, 0, 0, msk)
		rec := &models.CrlRecord{
			Name:         "acme.crl",
			URL:          "http://a.example/acme.crl",
			NextUpdate:   &next,
			RevokedCount: 3,
			CRLNumber:    strp("10"),
			Categories:   map[string]int{"Причина не указана": 1},
			LastCheck:    alertAt,
			LastAlerts:   map[string]time.Time{"alert_4h": alertAt},
			CAName:       "ACME",
			CARegNumber:  "101",
		}
		require.NoError(t, s.UpsertCRLState(ctx, rec))

		update := &models.CrlRecord{
			Name:         "acme.crl",
			URL:          "http://b.example/acme.crl",
			NextUpdate:   &next,
			RevokedCount: 4,
			CRLNumber:    strp("11"),
			LastCheck:    alertAt.Add(time.Hour),
		}
		require.NoError(t, s.UpsertCRLState(ctx, update))

		got, err := s.GetCRLState(ctx, "acme.crl")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "http://b.example/acme.crl", got.URL)
		assert.Equal(t, 4, got.RevokedCount)
		assert.Equal(t, "11", got.CRLNumberString())
		assert.Equal(t, "ACME", got.CAName)
		assert.Equal(t, "101", got.CARegNumber)
		assert.Empty(t, got.Categories)
		require.Contains(t, got.LastAlerts, "alert_4h")
		assert.True(t, got.LastAlerts["alert_4h"].Equal(alertAt))
		require.NotNil(t, got.NextUpdate)
		assert.True(t, got.NextUpdate.Equal(next))

		require.NoError(t, s.MarkAlert(ctx, "acme.crl", "alert_2h", alertAt.Add(2*time.Hour)))
		got, err = s.GetCRLState(ctx, "acme.crl")
		require.NoError(t, err)
		assert.Len(t, got.LastAlerts, 2)

		merged := got.Clone()
		merged.LastAlerts = map[string]time.Time{models.AlertExpired: alertAt.Add(5 * time.Hour)}
		require.NoError(t, s.UpsertCRLState(ctx, merged))
		got, err = s.GetCRLState(ctx, "acme.crl")
		require.NoError(t, err)
		assert.Len(t, got.LastAlerts, 3)

		missing, err := s.GetCRLState(ctx, "nope.crl")
		require.NoError(t, err)
		assert.Nil(t, missing)
		assert.Error(t, s.MarkAlert(ctx, "nope.crl", "missed", alertAt))

		all, err := s.GetCRLStates(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("weekly aggregate is additive and resettable", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.AddWeekly(ctx, map[string]int{"a": 2, "b": 1}))
		require.NoError(t, s.AddWeekly(ctx, map[string]int{"a": 3, "c": 0}))
		got, err := s.GetWeekly(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"a": 5, "b": 1}, got)

		require.NoError(t, s.ResetWeekly(ctx))
		got, err = s.GetWeekly(ctx)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("weekly details upsert adds counts", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		row := models.WeeklyDetail{WeekStart: "2025-03-03", CARegNumber: "101", CRLName: "acme.crl", Reason: "x", Count: 2}
		require.NoError(t, s.AddWeeklyDetails(ctx, []models.WeeklyDetail{row}))
		row.Count = 5
		row.CAName = "ACME"
		require.NoError(t, s.AddWeeklyDetails(ctx, []models.WeeklyDetail{row}))

		got, err := s.GetWeeklyDetails(ctx, "2025-03-03")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, 7, got[0].Count)
		assert.Equal(t, "ACME", got[0].CAName)

		other, err := s.GetWeeklyDetails(ctx, "2025-03-10")
		require.NoError(t, err)
		assert.Empty(t, other)
	})

	t.Run("tsl versions snapshots and diffs", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

		created, err := s.UpsertTSLVersion(ctx, models.TslVersion{Version: "7", ContentHash: "h7", IngestedAt: base})
		require.NoError(t, err)
		assert.True(t, created)
		created, err = s.UpsertTSLVersion(ctx, models.TslVersion{Version: "8", ContentHash: "h8", IngestedAt: base.Add(time.Hour)})
		require.NoError(t, err)
		assert.True(t, created)
		created, err = s.UpsertTSLVersion(ctx, models.TslVersion{Version: "8", PublishedAt: "2025-01-01"})
		require.NoError(t, err)
		assert.False(t, created)

		prev, err := s.PreviousTSLVersion(ctx, "8")
		require.NoError(t, err)
		require.NotNil(t, prev)
		assert.Equal(t, "7", prev.Version)

		first, err := s.PreviousTSLVersion(ctx, "7")
		require.NoError(t, err)
		assert.Nil(t, first)

		v8, err := s.GetTSLVersion(ctx, "8")
		require.NoError(t, err)
		require.NotNil(t, v8)
		assert.Equal(t, "2025-01-01", v8.PublishedAt)
		assert.Equal(t, "h8", v8.ContentHash)

		has, err := s.HasSnapshots(ctx, "7")
		require.NoError(t, err)
		assert.False(t, has)

		require.NoError(t, s.SaveSnapshots(ctx, "7", map[string]models.CAEntry{
			"101": {RegNumber: "101", Name: "ACME", CRLURLs: []string{"http://a/1.crl"}},
		}))
		require.NoError(t, s.SaveSnapshots(ctx, "7", map[string]models.CAEntry{
			"101": {RegNumber: "101", Name: "Changed"},
		}))
		snaps, err := s.GetSnapshots(ctx, "7")
		require.NoError(t, err)
		assert.Equal(t, "ACME", snaps["101"].Name)
		has, err = s.HasSnapshots(ctx, "7")
		require.NoError(t, err)
		assert.True(t, has)

		entry := models.TslDiffEntry{ToVersion: "8", FromVersion: "7", EntityType: models.EntityCA, EntityID: "101",
			Path: "name", OldValue: strp("ACME"), NewValue: strp("ACME2")}
		require.NoError(t, s.UpsertDiffs(ctx, []models.TslDiffEntry{entry}))
		require.NoError(t, s.UpsertDiffs(ctx, []models.TslDiffEntry{entry}))
		diffs, err := s.GetDiffs(ctx, "8")
		require.NoError(t, err)
		require.Len(t, diffs, 1)
		assert.Equal(t, "ACME2", *diffs[0].NewValue)

		versions, err := s.ListTSLVersions(ctx)
		require.NoError(t, err)
		require.Len(t, versions, 2)
		assert.Equal(t, "7", versions[0].Version)
	})

	t.Run("ca mappings", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.UpsertCAMappings(ctx, []models.CAMapping{
			{URL: "http://a/1.crl", CAName: "ACME", RegNumber: "101"},
			{URL: "http://b/2.crl", CAName: "Beta", RegNumber: "202"},
		}))
		require.NoError(t, s.UpsertCAMappings(ctx, []models.CAMapping{
			{URL: "http://a/1.crl", CAName: "ACME Renamed", RegNumber: "101"},
		}))

		m, err := s.GetCAMapping(ctx, "http://a/1.crl")
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, "ACME Renamed", m.CAName)

		none, err := s.GetCAMapping(ctx, "http://c/3.crl")
		require.NoError(t, err)
		assert.Nil(t, none)

		all, err := s.GetCAMappings(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})
}
