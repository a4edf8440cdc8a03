package tsl

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/sirupsen/logrus"

	"github.com/bl4ck0w1/crlsentry/internal/storage"
	"github.com/bl4ck0w1/crlsentry/pkg/models"
)

const rootEntityID = "tsl"

// CAFields are the scalar CA attributes compared between versions.
var CAFields = []string{
	"name",
	"short_name",
	"ogrn",
	"inn",
	"effective_date",
	"ca_tool",
	"ca_tool_class",
	"cert_subject",
	"cert_issuer",
	"cert_serial",
	"cert_validity",
	"cert_fingerprint",
	"crl_number",
	"issuer_key_id",
}

const pathCRLURLs = "crl_urls"

// IngestResult is what one call to Ingest stored and derived.
type IngestResult struct {
	Version  models.TslVersion
	Previous *models.TslVersion
	// Created is false when this version token was already ingested.
	Created bool
	// Announced is set once the changes into this version were dispatched.
	Announced bool
	Entries   []models.TslDiffEntry
	Old       map[string]models.CAEntry
	New       map[string]models.CAEntry
}

type Engine struct {
	store  storage.TSLStore
	logger *logrus.Logger
	now    func() time.Time
}

func NewEngine(store storage.TSLStore, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{store: store, logger: logger, now: time.Now}
}

// Ingest records doc as a version with its CA snapshot set and diffs it
// against the version ingested just before it.
func (e *Engine) Ingest(ctx context.Context, doc *models.TSLDocument) (*IngestResult, error) {
	now := e.now().UTC()
	v := models.TslVersion{
		Version:        doc.Version,
		PublishedAt:    doc.PublishedAt,
		SchemaLocation: doc.SchemaLocation,
		ContentHash:    doc.ContentHash,
		IngestedAt:     now,
	}
	log := e.logger.WithField("tsl_version", v.Version)

	created, err := e.store.UpsertTSLVersion(ctx, v)
	if err != nil {
		return nil, fmt.Errorf("failed to record TSL version: %w", err)
	}
	has, err := e.store.HasSnapshots(ctx, v.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to check TSL snapshots: %w", err)
	}
	if !has {
		if err := e.store.SaveSnapshots(ctx, v.Version, doc.CAs); err != nil {
			return nil, fmt.Errorf("failed to save TSL snapshots: %w", err)
		}
	}

	announced, err := e.store.IsTSLAnnounced(ctx, v.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to check TSL announcement: %w", err)
	}
	res := &IngestResult{Version: v, Created: created, Announced: announced, New: doc.CAs}

	prev, err := e.store.PreviousTSLVersion(ctx, v.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to find previous TSL version: %w", err)
	}
	if prev == nil || prev.Version == v.Version {
		log.Debug("no previous TSL version to diff against")
		return res, nil
	}
	res.Previous = prev
	if created && isRegression(prev.Version, v.Version) {
		log.WithField("previous_version", prev.Version).Warn("TSL version token went backwards")
	}

	old, err := e.store.GetSnapshots(ctx, prev.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to load TSL snapshots for %s: %w", prev.Version, err)
	}
	res.Old = old

	res.Entries = Diff(*prev, v, old, doc.CAs, now)
	if len(res.Entries) == 0 {
		return res, nil
	}
	if err := e.store.UpsertDiffs(ctx, res.Entries); err != nil {
		return nil, fmt.Errorf("failed to store TSL diffs: %w", err)
	}
	log.WithFields(logrus.Fields{
		"previous_version": prev.Version,
		"entries":          len(res.Entries),
	}).Info("TSL diff computed")
	return res, nil
}

// MarkAnnounced records that the changes into version were dispatched.
func (e *Engine) MarkAnnounced(ctx context.Context, version string) error {
	return e.store.MarkTSLAnnounced(ctx, version, e.now())
}

// Diff compares two versions and their CA snapshot sets. Equal version
// tokens yield nothing.
func Diff(from, to models.TslVersion, old, cur map[string]models.CAEntry, at time.Time) []models.TslDiffEntry {
	if from.Version == to.Version {
		return nil
	}

	var out []models.TslDiffEntry
	add := func(entity, id, path string, before, after *string) {
		out = append(out, models.TslDiffEntry{
			ToVersion:   to.Version,
			FromVersion: from.Version,
			EntityType:  entity,
			EntityID:    id,
			Path:        path,
			OldValue:    before,
			NewValue:    after,
			CreatedAt:   at,
		})
	}

	rootFields := []struct {
		path     string
		old, new string
	}{
		{"version", from.Version, to.Version},
		{"published_at", from.PublishedAt, to.PublishedAt},
		{"schema_location", from.SchemaLocation, to.SchemaLocation},
	}
	for _, f := range rootFields {
		if f.old != f.new {
			add(models.EntityRoot, rootEntityID, f.path, optional(f.old), optional(f.new))
		}
	}

	exists := "true"
	for _, reg := range unionKeys(old, cur) {
		before, hadBefore := old[reg]
		after, hasNow := cur[reg]
		switch {
		case !hadBefore:
			add(models.EntityCA, reg, models.PathExists, nil, &exists)
			continue
		case !hasNow:
			add(models.EntityCA, reg, models.PathExists, &exists, nil)
			continue
		}

		for _, field := range CAFields {
			if b, a := before.Field(field), after.Field(field); b != a {
				add(models.EntityCA, reg, field, optional(b), optional(a))
			}
		}
		b, a := sortedSet(before.CRLURLs), sortedSet(after.CRLURLs)
		if !equalStrings(b, a) {
			add(models.EntityCA, reg, pathCRLURLs, encodeList(b), encodeList(a))
		}
	}
	return out
}

func isRegression(prev, cur string) bool {
	p, err := semver.NewVersion(prev)
	if err != nil {
		return false
	}
	c, err := semver.NewVersion(cur)
	if err != nil {
		return false
	}
	return c.LessThan(p)
}

func unionKeys(a, b map[string]models.CAEntry) []string {
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedSet(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func encodeList(in []string) *string {
	b, _ := json.Marshal(in)
	s := string(b)
	return &s
}

func decodeList(s *string) []string {
	if s == nil {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(*s), &out); err != nil {
		return nil
	}
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
