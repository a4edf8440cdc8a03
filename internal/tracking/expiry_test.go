package tracking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bl4ck0w1/crlsentry/pkg/models"
)

const grace = 30 * 24 * time.Hour

var (
	thresholds = []int{4, 2}
	baseNow    = time.Date(2025, 3, 5, 10, 0, 0, 0, time.FixedZone("UTC+3", 3*3600))
)

func at(d time.Duration) *time.Time {
	t := baseNow.Add(d)
	return &t
}

func TestEvaluateWithoutNextUpdateIsSilent(t *testing.T) {
	d := Evaluate(nil, baseNow, nil, thresholds, grace)
	assert.Equal(t, NoDecision, d.State)
	assert.False(t, d.Emit)
	assert.False(t, d.Record)
}

func TestEvaluateFresh(t *testing.T) {
	d := Evaluate(at(10*time.Hour), baseNow, nil, thresholds, grace)
	assert.Equal(t, Fresh, d.State)
	assert.False(t, d.Emit)
	assert.InDelta(t, 10.0, d.HoursLeft, 0.001)
}

func TestEvaluateOneShotThreshold(t *testing.T) {
	next := at(3*time.Hour + 54*time.Minute)

	d := Evaluate(next, baseNow, nil, thresholds, grace)
	assert.Equal(t, NearThreshold, d.State)
	assert.Equal(t, 4, d.Threshold)
	assert.Equal(t, "alert_4h", d.AlertKey)
	assert.True(t, d.Emit)

	alerts := map[string]time.Time{d.AlertKey: baseNow}
	again := Evaluate(next, baseNow.Add(time.Minute), alerts, thresholds, grace)
	assert.Equal(t, NearThreshold, again.State)
	assert.Equal(t, 4, again.Threshold)
	assert.False(t, again.Emit)
}

func TestEvaluateNearestThresholdOnly(t *testing.T) {
	d := Evaluate(at(90*time.Minute), baseNow, nil, thresholds, grace)
	assert.Equal(t, NearThreshold, d.State)
	assert.Equal(t, 2, d.Threshold)
	assert.Equal(t, "alert_2h", d.AlertKey)
	assert.True(t, d.Emit)
}

func TestEvaluateThresholdOrderIndependent(t *testing.T) {
	d := Evaluate(at(3*time.Hour), baseNow, nil, []int{2, 4}, grace)
	assert.Equal(t, 4, d.Threshold)
}

func TestEvaluateExpiredIsOneShot(t *testing.T) {
	next := at(-10 * time.Minute)

	d := Evaluate(next, baseNow, nil, thresholds, grace)
	assert.Equal(t, Expired, d.State)
	assert.True(t, d.Emit)
	assert.True(t, d.Record)
	assert.Equal(t, models.AlertExpired, d.AlertKey)

	again := Evaluate(next, baseNow.Add(time.Hour), map[string]time.Time{models.AlertExpired: baseNow}, thresholds, grace)
	assert.Equal(t, Expired, again.State)
	assert.False(t, again.Emit)
	assert.True(t, again.Record)
}

func TestEvaluateStaleAfterGrace(t *testing.T) {
	d := Evaluate(at(-45*24*time.Hour), baseNow, nil, thresholds, grace)
	assert.Equal(t, Stale, d.State)
	assert.False(t, d.Emit)
	assert.False(t, d.Record)
}

func TestEvaluateMissed(t *testing.T) {
	rec := &models.CrlRecord{Name: "a.crl", URL: "http://a/a.crl", NextUpdate: at(-2 * time.Hour)}
	active := map[string]bool{"http://a/a.crl": true}

	d := EvaluateMissed(rec, baseNow, active, time.Hour, grace)
	assert.Equal(t, Missed, d.State)
	assert.True(t, d.Emit)

	rec.LastAlerts = map[string]time.Time{models.AlertMissed: baseNow}
	d = EvaluateMissed(rec, baseNow, active, time.Hour, grace)
	assert.Equal(t, Missed, d.State)
	assert.False(t, d.Emit)
}

func TestEvaluateMissedNotGatedByExpiredAlert(t *testing.T) {
	rec := &models.CrlRecord{
		URL:        "http://a/a.crl",
		NextUpdate: at(-3 * time.Hour),
		LastAlerts: map[string]time.Time{models.AlertExpired: baseNow},
	}
	d := EvaluateMissed(rec, baseNow, nil, time.Hour, grace)
	assert.True(t, d.Emit)
}

func TestEvaluateMissedEdges(t *testing.T) {
	active := map[string]bool{"http://a/a.crl": true}

	pending := EvaluateMissed(&models.CrlRecord{URL: "http://a/a.crl", NextUpdate: at(-30 * time.Minute)}, baseNow, active, time.Hour, grace)
	assert.Equal(t, MissedPending, pending.State)
	assert.False(t, pending.Emit)

	stale := EvaluateMissed(&models.CrlRecord{URL: "http://a/a.crl", NextUpdate: at(-45 * 24 * time.Hour)}, baseNow, active, time.Hour, grace)
	assert.Equal(t, StaleMissed, stale.State)
	assert.False(t, stale.Emit)

	inactive := EvaluateMissed(&models.CrlRecord{URL: "http://gone/a.crl", NextUpdate: at(-2 * time.Hour)}, baseNow, active, time.Hour, grace)
	assert.Equal(t, MissedInactive, inactive.State)
	assert.False(t, inactive.Emit)

	future := EvaluateMissed(&models.CrlRecord{URL: "http://a/a.crl", NextUpdate: at(time.Hour)}, baseNow, active, time.Hour, grace)
	assert.Equal(t, MissedNone, future.State)
}
