package tracking

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bl4ck0w1/crlsentry/pkg/models"
)

func num(s string) *string { return &s }

func TestIsNewVersion(t *testing.T) {
	cases := []struct {
		prev, cur *string
		want      bool
	}{
		{nil, num("1"), true},
		{nil, nil, false},
		{num("1"), nil, false},
		{num("5"), num("5"), false},
		{num("5"), num("4"), false},
		{num("9"), num("10"), true},
		{num("00012"), num("13"), true},
		{num("340282366920938463463374607431768211455"), num("340282366920938463463374607431768211456"), true},
		{num("abc"), num("abd"), true},
		{num("abd"), num("abc"), false},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.want, IsNewVersion(tc.prev, tc.cur), "prev=%v cur=%v", deref(tc.prev), deref(tc.cur))
	}
}

func deref(s *string) string {
	if s == nil {
		return "<nil>"
	}
	return *s
}

func TestMonotonicSequence(t *testing.T) {
	seq := []string{"3", "3", "2", "4", "4", "10", "9"}
	var prev *string
	var fired []string
	for _, n := range seq {
		cur := num(n)
		if IsNewVersion(prev, cur) {
			fired = append(fired, n)
			prev = cur
		}
	}
	assert.Equal(t, []string{"3", "4", "10"}, fired)
}

func TestCategoryDeltaNonNegative(t *testing.T) {
	prev := map[string]int{"a": 5, "b": 2, "gone": 7}
	cur := map[string]int{"a": 6, "b": 1, "new": 3}

	delta := CategoryDelta(prev, cur)
	assert.Equal(t, map[string]int{"a": 1, "new": 3}, delta)
	for _, v := range delta {
		assert.GreaterOrEqual(t, v, 0)
	}
}

func TestCategoryDeltaFallsBackToTotals(t *testing.T) {
	cur := map[string]int{"a": 2, "b": 1}
	assert.Equal(t, cur, CategoryDelta(map[string]int{"a": 2, "b": 4}, cur))
	assert.Equal(t, cur, CategoryDelta(nil, cur))
}

func TestDetectRestartSuppression(t *testing.T) {
	persisted := &models.CrlRecord{Name: "x.crl", CRLNumber: num("5"), RevokedCount: 1}
	info := &models.DecodedCRL{CRLNumber: num("5"), RevokedCount: 1}

	d := Detect(info, nil, persisted)
	assert.True(t, d.Suppressed)
	assert.False(t, d.IsNew)
}

func TestDetectAgainstPersistedBaseline(t *testing.T) {
	persisted := &models.CrlRecord{
		Name:         "x.crl",
		CRLNumber:    num("5"),
		RevokedCount: 2,
		Categories:   map[string]int{"Причина не указана": 2},
	}
	info := &models.DecodedCRL{
		CRLNumber:    num("6"),
		RevokedCount: 3,
		Revoked: []models.RevokedCertificate{
			{SerialNumber: "1"}, {SerialNumber: "2"}, {SerialNumber: "3", Reason: "superseded"},
		},
	}

	d := Detect(info, nil, persisted)
	assert.True(t, d.IsNew)
	assert.Equal(t, 1, d.Increase)
	assert.Equal(t, "5", d.PreviousNumber)
	assert.Equal(t, map[string]int{"Заменён новым сертификатом": 1}, d.Delta)
	assert.Equal(t, map[string]int{"Причина не указана": 2, "Заменён новым сертификатом": 1}, d.Totals)
}

func TestDetectEqualNumberInProcessIsNotNew(t *testing.T) {
	prev := &models.CrlRecord{CRLNumber: num("7")}
	d := Detect(&models.DecodedCRL{CRLNumber: num("7")}, prev, prev)
	assert.False(t, d.IsNew)
	assert.False(t, d.Suppressed)
}
