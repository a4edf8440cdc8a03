package tracking

import (
	"math/big"
	"strings"

	"github.com/bl4ck0w1/crlsentry/internal/reasons"
	"github.com/bl4ck0w1/crlsentry/pkg/models"
)

// Detection is the outcome of comparing a decoded CRL with what is known
// about its identity.
type Detection struct {
	IsNew bool
	// Suppressed is set when a restart would otherwise re-announce the
	// version already held by the durable store.
	Suppressed     bool
	Baseline       *models.CrlRecord
	Increase       int
	Totals         map[string]int
	Delta          map[string]int
	PreviousNumber string
}

// Detect decides whether info is a new version of a CRL. prev is the record
// seen earlier by this process, persisted the durable one; both may be nil.
func Detect(info *models.DecodedCRL, prev, persisted *models.CrlRecord) Detection {
	baseline := prev
	if baseline == nil {
		baseline = persisted
	}

	d := Detection{Baseline: baseline}
	if baseline != nil {
		d.PreviousNumber = baseline.CRLNumberString()
	}

	if prev == nil && persisted != nil && sameNumber(persisted.CRLNumber, info.CRLNumber) {
		d.Suppressed = true
		return d
	}

	var prevNumber *string
	if baseline != nil {
		prevNumber = baseline.CRLNumber
	}
	if !IsNewVersion(prevNumber, info.CRLNumber) {
		return d
	}

	d.IsNew = true
	d.Totals = reasons.CountLabels(info.Revoked)

	var prevCount int
	var prevCategories map[string]int
	if baseline != nil {
		prevCount = baseline.RevokedCount
		prevCategories = baseline.Categories
	}
	d.Increase = info.RevokedCount - prevCount
	d.Delta = CategoryDelta(prevCategories, d.Totals)
	return d
}

// IsNewVersion is true when the number appears for the first time or grows.
func IsNewVersion(prev, cur *string) bool {
	if cur == nil || strings.TrimSpace(*cur) == "" {
		return false
	}
	if prev == nil || strings.TrimSpace(*prev) == "" {
		return true
	}
	return CompareCRLNumbers(*cur, *prev) > 0
}

// CompareCRLNumbers compares the digit content of two CRL numbers as
// integers, falling back to a plain string comparison when either side has
// no digits.
func CompareCRLNumbers(a, b string) int {
	da, db := digitsOnly(a), digitsOnly(b)
	if da == "" || db == "" {
		return strings.Compare(strings.TrimSpace(a), strings.TrimSpace(b))
	}
	ia, _ := new(big.Int).SetString(da, 10)
	ib, _ := new(big.Int).SetString(db, 10)
	return ia.Cmp(ib)
}

// CategoryDelta floors each per-category difference at zero. When nothing
// grew the full totals are returned instead.
func CategoryDelta(prev, cur map[string]int) map[string]int {
	delta := make(map[string]int)
	grew := false
	for category, n := range cur {
		if d := n - prev[category]; d > 0 {
			delta[category] = d
			grew = true
		}
	}
	if !grew {
		out := make(map[string]int, len(cur))
		for k, v := range cur {
			out[k] = v
		}
		return out
	}
	return delta
}

func sameNumber(a, b *string) bool {
	if a == nil || b == nil {
		return false
	}
	return CompareCRLNumbers(*a, *b) == 0
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
