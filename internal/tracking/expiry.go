package tracking

import (
	"sort"
	"time"

	"github.com/bl4ck0w1/crlsentry/pkg/models"
)

type State int

const (
	NoDecision State = iota
	Stale
	Fresh
	NearThreshold
	Expired
)

func (s State) String() string {
	switch s {
	case Stale:
		return "stale"
	case Fresh:
		return "fresh"
	case NearThreshold:
		return "near_threshold"
	case Expired:
		return "expired"
	default:
		return "no_decision"
	}
}

// Decision is the expiry outcome for one CRL at one instant. Record asks the
// caller to store AlertKey; Emit asks it to also notify.
type Decision struct {
	State     State
	Threshold int
	HoursLeft float64
	AlertKey  string
	Emit      bool
	Record    bool
}

// Evaluate derives the expiry state of a CRL from its nextUpdate, the alerts
// already fired for it and the configured hour thresholds.
func Evaluate(nextUpdate *time.Time, now time.Time, lastAlerts map[string]time.Time, thresholds []int, grace time.Duration) Decision {
	if nextUpdate == nil {
		return Decision{State: NoDecision}
	}
	if now.Sub(*nextUpdate) > grace {
		return Decision{State: Stale}
	}

	left := nextUpdate.Sub(now)
	hoursLeft := left.Hours()

	if left <= 0 {
		_, sent := lastAlerts[models.AlertExpired]
		return Decision{
			State:     Expired,
			HoursLeft: hoursLeft,
			AlertKey:  models.AlertExpired,
			Emit:      !sent,
			Record:    true,
		}
	}

	for _, t := range sortedDesc(thresholds) {
		if hoursLeft > float64(t) {
			continue
		}
		key := models.ThresholdAlertKey(t)
		_, sent := lastAlerts[key]
		return Decision{
			State:     NearThreshold,
			Threshold: t,
			HoursLeft: hoursLeft,
			AlertKey:  key,
			Emit:      !sent,
			Record:    !sent,
		}
	}

	return Decision{State: Fresh, HoursLeft: hoursLeft}
}

type MissedState int

const (
	MissedNone MissedState = iota
	MissedPending
	Missed
	StaleMissed
	MissedInactive
)

type MissedDecision struct {
	State MissedState
	Emit  bool
	// Overdue is how long ago nextUpdate passed.
	Overdue time.Duration
}

// EvaluateMissed checks whether the publication expected at nextUpdate never
// arrived. active holds the URLs monitored in the current pass.
func EvaluateMissed(rec *models.CrlRecord, now time.Time, active map[string]bool, missedAfter, grace time.Duration) MissedDecision {
	if rec == nil || rec.NextUpdate == nil {
		return MissedDecision{State: MissedNone}
	}
	if active != nil && !active[rec.URL] {
		return MissedDecision{State: MissedInactive}
	}

	overdue := now.Sub(*rec.NextUpdate)
	switch {
	case overdue > grace:
		return MissedDecision{State: StaleMissed, Overdue: overdue}
	case overdue <= missedAfter:
		if overdue > 0 {
			return MissedDecision{State: MissedPending, Overdue: overdue}
		}
		return MissedDecision{State: MissedNone}
	}
	return MissedDecision{State: Missed, Overdue: overdue, Emit: !rec.HasAlert(models.AlertMissed)}
}

func sortedDesc(in []int) []int {
	out := append([]int(nil), in...)
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}
