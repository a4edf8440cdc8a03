package models

import "time"

type IntentKind string

const (
	KindNewVersion  IntentKind = "new_version"
	KindExpiring    IntentKind = "expiring"
	KindExpired     IntentKind = "expired"
	KindMissed      IntentKind = "missed"
	KindTslChange   IntentKind = "tsl_change"
	KindWeeklyStats IntentKind = "weekly_stats"
)

// Intent is a notification the core decided to emit. Rendering and delivery
// happen elsewhere.
type Intent interface {
	Kind() IntentKind
}

type CRLContext struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	CAName      string `json:"ca_name,omitempty"`
	CARegNumber string `json:"ca_reg_number,omitempty"`
	CRLNumber   string `json:"crl_number,omitempty"`
	IssuerKeyID string `json:"issuer_key_id,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

type NewVersion struct {
	CRLContext
	PreviousNumber  string         `json:"previous_number,omitempty"`
	RevokedCount    int            `json:"revoked_count"`
	Increase        int            `json:"increase"`
	CategoriesTotal map[string]int `json:"categories_total"`
	CategoriesDelta map[string]int `json:"categories_delta"`
	ThisUpdate      *time.Time     `json:"this_update,omitempty"`
	NextUpdate      *time.Time     `json:"next_update,omitempty"`
	SizeBytes       int            `json:"size_bytes"`
}

func (NewVersion) Kind() IntentKind { return KindNewVersion }

type ExpiringAlert struct {
	CRLContext
	Threshold  int       `json:"threshold_hours"`
	HoursLeft  float64   `json:"hours_left"`
	NextUpdate time.Time `json:"next_update"`
}

func (ExpiringAlert) Kind() IntentKind { return KindExpiring }

type ExpiredAlert struct {
	CRLContext
	NextUpdate time.Time `json:"next_update"`
}

func (ExpiredAlert) Kind() IntentKind { return KindExpired }

type MissedAlert struct {
	CRLContext
	ExpectedAt time.Time `json:"expected_at"`
	LastCheck  time.Time `json:"last_check"`
}

func (MissedAlert) Kind() IntentKind { return KindMissed }

type ChangeType string

const (
	ChangeCAAdded        ChangeType = "ca_added"
	ChangeCARemoved      ChangeType = "ca_removed"
	ChangeNameChanged    ChangeType = "name_changed"
	ChangeDateChanged    ChangeType = "date_changed"
	ChangeCRLURLsChanged ChangeType = "crl_urls_changed"
	ChangeFieldChanged   ChangeType = "field_changed"
	ChangeRootChanged    ChangeType = "root_changed"
)

type TslChange struct {
	Change    ChangeType `json:"change"`
	RegNumber string     `json:"reg_number,omitempty"`
	Name      string     `json:"name,omitempty"`
	OGRN      string     `json:"ogrn,omitempty"`
	// EffectiveDate is only set for added and removed CAs.
	EffectiveDate string   `json:"effective_date,omitempty"`
	Field         string   `json:"field,omitempty"`
	Before        string   `json:"before,omitempty"`
	After         string   `json:"after,omitempty"`
	Added         []string `json:"added,omitempty"`
	Removed       []string `json:"removed,omitempty"`
	FromVersion   string   `json:"from_version"`
	ToVersion     string   `json:"to_version"`
}

func (TslChange) Kind() IntentKind { return KindTslChange }

type WeeklyStats struct {
	Categories  map[string]int `json:"categories"`
	Details     []WeeklyDetail `json:"details,omitempty"`
	WeekStart   string         `json:"week_start"`
	GeneratedAt time.Time      `json:"generated_at"`
}

func (WeeklyStats) Kind() IntentKind { return KindWeeklyStats }

// Total sums every category.
func (w WeeklyStats) Total() int {
	n := 0
	for _, c := range w.Categories {
		n += c
	}
	return n
}
