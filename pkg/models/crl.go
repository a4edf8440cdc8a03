package models

import (
	"fmt"
	"time"
)

const (
	AlertExpired = "alert_expired"
	AlertMissed  = "missed"
)

// ThresholdAlertKey is the LastAlerts key for the T-hour expiry warning.
func ThresholdAlertKey(hours int) string {
	return fmt.Sprintf("alert_%dh", hours)
}

type RevokedCertificate struct {
	SerialNumber   string    `json:"serial_number"`
	RevocationDate time.Time `json:"revocation_date"`
	Reason         string    `json:"reason,omitempty"`
}

// DecodedCRL is what a decoder extracts from one CRL document.
type DecodedCRL struct {
	ThisUpdate   *time.Time           `json:"this_update,omitempty"`
	NextUpdate   *time.Time           `json:"next_update,omitempty"`
	RevokedCount int                  `json:"revoked_count"`
	CRLNumber    *string              `json:"crl_number,omitempty"`
	IssuerKeyID  string               `json:"issuer_key_id,omitempty"`
	Fingerprint  string               `json:"fingerprint,omitempty"`
	Issuer       string               `json:"issuer,omitempty"`
	Revoked      []RevokedCertificate `json:"revoked,omitempty"`
	IsDelta      bool                 `json:"is_delta"`
	SizeBytes    int                  `json:"size_bytes"`
	Decoder      string               `json:"decoder"`
}

// CrlRecord is the persisted state of one monitored CRL, keyed by file name.
type CrlRecord struct {
	Name         string               `json:"name"`
	URL          string               `json:"url"`
	ThisUpdate   *time.Time           `json:"this_update,omitempty"`
	NextUpdate   *time.Time           `json:"next_update,omitempty"`
	RevokedCount int                  `json:"revoked_count"`
	CRLNumber    *string              `json:"crl_number,omitempty"`
	IssuerKeyID  string               `json:"issuer_key_id,omitempty"`
	Fingerprint  string               `json:"fingerprint,omitempty"`
	Categories   map[string]int       `json:"categories,omitempty"`
	LastCheck    time.Time            `json:"last_check"`
	LastAlerts   map[string]time.Time `json:"last_alerts,omitempty"`
	CAName       string               `json:"ca_name,omitempty"`
	CARegNumber  string               `json:"ca_reg_number,omitempty"`
}

func (r *CrlRecord) HasAlert(key string) bool {
	if r == nil || r.LastAlerts == nil {
		return false
	}
	_, ok := r.LastAlerts[key]
	return ok
}

func (r *CrlRecord) Clone() *CrlRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.ThisUpdate != nil {
		t := *r.ThisUpdate
		out.ThisUpdate = &t
	}
	if r.NextUpdate != nil {
		t := *r.NextUpdate
		out.NextUpdate = &t
	}
	if r.CRLNumber != nil {
		n := *r.CRLNumber
		out.CRLNumber = &n
	}
	if r.Categories != nil {
		out.Categories = make(map[string]int, len(r.Categories))
		for k, v := range r.Categories {
			out.Categories[k] = v
		}
	}
	if r.LastAlerts != nil {
		out.LastAlerts = make(map[string]time.Time, len(r.LastAlerts))
		for k, v := range r.LastAlerts {
			out.LastAlerts[k] = v
		}
	}
	return &out
}

// CRLNumberString renders the optional CRL number for logs and messages.
func (r *CrlRecord) CRLNumberString() string {
	if r == nil || r.CRLNumber == nil {
		return ""
	}
	return *r.CRLNumber
}

// CAMapping links a CRL distribution URL to the CA that publishes it.
type CAMapping struct {
	URL       string    `json:"url"`
	CAName    string    `json:"ca_name"`
	RegNumber string    `json:"reg_number"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WeeklyDetail is one row of the per-week revocation ledger.
type WeeklyDetail struct {
	WeekStart   string `json:"week_start"`
	CAName      string `json:"ca_name"`
	CARegNumber string `json:"ca_reg_number"`
	CRLName     string `json:"crl_name"`
	CRLURL      string `json:"crl_url"`
	Reason      string `json:"reason"`
	Count       int    `json:"count"`
}

func (d WeeklyDetail) Key() string {
	return d.WeekStart + "|" + d.CARegNumber + "|" + d.CRLName + "|" + d.Reason
}
