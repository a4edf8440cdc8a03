package models

import "time"

const (
	EntityRoot = "root"
	EntityCA   = "ca"

	PathExists = "#exists"
)

type TslVersion struct {
	Version        string    `json:"version"`
	PublishedAt    string    `json:"published_at,omitempty"`
	SchemaLocation string    `json:"schema_location,omitempty"`
	ContentHash    string    `json:"content_hash"`
	IngestedAt     time.Time `json:"ingested_at"`
}

// CAEntry is the snapshot of one accredited CA inside a TSL version.
type CAEntry struct {
	RegNumber       string   `json:"reg_number"`
	Name            string   `json:"name"`
	ShortName       string   `json:"short_name,omitempty"`
	OGRN            string   `json:"ogrn,omitempty"`
	INN             string   `json:"inn,omitempty"`
	Status          string   `json:"status,omitempty"`
	EffectiveDate   string   `json:"effective_date,omitempty"`
	CRLURLs         []string `json:"crl_urls"`
	CATool          string   `json:"ca_tool,omitempty"`
	CAToolClass     string   `json:"ca_tool_class,omitempty"`
	CertSubject     string   `json:"cert_subject,omitempty"`
	CertIssuer      string   `json:"cert_issuer,omitempty"`
	CertSerial      string   `json:"cert_serial,omitempty"`
	CertValidity    string   `json:"cert_validity,omitempty"`
	CertFingerprint string   `json:"cert_fingerprint,omitempty"`
	CRLNumber       string   `json:"crl_number,omitempty"`
	IssuerKeyID     string   `json:"issuer_key_id,omitempty"`
}

// Field returns the scalar value compared by the diff engine.
func (c CAEntry) Field(name string) string {
	switch name {
	case "name":
		return c.Name
	case "short_name":
		return c.ShortName
	case "ogrn":
		return c.OGRN
	case "inn":
		return c.INN
	case "effective_date":
		return c.EffectiveDate
	case "ca_tool":
		return c.CATool
	case "ca_tool_class":
		return c.CAToolClass
	case "cert_subject":
		return c.CertSubject
	case "cert_issuer":
		return c.CertIssuer
	case "cert_serial":
		return c.CertSerial
	case "cert_validity":
		return c.CertValidity
	case "cert_fingerprint":
		return c.CertFingerprint
	case "crl_number":
		return c.CRLNumber
	case "issuer_key_id":
		return c.IssuerKeyID
	}
	return ""
}

type TSLDocument struct {
	Version        string             `json:"version"`
	PublishedAt    string             `json:"published_at,omitempty"`
	SchemaLocation string             `json:"schema_location,omitempty"`
	ContentHash    string             `json:"content_hash"`
	CAs            map[string]CAEntry `json:"cas"`
}

// CRLURLCount is the number of distinct CRL URLs across the document.
func (d *TSLDocument) CRLURLCount() int {
	seen := make(map[string]struct{})
	for _, ca := range d.CAs {
		for _, u := range ca.CRLURLs {
			seen[u] = struct{}{}
		}
	}
	return len(seen)
}

type TslDiffEntry struct {
	ToVersion   string    `json:"to_version"`
	FromVersion string    `json:"from_version"`
	EntityType  string    `json:"entity_type"`
	EntityID    string    `json:"entity_id"`
	Path        string    `json:"path"`
	OldValue    *string   `json:"old_value,omitempty"`
	NewValue    *string   `json:"new_value,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (e TslDiffEntry) Key() string {
	return e.ToVersion + "|" + e.EntityType + "|" + e.EntityID + "|" + e.Path
}
