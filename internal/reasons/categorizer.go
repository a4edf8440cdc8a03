package reasons

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/bl4ck0w1/crlsentry/pkg/models"
)

const maxOtherRunes = 50

type Code int

const (
	Unspecified Code = iota
	KeyCompromise
	CACompromise
	AffiliationChanged
	Superseded
	CessationOfOperation
	CertificateHold
	RemoveFromCRL
	PrivilegeWithdrawn
	AACompromise
	Other
)

var canonical = []struct {
	code  Code
	token string
	label string
}{
	{Unspecified, "unspecified", "Причина не указана"},
	{KeyCompromise, "key_compromise", "Скомпрометированный закрытый ключ"},
	{CACompromise, "ca_compromise", "Компрометация закрытого ключа центра сертификации"},
	{AffiliationChanged, "affiliation_changed", "Изменение информации о сертификате"},
	{Superseded, "superseded", "Заменён новым сертификатом"},
	{CessationOfOperation, "cessation_of_operation", "Прекращение деятельности"},
	{CertificateHold, "certificate_hold", "Временная приостановка действия сертификата"},
	{RemoveFromCRL, "remove_from_crl", "Исключение из списка отозванных сертификатов (CRL)"},
	{PrivilegeWithdrawn, "privilege_withdrawn", "Ошибочный выпуск"},
	{AACompromise, "aa_compromise", "Компрометация удостоверяющего центра"},
}

var (
	byToken      = make(map[string]Code, len(canonical))
	byCompact    = make(map[string]Code, len(canonical))
	labelsByCode = make(map[Code]string, len(canonical))
	tokensByCode = make(map[Code]string, len(canonical))
)

func init() {
	for _, c := range canonical {
		byToken[c.token] = c.code
		byCompact[strings.ReplaceAll(c.token, "_", "")] = c.code
		labelsByCode[c.code] = c.label
		tokensByCode[c.code] = c.token
	}
}

// Reason is a categorised revocation reason. Raw is only set for Other.
type Reason struct {
	Code Code
	Raw  string
}

// Label is the display category used as the aggregation key.
func (r Reason) Label() string {
	if r.Code == Other {
		return r.Raw
	}
	return labelsByCode[r.Code]
}

func (r Reason) Token() string {
	if r.Code == Other {
		return r.Raw
	}
	return tokensByCode[r.Code]
}

func Categorize(raw string) Reason {
	token := normalize(raw)
	if token == "" {
		return Reason{Code: Unspecified}
	}
	if code, ok := byToken[token]; ok {
		return Reason{Code: code}
	}
	if code, ok := byCompact[strings.ReplaceAll(token, "_", "")]; ok {
		return Reason{Code: code}
	}
	return Reason{Code: Other, Raw: truncate(token, maxOtherRunes)}
}

// CountLabels groups revoked entries by display category.
func CountLabels(revoked []models.RevokedCertificate) map[string]int {
	out := make(map[string]int)
	for _, rc := range revoked {
		out[Categorize(rc.Reason).Label()]++
	}
	return out
}

// Labels lists the display categories of the canonical reasons in table order.
func Labels() []string {
	out := make([]string, 0, len(canonical))
	for _, c := range canonical {
		out = append(out, c.label)
	}
	return out
}

// normalize lower-cases and snake-cases a reason token: "keyCompromise",
// "Key Compromise" and "key-compromise" all become "key_compromise".
func normalize(raw string) string {
	s := strings.TrimSpace(norm.NFC.String(raw))
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(s) + 4)
	prevLower := false
	for _, r := range s {
		switch {
		case r == ' ' || r == '-' || r == '.':
			r = '_'
			prevLower = false
		case unicode.IsUpper(r):
			if prevLower {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
			prevLower = false
		default:
			prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
		}
		b.WriteRune(r)
	}

	out := b.String()
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	return strings.Trim(out, "_")
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
