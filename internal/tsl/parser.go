package tsl

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/zeebo/xxh3"
	"golang.org/x/net/html/charset"

	"github.com/bl4ck0w1/crlsentry/pkg/models"
)

const (
	statusActive = "Действует"
	unnamedCA    = "Не указано"
)

var nonDigits = regexp.MustCompile(`\D`)

// Filter narrows the parsed registry. OGRN has priority over registry
// number prefixes when both are set.
type Filter struct {
	OGRN     []string
	Registry []string
}

func (f Filter) normalized() (ogrn, registry []string) {
	clean := func(in []string) []string {
		var out []string
		for _, v := range in {
			if d := nonDigits.ReplaceAllString(v, ""); d != "" {
				out = append(out, d)
			}
		}
		return out
	}
	if ogrn = clean(f.OGRN); len(ogrn) > 0 {
		return ogrn, nil
	}
	return nil, clean(f.Registry)
}

type node struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Text     string     `xml:",chardata"`
	Children []node     `xml:",any"`
}

func (n *node) text() string {
	if n == nil {
		return ""
	}
	return strings.TrimSpace(n.Text)
}

func (n *node) child(name string) *node {
	for i := range n.Children {
		if n.Children[i].XMLName.Local == name {
			return &n.Children[i]
		}
	}
	return nil
}

// find is the first descendant named name in document order.
func (n *node) find(name string) *node {
	for i := range n.Children {
		c := &n.Children[i]
		if c.XMLName.Local == name {
			return c
		}
		if found := c.find(name); found != nil {
			return found
		}
	}
	return nil
}

func (n *node) findAll(name string) []*node {
	var out []*node
	for i := range n.Children {
		c := &n.Children[i]
		if c.XMLName.Local == name {
			out = append(out, c)
		}
		out = append(out, c.findAll(name)...)
	}
	return out
}

// findPath returns every descendant reached through parent/child, where
// parent may sit at any depth.
func (n *node) findPath(parent, child string) []*node {
	var out []*node
	for _, p := range n.findAll(parent) {
		for i := range p.Children {
			if p.Children[i].XMLName.Local == child {
				out = append(out, &p.Children[i])
			}
		}
	}
	return out
}

func (n *node) attr(local string) string {
	for _, a := range n.Attrs {
		if a.Name.Local == local {
			return strings.TrimSpace(a.Value)
		}
	}
	return ""
}

// firstText returns the text of the first non-empty descendant among names.
func (n *node) firstText(names ...string) string {
	for _, name := range names {
		if v := n.find(name).text(); v != "" {
			return v
		}
	}
	return ""
}

// Parse decodes a TSL document and returns the active CAs that pass the filter.
func Parse(data []byte, filter Filter) (*models.TSLDocument, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &models.DecodeError{Source: "tsl", Format: "xml", Err: fmt.Errorf("empty document")}
	}

	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = charset.NewReaderLabel
	var root node
	if err := dec.Decode(&root); err != nil {
		return nil, &models.DecodeError{Source: "tsl", Format: "xml", Err: err}
	}

	doc := &models.TSLDocument{
		PublishedAt:    normalizeDate(root.child("Дата").text()),
		SchemaLocation: root.attr("noNamespaceSchemaLocation"),
		ContentHash:    ContentHash(data),
		CAs:            make(map[string]models.CAEntry),
	}
	if doc.SchemaLocation == "" {
		doc.SchemaLocation = root.attr("schemaLocation")
	}
	doc.Version = root.child("Версия").text()
	if doc.Version == "" {
		doc.Version = doc.ContentHash
	}

	ogrnFilter, regFilter := filter.normalized()
	for _, ca := range root.findAll("УдостоверяющийЦентр") {
		if ca.find("Статус").text() != statusActive {
			continue
		}
		entry, ok := parseCA(ca)
		if !ok {
			continue
		}
		if !matches(entry, ogrnFilter, regFilter) {
			continue
		}
		doc.CAs[entry.RegNumber] = entry
	}
	return doc, nil
}

func parseCA(ca *node) (models.CAEntry, bool) {
	reg := ca.find("РеестровыйНомер").text()
	if reg == "" {
		return models.CAEntry{}, false
	}
	entry := models.CAEntry{
		RegNumber:       reg,
		Name:            ca.find("Название").text(),
		ShortName:       ca.find("КраткоеНазвание").text(),
		OGRN:            ca.find("ОГРН").text(),
		INN:             ca.find("ИНН").text(),
		Status:          statusActive,
		EffectiveDate:   effectiveDate(ca),
		CATool:          ca.firstText("СредстваУЦ", "СредствоУЦ", "Средство"),
		CAToolClass:     ca.firstText("КлассСредствЭП", "КлассСредстваУЦ", "КлассСредства"),
		CertSubject:     ca.firstText("Субъект", "КомуВыдан"),
		CertIssuer:      ca.firstText("Издатель", "КемВыдан"),
		CertSerial:      ca.firstText("СерийныйНомер"),
		CertValidity:    validity(ca.firstText("ДействителенС", "ДействуетС"), ca.firstText("ДействителенПо", "ДействуетПо")),
		CertFingerprint: ca.firstText("Отпечаток", "ОтпечатокСертификата"),
		CRLNumber:       ca.firstText("СерийныйНомерCRL", "НомерCRL"),
		IssuerKeyID:     ca.firstText("ИдентификаторКлючаИздателя", "ИдентификаторКлюча"),
	}
	if entry.Name == "" {
		entry.Name = unnamedCA
	}

	seen := make(map[string]bool)
	for _, addr := range ca.findPath("АдресаСписковОтзыва", "Адрес") {
		u := addr.text()
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		entry.CRLURLs = append(entry.CRLURLs, u)
	}
	return entry, true
}

func matches(entry models.CAEntry, ogrnFilter, regFilter []string) bool {
	switch {
	case len(ogrnFilter) > 0:
		digits := nonDigits.ReplaceAllString(entry.OGRN, "")
		if digits == "" {
			return false
		}
		for _, f := range ogrnFilter {
			if digits == f {
				return true
			}
		}
		return false
	case len(regFilter) > 0:
		digits := nonDigits.ReplaceAllString(entry.RegNumber, "")
		if digits == "" {
			return false
		}
		for _, f := range regFilter {
			if strings.HasPrefix(digits, f) {
				return true
			}
		}
		return false
	}
	return true
}

// effectiveDate walks the accreditation history from the newest entry and
// takes the first active status carrying a start date.
func effectiveDate(ca *node) string {
	history := ca.findPath("ИсторияСтатусовАккредитации", "СтатусАккредитации")
	for i := len(history) - 1; i >= 0; i-- {
		st := history[i]
		if st.child("Статус").text() != statusActive {
			continue
		}
		if d := st.child("ДействуетС").text(); d != "" {
			return normalizeDate(d)
		}
	}
	if main := ca.find("СтатусАккредитации"); main != nil && main.child("Статус").text() == statusActive {
		return normalizeDate(main.child("ДействуетС").text())
	}
	return ""
}

func validity(from, to string) string {
	switch {
	case from != "" && to != "":
		return from + " — " + to
	case from != "":
		return from
	}
	return to
}

// normalizeDate renders parseable dates as RFC3339 and leaves anything
// else untouched so the diff still sees a change.
func normalizeDate(raw string) string {
	if raw == "" {
		return ""
	}
	t, err := dateparse.ParseIn(raw, time.UTC)
	if err != nil {
		return raw
	}
	return t.Format(time.RFC3339)
}

// ContentHash is the 128-bit xxh3 digest of the raw document, hex encoded.
func ContentHash(data []byte) string {
	h := xxh3.Hash128(data)
	return fmt.Sprintf("%016x%016x", h.Hi, h.Lo)
}
