package monitor

import (
	"bytes"
	"context"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"

	"github.com/bl4ck0w1/crlsentry/internal/crl"
	"github.com/bl4ck0w1/crlsentry/internal/fetch"
	"github.com/bl4ck0w1/crlsentry/internal/storage"
)

// Fetcher is the slice of the downloader the loops need.
type Fetcher interface {
	Get(ctx context.Context, url string) (*fetch.Response, error)
}

// Group is one logical CRL and the mirrors it is published on, in the
// order they should be tried.
type Group struct {
	Name string
	URLs []string
}

type SourceConfig struct {
	CDPSources []string
	KnownPaths []string
	FNSOnly    bool
	FNSDomains []string
}

// SourceSet builds the set of CRL URLs monitored in one pass.
type SourceSet struct {
	cfg      SourceConfig
	fetcher  Fetcher
	mappings storage.CAMappingStore
	logger   *logrus.Logger
}

func NewSourceSet(cfg SourceConfig, fetcher Fetcher, mappings storage.CAMappingStore, logger *logrus.Logger) *SourceSet {
	if logger == nil {
		logger = logrus.New()
	}
	return &SourceSet{cfg: cfg, fetcher: fetcher, mappings: mappings, logger: logger}
}

// Collect unions CDP listings, known paths and CA mapping URLs. A failing
// listing is logged and skipped.
func (s *SourceSet) Collect(ctx context.Context) []Group {
	var urls []string
	for _, cdp := range s.cfg.CDPSources {
		links, err := s.listing(ctx, cdp)
		if err != nil {
			s.logger.WithError(err).WithField("cdp", cdp).Warn("failed to read CDP listing")
			continue
		}
		s.logger.WithFields(logrus.Fields{"cdp": cdp, "links": len(links)}).Debug("CDP listing parsed")
		urls = append(urls, links...)
	}
	urls = append(urls, s.cfg.KnownPaths...)

	if s.mappings != nil {
		mappings, err := s.mappings.GetCAMappings(ctx)
		if err != nil {
			s.logger.WithError(err).Warn("failed to read CA mappings")
		}
		for _, m := range mappings {
			urls = append(urls, m.URL)
		}
	}

	if s.cfg.FNSOnly {
		kept := urls[:0]
		for _, u := range urls {
			if IsFNSURL(u, s.cfg.FNSDomains) {
				kept = append(kept, u)
			}
		}
		urls = kept
	}
	return GroupByFilename(urls)
}

func (s *SourceSet) listing(ctx context.Context, cdp string) ([]string, error) {
	res, err := s.fetcher.Get(ctx, cdp)
	if err != nil {
		return nil, err
	}
	return crl.ExtractCRLLinks(cdp, bytes.NewReader(res.Body))
}

// GroupByFilename merges mirror URLs serving the same file name. Groups are
// sorted by name; URLs keep their first-seen order.
func GroupByFilename(urls []string) []Group {
	index := make(map[string]int)
	seen := make(map[string]bool)
	var groups []Group
	for _, raw := range urls {
		raw = strings.TrimSpace(raw)
		if raw == "" || seen[raw] {
			continue
		}
		name := Filename(raw)
		if name == "" {
			continue
		}
		seen[raw] = true
		i, ok := index[name]
		if !ok {
			i = len(groups)
			index[name] = i
			groups = append(groups, Group{Name: name})
		}
		groups[i].URLs = append(groups[i].URLs, raw)
	}
	sort.Slice(groups, func(a, b int) bool { return groups[a].Name < groups[b].Name })
	return groups
}

// Filename is the unescaped last path segment of a CRL URL.
func Filename(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return ""
	}
	base := path.Base(u.Path)
	if base == "/" || base == "." {
		return ""
	}
	return base
}

// IsFNSURL reports whether the registrable domain of the URL host is one of
// domains. Internationalised hosts are compared in their ASCII form.
func IsFNSURL(raw string, domains []string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host, err := idna.Lookup.ToASCII(strings.ToLower(u.Hostname()))
	if err != nil || host == "" {
		return false
	}
	registrable, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return false
	}
	for _, d := range domains {
		ascii, err := idna.Lookup.ToASCII(strings.ToLower(strings.TrimSpace(d)))
		if err != nil || ascii == "" {
			continue
		}
		// Configured domains may sit below a multi-label public suffix.
		if registrable == ascii || host == ascii || strings.HasSuffix(host, "."+ascii) {
			return true
		}
	}
	return false
}
