package crl

import (
	"fmt"
	"io"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/html"
)

var absoluteCRL = regexp.MustCompile(`(?i)https?://[^\s"'<>]+\.crl`)

// ExtractCRLLinks collects .crl links from a CDP directory listing. Relative
// hrefs are resolved against base; bare absolute URLs in text are kept too.
func ExtractCRLLinks(base string, body io.Reader) ([]string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid CDP url %q: %w", base, err)
	}

	found := make(map[string]struct{})
	add := func(raw string) {
		raw = strings.TrimSpace(raw)
		if !strings.HasSuffix(strings.ToLower(raw), ".crl") {
			return
		}
		ref, err := url.Parse(raw)
		if err != nil {
			return
		}
		abs := baseURL.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		found[abs.String()] = struct{}{}
	}

	z := html.NewTokenizer(body)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() != io.EOF {
				return nil, fmt.Errorf("failed to read CDP listing: %w", z.Err())
			}
			return sortedKeys(found), nil
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "a" || !hasAttr {
				continue
			}
			for {
				key, val, more := z.TagAttr()
				if string(key) == "href" {
					add(string(val))
				}
				if !more {
					break
				}
			}
		case html.TextToken:
			for _, m := range absoluteCRL.FindAllString(string(z.Text()), -1) {
				add(m)
			}
		}
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
