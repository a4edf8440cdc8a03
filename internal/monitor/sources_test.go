package monitor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bl4ck0w1/crlsentry/pkg/models"
)

func TestGroupByFilename(t *testing.T) {
	groups := GroupByFilename([]string{
		"http://b.example/crl/z.crl",
		"http://a.example/x.crl",
		"http://mirror.example/pub/x.crl",
		"http://a.example/x.crl",
		"http://a.example/",
		"",
	})
	require.Len(t, groups, 2)
	assert.Equal(t, Group{Name: "x.crl", URLs: []string{"http://a.example/x.crl", "http://mirror.example/pub/x.crl"}}, groups[0])
	assert.Equal(t, "z.crl", groups[1].Name)
}

func TestFilename(t *testing.T) {
	assert.Equal(t, "root ca.crl", Filename("http://x.example/cdp/root%20ca.crl"))
	assert.Equal(t, "", Filename("http://x.example"))
	assert.Equal(t, "", Filename("::bad"))
}

func TestIsFNSURL(t *testing.T) {
	domains := []string{"nalog.ru", "tax.gov.ru"}
	assert.True(t, IsFNSURL("http://pki.nalog.ru/cdp/a.crl", domains))
	assert.True(t, IsFNSURL("http://PKI.TAX.GOV.RU/cdp/a.crl", domains))
	assert.True(t, IsFNSURL("http://nalog.ru/a.crl", domains))
	assert.False(t, IsFNSURL("http://nalog.ru.evil.example/a.crl", domains))
	assert.False(t, IsFNSURL("http://notnalog.ru/a.crl", domains))
	assert.True(t, IsFNSURL("http://cdp.налог.рф/a.crl", []string{"налог.рф"}))
	assert.False(t, IsFNSURL("not a url", domains))
}

func TestCollectUnionsSourcesAndFilters(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.UpsertCAMappings(ctx, []models.CAMapping{
		{URL: "http://ca.nalog.ru/ca.crl", CAName: "ФНС", RegNumber: "1"},
		{URL: "http://other.example/o.crl", CAName: "Другой", RegNumber: "2"},
	}))
	fetcher := &fakeFetcher{bodies: map[string]string{
		"http://pki.nalog.ru/cdp/": `<a href="a.crl">a</a> see also http://pki.nalog.ru/extra/b.crl`,
	}}

	all := NewSourceSet(SourceConfig{
		CDPSources: []string{"http://pki.nalog.ru/cdp/", "http://down.example/cdp/"},
		KnownPaths: []string{"http://known.example/k.crl"},
	}, fetcher, store, quietLogger()).Collect(ctx)

	var names []string
	for _, g := range all {
		names = append(names, g.Name)
	}
	assert.Equal(t, []string{"a.crl", "b.crl", "ca.crl", "k.crl", "o.crl"}, names)

	fns := NewSourceSet(SourceConfig{
		CDPSources: []string{"http://pki.nalog.ru/cdp/"},
		KnownPaths: []string{"http://known.example/k.crl"},
		FNSOnly:    true,
		FNSDomains: []string{"nalog.ru"},
	}, fetcher, store, quietLogger()).Collect(ctx)
	names = names[:0]
	for _, g := range fns {
		names = append(names, g.Name)
	}
	assert.Equal(t, []string{"a.crl", "b.crl", "ca.crl"}, names)
}
