package crl

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const listing = `<html><body>
<h1>Index of /cdp</h1>
<a href="../">Parent</a>
<a href="root.crl">root.crl</a>
<a href='/cdp/sub/ca2.CRL'>ca2</a>
<a href="readme.txt">readme</a>
<a href="mailto:x@y.crl">mail</a>
<p>Mirror: http://mirror.example/cdp/root.crl</p>
<a href="http://acme.example/cdp/root.crl">dup</a>
</body></html>`

func TestExtractCRLLinks(t *testing.T) {
	links, err := ExtractCRLLinks("http://acme.example/cdp/", strings.NewReader(listing))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"http://acme.example/cdp/root.crl",
		"http://acme.example/cdp/sub/ca2.CRL",
		"http://mirror.example/cdp/root.crl",
	}, links)
}

func TestExtractCRLLinksBadBase(t *testing.T) {
	_, err := ExtractCRLLinks("://bad", strings.NewReader(listing))
	assert.Error(t, err)
}
