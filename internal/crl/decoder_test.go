package crl

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bl4ck0w1/crlsentry/pkg/models"
)

var crlTime = time.Date(2025, 3, 5, 7, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func makeCRL(t *testing.T, number *big.Int, entries []x509.RevocationListEntry, extra []pkix.Extension) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test CA"},
		NotBefore:             crlTime.Add(-24 * time.Hour),
		NotAfter:              crlTime.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          []byte{0x01, 0x02, 0x03, 0x04},
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &key.PublicKey, key)
	require.NoError(t, err)
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:                    number,
		ThisUpdate:                crlTime,
		NextUpdate:                crlTime.Add(48 * time.Hour),
		RevokedCertificateEntries: entries,
		ExtraExtensions:           extra,
	}, ca, key)
	require.NoError(t, err)
	return der
}

func TestDecodeDER(t *testing.T) {
	der := makeCRL(t, big.NewInt(42), []x509.RevocationListEntry{
		{SerialNumber: big.NewInt(0xAB), RevocationTime: crlTime.Add(-time.Hour), ReasonCode: 1},
		{SerialNumber: big.NewInt(0xCD), RevocationTime: crlTime.Add(-2 * time.Hour), ReasonCode: 4},
		{SerialNumber: big.NewInt(0xEF), RevocationTime: crlTime.Add(-3 * time.Hour)},
	}, nil)

	info, err := NewDecoder(false, quietLogger()).Decode(context.Background(), "test.crl", der)
	require.NoError(t, err)

	assert.Contains(t, []string{DecoderCT, DecoderStdlib}, info.Decoder)
	require.NotNil(t, info.ThisUpdate)
	require.NotNil(t, info.NextUpdate)
	assert.True(t, crlTime.Equal(*info.ThisUpdate))
	assert.True(t, crlTime.Add(48*time.Hour).Equal(*info.NextUpdate))
	require.NotNil(t, info.CRLNumber)
	assert.Equal(t, "42", *info.CRLNumber)
	assert.Equal(t, "01020304", info.IssuerKeyID)
	assert.False(t, info.IsDelta)
	assert.Equal(t, 3, info.RevokedCount)
	assert.Equal(t, len(der), info.SizeBytes)
	assert.Len(t, info.Fingerprint, 64)
	assert.Contains(t, info.Issuer, "Test CA")

	reasons := map[string]string{}
	for _, rc := range info.Revoked {
		reasons[rc.SerialNumber] = rc.Reason
	}
	assert.Equal(t, map[string]string{"AB": "keyCompromise", "CD": "superseded", "EF": ""}, reasons)
}

func TestDecodePEMAndLargeNumber(t *testing.T) {
	number, ok := new(big.Int).SetString("1267650600228229401496703205376", 10)
	require.True(t, ok)
	der := makeCRL(t, number, nil, nil)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der})

	info, err := NewDecoder(false, quietLogger()).Decode(context.Background(), "big.crl", pemBytes)
	require.NoError(t, err)
	require.NotNil(t, info.CRLNumber)
	assert.Equal(t, "1267650600228229401496703205376", *info.CRLNumber)
	assert.Equal(t, 0, info.RevokedCount)
	assert.Equal(t, len(pemBytes), info.SizeBytes)
}

func TestDecodeDeltaIndicator(t *testing.T) {
	base, err := asn1.Marshal(big.NewInt(7))
	require.NoError(t, err)
	der := makeCRL(t, big.NewInt(8), nil, []pkix.Extension{
		{Id: asn1.ObjectIdentifier{2, 5, 29, 27}, Value: base},
	})

	info, err := NewDecoder(false, quietLogger()).Decode(context.Background(), "delta.crl", der)
	require.NoError(t, err)
	assert.True(t, info.IsDelta)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	d := NewDecoder(false, quietLogger())

	_, err := d.Decode(context.Background(), "junk.crl", []byte("<html>not a crl</html>"))
	var decErr *models.DecodeError
	require.True(t, errors.As(err, &decErr))
	assert.Equal(t, "junk.crl", decErr.Source)
	assert.Equal(t, "DER", decErr.Format)

	_, err = d.Decode(context.Background(), "empty.crl", nil)
	require.True(t, errors.As(err, &decErr))
}

func TestIsCRL(t *testing.T) {
	assert.True(t, IsCRL(makeCRL(t, big.NewInt(1), nil, nil)))
	assert.False(t, IsCRL([]byte("404 not found")))
	assert.False(t, IsCRL(nil))
}
