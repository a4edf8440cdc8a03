package crl

import (
	"bytes"
	"context"
	"crypto/sha256"
	stdx509 "crypto/x509"
	stdpkix "crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ctx509 "github.com/google/certificate-transparency-go/x509"
	"github.com/google/certificate-transparency-go/x509/pkix"
	"github.com/sirupsen/logrus"

	"github.com/bl4ck0w1/crlsentry/pkg/models"
)

var (
	oidCRLNumber      = asn1.ObjectIdentifier{2, 5, 29, 20}
	oidReasonCode     = asn1.ObjectIdentifier{2, 5, 29, 21}
	oidDeltaIndicator = asn1.ObjectIdentifier{2, 5, 29, 27}
	oidAuthorityKeyID = asn1.ObjectIdentifier{2, 5, 29, 35}

	pemCRLPrefix = []byte("-----BEGIN X509 CRL")
)

// reasonNames follows the RFC 5280 CRLReason enumeration.
var reasonNames = map[int]string{
	0:  "unspecified",
	1:  "keyCompromise",
	2:  "cACompromise",
	3:  "affiliationChanged",
	4:  "superseded",
	5:  "cessationOfOperation",
	6:  "certificateHold",
	8:  "removeFromCRL",
	9:  "privilegeWithdrawn",
	10: "aACompromise",
}

const (
	DecoderCT      = "ct-x509"
	DecoderStdlib  = "crypto/x509"
	DecoderOpenSSL = "openssl"
)

type Decoder struct {
	openssl *OpenSSLDecoder
	logger  *logrus.Logger
}

// NewDecoder returns a decoder that falls back to the openssl CLI when
// useOpenSSL is set and the in-process parsers reject the input.
func NewDecoder(useOpenSSL bool, logger *logrus.Logger) *Decoder {
	if logger == nil {
		logger = logrus.New()
	}
	d := &Decoder{logger: logger}
	if useOpenSSL {
		d.openssl = NewOpenSSLDecoder("")
	}
	return d
}

// Decode interprets PEM or DER CRL bytes. source names the CRL in errors.
func (d *Decoder) Decode(ctx context.Context, source string, data []byte) (*models.DecodedCRL, error) {
	if len(data) == 0 {
		return nil, &models.DecodeError{Source: source, Format: "empty", Err: errors.New("no content")}
	}
	der, format := toDER(data)

	info, ctErr := decodeCT(der)
	if ctErr == nil {
		return d.finish(info, data, DecoderCT), nil
	}
	d.logger.WithError(ctErr).WithField("crl", source).Debug("ct x509 parser rejected CRL")

	info, stdErr := decodeStdlib(der)
	if stdErr == nil {
		return d.finish(info, data, DecoderStdlib), nil
	}

	if d.openssl != nil {
		info, sslErr := d.openssl.Decode(ctx, data, format)
		if sslErr == nil {
			return d.finish(info, data, DecoderOpenSSL), nil
		}
		d.logger.WithError(sslErr).WithField("crl", source).Debug("openssl fallback failed")
		return nil, &models.DecodeError{Source: source, Format: format, Err: errors.Join(ctErr, stdErr, sslErr)}
	}
	return nil, &models.DecodeError{Source: source, Format: format, Err: errors.Join(ctErr, stdErr)}
}

func (d *Decoder) finish(info *models.DecodedCRL, raw []byte, decoder string) *models.DecodedCRL {
	sum := sha256.Sum256(raw)
	info.Fingerprint = hex.EncodeToString(sum[:])
	info.SizeBytes = len(raw)
	info.Decoder = decoder
	info.RevokedCount = len(info.Revoked)
	return info
}

// IsCRL reports whether data looks like a CRL any in-process parser accepts.
func IsCRL(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	der, _ := toDER(data)
	if _, err := decodeCT(der); err == nil {
		return true
	}
	_, err := decodeStdlib(der)
	return err == nil
}

func toDER(data []byte) ([]byte, string) {
	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, pemCRLPrefix) {
		if block, _ := pem.Decode(trimmed); block != nil {
			return block.Bytes, "PEM"
		}
	}
	return data, "DER"
}

func decodeCT(der []byte) (*models.DecodedCRL, error) {
	list, err := ctx509.ParseCertificateListDER(der)
	if err != nil && ctx509.IsFatal(err) {
		return nil, err
	}
	if list == nil {
		return nil, errors.New("empty certificate list")
	}
	tbs := list.TBSCertList

	info := &models.DecodedCRL{
		ThisUpdate: timePtr(tbs.ThisUpdate),
		NextUpdate: timePtr(tbs.NextUpdate),
		Issuer:     tbs.Issuer.String(),
	}
	applyExtensions(info, tbs.Extensions)

	info.Revoked = make([]models.RevokedCertificate, 0, len(tbs.RevokedCertificates))
	for _, rc := range tbs.RevokedCertificates {
		info.Revoked = append(info.Revoked, models.RevokedCertificate{
			SerialNumber:   serialHex(rc.SerialNumber),
			RevocationDate: rc.RevocationTime.UTC(),
			Reason:         reasonFromExtensions(rc.Extensions),
		})
	}
	return info, nil
}

func decodeStdlib(der []byte) (*models.DecodedCRL, error) {
	rl, err := stdx509.ParseRevocationList(der)
	if err != nil {
		return nil, err
	}
	info := &models.DecodedCRL{
		ThisUpdate: timePtr(rl.ThisUpdate),
		NextUpdate: timePtr(rl.NextUpdate),
		Issuer:     rl.Issuer.String(),
	}
	if rl.Number != nil {
		n := rl.Number.String()
		info.CRLNumber = &n
	}
	if len(rl.AuthorityKeyId) > 0 {
		info.IssuerKeyID = strings.ToUpper(hex.EncodeToString(rl.AuthorityKeyId))
	}
	for _, ext := range rl.Extensions {
		if ext.Id.Equal(oidDeltaIndicator) {
			info.IsDelta = true
		}
	}

	info.Revoked = make([]models.RevokedCertificate, 0, len(rl.RevokedCertificateEntries))
	for _, rc := range rl.RevokedCertificateEntries {
		reason := ""
		if rc.ReasonCode != 0 {
			reason = reasonName(rc.ReasonCode)
		} else {
			reason = stdReason(rc.Extensions)
		}
		info.Revoked = append(info.Revoked, models.RevokedCertificate{
			SerialNumber:   serialHex(rc.SerialNumber),
			RevocationDate: rc.RevocationTime.UTC(),
			Reason:         reason,
		})
	}
	return info, nil
}

func applyExtensions(info *models.DecodedCRL, exts []pkix.Extension) {
	for _, ext := range exts {
		id := asn1.ObjectIdentifier(ext.Id)
		switch {
		case id.Equal(oidCRLNumber):
			n := new(big.Int)
			if _, err := asn1.Unmarshal(ext.Value, &n); err == nil {
				s := n.String()
				info.CRLNumber = &s
			}
		case id.Equal(oidDeltaIndicator):
			info.IsDelta = true
		case id.Equal(oidAuthorityKeyID):
			var aki struct {
				ID []byte `asn1:"optional,tag:0"`
			}
			if _, err := asn1.Unmarshal(ext.Value, &aki); err == nil && len(aki.ID) > 0 {
				info.IssuerKeyID = strings.ToUpper(hex.EncodeToString(aki.ID))
			}
		}
	}
}

func reasonFromExtensions(exts []pkix.Extension) string {
	for _, ext := range exts {
		if asn1.ObjectIdentifier(ext.Id).Equal(oidReasonCode) {
			return decodeReason(ext.Value)
		}
	}
	return ""
}

func stdReason(exts []stdpkix.Extension) string {
	for _, ext := range exts {
		if ext.Id.Equal(oidReasonCode) {
			return decodeReason(ext.Value)
		}
	}
	return ""
}

func decodeReason(value []byte) string {
	var code asn1.Enumerated
	if _, err := asn1.Unmarshal(value, &code); err != nil {
		return ""
	}
	return reasonName(int(code))
}

func reasonName(code int) string {
	if name, ok := reasonNames[code]; ok {
		return name
	}
	return fmt.Sprintf("reason_%d", code)
}

func serialHex(n *big.Int) string {
	if n == nil {
		return ""
	}
	return strings.ToUpper(n.Text(16))
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
