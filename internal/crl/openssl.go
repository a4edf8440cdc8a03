package crl

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math/big"
	"os/exec"
	"strings"
	"time"

	"github.com/bl4ck0w1/crlsentry/pkg/models"
)

const (
	opensslTimeout = 30 * time.Second
	opensslLayout  = "Jan _2 15:04:05 2006 MST"
)

// OpenSSLDecoder shells out to `openssl crl -text` for CRLs the Go parsers
// refuse, typically GOST-signed lists with unusual encodings.
type OpenSSLDecoder struct {
	binary string
}

func NewOpenSSLDecoder(binary string) *OpenSSLDecoder {
	if binary == "" {
		binary = "openssl"
	}
	return &OpenSSLDecoder{binary: binary}
}

func (o *OpenSSLDecoder) Decode(ctx context.Context, data []byte, format string) (*models.DecodedCRL, error) {
	ctx, cancel := context.WithTimeout(ctx, opensslTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, o.binary, "crl", "-inform", format, "-noout", "-text")
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("openssl crl: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return ParseOpenSSLText(stdout.String())
}

// ParseOpenSSLText reads the output of `openssl crl -noout -text`.
func ParseOpenSSLText(out string) (*models.DecodedCRL, error) {
	info := &models.DecodedCRL{}
	var current *models.RevokedCertificate
	var pending string

	flush := func() {
		if current != nil {
			info.Revoked = append(info.Revoked, *current)
			current = nil
		}
	}

	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		switch pending {
		case "crl_number":
			pending = ""
			if n, ok := parseCRLNumber(line); ok {
				info.CRLNumber = &n
			}
			continue
		case "reason":
			pending = ""
			if current != nil {
				current.Reason = opensslReason(line)
			}
			continue
		case "aki":
			pending = ""
			id := strings.TrimPrefix(line, "keyid:")
			info.IssuerKeyID = strings.ToUpper(strings.ReplaceAll(id, ":", ""))
			continue
		}

		switch {
		case strings.HasPrefix(line, "Issuer:"):
			info.Issuer = strings.TrimSpace(strings.TrimPrefix(line, "Issuer:"))
		case strings.HasPrefix(line, "Last Update:"):
			info.ThisUpdate = parseOpenSSLTime(strings.TrimPrefix(line, "Last Update:"))
		case strings.HasPrefix(line, "Next Update:"):
			info.NextUpdate = parseOpenSSLTime(strings.TrimPrefix(line, "Next Update:"))
		case strings.Contains(line, "X509v3 CRL Number:"):
			pending = "crl_number"
		case strings.Contains(line, "X509v3 Authority Key Identifier:"):
			pending = "aki"
		case strings.Contains(line, "X509v3 Delta CRL Indicator:"):
			info.IsDelta = true
		case strings.HasPrefix(line, "Serial Number:"):
			flush()
			current = &models.RevokedCertificate{
				SerialNumber: strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(line, "Serial Number:"))),
			}
		case strings.HasPrefix(line, "Revocation Date:"):
			if current != nil {
				if t := parseOpenSSLTime(strings.TrimPrefix(line, "Revocation Date:")); t != nil {
					current.RevocationDate = *t
				}
			}
		case strings.Contains(line, "X509v3 CRL Reason Code:"):
			pending = "reason"
		case strings.HasPrefix(line, "Signature Algorithm:") && current != nil:
			flush()
		}
	}
	flush()
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if info.ThisUpdate == nil {
		return nil, fmt.Errorf("openssl output has no Last Update")
	}
	return info, nil
}

func parseOpenSSLTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" || s == "NONE" {
		return nil
	}
	t, err := time.Parse(opensslLayout, s)
	if err != nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func parseCRLNumber(s string) (string, bool) {
	s = strings.TrimSpace(s)
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	} else if strings.Contains(s, ":") {
		s, base = strings.ReplaceAll(s, ":", ""), 16
	}
	n, ok := new(big.Int).SetString(s, base)
	if !ok {
		return "", false
	}
	return n.String(), true
}

var opensslReasons = map[string]string{
	"Unspecified":            "unspecified",
	"Key Compromise":         "keyCompromise",
	"CA Compromise":          "cACompromise",
	"Affiliation Changed":    "affiliationChanged",
	"Superseded":             "superseded",
	"Cessation Of Operation": "cessationOfOperation",
	"Certificate Hold":       "certificateHold",
	"Remove From CRL":        "removeFromCRL",
	"Privilege Withdrawn":    "privilegeWithdrawn",
	"AA Compromise":          "aACompromise",
}

func opensslReason(s string) string {
	if r, ok := opensslReasons[s]; ok {
		return r
	}
	return s
}
