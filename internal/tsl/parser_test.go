package tsl

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"

	"github.com/bl4ck0w1/crlsentry/pkg/models"
)

const sampleTSL = `<?xml version="1.0" encoding="utf-8"?>
<АккредитованныеУдостоверяющиеЦентры xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xsi:noNamespaceSchemaLocation="tsl.xsd">
  <Версия>120</Версия>
  <Дата>2025-03-01T10:00:00Z</Дата>
  <УдостоверяющийЦентр>
    <Название>ООО Акме</Название>
    <КраткоеНазвание>Акме</КраткоеНазвание>
    <ОГРН>1027700000001</ОГРН>
    <ИНН>7700000001</ИНН>
    <РеестровыйНомер>101</РеестровыйНомер>
    <СтатусАккредитации>
      <Статус>Действует</Статус>
      <ДействуетС>2020-01-01T00:00:00Z</ДействуетС>
    </СтатусАккредитации>
    <ИсторияСтатусовАккредитации>
      <СтатусАккредитации><Статус>Действует</Статус><ДействуетС>2020-01-01T00:00:00Z</ДействуетС></СтатусАккредитации>
      <СтатусАккредитации><Статус>Приостановлена</Статус><ДействуетС>2021-01-01T00:00:00Z</ДействуетС></СтатусАккредитации>
      <СтатусАккредитации><Статус>Действует</Статус><ДействуетС>2022-05-10T00:00:00Z</ДействуетС></СтатусАккредитации>
    </ИсторияСтатусовАккредитации>
    <ПрограммноАппаратныеКомплексы>
      <ПрограммноАппаратныйКомплекс>
        <СредстваУЦ>КриптоПро УЦ 2.0</СредстваУЦ>
        <КлассСредствЭП>КС2</КлассСредствЭП>
        <Ключи>
          <Ключ>
            <ИдентификаторКлюча>AA11</ИдентификаторКлюча>
            <Сертификаты>
              <ДанныеСертификата>
                <Отпечаток>F00D</Отпечаток>
                <КемВыдан>Минцифры</КемВыдан>
                <КомуВыдан>ООО Акме</КомуВыдан>
                <СерийныйНомер>01AB</СерийныйНомер>
                <ДействителенС>2022-01-01</ДействителенС>
                <ДействителенПо>2027-01-01</ДействителенПо>
              </ДанныеСертификата>
            </Сертификаты>
            <АдресаСписковОтзыва>
              <Адрес>http://acme.example/r.crl</Адрес>
              <Адрес>http://mirror.acme.example/r.crl</Адрес>
              <Адрес>http://acme.example/r.crl</Адрес>
            </АдресаСписковОтзыва>
          </Ключ>
        </Ключи>
      </ПрограммноАппаратныйКомплекс>
    </ПрограммноАппаратныеКомплексы>
  </УдостоверяющийЦентр>
  <УдостоверяющийЦентр>
    <Название>Закрытый УЦ</Название>
    <ОГРН>1027700000009</ОГРН>
    <РеестровыйНомер>150</РеестровыйНомер>
    <СтатусАккредитации><Статус>Прекращена</Статус></СтатусАккредитации>
  </УдостоверяющийЦентр>
  <УдостоверяющийЦентр>
    <ОГРН>1030000000002</ОГРН>
    <РеестровыйНомер>202</РеестровыйНомер>
    <СтатусАккредитации><Статус>Действует</Статус><ДействуетС>2019-07-01</ДействуетС></СтатусАккредитации>
    <АдресаСписковОтзыва><Адрес>http://beta.example/b.crl</Адрес></АдресаСписковОтзыва>
  </УдостоверяющийЦентр>
  <УдостоверяющийЦентр>
    <Название>Без номера</Название>
    <СтатусАккредитации><Статус>Действует</Статус></СтатусАккредитации>
  </УдостоверяющийЦентр>
</АккредитованныеУдостоверяющиеЦентры>`

func TestParseActiveCAs(t *testing.T) {
	doc, err := Parse([]byte(sampleTSL), Filter{})
	require.NoError(t, err)

	assert.Equal(t, "120", doc.Version)
	assert.Equal(t, "2025-03-01T10:00:00Z", doc.PublishedAt)
	assert.Equal(t, "tsl.xsd", doc.SchemaLocation)
	assert.Len(t, doc.ContentHash, 32)
	require.Len(t, doc.CAs, 2)

	acme := doc.CAs["101"]
	assert.Equal(t, "ООО Акме", acme.Name)
	assert.Equal(t, "Акме", acme.ShortName)
	assert.Equal(t, "1027700000001", acme.OGRN)
	assert.Equal(t, "7700000001", acme.INN)
	assert.Equal(t, "2022-05-10T00:00:00Z", acme.EffectiveDate)
	assert.Equal(t, []string{"http://acme.example/r.crl", "http://mirror.acme.example/r.crl"}, acme.CRLURLs)
	assert.Equal(t, "КриптоПро УЦ 2.0", acme.CATool)
	assert.Equal(t, "КС2", acme.CAToolClass)
	assert.Equal(t, "ООО Акме", acme.CertSubject)
	assert.Equal(t, "Минцифры", acme.CertIssuer)
	assert.Equal(t, "01AB", acme.CertSerial)
	assert.Equal(t, "2022-01-01 — 2027-01-01", acme.CertValidity)
	assert.Equal(t, "F00D", acme.CertFingerprint)
	assert.Equal(t, "AA11", acme.IssuerKeyID)

	beta := doc.CAs["202"]
	assert.Equal(t, "Не указано", beta.Name)
	assert.Equal(t, "2019-07-01T00:00:00Z", beta.EffectiveDate)
	assert.Equal(t, 3, doc.CRLURLCount())
}

func TestParseFilters(t *testing.T) {
	doc, err := Parse([]byte(sampleTSL), Filter{OGRN: []string{"1-027-700000001"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"101"}, keys(doc.CAs))

	doc, err = Parse([]byte(sampleTSL), Filter{Registry: []string{"2"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"202"}, keys(doc.CAs))

	doc, err = Parse([]byte(sampleTSL), Filter{OGRN: []string{"1030000000002"}, Registry: []string{"1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"202"}, keys(doc.CAs))

	doc, err = Parse([]byte(sampleTSL), Filter{OGRN: []string{"---"}, Registry: []string{"10"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"101"}, keys(doc.CAs))
}

func TestParseWithoutVersionUsesContentHash(t *testing.T) {
	data := strings.Replace(sampleTSL, "<Версия>120</Версия>", "", 1)
	doc, err := Parse([]byte(data), Filter{})
	require.NoError(t, err)
	assert.Equal(t, doc.ContentHash, doc.Version)
	assert.Equal(t, ContentHash([]byte(data)), doc.ContentHash)
}

func TestParseWindows1251(t *testing.T) {
	data := strings.Replace(sampleTSL, `encoding="utf-8"`, `encoding="windows-1251"`, 1)
	encoded, err := charmap.Windows1251.NewEncoder().String(data)
	require.NoError(t, err)

	doc, err := Parse([]byte(encoded), Filter{})
	require.NoError(t, err)
	assert.Equal(t, "ООО Акме", doc.CAs["101"].Name)
}

func TestParseRejectsBrokenInput(t *testing.T) {
	var decErr *models.DecodeError

	_, err := Parse(nil, Filter{})
	require.Error(t, err)
	assert.True(t, errors.As(err, &decErr))

	_, err = Parse([]byte("<unterminated>"), Filter{})
	require.Error(t, err)
	assert.True(t, errors.As(err, &decErr))
	assert.Equal(t, "xml", decErr.Format)
}

func keys(m map[string]models.CAEntry) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
