package notify

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bl4ck0w1/crlsentry/pkg/models"
)

var msk = time.FixedZone("UTC+3", 3*3600)

func fixedRenderer() *Renderer {
	r := NewRenderer(msk)
	r.now = func() time.Time { return time.Date(2025, 3, 5, 9, 0, 0, 0, time.UTC) }
	return r
}

func TestRenderExpiring(t *testing.T) {
	text, err := fixedRenderer().Render(models.ExpiringAlert{
		CRLContext: models.CRLContext{
			Name:        "acme<1>.crl",
			URL:         "http://acme.example/acme.crl",
			CRLNumber:   "42",
			IssuerKeyID: "A1B2",
		},
		Threshold:  4,
		HoursLeft:  3.94,
		NextUpdate: time.Date(2025, 3, 5, 12, 56, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(text, "⚠️ <b>ВНИМАНИЕ: CRL скоро истекает</b>\n"))
	assert.Contains(t, text, "📁 Имя файла: <code>acme&lt;1&gt;.crl</code>")
	assert.Contains(t, text, "🏢 Удостоверяющий центр: <b>Неизвестный УЦ</b>")
	assert.Contains(t, text, "🔢 Реестровый номер: <code>Неизвестный номер</code>")
	assert.Contains(t, text, "🔢 Серийный номер CRL: <code>2a</code>")
	assert.Contains(t, text, "⏰ Осталось: <b>3.9 часа</b>")
	assert.Contains(t, text, "📅 Следующее обновление: 05.03.2025 15:56:00")
	assert.Contains(t, text, "🕐 Текущее время: 05.03.2025 12:00:00")
}

func TestRenderNewVersion(t *testing.T) {
	this := time.Date(2025, 3, 5, 7, 0, 0, 0, time.UTC)
	text, err := fixedRenderer().Render(models.NewVersion{
		CRLContext:      models.CRLContext{Name: "acme.crl", CAName: "ООО Акме", CARegNumber: "101"},
		RevokedCount:    12,
		Increase:        3,
		CategoriesDelta: map[string]int{"Заменён новым сертификатом": 1, "Прекращение деятельности": 2},
		ThisUpdate:      &this,
		SizeBytes:       3 << 20,
	})
	require.NoError(t, err)

	assert.Contains(t, text, "🏢 Удостоверяющий центр: <b>ООО Акме</b>")
	assert.Contains(t, text, "🔢 Серийный номер CRL: <code>Неизвестен</code>")
	assert.Contains(t, text, "📄 Всего отозвано: <b>12</b>")
	assert.Contains(t, text, "📈 Прирост: <b>+3</b>")
	assert.Contains(t, text, "📅 Следующее обновление: Не указано")
	assert.Contains(t, text, "📦 Размер CRL: <b>3.00 МБ</b>")
	assert.True(t, strings.HasSuffix(text,
		"📊 По категориям:\n  • Заменён новым сертификатом: 1\n  • Прекращение деятельности: 2"))
}

func TestRenderMissedAndWeekly(t *testing.T) {
	r := fixedRenderer()
	text, err := r.Render(models.MissedAlert{
		CRLContext: models.CRLContext{Name: "late.crl", URL: "http://x/late.crl"},
		ExpectedAt: time.Date(2025, 3, 4, 21, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Contains(t, text, "❌ <b>ОШИБКА: CRL не опубликован вовремя</b>")
	assert.Contains(t, text, "📅 Ожидалось: 05.03.2025 00:00:00")
	assert.NotContains(t, text, "Серийный номер")

	text, err = r.Render(&models.WeeklyStats{
		Categories: map[string]int{"b": 2, "a": 1},
		WeekStart:  "2025-03-03",
	})
	require.NoError(t, err)
	assert.Contains(t, text, "📊 <b>Недельная статистика отозванных сертификатов</b>")
	assert.Contains(t, text, "📄 Всего за неделю: <b>3</b>")
	assert.Contains(t, text, "  • a: 1\n  • b: 2\n")
}

func TestRenderTslChanges(t *testing.T) {
	r := fixedRenderer()

	urls := make([]string, 12)
	for i := range urls {
		urls[i] = fmt.Sprintf("http://ca.example/%02d.crl", i)
	}
	text, err := r.Render(models.TslChange{
		Change:    models.ChangeCRLURLsChanged,
		RegNumber: "101",
		Name:      "ООО Акме",
		Added:     urls,
	})
	require.NoError(t, err)
	assert.Contains(t, text, "🔗 <b>Новые или измененные CRL у действующих УЦ</b>")
	assert.Contains(t, text, "<code>http://ca.example/09.crl</code>")
	assert.NotContains(t, text, "http://ca.example/10.crl")
	assert.Contains(t, text, "  • ... и еще 2")

	text, err = r.Render(models.TslChange{
		Change:        models.ChangeCAAdded,
		RegNumber:     "202",
		Name:          "Бета",
		EffectiveDate: "2024-01-01T00:00:00Z",
	})
	require.NoError(t, err)
	assert.Contains(t, text, "🆕 <b>Новый действующий УЦ в TSL</b>")
	assert.Contains(t, text, "📅 Дата аккредитации: 01.01.2024 03:00:00")

	text, err = r.Render(models.TslChange{Change: models.ChangeCARemoved, RegNumber: "150", Name: "Закрытый"})
	require.NoError(t, err)
	assert.Contains(t, text, "🗑️ <b>УЦ удален из списка</b>")
	assert.Contains(t, text, "🏛️ ОГРН: <code>Не указан</code>")

	text, err = r.Render(models.TslChange{
		Change: models.ChangeNameChanged, RegNumber: "101", Before: "Акме", After: "Акме & Ко",
	})
	require.NoError(t, err)
	assert.Contains(t, text, "📄 Стало: <b>Акме &amp; Ко</b>")

	text, err = r.Render(models.TslChange{
		Change: models.ChangeFieldChanged, RegNumber: "101", Field: "ogrn", Before: "1", After: "2",
	})
	require.NoError(t, err)
	assert.Contains(t, text, "📝 Поле: <b>ОГРН</b>")
}

func TestHexCRLNumber(t *testing.T) {
	assert.Equal(t, "Неизвестен", HexCRLNumber(""))
	assert.Equal(t, "15a3", HexCRLNumber("5539"))
	assert.Equal(t, "10000000000000000000000000", HexCRLNumber("1267650600228229401496703205376"))
	assert.Equal(t, "0x1F", HexCRLNumber("0x1F"))
}
