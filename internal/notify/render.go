package notify

import (
	"fmt"
	"html"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/bl4ck0w1/crlsentry/pkg/models"
)

const (
	dateLayout  = "02.01.2006 15:04:05"
	maxURLsList = 10
)

var fieldTitles = map[string]string{
	"short_name":       "Краткое название",
	"ogrn":             "ОГРН",
	"inn":              "ИНН",
	"ca_tool":          "Средство УЦ",
	"ca_tool_class":    "Класс средства УЦ",
	"cert_subject":     "Субъект сертификата",
	"cert_issuer":      "Издатель сертификата",
	"cert_serial":      "Серийный номер сертификата",
	"cert_validity":    "Срок действия сертификата",
	"cert_fingerprint": "Отпечаток сертификата",
	"crl_number":       "Номер CRL",
	"issuer_key_id":    "Идентификатор ключа издателя",
	"version":          "Версия TSL",
	"published_at":     "Дата публикации TSL",
	"schema_location":  "Схема TSL",
}

// Renderer turns intents into Telegram HTML messages.
type Renderer struct {
	loc      *time.Location
	now      func() time.Time
	showSize bool
}

func NewRenderer(loc *time.Location) *Renderer {
	if loc == nil {
		loc = time.FixedZone("UTC+3", 3*3600)
	}
	return &Renderer{loc: loc, now: time.Now, showSize: true}
}

func (r *Renderer) Render(intent models.Intent) (string, error) {
	switch in := intent.(type) {
	case models.ExpiringAlert:
		return r.expiring(in), nil
	case models.ExpiredAlert:
		return r.expired(in), nil
	case models.NewVersion:
		return r.newVersion(in), nil
	case models.MissedAlert:
		return r.missed(in), nil
	case models.WeeklyStats:
		return r.weekly(in), nil
	case *models.WeeklyStats:
		return r.weekly(*in), nil
	case models.TslChange:
		return r.tslChange(in), nil
	}
	return "", fmt.Errorf("no template for %T", intent)
}

func (r *Renderer) expiring(a models.ExpiringAlert) string {
	var b strings.Builder
	b.WriteString("⚠️ <b>ВНИМАНИЕ: CRL скоро истекает</b>\n")
	r.crlHeader(&b, a.CRLContext, true)
	fmt.Fprintf(&b, "⏰ Осталось: <b>%.1f часа</b>\n", a.HoursLeft)
	fmt.Fprintf(&b, "📅 Следующее обновление: %s\n", r.date(&a.NextUpdate))
	fmt.Fprintf(&b, "🕐 Текущее время: %s", r.date(ptr(r.now())))
	return b.String()
}

func (r *Renderer) expired(a models.ExpiredAlert) string {
	var b strings.Builder
	b.WriteString("🚨 <b>КРИТИЧНО: CRL истек</b>\n")
	r.crlHeader(&b, a.CRLContext, true)
	fmt.Fprintf(&b, "⏰ Истек: %s\n", r.date(&a.NextUpdate))
	fmt.Fprintf(&b, "🕐 Текущее время: %s", r.date(ptr(r.now())))
	return b.String()
}

func (r *Renderer) newVersion(n models.NewVersion) string {
	var b strings.Builder
	b.WriteString("🆕 <b>Новая версия CRL опубликована</b>\n")
	r.crlHeader(&b, n.CRLContext, true)
	fmt.Fprintf(&b, "📄 Всего отозвано: <b>%d</b>\n", n.RevokedCount)
	fmt.Fprintf(&b, "📈 Прирост: <b>+%d</b>\n", n.Increase)
	fmt.Fprintf(&b, "📅 Время публикации: %s\n", r.date(n.ThisUpdate))
	fmt.Fprintf(&b, "📅 Следующее обновление: %s\n", r.date(n.NextUpdate))
	if r.showSize && n.SizeBytes > 0 {
		fmt.Fprintf(&b, "📦 Размер CRL: <b>%.2f МБ</b>\n", float64(n.SizeBytes)/(1024*1024))
	}
	if len(n.CategoriesDelta) > 0 {
		b.WriteString("📊 По категориям:\n")
		b.WriteString(categoryLines(n.CategoriesDelta))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Renderer) missed(m models.MissedAlert) string {
	var b strings.Builder
	b.WriteString("❌ <b>ОШИБКА: CRL не опубликован вовремя</b>\n")
	r.crlHeader(&b, m.CRLContext, false)
	fmt.Fprintf(&b, "📅 Ожидалось: %s\n", r.date(&m.ExpectedAt))
	fmt.Fprintf(&b, "🕐 Текущее время: %s", r.date(ptr(r.now())))
	return b.String()
}

func (r *Renderer) weekly(w models.WeeklyStats) string {
	var b strings.Builder
	b.WriteString("📊 <b>Недельная статистика отозванных сертификатов</b>\n")
	fmt.Fprintf(&b, "📅 Период: неделя с %s\n", esc(w.WeekStart))
	fmt.Fprintf(&b, "📄 Всего за неделю: <b>%d</b>\n", w.Total())
	b.WriteString("📈 Прирост по категориям:\n")
	b.WriteString(categoryLines(w.Categories))
	generated := w.GeneratedAt
	if generated.IsZero() {
		generated = r.now()
	}
	fmt.Fprintf(&b, "🕐 Отчет сформирован: %s", r.date(&generated))
	return b.String()
}

func (r *Renderer) tslChange(c models.TslChange) string {
	var b strings.Builder
	switch c.Change {
	case models.ChangeCAAdded:
		b.WriteString("🆕 <b>Новый действующий УЦ в TSL</b>\n")
		r.caHeader(&b, c)
		fmt.Fprintf(&b, "📅 Дата аккредитации: %s\n", r.dateString(c.EffectiveDate))
		if len(c.Added) > 0 {
			b.WriteString("📄 CRL:\n")
			b.WriteString(urlLines(c.Added))
		}
	case models.ChangeCARemoved:
		b.WriteString("🗑️ <b>УЦ удален из списка</b>\n")
		r.caHeader(&b, c)
		ogrn := c.OGRN
		if ogrn == "" {
			ogrn = "Не указан"
		}
		fmt.Fprintf(&b, "🏛️ ОГРН: <code>%s</code>\n", esc(ogrn))
		b.WriteString("📝 Причина: отсутствует среди действующих УЦ\n")
	case models.ChangeNameChanged:
		b.WriteString("📝 <b>Изменение названия УЦ</b>\n")
		fmt.Fprintf(&b, "🔢 Реестровый номер: <code>%s</code>\n", esc(c.RegNumber))
		fmt.Fprintf(&b, "📄 Было: <b>%s</b>\n", esc(orDash(c.Before)))
		fmt.Fprintf(&b, "📄 Стало: <b>%s</b>\n", esc(orDash(c.After)))
	case models.ChangeDateChanged:
		b.WriteString("📆 <b>Изменение даты аккредитации УЦ</b>\n")
		r.caHeader(&b, c)
		fmt.Fprintf(&b, "📅 Старая дата: %s\n", r.dateString(c.Before))
		fmt.Fprintf(&b, "📅 Новая дата: %s\n", r.dateString(c.After))
	case models.ChangeCRLURLsChanged:
		b.WriteString("🔗 <b>Новые или измененные CRL у действующих УЦ</b>\n")
		r.caHeader(&b, c)
		if len(c.Added) > 0 {
			b.WriteString("📄 Новые CRL:\n")
			b.WriteString(urlLines(c.Added))
		}
		if len(c.Removed) > 0 {
			b.WriteString("➖ Удаленные CRL:\n")
			b.WriteString(urlLines(c.Removed))
		}
	case models.ChangeRootChanged:
		b.WriteString("🗂️ <b>Обновление TSL</b>\n")
		fmt.Fprintf(&b, "📝 Поле: <b>%s</b>\n", esc(fieldTitle(c.Field)))
		fmt.Fprintf(&b, "📄 Было: <code>%s</code>\n", esc(orDash(c.Before)))
		fmt.Fprintf(&b, "📄 Стало: <code>%s</code>\n", esc(orDash(c.After)))
	default:
		b.WriteString("📋 <b>Другие изменения в TSL</b>\n")
		r.caHeader(&b, c)
		fmt.Fprintf(&b, "📝 Поле: <b>%s</b>\n", esc(fieldTitle(c.Field)))
		fmt.Fprintf(&b, "📄 Было: <code>%s</code>\n", esc(orDash(c.Before)))
		fmt.Fprintf(&b, "📄 Стало: <code>%s</code>\n", esc(orDash(c.After)))
	}
	if c.FromVersion != "" || c.ToVersion != "" {
		fmt.Fprintf(&b, "🔁 Версия TSL: <code>%s → %s</code>\n", esc(c.FromVersion), esc(c.ToVersion))
	}
	fmt.Fprintf(&b, "🕐 Время проверки: %s", r.date(ptr(r.now())))
	return b.String()
}

func (r *Renderer) crlHeader(b *strings.Builder, c models.CRLContext, withNumber bool) {
	fmt.Fprintf(b, "📁 Имя файла: <code>%s</code>\n", esc(c.Name))
	fmt.Fprintf(b, "🏢 Удостоверяющий центр: <b>%s</b>\n", esc(orDefault(c.CAName, "Неизвестный УЦ")))
	fmt.Fprintf(b, "🔢 Реестровый номер: <code>%s</code>\n", esc(orDefault(c.CARegNumber, "Неизвестный номер")))
	fmt.Fprintf(b, "🔗 URL: <code>%s</code>\n", esc(c.URL))
	if withNumber {
		fmt.Fprintf(b, "🔢 Серийный номер CRL: <code>%s</code>\n", esc(HexCRLNumber(c.CRLNumber)))
		fmt.Fprintf(b, "🔑 Идентификатор ключа издателя: <code>%s</code>\n", esc(orDefault(c.IssuerKeyID, "Неизвестен")))
	}
}

func (r *Renderer) caHeader(b *strings.Builder, c models.TslChange) {
	fmt.Fprintf(b, "🏢 Название: <b>%s</b>\n", esc(orDefault(c.Name, "Не указано")))
	fmt.Fprintf(b, "🔢 Реестровый номер: <code>%s</code>\n", esc(c.RegNumber))
}

func (r *Renderer) date(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "Не указано"
	}
	return t.In(r.loc).Format(dateLayout)
}

// dateString formats a stored RFC 3339 date; anything else is shown as is.
func (r *Renderer) dateString(s string) string {
	if s == "" {
		return "Не указано"
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return esc(s)
	}
	return r.date(&t)
}

// HexCRLNumber renders a decimal CRL number in lowercase hex without
// leading zeros. Non-decimal input is returned unchanged.
func HexCRLNumber(n string) string {
	if n == "" {
		return "Неизвестен"
	}
	v, ok := new(big.Int).SetString(n, 10)
	if !ok {
		return n
	}
	return v.Text(16)
}

func categoryLines(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "  • %s: %d\n", esc(k), m[k])
	}
	return b.String()
}

func urlLines(urls []string) string {
	var b strings.Builder
	for i, u := range urls {
		if i == maxURLsList {
			fmt.Fprintf(&b, "  • ... и еще %d\n", len(urls)-maxURLsList)
			break
		}
		fmt.Fprintf(&b, "  • <code>%s</code>\n", esc(u))
	}
	return b.String()
}

func fieldTitle(f string) string {
	if t, ok := fieldTitles[f]; ok {
		return t
	}
	return f
}

func esc(s string) string { return html.EscapeString(s) }

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func orDash(s string) string { return orDefault(s, "—") }

func ptr(t time.Time) *time.Time { return &t }
