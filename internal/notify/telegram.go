package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/bl4ck0w1/crlsentry/internal/fetch"
	"github.com/bl4ck0w1/crlsentry/pkg/models"
	"github.com/bl4ck0w1/crlsentry/pkg/utils"
)

// MaxMessageLength is the Telegram limit for one sendMessage text.
const MaxMessageLength = 4096

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// TelegramSender posts HTML messages to one chat through the Bot API.
type TelegramSender struct {
	client     *http.Client
	apiURL     string
	token      string
	chatID     string
	maxRetries int
	baseDelay  time.Duration
	limiter    *rate.Limiter
	logger     *logrus.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewTelegramSender(cfg models.TelegramConfig, logger *logrus.Logger) *TelegramSender {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.telegram.org"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &TelegramSender{
		client:     &http.Client{Timeout: cfg.Timeout},
		apiURL:     strings.TrimRight(cfg.APIURL, "/"),
		token:      cfg.BotToken,
		chatID:     cfg.ChatID,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		// Telegram allows roughly one message per second to a single chat.
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		logger:  logger,
		sleep:   sleepCtx,
	}
}

func (t *TelegramSender) Configured() bool {
	return t.token != "" && t.chatID != ""
}

// Send delivers text, split into chunks that fit the API limit. It returns
// the number of attempts spent on the failing chunk.
func (t *TelegramSender) Send(ctx context.Context, text string) (int, error) {
	if !t.Configured() {
		return 0, errors.New("telegram bot token or chat id is not configured")
	}
	total := 0
	for _, chunk := range SplitMessage(text, MaxMessageLength) {
		n, err := t.sendChunk(ctx, chunk)
		total += n
		if err != nil {
			return n, err
		}
	}
	return total, nil
}

func (t *TelegramSender) sendChunk(ctx context.Context, text string) (int, error) {
	var lastErr error
	for attempt := 0; attempt < t.maxRetries; attempt++ {
		if err := t.limiter.Wait(ctx); err != nil {
			return attempt, err
		}

		wait, err := t.post(ctx, text)
		if err == nil {
			return attempt + 1, nil
		}
		lastErr = err
		if fetch.IsPermanent(err) {
			return attempt + 1, err
		}

		if attempt == t.maxRetries-1 {
			break
		}
		backoff := t.baseDelay * time.Duration(1<<uint(attempt))
		if wait >= 0 {
			// 429: honour the server hint, or fall back to backoff, plus one second.
			if wait == 0 {
				wait = backoff
			}
			wait += time.Second
			t.logger.WithFields(logrus.Fields{
				"attempt": attempt + 1,
				"wait":    wait.String(),
			}).Warn("telegram rate limit hit")
		} else {
			wait = backoff
			t.logger.WithError(err).WithField("attempt", attempt+1).Warn("telegram send failed, retrying")
		}
		if err := t.sleep(ctx, wait); err != nil {
			return attempt + 1, err
		}
	}
	return t.maxRetries, lastErr
}

// post returns a non-negative wait when the API answered 429; zero means no
// hint was given.
func (t *TelegramSender) post(ctx context.Context, text string) (time.Duration, error) {
	payload, err := json.Marshal(map[string]any{
		"chat_id":                  t.chatID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	})
	if err != nil {
		return -1, fetch.Permanent(err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.apiURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return -1, fetch.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := t.client.Do(req)
	if err != nil {
		return -1, fmt.Errorf("telegram request to bot%s: %w", utils.MaskSensitiveData(t.token), scrub(err, t.token))
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))

	var api apiResponse
	_ = json.Unmarshal(body, &api)

	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		wait := time.Duration(0)
		if h := res.Header.Get("Retry-After"); h != "" {
			if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs > 0 {
				wait = time.Duration(secs) * time.Second
			}
		}
		if wait == 0 && api.Parameters.RetryAfter > 0 {
			wait = time.Duration(api.Parameters.RetryAfter) * time.Second
		}
		return wait, fmt.Errorf("telegram: too many requests")
	case res.StatusCode >= 500:
		return -1, fmt.Errorf("telegram: %s", res.Status)
	case res.StatusCode >= 400:
		return -1, fetch.Permanent(fmt.Errorf("telegram: %s: %s", res.Status, api.Description))
	case !api.OK:
		return -1, fmt.Errorf("telegram: api returned ok=false: %s", api.Description)
	}
	return -1, nil
}

// SplitMessage cuts text into pieces of at most limit characters, breaking
// on line boundaries where possible. HTML elements open at a cut are closed
// at the end of the piece and reopened at the start of the next one, and a
// cut never falls inside a tag or an entity.
func SplitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	s := &splitter{limit: limit}
	for _, line := range strings.SplitAfter(text, "\n") {
		s.addLine(line)
	}
	s.flush()
	return s.out
}

type htmlTag struct {
	name string
	raw  string
}

type splitter struct {
	limit  int
	out    []string
	cur    strings.Builder
	size   int
	prefix int
	open   []htmlTag
}

func (s *splitter) addLine(line string) {
	n := utf8.RuneCountInString(line)
	after := applyTags(s.open, line)
	if s.size+n+closersLen(after) > s.limit && s.size > s.prefix {
		s.flush()
	}
	if s.size+n+closersLen(after) <= s.limit {
		s.write(line, n, after)
		return
	}
	for _, tok := range tokenize(line) {
		tn := utf8.RuneCountInString(tok)
		next := applyTags(s.open, tok)
		if s.size+tn+closersLen(next) > s.limit && s.size > s.prefix {
			s.flush()
		}
		s.write(tok, tn, next)
	}
}

func (s *splitter) write(chunk string, n int, open []htmlTag) {
	s.cur.WriteString(chunk)
	s.size += n
	s.open = open
}

func (s *splitter) flush() {
	if s.size <= s.prefix {
		return
	}
	s.out = append(s.out, strings.TrimRight(s.cur.String(), "\n")+closers(s.open))
	s.cur.Reset()
	for _, t := range s.open {
		s.cur.WriteString(t.raw)
	}
	s.size = utf8.RuneCountInString(s.cur.String())
	s.prefix = s.size
}

// tokenize splits text into tags, entities and single runes.
func tokenize(text string) []string {
	var out []string
	for len(text) > 0 {
		switch text[0] {
		case '<':
			if end := strings.IndexByte(text, '>'); end > 0 {
				out = append(out, text[:end+1])
				text = text[end+1:]
				continue
			}
		case '&':
			if end := strings.IndexByte(text, ';'); end > 0 && end <= 10 {
				out = append(out, text[:end+1])
				text = text[end+1:]
				continue
			}
		}
		_, size := utf8.DecodeRuneInString(text)
		out = append(out, text[:size])
		text = text[size:]
	}
	return out
}

// applyTags returns the element stack after text, leaving open untouched.
func applyTags(open []htmlTag, text string) []htmlTag {
	if !strings.Contains(text, "<") {
		return open
	}
	stack := append([]htmlTag(nil), open...)
	for _, tok := range tokenize(text) {
		if len(tok) < 3 || tok[0] != '<' || tok[len(tok)-1] != '>' {
			continue
		}
		body := strings.TrimSuffix(strings.TrimPrefix(tok, "<"), ">")
		if strings.HasPrefix(body, "/") {
			name := tagName(body[1:])
			for i := len(stack) - 1; i >= 0; i-- {
				if stack[i].name == name {
					stack = append(stack[:i], stack[i+1:]...)
					break
				}
			}
			continue
		}
		stack = append(stack, htmlTag{name: tagName(body), raw: tok})
	}
	return stack
}

func tagName(body string) string {
	if i := strings.IndexAny(body, " \t\n/"); i >= 0 {
		body = body[:i]
	}
	return strings.ToLower(body)
}

func closers(open []htmlTag) string {
	var b strings.Builder
	for i := len(open) - 1; i >= 0; i-- {
		b.WriteString("</" + open[i].name + ">")
	}
	return b.String()
}

func closersLen(open []htmlTag) int {
	n := 0
	for _, t := range open {
		n += len(t.name) + 3
	}
	return n
}

func scrub(err error, token string) error {
	if token == "" {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), token, utils.MaskSensitiveData(token)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
