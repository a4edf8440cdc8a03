package fetch

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/bl4ck0w1/crlsentry/pkg/models"
)

const (
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	maxRedirects     = 10
)

// Options configures a Downloader. Zero values fall back to defaults.
type Options struct {
	Timeout       time.Duration
	VerifyTLS     bool
	UserAgent     string
	Retries       int
	RetryBackoff  time.Duration
	RatePerSecond float64
	MaxBodyBytes  int64
}

func OptionsFromConfig(c models.HTTPConfig) Options {
	return Options{
		Timeout:       c.Timeout,
		VerifyTLS:     c.VerifyTLS,
		UserAgent:     c.UserAgent,
		Retries:       c.Retries,
		RetryBackoff:  c.RetryBackoff,
		RatePerSecond: c.RatePerSecond,
		MaxBodyBytes:  c.MaxBodyBytes,
	}
}

type Response struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	Attempts    int
}

type Downloader struct {
	client    *http.Client
	limiter   *rate.Limiter
	retry     *RetryHandler
	userAgent string
	maxBody   int64
	logger    *logrus.Logger
}

func NewDownloader(opts Options, logger *logrus.Logger) *Downloader {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 256 << 20
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: !opts.VerifyTLS, //nolint:gosec // some CA portals serve broken chains
		},
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 5,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   15 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		Proxy:                 http.ProxyFromEnvironment,
	}

	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}

	return &Downloader{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		limiter:   rate.NewLimiter(limit, 1),
		retry:     NewRetryHandler(opts.Retries, opts.RetryBackoff, logger),
		userAgent: opts.UserAgent,
		maxBody:   opts.MaxBodyBytes,
		logger:    logger,
	}
}

// Get downloads url, retrying transient failures. Every failure is
// reported as a *models.DownloadError.
func (d *Downloader) Get(ctx context.Context, url string) (*Response, error) {
	var (
		resp   *Response
		status int
	)
	attempts, err := d.retry.Do(ctx, func(attempt int) error {
		if err := d.limiter.Wait(ctx); err != nil {
			return Permanent(err)
		}
		r, err := d.once(ctx, url)
		if r != nil {
			status = r.StatusCode
		}
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, &models.DownloadError{URL: url, StatusCode: status, Attempts: attempts, Err: err}
	}
	resp.Attempts = attempts
	d.logger.WithFields(logrus.Fields{
		"url":      url,
		"bytes":    len(resp.Body),
		"attempts": attempts,
	}).Debug("download complete")
	return resp, nil
}

func (d *Downloader) once(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, Permanent(err)
	}
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("Accept", "*/*")

	res, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	out := &Response{URL: url, StatusCode: res.StatusCode, ContentType: res.Header.Get("Content-Type")}
	switch {
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
		return out, fmt.Errorf("server returned %s", res.Status)
	case res.StatusCode >= 400:
		return out, Permanent(fmt.Errorf("server returned %s", res.Status))
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, d.maxBody+1))
	if err != nil {
		return out, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(body)) > d.maxBody {
		return out, Permanent(fmt.Errorf("body exceeds %d bytes", d.maxBody))
	}
	out.Body = body
	return out, nil
}
