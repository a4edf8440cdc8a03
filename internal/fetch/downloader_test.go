package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bl4ck0w1/crlsentry/pkg/models"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testOptions() Options {
	return Options{
		Timeout:      5 * time.Second,
		VerifyTLS:    true,
		UserAgent:    "crlsentry-test",
		Retries:      2,
		RetryBackoff: time.Millisecond,
	}
}

func TestGetSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "crlsentry-test", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/pkix-crl")
		_, _ = w.Write([]byte("crl-bytes"))
	}))
	defer srv.Close()

	resp, err := NewDownloader(testOptions(), quietLogger()).Get(context.Background(), srv.URL+"/a.crl")
	require.NoError(t, err)
	assert.Equal(t, []byte("crl-bytes"), resp.Body)
	assert.Equal(t, "application/pkix-crl", resp.ContentType)
	assert.Equal(t, 1, resp.Attempts)
}

func TestGetRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	resp, err := NewDownloader(testOptions(), quietLogger()).Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestGetClientErrorIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := NewDownloader(testOptions(), quietLogger()).Get(context.Background(), srv.URL)
	var dlErr *models.DownloadError
	require.True(t, errors.As(err, &dlErr))
	assert.Equal(t, http.StatusNotFound, dlErr.StatusCode)
	assert.Equal(t, 1, dlErr.Attempts)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewDownloader(testOptions(), quietLogger()).Get(context.Background(), srv.URL)
	var dlErr *models.DownloadError
	require.True(t, errors.As(err, &dlErr))
	assert.Equal(t, 3, dlErr.Attempts)
	assert.Equal(t, http.StatusTooManyRequests, dlErr.StatusCode)
	assert.Equal(t, srv.URL, dlErr.URL)
}

func TestGetRejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()

	opts := testOptions()
	opts.MaxBodyBytes = 10
	_, err := NewDownloader(opts, quietLogger()).Get(context.Background(), srv.URL)
	var dlErr *models.DownloadError
	require.True(t, errors.As(err, &dlErr))
	assert.Equal(t, 1, dlErr.Attempts)
}

func TestRetryHandlerHonoursContext(t *testing.T) {
	r := NewRetryHandler(5, time.Hour, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	attempts, err := r.Do(ctx, func(int) error {
		cancel()
		return errors.New("boom")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}
