package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bl4ck0w1/crlsentry/internal/storage"
	"github.com/bl4ck0w1/crlsentry/pkg/models"
	"github.com/bl4ck0w1/crlsentry/pkg/utils"
)

const secret = "s3cr3t-for-tests"

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func seededStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.NewFileStore(t.TempDir(), quietLogger())
	require.NoError(t, err)
	ctx := context.Background()
	for _, name := range []string{"b.crl", "a.crl"} {
		require.NoError(t, s.UpsertCRLState(ctx, &models.CrlRecord{
			Name:      name,
			URL:       "http://cdp.example/" + name,
			LastCheck: time.Date(2025, 3, 5, 9, 0, 0, 0, time.UTC),
		}))
	}
	return s
}

func do(t *testing.T, h http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthzReportsStoreState(t *testing.T) {
	srv := New(Options{JWTSecret: secret, StoreState: func() string { return "closed" }}, seededStore(t), nil, quietLogger())

	rec := do(t, srv.Handler(), "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "closed", body["store"])
}

func TestMetricsEndpoint(t *testing.T) {
	metrics := utils.NewMetricsCollector(false)
	require.NoError(t, metrics.RegisterDefaults())
	metrics.IncCounter(utils.MetricCRLChecks, 1, nil)
	srv := New(Options{}, seededStore(t), metrics, quietLogger())

	rec := do(t, srv.Handler(), "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "crl_checks_total 1")
}

func TestAPIRequiresToken(t *testing.T) {
	srv := New(Options{JWTSecret: secret}, seededStore(t), nil, quietLogger())
	h := srv.Handler()

	assert.Equal(t, http.StatusUnauthorized, do(t, h, "/api/v1/crls", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, "/api/v1/crls", "not-a-jwt").Code)

	other, err := utils.IssueJWT("ops", "another-secret", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, "/api/v1/crls", other).Code)

	token, err := utils.IssueJWT("ops", secret, time.Hour)
	require.NoError(t, err)
	rec := do(t, h, "/api/v1/crls", token)
	require.Equal(t, http.StatusOK, rec.Code)

	var out []models.CrlRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 2)
	assert.Equal(t, "a.crl", out[0].Name)
	assert.Equal(t, "b.crl", out[1].Name)
}

func TestAPIWithoutSecretIsOpen(t *testing.T) {
	h := New(Options{}, seededStore(t), nil, quietLogger()).Handler()

	rec := do(t, h, "/api/v1/crls/a.crl", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.CrlRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "http://cdp.example/a.crl", got.URL)

	assert.Equal(t, http.StatusNotFound, do(t, h, "/api/v1/crls/missing.crl", "").Code)

	rec = do(t, h, "/api/v1/tsl/versions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = do(t, h, "/api/v1/tsl/diffs/42", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

type brokenState struct{ storage.Store }

func (brokenState) GetCRLStates(context.Context) (map[string]*models.CrlRecord, error) {
	return nil, errors.New("disk gone")
}

func TestAPIStoreFailure(t *testing.T) {
	h := New(Options{}, brokenState{}, nil, quietLogger()).Handler()
	rec := do(t, h, "/api/v1/crls", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk gone")
}

func TestStartStopsOnCancel(t *testing.T) {
	srv := New(Options{Addr: "127.0.0.1:0"}, seededStore(t), nil, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestBearer(t *testing.T) {
	tok, ok := bearer("Bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)
	tok, ok = bearer("bearer  xyz ")
	assert.True(t, ok)
	assert.Equal(t, "xyz", tok)
	_, ok = bearer("Basic abc")
	assert.False(t, ok)
	_, ok = bearer("Bearer ")
	assert.False(t, ok)
}
