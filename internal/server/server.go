package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/bl4ck0w1/crlsentry/internal/storage"
	"github.com/bl4ck0w1/crlsentry/pkg/models"
	"github.com/bl4ck0w1/crlsentry/pkg/utils"
)

// StateReader is the read side of the stores exposed over HTTP.
type StateReader interface {
	GetCRLStates(ctx context.Context) (map[string]*models.CrlRecord, error)
	GetCRLState(ctx context.Context, name string) (*models.CrlRecord, error)
	ListTSLVersions(ctx context.Context) ([]models.TslVersion, error)
	GetDiffs(ctx context.Context, toVersion string) ([]models.TslDiffEntry, error)
}

var _ StateReader = (storage.Store)(nil)

type Options struct {
	Addr      string
	JWTSecret string
	// StoreState reports the state store health, e.g. the breaker state.
	StoreState func() string
}

type Server struct {
	opts    Options
	state   StateReader
	metrics *utils.MetricsCollector
	logger  *logrus.Logger
	router  *mux.Router
	started time.Time
}

func New(opts Options, state StateReader, metrics *utils.MetricsCollector, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		opts:    opts,
		state:   state,
		metrics: metrics,
		logger:  logger,
		started: time.Now(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.requireJWT)
	api.HandleFunc("/crls", s.listCRLs).Methods(http.MethodGet)
	api.HandleFunc("/crls/{name}", s.getCRL).Methods(http.MethodGet)
	api.HandleFunc("/tsl/versions", s.listTSLVersions).Methods(http.MethodGet)
	api.HandleFunc("/tsl/diffs/{version}", s.getTSLDiffs).Methods(http.MethodGet)
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.opts.Addr).Info("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requireJWT(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.JWTSecret == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := bearer(r.Header.Get("Authorization"))
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if valid, err := utils.ValidateJWT(token, s.opts.JWTSecret); err != nil || !valid {
			s.logger.WithError(err).WithField("path", r.URL.Path).Debug("rejected API token")
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}
	if s.opts.StoreState != nil {
		body["store"] = s.opts.StoreState()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) listCRLs(w http.ResponseWriter, r *http.Request) {
	states, err := s.state.GetCRLStates(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]*models.CrlRecord, 0, len(states))
	for _, rec := range states {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getCRL(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	rec, err := s.state.GetCRLState(r.Context(), name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "unknown CRL "+name)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) listTSLVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.state.ListTSLVersions(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if versions == nil {
		versions = []models.TslVersion{}
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) getTSLDiffs(w http.ResponseWriter, r *http.Request) {
	diffs, err := s.state.GetDiffs(r.Context(), mux.Vars(r)["version"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if diffs == nil {
		diffs = []models.TslDiffEntry{}
	}
	writeJSON(w, http.StatusOK, diffs)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.WithError(err).WithField("path", r.URL.Path).Error("API request failed")
	writeError(w, http.StatusInternalServerError, "state store unavailable")
}

func bearer(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
