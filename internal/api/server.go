// Package api serves committed dataset versions over HTTP. It is read-only.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/mf-intel/internal/geo"
	"github.com/sells-group/mf-intel/internal/model"
	"github.com/sells-group/mf-intel/internal/warehouse"
)

// Versions reads committed dataset versions. *warehouse.Writer satisfies it.
type Versions interface {
	Read(ctx context.Context, ref string) (*model.DatasetVersion, error)
	List(ctx context.Context) ([]model.DatasetVersion, error)
}

// Options configures the router.
type Options struct {
	// AllowedOrigins for CORS. Empty means any origin.
	AllowedOrigins []string
}

type server struct {
	versions Versions
	log      *zap.Logger
}

// NewRouter returns the HTTP handler for the read API.
func NewRouter(versions Versions, opts Options) http.Handler {
	s := &server{
		versions: versions,
		log:      zap.L().With(zap.String("component", "api")),
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Route("/versions", func(r chi.Router) {
		r.Get("/", s.listVersions)
		r.Get("/{ref}", s.getVersion)
		// Catch-all so keys such as "submarket:north/central" stay addressable.
		r.Get("/{ref}/facts/*", s.getGeography)
	})
	return r
}

func (s *server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) listVersions(w http.ResponseWriter, r *http.Request) {
	list, err := s.versions.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []model.DatasetVersion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": list})
}

// versionResponse is a version with the facts that matched the filters.
type versionResponse struct {
	model.DatasetVersion
	Matched int `json:"matched"`
}

func (s *server) getVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.versions.Read(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	f := filterFromQuery(r.URL.Query())
	v.Facts = f.apply(v.Facts)
	writeJSON(w, http.StatusOK, versionResponse{DatasetVersion: *v, Matched: len(v.Facts)})
}

func (s *server) getGeography(w http.ResponseWriter, r *http.Request) {
	raw, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil || strings.TrimSpace(raw) == "" {
		writeError(w, http.StatusBadRequest, "invalid geography")
		return
	}
	v, err := s.versions.Read(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	f := filterFromQuery(r.URL.Query())
	f.geography = geographyKey(raw)
	facts := f.apply(v.Facts)
	if len(facts) == 0 {
		writeError(w, http.StatusNotFound, "no facts for geography "+f.geography)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   v.Number,
		"geography": f.geography,
		"facts":     facts,
	})
}

func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, warehouse.ErrVersionNotFound):
		writeError(w, http.StatusNotFound, "version not found")
	case errors.Is(err, warehouse.ErrInvalidRef):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("api: request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// filter narrows a version's facts. Empty fields match anything.
type filter struct {
	metric    string
	geography string
	period    string
}

func filterFromQuery(q url.Values) filter {
	f := filter{
		metric: strings.TrimSpace(q.Get("metric")),
		period: strings.ToUpper(strings.TrimSpace(q.Get("period"))),
	}
	if g := strings.TrimSpace(q.Get("geography")); g != "" {
		f.geography = geographyKey(g)
	}
	return f
}

func (f filter) apply(facts []model.ReconciledFact) []model.ReconciledFact {
	out := []model.ReconciledFact{}
	for _, fact := range facts {
		if f.metric != "" && fact.Key.Metric != f.metric {
			continue
		}
		if f.geography != "" && fact.Key.GeographyKey != f.geography {
			continue
		}
		if f.period != "" && fact.Key.Period != f.period {
			continue
		}
		out = append(out, fact)
	}
	return out
}

// geographyKey accepts a parcel key, a submarket key or a bare submarket name.
func geographyKey(s string) string {
	s = strings.TrimSpace(s)
	if geo.IsParcel(s) {
		return s
	}
	return geo.NormalizeKey(s)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
