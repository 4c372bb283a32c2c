package dumper

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/time/rate"

	"github.com/hazyhaar/pixeldump/identity"
	"github.com/hazyhaar/pixeldump/observability"
	"github.com/hazyhaar/pixeldump/shield"
)

// Version is reported by the MCP server.
var Version = "dev"

// MCPServer returns an MCP server exposing the title tools.
func (s *Service) MCPServer() *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "pixeldump", Version: Version}, nil)
	s.resolver.RegisterMCP(srv)
	return srv
}

// Routes returns the HTTP API. GET / and GET /api serve the latest snapshot.
// GET /metrics summarizes runtime metrics over ?since= (default 1h) and
// GET /metrics/{name} lists its newest datapoints.
func (s *Service) Routes() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultAPIStack(shield.StackConfig{
		Origins:       s.cfg.HTTP.Origins,
		MaxBody:       s.cfg.HTTP.MaxBody,
		RatePerSecond: rate.Limit(s.cfg.HTTP.RatePerSecond),
		Burst:         s.cfg.HTTP.Burst,
	}) {
		r.Use(mw)
	}

	r.Get("/", s.handleSnapshot)
	r.Get("/api", s.handleSnapshot)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Health())
	})
	r.Post("/decode", s.handleDecode)

	r.Route("/titles", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			recs := s.resolver.Titles(r.URL.Query().Get("match_type"))
			out := make([]identity.TitleView, len(recs))
			for i, rec := range recs {
				out[i] = identity.View(rec)
			}
			writeJSON(w, http.StatusOK, out)
		})
		r.Post("/", s.handleAddTitle)
		r.Get("/unresolved", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, s.resolver.UnresolvedViews())
		})
		r.Delete("/unresolved", func(w http.ResponseWriter, r *http.Request) {
			s.resolver.ClearUnresolved()
			w.WriteHeader(http.StatusNoContent)
		})
		r.Get("/approximate", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, s.resolver.ApproximateLog())
		})
		r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
			counts, err := s.resolver.StoredCounts(r.Context())
			if err != nil {
				writeIdentityError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, titleStats{Stats: s.resolver.Stats(), Stored: counts})
		})
		r.Put("/threshold", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Threshold float64 `json:"threshold"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]float64{"threshold": s.resolver.SetThreshold(req.Threshold)})
		})
		r.Get("/export", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Content-Disposition", `attachment; filename="titles.json"`)
			if err := s.resolver.Export(w); err != nil {
				shield.GetLogger(r.Context()).Error("export titles", "error", err)
			}
		})
		r.Post("/import", func(w http.ResponseWriter, r *http.Request) {
			res, err := s.resolver.Import(r.Context(), r.Body)
			if err != nil && !identity.IsDeferred(err) {
				writeIdentityError(w, err)
				return
			}
			code := http.StatusOK
			if err != nil {
				code = http.StatusAccepted
			}
			writeJSON(w, code, res)
		})
		r.Put("/{id}", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Title string `json:"title"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			rec, err := s.resolver.UpdateTitle(r.Context(), chi.URLParam(r, "id"), req.Title)
			if err != nil {
				writeIdentityError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, identity.View(rec))
		})
		r.Delete("/{id}", func(w http.ResponseWriter, r *http.Request) {
			if err := s.resolver.DeleteTitle(r.Context(), chi.URLParam(r, "id")); err != nil {
				writeIdentityError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	})

	r.Route("/metrics", func(r chi.Router) {
		r.Get("/", s.handleMetricsSummary)
		r.Get("/{name}", s.handleMetricsQuery)
	})

	mcpSrv := s.MCPServer()
	r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil))
	return r
}

func (s *Service) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Latest())
}

// handleDecode decodes an uploaded PNG or BMP capture without touching the
// frame loop.
func (s *Service) handleDecode(w http.ResponseWriter, r *http.Request) {
	img, _, err := image.Decode(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.DecodeImage(img))
}

type titleStats struct {
	identity.Stats
	Stored map[string]int `json:"stored"`
}

// since reads the ?since= lookback window, one hour by default.
func since(r *http.Request) (time.Time, error) {
	d := time.Hour
	if v := r.URL.Query().Get("since"); v != "" {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return time.Time{}, err
		}
	}
	return time.Now().Add(-d), nil
}

// handleMetricsSummary aggregates every metric pixeldump records over the
// lookback window.
func (s *Service) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	from, err := since(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.metrics.Flush()
	out := make([]observability.Summary, 0, len(observability.Names))
	for _, name := range observability.Names {
		sum, err := s.metrics.Summarize(r.Context(), name, from)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out = append(out, sum)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleMetricsQuery returns the newest datapoints of one metric.
func (s *Service) handleMetricsQuery(w http.ResponseWriter, r *http.Request) {
	from, err := since(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
	}
	name := chi.URLParam(r, "name")
	if !slices.Contains(observability.Names, name) {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown metric %q", name))
		return
	}
	s.metrics.Flush()
	points, err := s.metrics.Query(r.Context(), name, from, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if points == nil {
		points = []*observability.Metric{}
	}
	writeJSON(w, http.StatusOK, points)
}

func (s *Service) handleAddTitle(w http.ResponseWriter, r *http.Request) {
	var req identity.NewTitle
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := s.resolver.AddTitle(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, identity.View(rec))
	case identity.IsDeferred(err):
		shield.GetLogger(r.Context()).Warn("title stored in memory only", "hash", rec.Hash, "error", err)
		writeJSON(w, http.StatusAccepted, identity.View(rec))
	default:
		writeIdentityError(w, err)
	}
}

func writeIdentityError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, identity.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, identity.ErrInvalid):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, identity.ErrStore):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
