package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/IliaW/policy-gate/config"
	"github.com/IliaW/policy-gate/internal/model"
	"github.com/IliaW/policy-gate/internal/policy"
	"github.com/PuerkitoBio/purell"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

// Server answers per-request policy lookups over HTTP. The /check endpoint
// speaks the compact rule-response format crawl gates consume; /decision
// returns the full evaluation.
type Server struct {
	cfg    *config.Config
	loader *policy.Loader
}

func New(cfg *config.Config, loader *policy.Loader) *Server {
	return &Server{cfg: cfg, loader: loader}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	limit := s.cfg.ServerSettings.RequestLimit
	window := s.cfg.ServerSettings.RequestWindow
	if limit <= 0 {
		limit = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	r.Use(httprate.LimitByIP(limit, window))

	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	})
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/check", s.handleCheck)
		r.Get("/decision", s.handleDecision)
		r.Get("/policy", s.handlePolicy)
		r.Post("/policy/reload", s.handleReload)
	})

	return r
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	decision, status, errMsg := s.evaluate(r)
	resp := model.RuleResponse{StatusCode: status, Error: errMsg}
	if decision != nil {
		resp.IsAllowed = decision.Allowed
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	decision, status, errMsg := s.evaluate(r)
	if decision == nil {
		writeJSON(w, status, model.RuleResponse{StatusCode: status, Error: errMsg})
		return
	}
	writeJSON(w, status, decision)
}

func (s *Server) evaluate(r *http.Request) (*model.Decision, int, string) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		return nil, http.StatusBadRequest, "missing url parameter"
	}
	agent := r.URL.Query().Get("agent")
	if agent == "" {
		agent = s.cfg.WorkerSettings.UserAgent
	}

	normUrl, err := purell.NormalizeURLString(rawURL, purell.FlagsSafe|purell.FlagSortQuery)
	if err != nil {
		return nil, http.StatusBadRequest, "invalid url: " + err.Error()
	}

	decision, err := s.loader.Snapshot().Evaluate(normUrl, agent)
	if err != nil {
		return nil, http.StatusUnprocessableEntity, err.Error()
	}

	return decision, http.StatusOK, ""
}

type policySummary struct {
	SnapshotID   string    `json:"snapshot_id"`
	LoadedAt     time.Time `json:"loaded_at"`
	Host         string    `json:"host"`
	DirectiveCnt int       `json:"directive_rules"`
	SitemapURLs  int       `json:"sitemap_urls"`
	RobotsGroups int       `json:"robots_groups"`
	Warnings     []string  `json:"warnings,omitempty"`
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, summarize(s.loader.Snapshot()))
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	snap, err := s.loader.Reload()
	if err != nil {
		slog.Error("policy reload via api rejected.", slog.String("err", err.Error()))
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, summarize(snap))
}

func summarize(snap *policy.Snapshot) policySummary {
	sum := policySummary{
		SnapshotID:   snap.ID,
		LoadedAt:     snap.LoadedAt,
		Host:         snap.Host,
		DirectiveCnt: len(snap.Directives.Rules),
		Warnings:     snap.Warnings,
	}
	if snap.Sitemap != nil {
		sum.SitemapURLs = len(snap.Sitemap.Entries)
	}
	if snap.Robots != nil {
		sum.RobotsGroups = len(snap.Robots.Groups)
	}

	return sum
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response.", slog.String("err", err.Error()))
	}
}
