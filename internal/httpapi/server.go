package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/BrandonDHaskell/lockwarden/internal/lockwarden/service"
	"github.com/BrandonDHaskell/lockwarden/internal/lockwarden/store"
	"github.com/BrandonDHaskell/lockwarden/internal/logger"
	"github.com/BrandonDHaskell/lockwarden/internal/version"
)

type Dependencies struct {
	Addr    string
	Strikes *service.StrikeQuery
	// LastCycle is optional; it reports the most recent cycle, nil before the first.
	LastCycle func() *service.CycleReport
}

// Server is the read-only status API over strike records.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	strikes    *service.StrikeQuery
	lastCycle  func() *service.CycleReport
}

func NewServer(d Dependencies) *Server {
	mux := http.NewServeMux()

	s := &Server{
		mux:       mux,
		strikes:   d.Strikes,
		lastCycle: d.LastCycle,
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/strikes", s.handleListStrikes)
	mux.HandleFunc("GET /v1/strikes/{card_uid}", s.handleGetStrike)
	mux.HandleFunc("GET /v1/stats", s.handleStats)

	handler := loggingMiddleware(mux)

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Addr() string { return s.httpServer.Addr }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type healthResponse struct {
	OK        bool          `json:"ok"`
	Version   string        `json:"version"`
	LastCycle *cycleSummary `json:"last_cycle,omitempty"`
}

type cycleSummary struct {
	ID            string         `json:"id"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at"`
	Statuses      int            `json:"statuses"`
	Violations    int            `json:"violations"`
	Outcomes      map[string]int `json:"outcomes"`
	ActionsFailed int            `json:"actions_failed"`
	CardErrors    int            `json:"card_errors"`
	Cleaned       int            `json:"cleaned"`
	Error         string         `json:"error,omitempty"`
}

func summarize(r *service.CycleReport) *cycleSummary {
	if r == nil {
		return nil
	}
	out := &cycleSummary{
		ID:            r.ID,
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
		Statuses:      r.Statuses,
		Violations:    r.Violations,
		Outcomes:      make(map[string]int, len(r.Outcomes)),
		ActionsFailed: r.ActionsFailed,
		CardErrors:    len(r.CardErrors),
		Cleaned:       r.Cleaned,
	}
	for k, v := range r.Outcomes {
		out.Outcomes[string(k)] = v
	}
	if err := r.Err(); err != nil {
		out.Error = err.Error()
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{OK: true, Version: version.Version}
	if s.lastCycle != nil {
		resp.LastCycle = summarize(s.lastCycle())
	}
	writeJSON(w, http.StatusOK, resp)
}

type strikeListResponse struct {
	Count   int                  `json:"count"`
	Records []store.StrikeRecord `json:"records"`
}

func (s *Server) handleListStrikes(w http.ResponseWriter, r *http.Request) {
	recs, err := s.strikes.List(r.Context())
	if err != nil {
		logger.ErrorKV(r.Context(), "List strikes failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}
	if recs == nil {
		recs = []store.StrikeRecord{}
	}
	writeJSON(w, http.StatusOK, strikeListResponse{Count: len(recs), Records: recs})
}

func (s *Server) handleGetStrike(w http.ResponseWriter, r *http.Request) {
	rec, err := s.strikes.Get(r.Context(), r.PathValue("card_uid"))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCardUID):
			writeError(w, http.StatusBadRequest, "invalid_card_uid", err.Error())
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", "no strike record for card")
		default:
			logger.ErrorKV(r.Context(), "Get strike failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		}
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.strikes.Stats(r.Context())
	if err != nil {
		logger.ErrorKV(r.Context(), "Strike stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}
	writeJSON(w, http.StatusOK, st)
}
