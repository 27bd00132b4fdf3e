package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/aluiziolira/go-realty-radar/crawler"
	"github.com/aluiziolira/go-realty-radar/models"
	"github.com/aluiziolira/go-realty-radar/storage"
)

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}

// queryInt reads a positive integer query parameter. Missing means 0.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRun crawls synchronously and returns the report. A client hanging up
// does not cancel the run; the report must still be written.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	source := mux.Vars(r)["source"]
	pages, err := queryInt(r, "pages")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	job := "run:" + source
	if !s.acquire(job) {
		respondError(w, http.StatusConflict, "a run for "+source+" is already in progress")
		return
	}
	defer s.release(job)

	report, err := s.runner.Run(context.WithoutCancel(r.Context()), source, pages)
	switch {
	case errors.Is(err, crawler.ErrUnknownSource):
		respondError(w, http.StatusNotFound, err.Error())
	case err != nil && report == nil:
		s.logger.Error("run failed", slog.String("source", source), slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "run failed")
	case err != nil:
		// Crawled but not persisted.
		s.logger.Error("run report not saved", slog.String("source", source), slog.Any("error", err))
		respondJSON(w, http.StatusInternalServerError, report)
	default:
		respondJSON(w, http.StatusOK, report)
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit == 0 {
		limit = 20
	}
	reports, err := s.repo.RunReports(r.Context(), r.URL.Query().Get("source"), limit)
	if err != nil {
		s.logger.Error("run reports", slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if reports == nil {
		reports = []models.RunReport{}
	}
	respondJSON(w, http.StatusOK, reports)
}

func (s *Server) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	source := mux.Vars(r)["source"]
	report, err := s.latestRun(r.Context(), source)
	if errors.Is(err, storage.ErrNotFound) {
		respondError(w, http.StatusNotFound, "no run recorded for "+source)
		return
	}
	if err != nil {
		s.logger.Error("latest run", slog.String("source", source), slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) latestRun(ctx context.Context, source string) (*models.RunReport, error) {
	if s.archive != nil {
		return s.archive.Latest(ctx, source)
	}
	reports, err := s.repo.RunReports(ctx, source, 1)
	if err != nil {
		return nil, err
	}
	if len(reports) == 0 {
		return nil, storage.ErrNotFound
	}
	return &reports[0], nil
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	batch, err := queryInt(r, "batch")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.acquire("sweep") {
		respondError(w, http.StatusConflict, "a sweep is already in progress")
		return
	}
	defer s.release("sweep")

	report, err := s.sweeper.Run(context.WithoutCancel(r.Context()), batch)
	if err != nil {
		s.logger.Error("sweep failed", slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// listing loads the listing named by the route, writing the error response
// itself when it cannot.
func (s *Server) listing(w http.ResponseWriter, r *http.Request) (*models.Listing, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid listing id")
		return nil, false
	}
	l, err := s.repo.GetListing(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		respondError(w, http.StatusNotFound, "listing not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get listing", slog.Int64("listing_id", id), slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return nil, false
	}
	return l, true
}

func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	l, ok := s.listing(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, l)
}

type historyResponse struct {
	ListingID int64                      `json:"listing_id"`
	Entries   []models.PriceHistoryEntry `json:"entries"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	l, ok := s.listing(w, r)
	if !ok {
		return
	}
	entries, err := s.repo.PriceHistory(r.Context(), l.ID)
	if err != nil {
		s.logger.Error("price history", slog.Int64("listing_id", l.ID), slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if entries == nil {
		entries = []models.PriceHistoryEntry{}
	}
	respondJSON(w, http.StatusOK, historyResponse{ListingID: l.ID, Entries: entries})
}

type matchesResponse struct {
	ListingID int64          `json:"listing_id"`
	Matches   []models.Match `json:"matches"`
}

func (s *Server) handleMatches(w http.ResponseWriter, r *http.Request) {
	l, ok := s.listing(w, r)
	if !ok {
		return
	}
	matches, err := s.repo.MatchesFor(r.Context(), l.ID)
	if err != nil {
		s.logger.Error("matches", slog.Int64("listing_id", l.ID), slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if matches == nil {
		matches = []models.Match{}
	}
	respondJSON(w, http.StatusOK, matchesResponse{ListingID: l.ID, Matches: matches})
}
