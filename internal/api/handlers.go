package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rankwatch/rankwatch/internal/scan"
)

const (
	maxCountries = 25
	maxKeywords  = 25
)

type createScanRequest struct {
	PlaylistID  string   `json:"playlist_id"`
	PlaylistURL string   `json:"playlist_url"`
	Countries   []string `json:"countries"`
	Keywords    []string `json:"keywords"`
}

func (req *createScanRequest) validate() error {
	if req.PlaylistID == "" && req.PlaylistURL == "" {
		return errors.New("playlist_id or playlist_url is required")
	}
	if len(req.Countries) == 0 {
		return errors.New("at least one country is required")
	}
	if len(req.Countries) > maxCountries {
		return fmt.Errorf("at most %d countries are allowed", maxCountries)
	}
	if len(req.Keywords) == 0 {
		return errors.New("at least one keyword is required")
	}
	if len(req.Keywords) > maxKeywords {
		return fmt.Errorf("at most %d keywords are allowed", maxKeywords)
	}
	for _, c := range req.Countries {
		if len(strings.TrimSpace(c)) != 2 {
			return fmt.Errorf("invalid country code %q", c)
		}
	}
	for _, k := range req.Keywords {
		if strings.TrimSpace(k) == "" {
			return errors.New("keywords must not be blank")
		}
	}
	return nil
}

func (s *Server) createScan(w http.ResponseWriter, r *http.Request) {
	var req createScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	countries := make([]string, 0, len(req.Countries))
	for _, c := range req.Countries {
		countries = append(countries, strings.ToUpper(strings.TrimSpace(c)))
	}
	keywords := make([]string, 0, len(req.Keywords))
	for _, k := range req.Keywords {
		keywords = append(keywords, strings.TrimSpace(k))
	}

	now := s.clock.Now()
	sc := &scan.Scan{
		ID:          s.ids.New(),
		PlaylistID:  req.PlaylistID,
		PlaylistURL: req.PlaylistURL,
		Countries:   countries,
		Keywords:    keywords,
		Status:      scan.StatusQueued,
		LastEventAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	sc.TotalUnits = sc.Units()

	if err := s.store.CreateScan(r.Context(), sc); err != nil {
		s.logger.Error("create scan failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create scan")
		return
	}

	// The channel exists before the first progress event so an immediate
	// subscriber misses nothing.
	s.bus.CreateChannel(sc.ID)
	s.runner.Start(sc.ID)

	writeJSON(w, http.StatusAccepted, toScanResponse(*sc))
}

func (s *Server) listScans(w http.ResponseWriter, r *http.Request) {
	var statusFilter *scan.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := scan.Status(raw)
		switch st {
		case scan.StatusQueued, scan.StatusRunning, scan.StatusCompleted,
			scan.StatusCompletedPartial, scan.StatusFailed, scan.StatusCancelled:
			statusFilter = &st
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", raw))
			return
		}
	}
	limit := intQueryParam(r, "limit", 50)
	offset := intQueryParam(r, "offset", 0)

	scans, err := s.store.ListScans(r.Context(), statusFilter, limit, offset)
	if err != nil {
		s.logger.Error("list scans failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list scans")
		return
	}
	out := make([]scanResponse, 0, len(scans))
	for _, sc := range scans {
		out = append(out, toScanResponse(sc))
	}
	writeJSON(w, http.StatusOK, map[string]any{"scans": out})
}

func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	id, ok := s.scanID(w, r)
	if !ok {
		return
	}
	sc, err := s.store.GetScan(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "scan not found")
		return
	}

	queries, err := s.store.ListQueries(r.Context(), id)
	if err != nil {
		s.logger.Error("list queries failed", zap.String("scan_id", id.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load scan queries")
		return
	}
	queryDTOs := make([]queryResponse, 0, len(queries))
	for _, q := range queries {
		results, err := s.store.ListResults(r.Context(), q.ID)
		if err != nil {
			s.logger.Error("list results failed", zap.String("query_id", q.ID.String()), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load query results")
			return
		}
		queryDTOs = append(queryDTOs, toQueryResponse(q, results))
	}

	resp := scanDetailResponse{
		scanResponse: toScanResponse(sc),
		Queries:      queryDTOs,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) deleteScan(w http.ResponseWriter, r *http.Request) {
	id, ok := s.scanID(w, r)
	if !ok {
		return
	}
	sc, err := s.store.GetScan(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "scan not found")
		return
	}
	if !sc.Status.IsTerminal() {
		writeError(w, http.StatusConflict, "scan is still active; cancel it first")
		return
	}
	if err := s.store.DeleteScan(r.Context(), id); err != nil {
		s.logger.Error("delete scan failed", zap.String("scan_id", id.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete scan")
		return
	}
	s.bus.Drop(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) cancelScan(w http.ResponseWriter, r *http.Request) {
	id, ok := s.scanID(w, r)
	if !ok {
		return
	}
	sc, err := s.store.GetScan(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "scan not found")
		return
	}
	if sc.Status.IsTerminal() {
		writeError(w, http.StatusConflict, fmt.Sprintf("scan already %s", sc.Status))
		return
	}
	if err := s.store.RequestCancel(r.Context(), id, s.clock.Now()); err != nil {
		s.logger.Error("request cancel failed", zap.String("scan_id", id.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to request cancellation")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"scan_id": id.String(),
		"status":  "cancel_requested",
	})
}

func (s *Server) scanID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "scan_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid scan id")
		return uuid.Nil, false
	}
	return id, true
}

func intQueryParam(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

type progressResponse struct {
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Percent   int    `json:"percent"`
	ETAMillis *int64 `json:"eta_ms,omitempty"`
	ETAHuman  string `json:"eta_human,omitempty"`
}

type scanResponse struct {
	ID                string           `json:"id"`
	PlaylistID        string           `json:"playlist_id,omitempty"`
	PlaylistURL       string           `json:"playlist_url,omitempty"`
	Countries         []string         `json:"countries"`
	Keywords          []string         `json:"keywords"`
	Status            scan.Status      `json:"status"`
	Progress          progressResponse `json:"progress"`
	StartedAt         *time.Time       `json:"started_at,omitempty"`
	FinishedAt        *time.Time       `json:"finished_at,omitempty"`
	CancelRequestedAt *time.Time       `json:"cancel_requested_at,omitempty"`
	CancelledAt       *time.Time       `json:"cancelled_at,omitempty"`
	ErrorMessage      *string          `json:"error_message,omitempty"`
	ErrorReason       string           `json:"error_reason,omitempty"`
	SnapshotFollowers *int64           `json:"snapshot_followers,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

type scanDetailResponse struct {
	scanResponse
	Queries []queryResponse `json:"queries"`
}

type queryResponse struct {
	ID          string           `json:"id"`
	Country     string           `json:"country"`
	Keyword     string           `json:"keyword"`
	SearchedAt  time.Time        `json:"searched_at"`
	TrackedRank *int             `json:"tracked_rank,omitempty"`
	FoundInTopN bool             `json:"found_in_top_n"`
	Results     []resultResponse `json:"results"`
}

type resultResponse struct {
	Rank             int        `json:"rank"`
	PlaylistID       string     `json:"playlist_id"`
	Name             string     `json:"name"`
	Owner            string     `json:"owner,omitempty"`
	Followers        *int64     `json:"followers,omitempty"`
	TrackCount       *int       `json:"track_count,omitempty"`
	Description      string     `json:"description,omitempty"`
	URL              string     `json:"url,omitempty"`
	LastTrackAddedAt *time.Time `json:"last_track_added_at,omitempty"`
	IsTracked        bool       `json:"is_tracked"`
}

func toScanResponse(sc scan.Scan) scanResponse {
	return scanResponse{
		ID:          sc.ID.String(),
		PlaylistID:  sc.PlaylistID,
		PlaylistURL: sc.PlaylistURL,
		Countries:   sc.Countries,
		Keywords:    sc.Keywords,
		Status:      sc.Status,
		Progress: progressResponse{
			Completed: sc.CompletedUnits,
			Total:     sc.TotalUnits,
			Percent:   sc.ProgressPct,
			ETAMillis: sc.ETAMillis,
			ETAHuman:  sc.ETAHuman,
		},
		StartedAt:         sc.StartedAt,
		FinishedAt:        sc.FinishedAt,
		CancelRequestedAt: sc.CancelRequestedAt,
		CancelledAt:       sc.CancelledAt,
		ErrorMessage:      sc.ErrorMessage,
		ErrorReason:       string(sc.ErrorReason),
		SnapshotFollowers: sc.SnapshotFollowers,
		CreatedAt:         sc.CreatedAt,
		UpdatedAt:         sc.UpdatedAt,
	}
}

func toQueryResponse(q scan.ScanQuery, results []scan.ScanResult) queryResponse {
	out := queryResponse{
		ID:          q.ID.String(),
		Country:     q.Country,
		Keyword:     q.Keyword,
		SearchedAt:  q.SearchedAt,
		TrackedRank: q.TrackedRank,
		FoundInTopN: q.FoundInTopN,
		Results:     make([]resultResponse, 0, len(results)),
	}
	for _, r := range results {
		out.Results = append(out.Results, resultResponse{
			Rank:             r.Rank,
			PlaylistID:       r.PlaylistID,
			Name:             r.Name,
			Owner:            r.Owner,
			Followers:        r.Followers,
			TrackCount:       r.TrackCount,
			Description:      r.Description,
			URL:              r.URL,
			LastTrackAddedAt: r.LastTrackAddedAt,
			IsTracked:        r.IsTracked,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
