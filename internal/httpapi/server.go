// Package httpapi is the thin trigger-and-status surface over the pipeline:
// run a sync or analysis pass now, inspect entries and insights, search.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/pensieve/internal/background"
	"github.com/agentworkforce/pensieve/internal/insight"
	"github.com/agentworkforce/pensieve/internal/lifelog"
	"github.com/agentworkforce/pensieve/internal/search"
	"github.com/agentworkforce/pensieve/internal/store"
	"github.com/agentworkforce/pensieve/internal/syncer"
)

type SyncRunner interface {
	Run(ctx context.Context) (*syncer.Stats, error)
}

type AnalyzeRunner interface {
	Run(ctx context.Context, req insight.Request) (*insight.Result, error)
}

type Searcher interface {
	Search(query string, limit int) ([]search.Result, error)
}

type Logger interface {
	Printf(format string, v ...any)
}

type ServerConfig struct {
	MaxBodyBytes int64
}

type ServerOptions struct {
	Store   store.Store
	Sync    SyncRunner
	Analyze AnalyzeRunner
	Search  Searcher     // optional
	Metrics http.Handler // optional, serves /metrics
	Logger  Logger
	Config  ServerConfig
}

type Server struct {
	store   store.Store
	sync    SyncRunner
	analyze AnalyzeRunner
	search  Searcher
	metrics http.Handler
	logger  Logger
	cfg     ServerConfig

	// detach runs the post-response analysis continuation; tests swap it
	// to observe completion.
	detach func(name string, fn func(ctx context.Context) error) <-chan struct{}
}

func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	s := &Server{
		store:   opts.Store,
		sync:    opts.Sync,
		analyze: opts.Analyze,
		search:  opts.Search,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		cfg:     cfg,
	}
	s.detach = func(name string, fn func(ctx context.Context) error) <-chan struct{} {
		return background.Go(name, opts.Logger, fn)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet && s.metrics != nil {
		s.metrics.ServeHTTP(w, r)
		return
	}
	if r.URL.Path == "/v1/status" && r.Method == http.MethodGet {
		s.handleStatus(w, r, correlationID)
		return
	}
	if r.URL.Path == "/v1/sync" && r.Method == http.MethodPost {
		s.handleSync(w, r, correlationID)
		return
	}
	if r.URL.Path == "/v1/analyze" && r.Method == http.MethodPost {
		s.handleAnalyze(w, r, correlationID)
		return
	}
	if r.URL.Path == "/v1/entries" && r.Method == http.MethodGet {
		s.handleEntries(w, r, correlationID)
		return
	}
	if r.URL.Path == "/v1/search" && r.Method == http.MethodGet {
		s.handleSearch(w, r, correlationID)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) == 3 && parts[0] == "v1" && parts[1] == "entries" && parts[2] != "" && r.Method == http.MethodGet {
		s.handleEntry(w, r, parts[2], correlationID)
		return
	}

	writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, correlationID string) {
	ctx := r.Context()
	entries, err := s.store.CountEntries(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	analyses, err := s.store.CountAnalyses(ctx, insight.SchemaVersion)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	state := map[string]string{}
	for _, key := range []string{syncer.StateLastSyncedAt, syncer.StateLastUpdatedAt, syncer.StateLastStaleAlert} {
		value, err := s.store.GetSyncState(ctx, key)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
			return
		}
		if value != "" {
			state[key] = value
		}
	}
	events, err := s.store.RecentAnalysisEvents(ctx, 10)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		SchemaVersion string              `json:"schemaVersion"`
		Entries       int64               `json:"entries"`
		Analyses      int64               `json:"analyses"`
		SyncState     map[string]string   `json:"syncState"`
		RecentEvents  []analysisEventJSON `json:"recentEvents"`
	}{
		SchemaVersion: insight.SchemaVersion,
		Entries:       entries,
		Analyses:      analyses,
		SyncState:     state,
		RecentEvents:  eventViews(events),
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, correlationID string) {
	stats, err := s.sync.Run(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "sync_failed", err.Error(), correlationID)
		return
	}
	analyze := r.URL.Query().Get("analyze") == "1"
	writeJSON(w, http.StatusOK, struct {
		Sync             *syncer.Stats `json:"sync"`
		AnalysisDetached bool          `json:"analysisDetached"`
	}{Sync: stats, AnalysisDetached: analyze})
	if analyze {
		// The response is already written; the continuation owns its own
		// lifetime and reports only through the log.
		s.detach("analyze-after-sync", func(ctx context.Context) error {
			_, err := s.analyze.Run(ctx, insight.Request{})
			return err
		})
	}
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req insight.Request
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	result, err := s.analyze.Run(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadGateway, "analysis_failed", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request, correlationID string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 20, 1, 200)
	entries, err := s.store.RecentEntries(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	views := make([]entryJSON, 0, len(entries))
	for _, entry := range entries {
		views = append(views, entryView(entry))
	}
	writeJSON(w, http.StatusOK, struct {
		Entries []entryJSON `json:"entries"`
	}{Entries: views})
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request, entryID, correlationID string) {
	ctx := r.Context()
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	if entry == nil {
		writeError(w, http.StatusNotFound, "not_found", "entry not found", correlationID)
		return
	}
	segments, err := s.store.EntrySegments(ctx, entryID, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	analysis, err := s.store.GetAnalysis(ctx, entryID, insight.SchemaVersion)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	segmentViews := make([]segmentJSON, 0, len(segments))
	for _, segment := range segments {
		segmentViews = append(segmentViews, segmentView(segment))
	}
	writeJSON(w, http.StatusOK, struct {
		Entry    entryJSON     `json:"entry"`
		Segments []segmentJSON `json:"segments"`
		Analysis *analysisJSON `json:"analysis,omitempty"`
	}{
		Entry:    entryView(*entry),
		Segments: segmentViews,
		Analysis: analysisView(analysis),
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.search == nil {
		writeError(w, http.StatusNotFound, "not_found", "search is not enabled", correlationID)
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing q query parameter", correlationID)
		return
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 20, 1, 100)
	results, err := s.search.Search(query, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Query   string          `json:"query"`
		Results []search.Result `json:"results"`
	}{Query: query, Results: results})
}

type entryJSON struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Markdown       string `json:"markdown,omitempty"`
	StartTime      string `json:"startTime"`
	EndTime        string `json:"endTime"`
	IsStarred      bool   `json:"isStarred"`
	UpdatedAt      string `json:"updatedAt,omitempty"`
	SyncedAt       string `json:"syncedAt,omitempty"`
	LastAnalyzedAt string `json:"lastAnalyzedAt,omitempty"`
}

func entryView(e lifelog.Entry) entryJSON {
	view := entryJSON{
		ID:        e.ID,
		Title:     e.Title,
		Markdown:  e.Markdown,
		StartTime: e.StartTime,
		EndTime:   e.EndTime,
		IsStarred: e.IsStarred,
	}
	if !e.UpdatedAt.IsZero() {
		view.UpdatedAt = e.UpdatedAt.UTC().Format(time.RFC3339)
	}
	if !e.SyncedAt.IsZero() {
		view.SyncedAt = e.SyncedAt.UTC().Format(time.RFC3339)
	}
	if !e.LastAnalyzedAt.IsZero() {
		view.LastAnalyzedAt = e.LastAnalyzedAt.UTC().Format(time.RFC3339)
	}
	return view
}

type segmentJSON struct {
	ID          string `json:"id"`
	Path        string `json:"path"`
	Type        string `json:"type"`
	Content     string `json:"content"`
	StartTime   string `json:"startTime,omitempty"`
	EndTime     string `json:"endTime,omitempty"`
	SpeakerName string `json:"speakerName,omitempty"`
}

func segmentView(seg lifelog.Segment) segmentJSON {
	return segmentJSON{
		ID:          seg.ID,
		Path:        seg.Path,
		Type:        seg.Type,
		Content:     seg.Content,
		StartTime:   seg.StartTime,
		EndTime:     seg.EndTime,
		SpeakerName: seg.SpeakerName,
	}
}

type analysisJSON struct {
	EntryID   string          `json:"entryId"`
	Version   string          `json:"version"`
	Model     string          `json:"model"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"createdAt"`
}

func analysisView(a *store.Analysis) *analysisJSON {
	if a == nil {
		return nil
	}
	return &analysisJSON{
		EntryID:   a.EntryID,
		Version:   a.Version,
		Model:     a.Model,
		Payload:   a.Payload,
		CreatedAt: a.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type analysisEventJSON struct {
	EntryID   string `json:"entryId"`
	Status    string `json:"status"`
	Model     string `json:"model,omitempty"`
	Error     string `json:"error,omitempty"`
	CreatedAt string `json:"createdAt"`
}

func eventViews(events []store.AnalysisEvent) []analysisEventJSON {
	views := make([]analysisEventJSON, 0, len(events))
	for _, ev := range events {
		views = append(views, analysisEventJSON{
			EntryID:   ev.EntryID,
			Status:    ev.Status,
			Model:     ev.Model,
			Error:     ev.Error,
			CreatedAt: ev.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return views
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
