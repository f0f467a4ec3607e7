package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/pensieve/internal/insight"
	"github.com/agentworkforce/pensieve/internal/lifelog"
	"github.com/agentworkforce/pensieve/internal/search"
	"github.com/agentworkforce/pensieve/internal/store"
	"github.com/agentworkforce/pensieve/internal/syncer"
)

type fakeSync struct {
	stats *syncer.Stats
	err   error
	runs  int
}

func (f *fakeSync) Run(ctx context.Context) (*syncer.Stats, error) {
	f.runs++
	if f.err != nil {
		return nil, f.err
	}
	return f.stats, nil
}

type fakeAnalyze struct {
	result   *insight.Result
	err      error
	requests []insight.Request
}

func (f *fakeAnalyze) Run(ctx context.Context, req insight.Request) (*insight.Result, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeSearch struct {
	results []search.Result
	queries []string
}

func (f *fakeSearch) Search(query string, limit int) ([]search.Result, error) {
	f.queries = append(f.queries, query)
	return f.results, nil
}

func testServer(t *testing.T, opts ServerOptions) (*Server, store.Store) {
	t.Helper()
	st := store.NewMemoryStore(store.Options{})
	opts.Store = st
	if opts.Sync == nil {
		opts.Sync = &fakeSync{stats: &syncer.Stats{Mode: syncer.ModeIncremental}}
	}
	if opts.Analyze == nil {
		opts.Analyze = &fakeAnalyze{result: &insight.Result{}}
	}
	return NewServer(opts), st
}

func doRequest(s *Server, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := testServer(t, ServerOptions{})
	rec := doRequest(s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Correlation-Id") == "" {
		t.Fatalf("expected a generated correlation id header")
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	s, _ := testServer(t, ServerOptions{})
	rec := doRequest(s, http.MethodGet, "/v1/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload["code"] != "not_found" || payload["correlationId"] == "" {
		t.Fatalf("unexpected error payload %v", payload)
	}
}

func TestCorrelationIDEchoed(t *testing.T) {
	s, _ := testServer(t, ServerOptions{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Correlation-Id", "corr-42")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Correlation-Id"); got != "corr-42" {
		t.Fatalf("expected echoed correlation id, got %q", got)
	}
}

func TestStatusReportsCountsAndState(t *testing.T) {
	s, st := testServer(t, ServerOptions{})
	ctx := context.Background()
	if err := st.UpsertEntry(ctx, lifelog.Entry{ID: "lg_1", Hash: "h1"}); err != nil {
		t.Fatalf("seed entry: %v", err)
	}
	if err := st.SetSyncState(ctx, syncer.StateLastSyncedAt, "2025-08-22T12:00:00Z"); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	rec := doRequest(s, http.MethodGet, "/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		SchemaVersion string            `json:"schemaVersion"`
		Entries       int64             `json:"entries"`
		Analyses      int64             `json:"analyses"`
		SyncState     map[string]string `json:"syncState"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if payload.Entries != 1 || payload.Analyses != 0 {
		t.Fatalf("unexpected counts %+v", payload)
	}
	if payload.SchemaVersion != insight.SchemaVersion {
		t.Fatalf("expected schema version %q, got %q", insight.SchemaVersion, payload.SchemaVersion)
	}
	if payload.SyncState[syncer.StateLastSyncedAt] != "2025-08-22T12:00:00Z" {
		t.Fatalf("expected sync state surfaced, got %v", payload.SyncState)
	}
}

func TestSyncReturnsStats(t *testing.T) {
	sync := &fakeSync{stats: &syncer.Stats{Mode: syncer.ModeBootstrap, Fetched: 3, New: 3}}
	s, _ := testServer(t, ServerOptions{Sync: sync})

	rec := doRequest(s, http.MethodPost, "/v1/sync", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Sync             syncer.Stats `json:"sync"`
		AnalysisDetached bool         `json:"analysisDetached"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode sync response: %v", err)
	}
	if payload.Sync.Mode != syncer.ModeBootstrap || payload.Sync.Fetched != 3 {
		t.Fatalf("unexpected stats %+v", payload.Sync)
	}
	if payload.AnalysisDetached {
		t.Fatalf("expected no analysis continuation without analyze=1")
	}
	if sync.runs != 1 {
		t.Fatalf("expected one sync run, got %d", sync.runs)
	}
}

func TestSyncDetachesAnalysisContinuation(t *testing.T) {
	analyze := &fakeAnalyze{result: &insight.Result{}}
	s, _ := testServer(t, ServerOptions{Analyze: analyze})
	detached := make(chan struct{}, 1)
	inner := s.detach
	s.detach = func(name string, fn func(ctx context.Context) error) <-chan struct{} {
		done := inner(name, fn)
		<-done
		detached <- struct{}{}
		return done
	}

	rec := doRequest(s, http.MethodPost, "/v1/sync?analyze=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	select {
	case <-detached:
	case <-time.After(2 * time.Second):
		t.Fatalf("analysis continuation never ran")
	}
	if len(analyze.requests) != 1 {
		t.Fatalf("expected one detached analysis run, got %d", len(analyze.requests))
	}
}

func TestSyncFailureIs502(t *testing.T) {
	s, _ := testServer(t, ServerOptions{Sync: &fakeSync{err: errors.New("provider down")}})
	rec := doRequest(s, http.MethodPost, "/v1/sync", "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestAnalyzePassesRequestThrough(t *testing.T) {
	analyze := &fakeAnalyze{result: &insight.Result{Analyzed: []string{"lg_1"}}}
	s, _ := testServer(t, ServerOptions{Analyze: analyze})

	rec := doRequest(s, http.MethodPost, "/v1/analyze", `{"entryIds":["lg_1"],"force":true,"limit":5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(analyze.requests) != 1 {
		t.Fatalf("expected one analyze run, got %d", len(analyze.requests))
	}
	req := analyze.requests[0]
	if len(req.EntryIDs) != 1 || req.EntryIDs[0] != "lg_1" || !req.Force || req.Limit != 5 {
		t.Fatalf("unexpected request %+v", req)
	}
	var result insight.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.Analyzed) != 1 || result.Analyzed[0] != "lg_1" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestAnalyzeRejectsMalformedBody(t *testing.T) {
	s, _ := testServer(t, ServerOptions{})
	rec := doRequest(s, http.MethodPost, "/v1/analyze", `{"force": tru`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestEntriesAndEntryDetail(t *testing.T) {
	s, st := testServer(t, ServerOptions{})
	ctx := context.Background()
	entry := lifelog.Entry{
		ID:          "lg_1",
		Title:       "Walk",
		StartTime:   "2025-08-20T09:00:00Z",
		StartMillis: 1755680400000,
		Hash:        "h1",
	}
	if err := st.UpsertEntry(ctx, entry); err != nil {
		t.Fatalf("seed entry: %v", err)
	}
	if _, err := st.ReplaceSegments(ctx, "lg_1", []lifelog.Segment{
		{ID: "lg_1:0", EntryID: "lg_1", Path: "0", Type: "heading1", Content: "Morning"},
	}); err != nil {
		t.Fatalf("seed segments: %v", err)
	}
	if err := st.UpsertAnalysis(ctx, store.Analysis{
		EntryID:     "lg_1",
		Version:     insight.SchemaVersion,
		Model:       "gemini-2.0-flash",
		PayloadHash: "h1",
		Payload:     json.RawMessage(`{"summary":"a walk","mood":"calm"}`),
	}); err != nil {
		t.Fatalf("seed analysis: %v", err)
	}

	rec := doRequest(s, http.MethodGet, "/v1/entries?limit=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list struct {
		Entries []entryJSON `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode entries: %v", err)
	}
	if len(list.Entries) != 1 || list.Entries[0].ID != "lg_1" {
		t.Fatalf("unexpected entries %+v", list.Entries)
	}

	rec = doRequest(s, http.MethodGet, "/v1/entries/lg_1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var detail struct {
		Entry    entryJSON     `json:"entry"`
		Segments []segmentJSON `json:"segments"`
		Analysis *analysisJSON `json:"analysis"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode entry detail: %v", err)
	}
	if detail.Entry.ID != "lg_1" || len(detail.Segments) != 1 {
		t.Fatalf("unexpected detail %+v", detail)
	}
	if detail.Analysis == nil || detail.Analysis.Model != "gemini-2.0-flash" {
		t.Fatalf("expected analysis attached, got %+v", detail.Analysis)
	}
}

func TestEntryNotFound(t *testing.T) {
	s, _ := testServer(t, ServerOptions{})
	rec := doRequest(s, http.MethodGet, "/v1/entries/lg_missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSearchEndpoint(t *testing.T) {
	searcher := &fakeSearch{results: []search.Result{{ID: "lg_1", Title: "Walk"}}}
	s, _ := testServer(t, ServerOptions{Search: searcher})

	rec := doRequest(s, http.MethodGet, "/v1/search?q=walk", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(searcher.queries) != 1 || searcher.queries[0] != "walk" {
		t.Fatalf("unexpected queries %v", searcher.queries)
	}

	rec = doRequest(s, http.MethodGet, "/v1/search", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing q, got %d", rec.Code)
	}
}

func TestSearchDisabled(t *testing.T) {
	s, _ := testServer(t, ServerOptions{})
	rec := doRequest(s, http.MethodGet, "/v1/search?q=walk", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when search is disabled, got %d", rec.Code)
	}
}
