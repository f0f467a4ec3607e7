package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentworkforce/pensieve/internal/lifelog"
	"github.com/agentworkforce/pensieve/internal/provider"
	"github.com/agentworkforce/pensieve/internal/store"
)

type fakeFetcher struct {
	pages    []*provider.Page
	err      error
	requests []provider.PageRequest
}

func (f *fakeFetcher) FetchPage(ctx context.Context, req provider.PageRequest) (*provider.Page, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	call := len(f.requests) - 1
	if call >= len(f.pages) {
		return &provider.Page{}, nil
	}
	return f.pages[call], nil
}

type fakeIndex struct {
	indexed []string
	err     error
}

func (f *fakeIndex) IndexEntry(entry lifelog.Entry, segments []lifelog.Segment) error {
	if f.err != nil {
		return f.err
	}
	f.indexed = append(f.indexed, entry.ID)
	return nil
}

type fakeAlert struct {
	configured bool
	posts      []string
	err        error
}

func (f *fakeAlert) Configured() bool { return f.configured }

func (f *fakeAlert) Post(ctx context.Context, text string) error {
	if f.err != nil {
		return f.err
	}
	f.posts = append(f.posts, text)
	return nil
}

func cursor(s string) *string { return &s }

func item(id, updatedAt string) provider.Lifelog {
	return provider.Lifelog{
		ID:        id,
		Title:     "entry " + id,
		Markdown:  "notes for " + id,
		StartTime: "2025-08-20T09:00:00Z",
		EndTime:   "2025-08-20T10:00:00Z",
		UpdatedAt: updatedAt,
		Contents: []lifelog.ContentNode{
			{Type: "heading1", Content: "Morning", Children: []lifelog.ContentNode{
				{Type: "blockquote", Content: "hello", SpeakerName: "Ana"},
			}},
		},
	}
}

func newController(t *testing.T, fetcher Fetcher, opts Options) (*Controller, store.Store) {
	t.Helper()
	st := store.NewMemoryStore(store.Options{})
	opts.Store = st
	opts.Fetcher = fetcher
	if opts.Now == nil {
		now := time.Date(2025, 8, 22, 12, 0, 0, 0, time.UTC)
		opts.Now = func() time.Time { return now }
	}
	return New(opts), st
}

func TestRunFollowsCursorsToExhaustion(t *testing.T) {
	fetcher := &fakeFetcher{pages: []*provider.Page{
		{Items: []provider.Lifelog{item("lg_1", "2025-08-22T10:00:00Z")}, NextCursor: cursor("c1")},
		{Items: []provider.Lifelog{item("lg_2", "2025-08-22T11:00:00Z")}, NextCursor: cursor("c2")},
		{Items: []provider.Lifelog{item("lg_3", "2025-08-22T11:30:00Z")}, NextCursor: nil},
	}}
	c, st := newController(t, fetcher, Options{})

	stats, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(fetcher.requests) != 3 {
		t.Fatalf("expected exactly 3 page fetches, got %d", len(fetcher.requests))
	}
	if fetcher.requests[1].Cursor == nil || *fetcher.requests[1].Cursor != "c1" {
		t.Fatalf("expected second fetch to carry cursor c1, got %+v", fetcher.requests[1])
	}
	if stats.Mode != ModeBootstrap || stats.Pages != 3 || stats.Fetched != 3 || stats.New != 3 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.Segments != 6 {
		t.Fatalf("expected 2 segments per entry, got %d total", stats.Segments)
	}

	count, err := st.CountEntries(context.Background())
	if err != nil || count != 3 {
		t.Fatalf("expected 3 stored entries, got %d (%v)", count, err)
	}
	lastUpdated, err := st.GetSyncState(context.Background(), StateLastUpdatedAt)
	if err != nil || lastUpdated == "" {
		t.Fatalf("expected lastUpdatedAt persisted, got %q (%v)", lastUpdated, err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, lastUpdated)
	if err != nil || !parsed.Equal(time.Date(2025, 8, 22, 11, 30, 0, 0, time.UTC)) {
		t.Fatalf("expected max observed update timestamp, got %q", lastUpdated)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	pages := func() []*provider.Page {
		return []*provider.Page{{Items: []provider.Lifelog{item("lg_1", "2025-08-22T10:00:00Z")}}}
	}
	fetcher := &fakeFetcher{pages: pages()}
	c, st := newController(t, fetcher, Options{})

	if _, err := c.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	fetcher.pages = pages()
	fetcher.requests = nil
	stats, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if stats.Mode != ModeIncremental {
		t.Fatalf("expected incremental mode on re-sync, got %q", stats.Mode)
	}
	if stats.New != 0 || stats.Unchanged != 1 {
		t.Fatalf("expected re-synced entry counted unchanged, got %+v", stats)
	}
	count, _ := st.CountEntries(context.Background())
	if count != 1 {
		t.Fatalf("expected no duplicate rows, got %d", count)
	}
	segments, err := st.EntrySegments(context.Background(), "lg_1", 0)
	if err != nil || len(segments) != 2 {
		t.Fatalf("expected segment set re-derived without duplicates, got %d (%v)", len(segments), err)
	}
}

func TestRunCountsUpdatedEntries(t *testing.T) {
	fetcher := &fakeFetcher{pages: []*provider.Page{
		{Items: []provider.Lifelog{item("lg_1", "2025-08-22T10:00:00Z")}},
	}}
	c, _ := newController(t, fetcher, Options{})
	if _, err := c.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}

	changed := item("lg_1", "2025-08-22T11:00:00Z")
	changed.Title = "renamed"
	fetcher.pages = []*provider.Page{{Items: []provider.Lifelog{changed}}}
	fetcher.requests = nil
	stats, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if stats.Updated != 1 || stats.New != 0 || stats.Unchanged != 0 {
		t.Fatalf("expected one updated entry, got %+v", stats)
	}
}

func TestRunZeroItemsStillStampsLastSyncedAt(t *testing.T) {
	fetcher := &fakeFetcher{pages: []*provider.Page{{}}}
	c, st := newController(t, fetcher, Options{})

	stats, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Fetched != 0 || stats.Pages != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	lastSynced, err := st.GetSyncState(context.Background(), StateLastSyncedAt)
	if err != nil || lastSynced == "" {
		t.Fatalf("expected lastSyncedAt stamped on a zero-item pass, got %q (%v)", lastSynced, err)
	}
	lastUpdated, _ := st.GetSyncState(context.Background(), StateLastUpdatedAt)
	if lastUpdated != "" {
		t.Fatalf("expected lastUpdatedAt untouched with no items, got %q", lastUpdated)
	}
}

func TestRunDisabledFlagShortCircuits(t *testing.T) {
	fetcher := &fakeFetcher{}
	c, _ := newController(t, fetcher, Options{Disabled: func() bool { return true }})

	stats, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if *stats != (Stats{}) {
		t.Fatalf("expected zero stats when disabled, got %+v", stats)
	}
	if len(fetcher.requests) != 0 {
		t.Fatalf("expected no provider calls when disabled")
	}
}

func TestRunMissingCredentialIsCleanSkip(t *testing.T) {
	fetcher := &fakeFetcher{err: provider.ErrNoCredential}
	c, st := newController(t, fetcher, Options{})

	stats, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("expected clean skip, got %v", err)
	}
	if *stats != (Stats{}) {
		t.Fatalf("expected zero stats on credential skip, got %+v", stats)
	}
	lastSynced, _ := st.GetSyncState(context.Background(), StateLastSyncedAt)
	if lastSynced != "" {
		t.Fatalf("expected no sync state written on skip, got %q", lastSynced)
	}
}

func TestRunProviderErrorSurfaces(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("upstream down")}
	c, _ := newController(t, fetcher, Options{})
	if _, err := c.Run(context.Background()); err == nil {
		t.Fatalf("expected provider error to surface")
	}
}

func TestWindowIncrementalSubtractsBackfillMargin(t *testing.T) {
	fetcher := &fakeFetcher{pages: []*provider.Page{
		{Items: []provider.Lifelog{item("lg_1", "2025-08-22T10:00:00Z")}},
	}}
	c, _ := newController(t, fetcher, Options{BackfillMargin: 2 * time.Hour})
	if _, err := c.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}

	fetcher.pages = []*provider.Page{{}}
	fetcher.requests = nil
	if _, err := c.Run(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	want := time.Date(2025, 8, 22, 8, 0, 0, 0, time.UTC).Format(time.RFC3339)
	if got := fetcher.requests[0].Start; got != want {
		t.Fatalf("expected incremental start %q, got %q", want, got)
	}
}

func TestRunIndexesEntriesBestEffort(t *testing.T) {
	fetcher := &fakeFetcher{pages: []*provider.Page{
		{Items: []provider.Lifelog{item("lg_1", "2025-08-22T10:00:00Z")}},
	}}
	index := &fakeIndex{err: errors.New("index sick")}
	c, _ := newController(t, fetcher, Options{Index: index})

	stats, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("expected index failure to stay non-fatal, got %v", err)
	}
	if stats.Indexed != 0 || stats.New != 1 {
		t.Fatalf("expected entry landed without index credit, got %+v", stats)
	}
}

func TestStaleAlertFiresAndIsRateLimited(t *testing.T) {
	fetcher := &fakeFetcher{pages: []*provider.Page{{}}}
	alerter := &fakeAlert{configured: true}
	now := time.Date(2025, 8, 22, 12, 0, 0, 0, time.UTC)
	c, st := newController(t, fetcher, Options{
		Alert:              alerter,
		StalenessThreshold: 12 * time.Hour,
		AlertMinInterval:   6 * time.Hour,
		Now:                func() time.Time { return now },
	})
	stale := now.Add(-24 * time.Hour).Format(time.RFC3339Nano)
	if err := st.SetSyncState(context.Background(), StateLastUpdatedAt, stale); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	// Seed one entry so the empty pass stays incremental.
	if err := st.UpsertEntry(context.Background(), lifelog.Entry{ID: "lg_0"}); err != nil {
		t.Fatalf("seed entry: %v", err)
	}

	if _, err := c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(alerter.posts) != 1 {
		t.Fatalf("expected one staleness alert, got %d", len(alerter.posts))
	}

	// A second pass inside the minimum interval stays quiet.
	fetcher.pages = []*provider.Page{{}}
	fetcher.requests = nil
	if _, err := c.Run(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(alerter.posts) != 1 {
		t.Fatalf("expected alert rate-limited, got %d posts", len(alerter.posts))
	}
}

func TestStaleAlertSuppressedByFreshData(t *testing.T) {
	fetcher := &fakeFetcher{pages: []*provider.Page{
		{Items: []provider.Lifelog{item("lg_1", "2025-08-22T11:00:00Z")}},
	}}
	alerter := &fakeAlert{configured: true}
	now := time.Date(2025, 8, 22, 12, 0, 0, 0, time.UTC)
	c, st := newController(t, fetcher, Options{
		Alert: alerter,
		Now:   func() time.Time { return now },
	})
	stale := now.Add(-48 * time.Hour).Format(time.RFC3339Nano)
	if err := st.SetSyncState(context.Background(), StateLastUpdatedAt, stale); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	if err := st.UpsertEntry(context.Background(), lifelog.Entry{ID: "lg_0"}); err != nil {
		t.Fatalf("seed entry: %v", err)
	}

	if _, err := c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(alerter.posts) != 0 {
		t.Fatalf("expected fresh data to suppress the alert, got %v", alerter.posts)
	}
}

func TestFullRefreshForcesBootstrapAndClears(t *testing.T) {
	fetcher := &fakeFetcher{pages: []*provider.Page{
		{Items: []provider.Lifelog{item("lg_1", "2025-08-22T10:00:00Z")}},
	}}
	now := time.Date(2025, 8, 22, 12, 0, 0, 0, time.UTC)
	refresh := true
	cleared := false
	c, st := newController(t, fetcher, Options{
		BootstrapWindow: 7 * 24 * time.Hour,
		FullRefresh:     func() bool { return refresh },
		ClearFullRefresh: func() error {
			refresh = false
			cleared = true
			return nil
		},
		Now: func() time.Time { return now },
	})
	// Prior state exists; only the refresh request forces bootstrap.
	if err := st.SetSyncState(context.Background(), StateLastUpdatedAt, now.Add(-time.Hour).Format(time.RFC3339Nano)); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	if err := st.UpsertEntry(context.Background(), lifelog.Entry{ID: "lg_0"}); err != nil {
		t.Fatalf("seed entry: %v", err)
	}

	stats, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Mode != ModeBootstrap {
		t.Fatalf("expected forced bootstrap, got %q", stats.Mode)
	}
	want := now.Add(-7 * 24 * time.Hour).Format(time.RFC3339)
	if got := fetcher.requests[0].Start; got != want {
		t.Fatalf("expected bootstrap window start %q, got %q", want, got)
	}
	if !cleared {
		t.Fatalf("expected full-refresh request acknowledged")
	}
}
