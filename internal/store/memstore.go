package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/pensieve/internal/lifelog"
)

// MemoryStore keeps everything in process memory. It backs memory:// runs and
// the test suites of the packages above the store; its batching math matches
// the SQL backends so batch-count assertions hold across all three.
type MemoryStore struct {
	mu        sync.Mutex
	batchRows int

	entries  map[string]lifelog.Entry
	segments map[string][]lifelog.Segment
	analyses map[string]Analysis
	events   []AnalysisEvent
	state    map[string]string

	// FailSegmentBatchAfter, when > 0, fails the insert sequence after that
	// many batches. Tests use it to exercise partial replace windows.
	FailSegmentBatchAfter int
}

func NewMemoryStore(opts Options) *MemoryStore {
	maxBindParams := opts.MaxBindParams
	if maxBindParams <= 0 {
		maxBindParams = 999
	}
	return &MemoryStore{
		batchRows: segmentBatchRows(maxBindParams),
		entries:   map[string]lifelog.Entry{},
		segments:  map[string][]lifelog.Segment{},
		analyses:  map[string]Analysis{},
		state:     map[string]string{},
	}
}

func (m *MemoryStore) Setup(ctx context.Context) error { return nil }

func (m *MemoryStore) UpsertEntry(ctx context.Context, e lifelog.Entry) error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: entry id is empty", ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[e.ID]; ok {
		// The pipeline never rewinds last-analyzed; the sync path always
		// writes entries with a zero LastAnalyzedAt.
		e.LastAnalyzedAt = existing.LastAnalyzedAt
	}
	m.entries[e.ID] = e
	return nil
}

func (m *MemoryStore) GetEntry(ctx context.Context, id string) (*lifelog.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *MemoryStore) GetEntryHash(ctx context.Context, id string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return "", false, nil
	}
	return e.Hash, true, nil
}

func (m *MemoryStore) GetEntries(ctx context.Context, ids []string) ([]lifelog.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var entries []lifelog.Entry
	for _, id := range ids {
		if e, ok := m.entries[id]; ok {
			entries = append(entries, e)
		}
	}
	sortEntriesNewestFirst(entries)
	return entries, nil
}

func (m *MemoryStore) RecentEntries(ctx context.Context, limit int) ([]lifelog.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]lifelog.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	sortEntriesNewestFirst(entries)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (m *MemoryStore) CountEntries(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.entries)), nil
}

func (m *MemoryStore) ReplaceSegments(ctx context.Context, entryID string, segments []lifelog.Segment) (int, error) {
	if strings.TrimSpace(entryID) == "" {
		return 0, fmt.Errorf("%w: entry id is empty", ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.segments, entryID)
	if len(segments) == 0 {
		return 0, nil
	}
	total := (len(segments) + m.batchRows - 1) / m.batchRows
	issued := 0
	var kept []lifelog.Segment
	for start := 0; start < len(segments); start += m.batchRows {
		if m.FailSegmentBatchAfter > 0 && issued >= m.FailSegmentBatchAfter {
			m.segments[entryID] = kept
			return issued, &PartialReplaceError{
				EntryID:      entryID,
				BatchesDone:  issued,
				BatchesTotal: total,
				Err:          fmt.Errorf("injected batch failure"),
			}
		}
		end := start + m.batchRows
		if end > len(segments) {
			end = len(segments)
		}
		kept = append(kept, segments[start:end]...)
		issued++
	}
	m.segments[entryID] = kept
	return issued, nil
}

func (m *MemoryStore) EntrySegments(ctx context.Context, entryID string, limit int) ([]lifelog.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	segments := append([]lifelog.Segment(nil), m.segments[entryID]...)
	sort.SliceStable(segments, func(i, j int) bool {
		if segments[i].StartOffsetMs != segments[j].StartOffsetMs {
			return segments[i].StartOffsetMs < segments[j].StartOffsetMs
		}
		return segments[i].ID < segments[j].ID
	})
	if limit > 0 && len(segments) > limit {
		segments = segments[:limit]
	}
	return segments, nil
}

func (m *MemoryStore) UpsertAnalysis(ctx context.Context, a Analysis) error {
	if strings.TrimSpace(a.EntryID) == "" || strings.TrimSpace(a.Version) == "" {
		return fmt.Errorf("%w: analysis needs entry id and version", ErrInvalidInput)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.analyses[a.EntryID+"@"+a.Version] = a
	if e, ok := m.entries[a.EntryID]; ok {
		e.LastAnalyzedAt = a.CreatedAt
		m.entries[a.EntryID] = e
	}
	return nil
}

func (m *MemoryStore) GetAnalysis(ctx context.Context, entryID, version string) (*Analysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.analyses[entryID+"@"+version]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *MemoryStore) ListAnalysisCandidates(ctx context.Context, version string, limit int) ([]lifelog.Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var candidates []lifelog.Entry
	for _, e := range m.entries {
		a, ok := m.analyses[e.ID+"@"+version]
		if ok && a.PayloadHash == e.Hash {
			continue
		}
		candidates = append(candidates, e)
	}
	sortEntriesNewestFirst(candidates)
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func (m *MemoryStore) CountAnalyses(ctx context.Context, version string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for key := range m.analyses {
		if strings.HasSuffix(key, "@"+version) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) AppendAnalysisEvent(ctx context.Context, ev AnalysisEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryStore) RecentAnalysisEvents(ctx context.Context, limit int) ([]AnalysisEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	events := append([]AnalysisEvent(nil), m.events...)
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt.After(events[j].CreatedAt)
	})
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (m *MemoryStore) GetSyncState(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state[key], nil
}

func (m *MemoryStore) SetSyncState(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: sync state key is empty", ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[key] = value
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func sortEntriesNewestFirst(entries []lifelog.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].StartMillis != entries[j].StartMillis {
			return entries[i].StartMillis > entries[j].StartMillis
		}
		return entries[i].ID < entries[j].ID
	})
}
