package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentworkforce/pensieve/internal/lifelog"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotSupported = errors.New("not supported")
)

// segmentBindParams is the number of values one segment row binds. Insert
// batches are sized so rows*segmentBindParams stays under the backend's
// bound-parameter ceiling.
const segmentBindParams = 11

// Analysis is one versioned AI insight for an entry. PayloadHash pins the
// entry fingerprint the payload was computed from; a mismatch against the
// entry's current hash is what marks the entry stale for re-analysis.
type Analysis struct {
	EntryID     string
	Version     string
	Model       string
	PayloadHash string
	Payload     json.RawMessage
	CreatedAt   time.Time
}

// AnalysisEvent is one append-only outcome record per analysis attempt.
type AnalysisEvent struct {
	ID        string
	EntryID   string
	Version   string
	Status    string
	Model     string
	Error     string
	CreatedAt time.Time
}

const (
	EventStatusOK    = "ok"
	EventStatusError = "error"
)

// PartialReplaceError reports a segment replace that failed part way through
// its insert batches. The entry keeps a partial segment set until the next
// successful sync re-derives it.
type PartialReplaceError struct {
	EntryID      string
	BatchesDone  int
	BatchesTotal int
	Err          error
}

func (e *PartialReplaceError) Error() string {
	return fmt.Sprintf("replace segments for %s: batch %d/%d failed: %v", e.EntryID, e.BatchesDone+1, e.BatchesTotal, e.Err)
}

func (e *PartialReplaceError) Unwrap() error {
	return e.Err
}

// Store is the pipeline's gateway to durable state. Every write is an upsert
// keyed by the natural identifiers in the data model; none may duplicate rows.
// Reads of absent rows return zero values (nil entry, empty state), not errors.
type Store interface {
	// Setup creates the schema idempotently. It runs once at process startup.
	Setup(ctx context.Context) error

	UpsertEntry(ctx context.Context, e lifelog.Entry) error
	GetEntry(ctx context.Context, id string) (*lifelog.Entry, error)
	// GetEntryHash returns the stored fingerprint and whether the entry exists.
	GetEntryHash(ctx context.Context, id string) (string, bool, error)
	GetEntries(ctx context.Context, ids []string) ([]lifelog.Entry, error)
	RecentEntries(ctx context.Context, limit int) ([]lifelog.Entry, error)
	CountEntries(ctx context.Context) (int64, error)

	// ReplaceSegments deletes every segment of the entry and reinserts the new
	// set in fixed-size batches. It returns the number of insert batches
	// issued; a mid-sequence failure surfaces as *PartialReplaceError.
	ReplaceSegments(ctx context.Context, entryID string, segments []lifelog.Segment) (int, error)
	EntrySegments(ctx context.Context, entryID string, limit int) ([]lifelog.Segment, error)

	// UpsertAnalysis writes the analysis row and stamps the entry's
	// last-analyzed timestamp in the same transaction.
	UpsertAnalysis(ctx context.Context, a Analysis) error
	GetAnalysis(ctx context.Context, entryID, version string) (*Analysis, error)
	// ListAnalysisCandidates returns entries with no analysis row for the
	// version or a payload hash differing from the entry fingerprint, newest
	// first.
	ListAnalysisCandidates(ctx context.Context, version string, limit int) ([]lifelog.Entry, error)
	CountAnalyses(ctx context.Context, version string) (int64, error)

	AppendAnalysisEvent(ctx context.Context, ev AnalysisEvent) error
	RecentAnalysisEvents(ctx context.Context, limit int) ([]AnalysisEvent, error)

	GetSyncState(ctx context.Context, key string) (string, error)
	SetSyncState(ctx context.Context, key, value string) error

	Close() error
}

type Logger interface {
	Printf(format string, v ...any)
}

// Options tune a backend. Zero values take backend defaults.
type Options struct {
	// MaxBindParams caps bound parameters per statement; segment insert
	// batches are sized as MaxBindParams / 11 rows.
	MaxBindParams int
	Logger        Logger
}

func segmentBatchRows(maxBindParams int) int {
	rows := maxBindParams / segmentBindParams
	if rows < 1 {
		rows = 1
	}
	return rows
}
