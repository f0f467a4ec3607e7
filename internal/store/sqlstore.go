package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/pensieve/internal/lifelog"
)

// sqlStore implements Store over database/sql. The SQL is written once with
// "?" placeholders; the postgres dialect rebinds them to $1..$n. Both engines
// share the upsert form (ON CONFLICT ... DO UPDATE SET x = excluded.x) and the
// schema below.
type sqlStore struct {
	db            *sql.DB
	dialect       dialect
	batchRows     int
	maxBindParams int
	logger        Logger
}

type dialect struct {
	name          string
	maxBindParams int
	rebind        func(query string) string
	// setup statements run before the schema (e.g. sqlite PRAGMAs).
	setup []string
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS lifelog_entries (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		markdown TEXT NOT NULL DEFAULT '',
		start_time TEXT NOT NULL DEFAULT '',
		end_time TEXT NOT NULL DEFAULT '',
		start_ms BIGINT NOT NULL DEFAULT 0,
		end_ms BIGINT NOT NULL DEFAULT 0,
		is_starred BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at_ms BIGINT NOT NULL DEFAULT 0,
		synced_at_ms BIGINT NOT NULL DEFAULT 0,
		timezone TEXT NOT NULL DEFAULT '',
		content_hash TEXT NOT NULL DEFAULT '',
		last_analyzed_at_ms BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_lifelog_entries_start_ms ON lifelog_entries (start_ms DESC)`,
	`CREATE TABLE IF NOT EXISTS content_segments (
		id TEXT PRIMARY KEY,
		entry_id TEXT NOT NULL REFERENCES lifelog_entries(id) ON DELETE CASCADE,
		path TEXT NOT NULL DEFAULT '',
		node_type TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		start_time TEXT NOT NULL DEFAULT '',
		end_time TEXT NOT NULL DEFAULT '',
		start_offset_ms BIGINT NOT NULL DEFAULT 0,
		end_offset_ms BIGINT NOT NULL DEFAULT 0,
		speaker_name TEXT NOT NULL DEFAULT '',
		speaker_identifier TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_content_segments_entry ON content_segments (entry_id)`,
	`CREATE TABLE IF NOT EXISTS analyses (
		entry_id TEXT NOT NULL REFERENCES lifelog_entries(id) ON DELETE CASCADE,
		version TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		payload_hash TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '{}',
		created_at_ms BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (entry_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS analysis_events (
		id TEXT PRIMARY KEY,
		entry_id TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at_ms BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_analysis_events_created ON analysis_events (created_at_ms DESC)`,
	`CREATE TABLE IF NOT EXISTS sync_state (
		state_key TEXT PRIMARY KEY,
		state_value TEXT NOT NULL DEFAULT '',
		updated_at_ms BIGINT NOT NULL DEFAULT 0
	)`,
}

func newSQLStore(db *sql.DB, d dialect, opts Options) *sqlStore {
	maxBindParams := opts.MaxBindParams
	if maxBindParams <= 0 {
		maxBindParams = d.maxBindParams
	}
	return &sqlStore{
		db:            db,
		dialect:       d,
		batchRows:     segmentBatchRows(maxBindParams),
		maxBindParams: maxBindParams,
		logger:        opts.Logger,
	}
}

func (s *sqlStore) q(query string) string {
	if s.dialect.rebind == nil {
		return query
	}
	return s.dialect.rebind(query)
}

func (s *sqlStore) Setup(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", s.dialect.name, err)
	}
	for _, stmt := range s.dialect.setup {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("prepare %s: %w", s.dialect.name, err)
		}
	}
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

const entryColumns = `id, title, markdown, start_time, end_time, start_ms, end_ms, is_starred, updated_at_ms, synced_at_ms, timezone, content_hash, last_analyzed_at_ms`

func (s *sqlStore) UpsertEntry(ctx context.Context, e lifelog.Entry) error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: entry id is empty", ErrInvalidInput)
	}
	query := `INSERT INTO lifelog_entries (` + entryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			markdown = excluded.markdown,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			start_ms = excluded.start_ms,
			end_ms = excluded.end_ms,
			is_starred = excluded.is_starred,
			updated_at_ms = excluded.updated_at_ms,
			synced_at_ms = excluded.synced_at_ms,
			timezone = excluded.timezone,
			content_hash = excluded.content_hash`
	_, err := s.db.ExecContext(ctx, s.q(query),
		e.ID, e.Title, e.Markdown, e.StartTime, e.EndTime,
		e.StartMillis, e.EndMillis, e.IsStarred,
		timeToMs(e.UpdatedAt), timeToMs(e.SyncedAt),
		e.Timezone, e.Hash,
	)
	if err != nil {
		return fmt.Errorf("upsert entry %s: %w", e.ID, err)
	}
	return nil
}

func (s *sqlStore) GetEntry(ctx context.Context, id string) (*lifelog.Entry, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+entryColumns+` FROM lifelog_entries WHERE id = ?`), id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %s: %w", id, err)
	}
	return entry, nil
}

func (s *sqlStore) GetEntryHash(ctx context.Context, id string) (string, bool, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT content_hash FROM lifelog_entries WHERE id = ?`), id).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get entry hash %s: %w", id, err)
	}
	return hash, true, nil
}

func (s *sqlStore) GetEntries(ctx context.Context, ids []string) ([]lifelog.Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT ` + entryColumns + ` FROM lifelog_entries WHERE id IN (` + placeholders + `) ORDER BY start_ms DESC`
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("get entries: %w", err)
	}
	return collectEntries(rows)
}

func (s *sqlStore) RecentEntries(ctx context.Context, limit int) ([]lifelog.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+entryColumns+` FROM lifelog_entries ORDER BY start_ms DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list recent entries: %w", err)
	}
	return collectEntries(rows)
}

func (s *sqlStore) CountEntries(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lifelog_entries`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return count, nil
}

func (s *sqlStore) ReplaceSegments(ctx context.Context, entryID string, segments []lifelog.Segment) (int, error) {
	if strings.TrimSpace(entryID) == "" {
		return 0, fmt.Errorf("%w: entry id is empty", ErrInvalidInput)
	}
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM content_segments WHERE entry_id = ?`), entryID); err != nil {
		return 0, fmt.Errorf("delete segments for %s: %w", entryID, err)
	}
	if len(segments) == 0 {
		return 0, nil
	}

	total := (len(segments) + s.batchRows - 1) / s.batchRows
	issued := 0
	for start := 0; start < len(segments); start += s.batchRows {
		end := start + s.batchRows
		if end > len(segments) {
			end = len(segments)
		}
		if err := s.insertSegmentBatch(ctx, segments[start:end]); err != nil {
			return issued, &PartialReplaceError{
				EntryID:      entryID,
				BatchesDone:  issued,
				BatchesTotal: total,
				Err:          err,
			}
		}
		issued++
	}
	return issued, nil
}

func (s *sqlStore) insertSegmentBatch(ctx context.Context, batch []lifelog.Segment) error {
	var b strings.Builder
	b.WriteString(`INSERT INTO content_segments (id, entry_id, path, node_type, content, start_time, end_time, start_offset_ms, end_offset_ms, speaker_name, speaker_identifier) VALUES `)
	args := make([]any, 0, len(batch)*segmentBindParams)
	for i, seg := range batch {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(`(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		args = append(args,
			seg.ID, seg.EntryID, seg.Path, seg.Type, seg.Content,
			seg.StartTime, seg.EndTime, seg.StartOffsetMs, seg.EndOffsetMs,
			seg.SpeakerName, seg.SpeakerIdentifier,
		)
	}
	if _, err := s.db.ExecContext(ctx, s.q(b.String()), args...); err != nil {
		return err
	}
	return nil
}

func (s *sqlStore) EntrySegments(ctx context.Context, entryID string, limit int) ([]lifelog.Segment, error) {
	query := `SELECT id, entry_id, path, node_type, content, start_time, end_time, start_offset_ms, end_offset_ms, speaker_name, speaker_identifier
		FROM content_segments WHERE entry_id = ? ORDER BY start_offset_ms, id`
	args := []any{entryID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list segments for %s: %w", entryID, err)
	}
	defer rows.Close()
	var segments []lifelog.Segment
	for rows.Next() {
		var seg lifelog.Segment
		if err := rows.Scan(&seg.ID, &seg.EntryID, &seg.Path, &seg.Type, &seg.Content,
			&seg.StartTime, &seg.EndTime, &seg.StartOffsetMs, &seg.EndOffsetMs,
			&seg.SpeakerName, &seg.SpeakerIdentifier); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

func (s *sqlStore) UpsertAnalysis(ctx context.Context, a Analysis) error {
	if strings.TrimSpace(a.EntryID) == "" || strings.TrimSpace(a.Version) == "" {
		return fmt.Errorf("%w: analysis needs entry id and version", ErrInvalidInput)
	}
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	payload := a.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin analysis tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	upsert := `INSERT INTO analyses (entry_id, version, model, payload_hash, payload, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (entry_id, version) DO UPDATE SET
			model = excluded.model,
			payload_hash = excluded.payload_hash,
			payload = excluded.payload,
			created_at_ms = excluded.created_at_ms`
	if _, err := tx.ExecContext(ctx, s.q(upsert),
		a.EntryID, a.Version, a.Model, a.PayloadHash, string(payload), timeToMs(createdAt)); err != nil {
		return fmt.Errorf("upsert analysis %s@%s: %w", a.EntryID, a.Version, err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE lifelog_entries SET last_analyzed_at_ms = ? WHERE id = ?`),
		timeToMs(createdAt), a.EntryID); err != nil {
		return fmt.Errorf("stamp last analyzed for %s: %w", a.EntryID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit analysis %s@%s: %w", a.EntryID, a.Version, err)
	}
	committed = true
	return nil
}

func (s *sqlStore) GetAnalysis(ctx context.Context, entryID, version string) (*Analysis, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT entry_id, version, model, payload_hash, payload, created_at_ms
		FROM analyses WHERE entry_id = ? AND version = ?`), entryID, version)
	var a Analysis
	var payload string
	var createdMs int64
	err := row.Scan(&a.EntryID, &a.Version, &a.Model, &a.PayloadHash, &payload, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis %s@%s: %w", entryID, version, err)
	}
	a.Payload = json.RawMessage(payload)
	a.CreatedAt = msToTime(createdMs)
	return &a, nil
}

func (s *sqlStore) ListAnalysisCandidates(ctx context.Context, version string, limit int) ([]lifelog.Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `SELECT e.id, e.title, e.markdown, e.start_time, e.end_time, e.start_ms, e.end_ms, e.is_starred,
			e.updated_at_ms, e.synced_at_ms, e.timezone, e.content_hash, e.last_analyzed_at_ms
		FROM lifelog_entries e
		LEFT JOIN analyses a ON a.entry_id = e.id AND a.version = ?
		WHERE a.entry_id IS NULL OR a.payload_hash <> e.content_hash
		ORDER BY e.start_ms DESC
		LIMIT ?`
	rows, err := s.db.QueryContext(ctx, s.q(query), version, limit)
	if err != nil {
		return nil, fmt.Errorf("list analysis candidates: %w", err)
	}
	return collectEntries(rows)
}

func (s *sqlStore) CountAnalyses(ctx context.Context, version string) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM analyses WHERE version = ?`), version).Scan(&count); err != nil {
		return 0, fmt.Errorf("count analyses: %w", err)
	}
	return count, nil
}

func (s *sqlStore) AppendAnalysisEvent(ctx context.Context, ev AnalysisEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO analysis_events (id, entry_id, version, status, model, error, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		ev.ID, ev.EntryID, ev.Version, ev.Status, ev.Model, ev.Error, timeToMs(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("append analysis event for %s: %w", ev.EntryID, err)
	}
	return nil
}

func (s *sqlStore) RecentAnalysisEvents(ctx context.Context, limit int) ([]AnalysisEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, entry_id, version, status, model, error, created_at_ms
		FROM analysis_events ORDER BY created_at_ms DESC, id LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list analysis events: %w", err)
	}
	defer rows.Close()
	var events []AnalysisEvent
	for rows.Next() {
		var ev AnalysisEvent
		var createdMs int64
		if err := rows.Scan(&ev.ID, &ev.EntryID, &ev.Version, &ev.Status, &ev.Model, &ev.Error, &createdMs); err != nil {
			return nil, fmt.Errorf("scan analysis event: %w", err)
		}
		ev.CreatedAt = msToTime(createdMs)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *sqlStore) GetSyncState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT state_value FROM sync_state WHERE state_key = ?`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get sync state %s: %w", key, err)
	}
	return value, nil
}

func (s *sqlStore) SetSyncState(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: sync state key is empty", ErrInvalidInput)
	}
	query := `INSERT INTO sync_state (state_key, state_value, updated_at_ms)
		VALUES (?, ?, ?)
		ON CONFLICT (state_key) DO UPDATE SET
			state_value = excluded.state_value,
			updated_at_ms = excluded.updated_at_ms`
	if _, err := s.db.ExecContext(ctx, s.q(query), key, value, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("set sync state %s: %w", key, err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*lifelog.Entry, error) {
	var e lifelog.Entry
	var updatedMs, syncedMs, lastAnalyzedMs int64
	if err := row.Scan(&e.ID, &e.Title, &e.Markdown, &e.StartTime, &e.EndTime,
		&e.StartMillis, &e.EndMillis, &e.IsStarred,
		&updatedMs, &syncedMs, &e.Timezone, &e.Hash, &lastAnalyzedMs); err != nil {
		return nil, err
	}
	e.UpdatedAt = msToTime(updatedMs)
	e.SyncedAt = msToTime(syncedMs)
	e.LastAnalyzedAt = msToTime(lastAnalyzedMs)
	return &e, nil
}

func collectEntries(rows *sql.Rows) ([]lifelog.Entry, error) {
	defer rows.Close()
	var entries []lifelog.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func timeToMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// rebindPositional rewrites "?" placeholders to $1..$n for postgres. Queries
// here never contain "?" inside literals.
func rebindPositional(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
