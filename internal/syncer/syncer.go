// Package syncer drives ingestion passes: it pages entries out of the
// lifelog provider, derives segments and fingerprints, and lands everything
// in the store and the search index.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentworkforce/pensieve/internal/lifelog"
	"github.com/agentworkforce/pensieve/internal/metrics"
	"github.com/agentworkforce/pensieve/internal/provider"
	"github.com/agentworkforce/pensieve/internal/store"
)

// Sync-state keys. Values are RFC 3339 timestamps.
const (
	StateLastSyncedAt   = "lastSyncedAt"
	StateLastUpdatedAt  = "lastUpdatedAt"
	StateLastStaleAlert = "lastStaleAlertAt"
)

const (
	ModeBootstrap   = "bootstrap"
	ModeIncremental = "incremental"
)

// Fetcher is the provider client surface the controller needs.
type Fetcher interface {
	FetchPage(ctx context.Context, req provider.PageRequest) (*provider.Page, error)
}

// Indexer receives entries for full-text search. Index writes are
// best-effort: a failure is counted and logged, never fails the pass.
type Indexer interface {
	IndexEntry(entry lifelog.Entry, segments []lifelog.Segment) error
}

// Alerter posts staleness notifications.
type Alerter interface {
	Configured() bool
	Post(ctx context.Context, text string) error
}

type Logger interface {
	Printf(format string, v ...any)
}

type Options struct {
	Store   store.Store
	Fetcher Fetcher
	Index   Indexer // optional
	Alert   Alerter // optional

	// Disabled short-circuits the pass; FullRefresh forces a bootstrap
	// window and ClearFullRefresh acknowledges the request afterwards.
	Disabled         func() bool
	FullRefresh      func() bool
	ClearFullRefresh func() error

	PageLimit int
	Timezone  string

	BootstrapWindow    time.Duration
	BackfillMargin     time.Duration
	StalenessThreshold time.Duration
	AlertMinInterval   time.Duration

	Metrics *metrics.Metrics
	Logger  Logger
	Now     func() time.Time
}

// Stats summarizes one sync pass. Per-entry failures are isolated and
// counted in Errors; they never abort the pass.
type Stats struct {
	Mode      string        `json:"mode"`
	Pages     int           `json:"pages"`
	Fetched   int           `json:"fetched"`
	New       int           `json:"new"`
	Updated   int           `json:"updated"`
	Unchanged int           `json:"unchanged"`
	Segments  int           `json:"segments"`
	Indexed   int           `json:"indexed"`
	Errors    int           `json:"errors"`
	Duration  time.Duration `json:"duration"`
}

// Controller runs sync passes. Passes are single-threaded; concurrent
// invocations stay correct because every write is an idempotent upsert.
type Controller struct {
	store   store.Store
	fetcher Fetcher
	index   Indexer
	alert   Alerter

	disabled         func() bool
	fullRefresh      func() bool
	clearFullRefresh func() error

	pageLimit int
	timezone  string

	bootstrapWindow    time.Duration
	backfillMargin     time.Duration
	stalenessThreshold time.Duration
	alertMinInterval   time.Duration

	metrics *metrics.Metrics
	logger  Logger
	now     func() time.Time
}

func New(opts Options) *Controller {
	pageLimit := opts.PageLimit
	if pageLimit <= 0 {
		pageLimit = 25
	}
	bootstrapWindow := opts.BootstrapWindow
	if bootstrapWindow <= 0 {
		bootstrapWindow = 7 * 24 * time.Hour
	}
	backfillMargin := opts.BackfillMargin
	if backfillMargin <= 0 {
		backfillMargin = 6 * time.Hour
	}
	stalenessThreshold := opts.StalenessThreshold
	if stalenessThreshold <= 0 {
		stalenessThreshold = 12 * time.Hour
	}
	alertMinInterval := opts.AlertMinInterval
	if alertMinInterval <= 0 {
		alertMinInterval = 6 * time.Hour
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		store:              opts.Store,
		fetcher:            opts.Fetcher,
		index:              opts.Index,
		alert:              opts.Alert,
		disabled:           opts.Disabled,
		fullRefresh:        opts.FullRefresh,
		clearFullRefresh:   opts.ClearFullRefresh,
		pageLimit:          pageLimit,
		timezone:           opts.Timezone,
		bootstrapWindow:    bootstrapWindow,
		backfillMargin:     backfillMargin,
		stalenessThreshold: stalenessThreshold,
		alertMinInterval:   alertMinInterval,
		metrics:            opts.Metrics,
		logger:             opts.Logger,
		now:                now,
	}
}

// Run executes one sync pass: pick the window, page the provider to
// exhaustion, land every item, persist cursor state, then check staleness.
// A missing provider credential is a clean skip.
func (c *Controller) Run(ctx context.Context) (*Stats, error) {
	if c.disabled != nil && c.disabled() {
		c.logf("sync disabled by runtime flag, skipping pass")
		return &Stats{}, nil
	}

	started := c.now()
	stats := &Stats{}

	mode, start, err := c.window(ctx, started)
	if err != nil {
		return stats, err
	}
	stats.Mode = mode
	forcedRefresh := c.fullRefresh != nil && c.fullRefresh()

	maxUpdated, err := c.drainPages(ctx, start, stats)
	if errors.Is(err, provider.ErrNoCredential) {
		c.logf("lifelog api key not configured, skipping sync pass")
		return &Stats{}, nil
	}
	if err != nil {
		stats.Duration = c.now().Sub(started)
		c.metrics.SyncRun(mode, "error", stats.Duration)
		return stats, err
	}

	if err := c.persistState(ctx, started, maxUpdated); err != nil {
		stats.Duration = c.now().Sub(started)
		c.metrics.SyncRun(mode, "error", stats.Duration)
		return stats, err
	}
	if forcedRefresh && c.clearFullRefresh != nil {
		if err := c.clearFullRefresh(); err != nil {
			c.logf("clear full-refresh request: %v", err)
		}
	}

	stats.Duration = c.now().Sub(started)
	c.metrics.SyncRun(mode, "ok", stats.Duration)
	c.logf("sync pass done: mode=%s pages=%d fetched=%d new=%d updated=%d unchanged=%d errors=%d in %s",
		stats.Mode, stats.Pages, stats.Fetched, stats.New, stats.Updated, stats.Unchanged, stats.Errors, stats.Duration)

	c.checkStaleness(ctx, c.now())
	return stats, nil
}

// window picks bootstrap or incremental and returns the fetch start time.
// A full-refresh request and an empty store both force the bootstrap window.
func (c *Controller) window(ctx context.Context, now time.Time) (string, time.Time, error) {
	if c.fullRefresh != nil && c.fullRefresh() {
		return ModeBootstrap, now.Add(-c.bootstrapWindow), nil
	}
	lastUpdated, err := c.stateTime(ctx, StateLastUpdatedAt)
	if err != nil {
		return "", time.Time{}, err
	}
	if lastUpdated.IsZero() {
		return ModeBootstrap, now.Add(-c.bootstrapWindow), nil
	}
	count, err := c.store.CountEntries(ctx)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("count entries: %w", err)
	}
	if count == 0 {
		return ModeBootstrap, now.Add(-c.bootstrapWindow), nil
	}
	return ModeIncremental, lastUpdated.Add(-c.backfillMargin), nil
}

// drainPages follows the cursor until the provider reports no next page and
// returns the max provider update timestamp seen across all items.
func (c *Controller) drainPages(ctx context.Context, start time.Time, stats *Stats) (time.Time, error) {
	var cursor *string
	var maxUpdated time.Time
	syncedAt := c.now()
	for {
		page, err := c.fetcher.FetchPage(ctx, provider.PageRequest{
			Cursor:   cursor,
			Start:    start.UTC().Format(time.RFC3339),
			Limit:    c.pageLimit,
			Timezone: c.timezone,
		})
		if err != nil {
			return maxUpdated, err
		}
		stats.Pages++
		stats.Fetched += len(page.Items)
		for _, item := range page.Items {
			if err := ctx.Err(); err != nil {
				return maxUpdated, err
			}
			updated := c.ingestItem(ctx, item, syncedAt, stats)
			if updated.After(maxUpdated) {
				maxUpdated = updated
			}
		}
		if page.NextCursor == nil || *page.NextCursor == "" {
			return maxUpdated, nil
		}
		cursor = page.NextCursor
	}
}

// ingestItem lands one provider item: flatten, fingerprint, upsert, replace
// segments, index. Failures count as errors and the pass moves on.
func (c *Controller) ingestItem(ctx context.Context, item provider.Lifelog, syncedAt time.Time, stats *Stats) time.Time {
	entry := lifelog.Entry{
		ID:          item.ID,
		Title:       item.Title,
		Markdown:    item.Markdown,
		StartTime:   item.StartTime,
		EndTime:     item.EndTime,
		StartMillis: lifelog.EpochMillis(item.StartTime),
		EndMillis:   lifelog.EpochMillis(item.EndTime),
		IsStarred:   item.IsStarred,
		SyncedAt:    syncedAt,
		Timezone:    c.timezone,
	}
	if item.UpdatedAt != "" {
		if parsed, err := time.Parse(time.RFC3339, item.UpdatedAt); err == nil {
			entry.UpdatedAt = parsed
		}
	}
	entry.Hash = lifelog.Fingerprint(entry)

	priorHash, exists, err := c.store.GetEntryHash(ctx, entry.ID)
	if err != nil {
		c.recordItemError(stats, "read entry %s: %v", entry.ID, err)
		return entry.UpdatedAt
	}

	if err := c.store.UpsertEntry(ctx, entry); err != nil {
		c.recordItemError(stats, "upsert entry %s: %v", entry.ID, err)
		return entry.UpdatedAt
	}
	switch {
	case !exists:
		stats.New++
		c.metrics.EntryProcessed("new")
	case priorHash == entry.Hash:
		stats.Unchanged++
		c.metrics.EntryProcessed("unchanged")
	default:
		stats.Updated++
		c.metrics.EntryProcessed("updated")
	}

	segments := lifelog.Flatten(entry.ID, item.Contents)
	batches, err := c.store.ReplaceSegments(ctx, entry.ID, segments)
	c.metrics.SegmentBatches(batches)
	if err != nil {
		// The entry keeps a partial segment set until the next pass
		// re-derives it from the provider.
		c.recordItemError(stats, "replace segments for %s: %v", entry.ID, err)
		return entry.UpdatedAt
	}
	stats.Segments += len(segments)

	if c.index != nil {
		if err := c.index.IndexEntry(entry, segments); err != nil {
			c.logf("index entry %s: %v", entry.ID, err)
		} else {
			stats.Indexed++
		}
	}
	return entry.UpdatedAt
}

func (c *Controller) recordItemError(stats *Stats, format string, v ...any) {
	stats.Errors++
	c.metrics.EntryProcessed("error")
	c.logf(format, v...)
}

// persistState advances lastUpdatedAt monotonically and always stamps a
// fresh lastSyncedAt, even for a zero-item pass.
func (c *Controller) persistState(ctx context.Context, syncedAt, maxUpdated time.Time) error {
	if !maxUpdated.IsZero() {
		prior, err := c.stateTime(ctx, StateLastUpdatedAt)
		if err != nil {
			return err
		}
		if maxUpdated.After(prior) {
			if err := c.store.SetSyncState(ctx, StateLastUpdatedAt, maxUpdated.UTC().Format(time.RFC3339Nano)); err != nil {
				return fmt.Errorf("persist %s: %w", StateLastUpdatedAt, err)
			}
		}
	}
	if err := c.store.SetSyncState(ctx, StateLastSyncedAt, syncedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("persist %s: %w", StateLastSyncedAt, err)
	}
	return nil
}

// checkStaleness posts one webhook alert when provider data has not moved
// for longer than the threshold. Alerts are rate-limited through a persisted
// last-alert timestamp; an update landing since the last check suppresses
// the alert naturally because lastUpdatedAt is fresh again.
func (c *Controller) checkStaleness(ctx context.Context, now time.Time) {
	if c.alert == nil || !c.alert.Configured() {
		return
	}
	lastUpdated, err := c.stateTime(ctx, StateLastUpdatedAt)
	if err != nil || lastUpdated.IsZero() {
		return
	}
	age := now.Sub(lastUpdated)
	if age <= c.stalenessThreshold {
		return
	}
	lastAlert, err := c.stateTime(ctx, StateLastStaleAlert)
	if err != nil {
		return
	}
	if !lastAlert.IsZero() && now.Sub(lastAlert) < c.alertMinInterval {
		return
	}
	text := fmt.Sprintf("No new lifelog data for %s (last update %s). The recorder may be offline.",
		age.Round(time.Minute), lastUpdated.UTC().Format(time.RFC3339))
	if err := c.alert.Post(ctx, text); err != nil {
		c.logf("post staleness alert: %v", err)
		return
	}
	c.metrics.StaleAlert()
	if err := c.store.SetSyncState(ctx, StateLastStaleAlert, now.UTC().Format(time.RFC3339Nano)); err != nil {
		c.logf("persist %s: %v", StateLastStaleAlert, err)
	}
}

func (c *Controller) stateTime(ctx context.Context, key string) (time.Time, error) {
	raw, err := c.store.GetSyncState(ctx, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("read sync state %s: %w", key, err)
	}
	if raw == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		// A corrupt value falls back to bootstrap behavior.
		c.logf("unparseable sync state %s=%q, ignoring", key, raw)
		return time.Time{}, nil
	}
	return parsed, nil
}

func (c *Controller) logf(format string, v ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, v...)
}
