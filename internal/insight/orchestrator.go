package insight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/pensieve/internal/inference"
	"github.com/agentworkforce/pensieve/internal/lifelog"
	"github.com/agentworkforce/pensieve/internal/metrics"
	"github.com/agentworkforce/pensieve/internal/store"
)

// ErrUnparsable marks a candidate whose primary, repair and fallback stages
// all failed to produce a schema-valid payload. It is caught per candidate
// and recorded as an error event; it never fails the batch.
var ErrUnparsable = errors.New("no stage produced a parsable insight payload")

type Logger interface {
	Printf(format string, v ...any)
}

type Options struct {
	Store     store.Store
	Primary   inference.Provider
	Secondary inference.Provider
	// Disabled short-circuits Run when it reports true (disable-inference
	// runtime flag).
	Disabled func() bool
	// CallDelay is the deliberate pause between consecutive inference
	// calls; it applies after the first candidate.
	CallDelay    time.Duration
	MaxSegments  int
	DefaultLimit int
	Metrics      *metrics.Metrics
	Logger       Logger
}

// Request selects what to analyze. An explicit EntryIDs list with Force set
// bypasses the staleness filter; otherwise candidates come from the store's
// staleness query, newest first, bounded by Limit.
type Request struct {
	EntryIDs []string `json:"entryIds"`
	Force    bool     `json:"force"`
	Limit    int      `json:"limit"`
}

type Result struct {
	Analyzed    []string      `json:"analyzed"`
	Failed      []string      `json:"failed"`
	RateLimited bool          `json:"rateLimited"`
	Duration    time.Duration `json:"-"`
}

// Orchestrator drives the analysis pipeline: candidate selection, one
// primary call, a JSON-repair retry, a secondary-provider fallback, and
// persistence of the accepted payload plus an event-log row per attempt.
// Candidates run strictly sequentially to stay under provider rate limits.
type Orchestrator struct {
	store        store.Store
	primary      inference.Provider
	secondary    inference.Provider
	disabled     func() bool
	callDelay    time.Duration
	maxSegments  int
	defaultLimit int
	metrics      *metrics.Metrics
	logger       Logger
	schema       *jsonschema.Schema
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("insight: store is required")
	}
	if opts.Primary == nil {
		return nil, fmt.Errorf("insight: primary provider is required")
	}
	schema, err := compilePayloadSchema()
	if err != nil {
		return nil, fmt.Errorf("insight: %w", err)
	}
	callDelay := opts.CallDelay
	if callDelay < 0 {
		callDelay = 0
	}
	maxSegments := opts.MaxSegments
	if maxSegments <= 0 {
		maxSegments = 40
	}
	defaultLimit := opts.DefaultLimit
	if defaultLimit <= 0 {
		defaultLimit = 10
	}
	return &Orchestrator{
		store:        opts.Store,
		primary:      opts.Primary,
		secondary:    opts.Secondary,
		disabled:     opts.Disabled,
		callDelay:    callDelay,
		maxSegments:  maxSegments,
		defaultLimit: defaultLimit,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		schema:       schema,
	}, nil
}

// Run analyzes the selected candidates. Per-candidate failures are isolated
// and logged; a provider rate limit stops the remaining candidates and
// returns the partial result.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	result := &Result{}
	if o.disabled != nil && o.disabled() {
		o.logf("inference disabled via flag, skipping analysis pass")
		result.Duration = time.Since(start)
		return result, nil
	}

	candidates, err := o.selectCandidates(ctx, req)
	if err != nil {
		return nil, err
	}

	for i, entry := range candidates {
		if i > 0 {
			if err := sleepContext(ctx, o.callDelay); err != nil {
				result.Duration = time.Since(start)
				return result, err
			}
		}
		payload, model, err := o.analyzeEntry(ctx, entry)
		if err != nil {
			if inference.IsRateLimited(err) {
				o.logf("provider rate limited at entry %s, deferring %d remaining candidates", entry.ID, len(candidates)-i-1)
				result.RateLimited = true
				break
			}
			if errors.Is(err, inference.ErrNoCredential) {
				o.logf("inference credential missing, skipping analysis pass: %v", err)
				break
			}
			o.logf("analysis failed for entry %s: %v", entry.ID, err)
			o.metrics.Analysis("error")
			result.Failed = append(result.Failed, entry.ID)
			o.appendEvent(ctx, entry.ID, store.EventStatusError, "", err.Error())
			continue
		}
		if err := o.persist(ctx, entry, payload, model); err != nil {
			o.logf("persist analysis for entry %s: %v", entry.ID, err)
			o.metrics.Analysis("error")
			result.Failed = append(result.Failed, entry.ID)
			o.appendEvent(ctx, entry.ID, store.EventStatusError, model, err.Error())
			continue
		}
		o.metrics.Analysis("ok")
		result.Analyzed = append(result.Analyzed, entry.ID)
		o.appendEvent(ctx, entry.ID, store.EventStatusOK, model, "")
	}
	result.Duration = time.Since(start)
	return result, nil
}

func (o *Orchestrator) selectCandidates(ctx context.Context, req Request) ([]lifelog.Entry, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = o.defaultLimit
	}
	if len(req.EntryIDs) > 0 {
		entries, err := o.store.GetEntries(ctx, req.EntryIDs)
		if err != nil {
			return nil, fmt.Errorf("load requested entries: %w", err)
		}
		if req.Force {
			return entries, nil
		}
		var stale []lifelog.Entry
		for _, entry := range entries {
			analysis, err := o.store.GetAnalysis(ctx, entry.ID, SchemaVersion)
			if err != nil {
				return nil, fmt.Errorf("check analysis for %s: %w", entry.ID, err)
			}
			if analysis == nil || analysis.PayloadHash != entry.Hash {
				stale = append(stale, entry)
			}
		}
		return stale, nil
	}
	candidates, err := o.store.ListAnalysisCandidates(ctx, SchemaVersion, limit)
	if err != nil {
		return nil, fmt.Errorf("list analysis candidates: %w", err)
	}
	return candidates, nil
}

// analyzeEntry runs the three-stage parse chain and returns the accepted
// payload plus the model that produced it.
func (o *Orchestrator) analyzeEntry(ctx context.Context, entry lifelog.Entry) (json.RawMessage, string, error) {
	segments, err := o.store.EntrySegments(ctx, entry.ID, o.maxSegments)
	if err != nil {
		return nil, "", fmt.Errorf("load segments for %s: %w", entry.ID, err)
	}
	prompt := buildPrompt(entry, segments, o.maxSegments)
	req := inference.Request{Prompt: prompt, Schema: PayloadSchema()}

	text, err := o.generate(ctx, o.primary, req)
	if err != nil {
		return nil, "", err
	}
	payload, parseErr := o.parse(text)
	if parseErr == nil {
		return payload, o.primary.Name(), nil
	}
	o.logf("primary output for %s unparsable (%v), issuing repair call", entry.ID, parseErr)

	repaired, err := o.generate(ctx, o.primary, inference.Request{Prompt: buildRepairPrompt(text)})
	if err == nil {
		if payload, parseErr = o.parse(repaired); parseErr == nil {
			return payload, o.primary.Name(), nil
		}
	} else if inference.IsRateLimited(err) {
		return nil, "", err
	}
	o.logf("repair attempt for %s unparsable, falling back to secondary provider", entry.ID)

	if o.secondary == nil {
		return nil, "", fmt.Errorf("%w: entry %s", ErrUnparsable, entry.ID)
	}
	fallback, err := o.generate(ctx, o.secondary, req)
	if err != nil {
		if inference.IsRateLimited(err) {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("%w: entry %s: secondary failed: %v", ErrUnparsable, entry.ID, err)
	}
	if payload, parseErr = o.parse(fallback); parseErr != nil {
		return nil, "", fmt.Errorf("%w: entry %s", ErrUnparsable, entry.ID)
	}
	return payload, o.secondary.Name(), nil
}

func (o *Orchestrator) generate(ctx context.Context, provider inference.Provider, req inference.Request) (string, error) {
	text, err := provider.Generate(ctx, req)
	if err != nil {
		o.metrics.InferenceRequest(provider.Name(), "error")
		return "", err
	}
	o.metrics.InferenceRequest(provider.Name(), "ok")
	return text, nil
}

// parse is the two-stage permissive parser: strict JSON first, then the
// balanced-brace extractor, then schema validation on whichever succeeded.
func (o *Orchestrator) parse(text string) (json.RawMessage, error) {
	raw := json.RawMessage(text)
	if !json.Valid(raw) {
		extracted, err := ExtractJSONObject(text)
		if err != nil {
			return nil, err
		}
		raw = extracted
	}
	if err := validatePayload(o.schema, raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (o *Orchestrator) persist(ctx context.Context, entry lifelog.Entry, payload json.RawMessage, model string) error {
	return o.store.UpsertAnalysis(ctx, store.Analysis{
		EntryID:     entry.ID,
		Version:     SchemaVersion,
		Model:       model,
		PayloadHash: entry.Hash,
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
	})
}

func (o *Orchestrator) appendEvent(ctx context.Context, entryID, status, model, errText string) {
	ev := store.AnalysisEvent{
		EntryID: entryID,
		Version: SchemaVersion,
		Status:  status,
		Model:   model,
		Error:   errText,
	}
	if err := o.store.AppendAnalysisEvent(ctx, ev); err != nil {
		o.logf("append analysis event for %s: %v", entryID, err)
	}
}

func (o *Orchestrator) logf(format string, v ...any) {
	if o.logger == nil {
		return
	}
	o.logger.Printf(format, v...)
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
