// Package acquire drives the per-document acquisition pipeline: ledger
// lookup, fetch on miss, registration, structure extraction. A batch
// entry point fans documents out across a bounded worker pool and
// returns one outcome per input, in input order, no matter how many of
// them fail.
package acquire

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/thc1006/paperstore/pkg/cache"
	"github.com/thc1006/paperstore/pkg/docerr"
	"github.com/thc1006/paperstore/pkg/extract"
	"github.com/thc1006/paperstore/pkg/fetch"
	"github.com/thc1006/paperstore/pkg/metrics"
)

// DefaultMaxWorkers bounds batch concurrency when the caller does not.
const DefaultMaxWorkers = 4

// Document identifies one remote document to acquire. Key must be
// stable: it is the ledger's primary key and names the stored file.
type Document struct {
	Key  string            `json:"key"`
	URL  string            `json:"url"`
	Meta map[string]string `json:"meta,omitempty"`
}

// Stage is the pipeline position a document reached.
type Stage string

const (
	StagePending     Stage = "pending"
	StageFetching    Stage = "fetching"
	StageRegistering Stage = "registering"
	StageExtracting  Stage = "extracting"
	StageDone        Stage = "done"
)

func (s Stage) String() string {
	return string(s)
}

// Outcome is the terminal result for one document. Success with a
// non-nil Err marks exactly one condition: the document is cached but
// structure extraction failed.
type Outcome struct {
	Key       string            `json:"key"`
	Success   bool              `json:"success"`
	FromCache bool              `json:"from_cache"`
	LocalPath string            `json:"local_path,omitempty"`
	SizeBytes int64             `json:"size_bytes,omitempty"`
	PageCount int               `json:"page_count,omitempty"`
	Sections  []extract.Section `json:"sections,omitempty"`
	Citations []string          `json:"citations,omitempty"`
	Summary   *extract.Summary  `json:"summary,omitempty"`
	Stage     Stage             `json:"stage"`
	Err       *docerr.Error     `json:"error,omitempty"`
	Elapsed   time.Duration     `json:"elapsed"`
}

// Progress is invoked after each document in a batch reaches its
// terminal state. Panics inside the callback are recovered and logged;
// reporting never interferes with the batch.
type Progress func(key string, completed, total int)

// Config holds configuration for the acquisition processor
type Config struct {
	MaxWorkers int `json:"max_workers"`
}

// DefaultConfig returns the default processor configuration
func DefaultConfig() *Config {
	return &Config{MaxWorkers: DefaultMaxWorkers}
}

// Fetcher downloads one validated document to a destination path.
// *fetch.Fetcher is the production implementation.
type Fetcher interface {
	Fetch(ctx context.Context, url, destination string) fetch.Result
}

// ProcessingStats are the processor's lifetime counters.
type ProcessingStats struct {
	Processed          int64 `json:"processed"`
	Succeeded          int64 `json:"succeeded"`
	Failed             int64 `json:"failed"`
	CacheHits          int64 `json:"cache_hits"`
	ExtractionFailures int64 `json:"extraction_failures"`
}

// Option customizes a Processor.
type Option func(*Processor)

// WithMetrics attaches a metrics recorder.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(p *Processor) { p.metrics = rec }
}

// Processor composes the ledger, fetcher and extractor into the
// acquisition pipeline. The ledger is the only state shared between
// workers; everything else is per-call.
type Processor struct {
	config    *Config
	ledger    *cache.Ledger
	fetcher   Fetcher
	extractor extract.Extractor
	logger    *slog.Logger
	metrics   *metrics.Recorder

	statsMu sync.RWMutex
	stats   ProcessingStats
}

// New creates a processor with explicit dependencies. A nil config uses
// defaults.
func New(ledger *cache.Ledger, fetcher Fetcher, extractor extract.Extractor, config *Config, logger *slog.Logger, opts ...Option) *Processor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxWorkers < 1 {
		config.MaxWorkers = DefaultMaxWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Processor{
		config:    config,
		ledger:    ledger,
		fetcher:   fetcher,
		extractor: extractor,
		logger:    logger.With("component", "processor"),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Process runs the full pipeline for one document and always returns a
// terminal outcome: lookup, fetch on miss, register, extract. A fetch
// failure fails the document; an extraction failure does not, because
// the file is already safely cached.
func (p *Processor) Process(ctx context.Context, doc Document) (outcome Outcome) {
	start := time.Now()
	outcome = Outcome{Key: doc.Key, Stage: StagePending}

	// Whatever goes wrong mid-pipeline, the caller gets a classified
	// terminal outcome, never a fault.
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Acquisition pipeline panicked", "key", doc.Key, "stage", outcome.Stage, "panic", r)
			outcome.Success = false
			outcome.Err = docerr.New(kindForStage(outcome.Stage), "process", "pipeline panic: %v", r)
			outcome = p.finish(outcome, start)
		}
	}()

	if doc.Key == "" || doc.URL == "" {
		outcome.Err = docerr.New(docerr.KindInvalidFormat, "process", "document reference needs both key and url")
		return p.finish(outcome, start)
	}
	if err := ctx.Err(); err != nil {
		outcome.Err = cancellationError(err)
		return p.finish(outcome, start)
	}

	if entry, ok := p.ledger.Lookup(doc.Key); ok {
		outcome.FromCache = true
		outcome.LocalPath = entry.LocalPath
		outcome.SizeBytes = entry.SizeBytes
		outcome.Stage = StageExtracting
		return p.extractInto(ctx, outcome, start)
	}

	outcome.Stage = StageFetching
	result := p.fetcher.Fetch(ctx, doc.URL, p.ledger.PathFor(doc.Key))
	p.metrics.RecordFetch(fetchOutcome(result.Err), result.Bytes, result.Duration)
	if result.Err != nil {
		outcome.Err = classify(docerr.KindNetwork, "fetch", result.Err)
		p.logger.Warn("Fetch failed",
			"key", doc.Key,
			"url", doc.URL,
			"attempts", result.Attempts,
			"error", result.Err,
		)
		return p.finish(outcome, start)
	}

	outcome.Stage = StageRegistering
	registered, err := p.ledger.Register(doc.Key, doc.URL, result.Path, result.Bytes, result.Checksum)
	switch {
	case err == nil:
		outcome.LocalPath = registered.LocalPath
		outcome.SizeBytes = registered.SizeBytes
	case docerr.IsKind(err, docerr.KindDuplicateKey):
		// Another worker registered the key while this one was
		// fetching. Converge on the winner's entry.
		won, ok := p.ledger.Lookup(doc.Key)
		if !ok {
			outcome.Err = docerr.New(docerr.KindStorage, "register",
				"entry for %q vanished after duplicate-key race", doc.Key)
			return p.finish(outcome, start)
		}
		p.logger.Debug("Lost registration race, using existing entry", "key", doc.Key, "path", won.LocalPath)
		outcome.LocalPath = won.LocalPath
		outcome.SizeBytes = won.SizeBytes
	default:
		outcome.Err = classify(docerr.KindStorage, "register", err)
		p.logger.Error("Ledger registration failed", "key", doc.Key, "error", err)
		return p.finish(outcome, start)
	}

	outcome.Stage = StageExtracting
	return p.extractInto(ctx, outcome, start)
}

// extractInto runs structure extraction for an already-cached path and
// finalizes the outcome. Extraction failures downgrade, never fail: the
// cached document survives with an empty structure and a recorded error.
// Callers set StageExtracting before the call so the panic handler sees
// the true pipeline position.
func (p *Processor) extractInto(ctx context.Context, outcome Outcome, start time.Time) Outcome {
	parsed, err := p.extractor.Extract(ctx, outcome.LocalPath)
	if err != nil {
		outcome.Success = true
		outcome.Err = classify(docerr.KindExtraction, "extract", err)
		p.metrics.RecordExtractionFailure()
		p.logger.Warn("Extraction failed, cached document kept",
			"key", outcome.Key,
			"path", outcome.LocalPath,
			"error", err,
		)
		return p.finish(outcome, start)
	}

	outcome.Success = true
	outcome.PageCount = parsed.PageCount
	outcome.Sections = parsed.Sections
	outcome.Citations = parsed.Citations
	outcome.Summary = &parsed.Summary
	return p.finish(outcome, start)
}

// finish stamps the terminal state and maintains counters exactly once
// per document.
func (p *Processor) finish(outcome Outcome, start time.Time) Outcome {
	outcome.Stage = StageDone
	outcome.Elapsed = time.Since(start)

	p.updateStats(func(s *ProcessingStats) {
		s.Processed++
		if outcome.Success {
			s.Succeeded++
		} else {
			s.Failed++
		}
		if outcome.FromCache {
			s.CacheHits++
		}
		if outcome.Success && outcome.Err != nil {
			s.ExtractionFailures++
		}
	})

	if outcome.Success {
		p.metrics.RecordDocument("success")
	} else {
		p.metrics.RecordDocument("failure")
	}

	return outcome
}

// ProcessBatch acquires documents concurrently on a pool of at most
// concurrency workers (the configured default when concurrency <= 0).
// The returned slice has one outcome per input document at the input's
// index, regardless of completion order. One document's failure never
// cancels its siblings.
func (p *Processor) ProcessBatch(ctx context.Context, docs []Document, concurrency int, progress Progress) []Outcome {
	outcomes := make([]Outcome, len(docs))
	if len(docs) == 0 {
		return outcomes
	}

	if concurrency <= 0 {
		concurrency = p.config.MaxWorkers
	}
	if concurrency > len(docs) {
		concurrency = len(docs)
	}

	logger := p.logger.With("batch_id", uuid.New().String())
	logger.Info("Batch started", "documents", len(docs), "workers", concurrency)
	start := time.Now()

	type job struct {
		idx int
		doc Document
	}

	jobs := make(chan job)
	var completed atomic.Int64
	var wg sync.WaitGroup

	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				outcomes[j.idx] = p.Process(ctx, j.doc)
				p.report(progress, logger, j.doc.Key, int(completed.Add(1)), len(docs))
			}
		}()
	}

	for i, doc := range docs {
		jobs <- job{idx: i, doc: doc}
	}
	close(jobs)
	wg.Wait()

	succeeded := 0
	for i := range outcomes {
		if outcomes[i].Success {
			succeeded++
		}
	}

	elapsed := time.Since(start)
	p.metrics.RecordBatch(elapsed)
	logger.Info("Batch finished",
		"documents", len(docs),
		"succeeded", succeeded,
		"failed", len(docs)-succeeded,
		"elapsed", elapsed,
	)

	return outcomes
}

// report invokes the progress callback, shielding the batch from
// whatever the callback does.
func (p *Processor) report(progress Progress, logger *slog.Logger, key string, completed, total int) {
	if progress == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("Progress callback panicked", "key", key, "panic", r)
		}
	}()
	progress(key, completed, total)
}

// Stats returns a copy of the processing counters.
func (p *Processor) Stats() ProcessingStats {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()
	return p.stats
}

// CacheStats reports the ledger's counters.
func (p *Processor) CacheStats() cache.Stats {
	return p.ledger.GetStats()
}

// Cleanup applies the retention policy to the ledger: drop entries
// older than maxAge, then least-recently-used entries until the store
// fits maxTotalBytes.
func (p *Processor) Cleanup(maxAge time.Duration, maxTotalBytes int64) (cache.EvictionReport, error) {
	report, err := p.ledger.Evict(maxAge, maxTotalBytes)
	if err != nil {
		p.logger.Error("Cache cleanup failed", "error", err)
		return report, err
	}
	p.logger.Info("Cache cleanup finished",
		"attempted", report.Attempted,
		"evicted", report.Evicted,
		"failed", report.Failed,
		"reclaimed_bytes", report.ReclaimedBytes,
	)
	return report, nil
}

func (p *Processor) updateStats(updater func(*ProcessingStats)) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	updater(&p.stats)
}

// classify coerces err into the shared taxonomy, preserving an existing
// classification.
func classify(fallback docerr.Kind, op string, err error) *docerr.Error {
	var de *docerr.Error
	if errors.As(err, &de) {
		return de
	}
	return docerr.Wrap(fallback, op, err, "unclassified failure")
}

// cancellationError classifies a context error.
func cancellationError(err error) *docerr.Error {
	kind := docerr.KindNetwork
	if errors.Is(err, context.DeadlineExceeded) {
		kind = docerr.KindTimeout
	}
	return docerr.Wrap(kind, "process", err, "acquisition canceled before start")
}

// kindForStage maps a pipeline stage to the failure class a fault there
// most plausibly belongs to.
func kindForStage(s Stage) docerr.Kind {
	switch s {
	case StageFetching:
		return docerr.KindNetwork
	case StageExtracting:
		return docerr.KindExtraction
	default:
		return docerr.KindStorage
	}
}

// fetchOutcome labels a fetch result for metrics.
func fetchOutcome(err error) string {
	if err == nil {
		return "success"
	}
	if kind := docerr.KindOf(err); kind != "" {
		return string(kind)
	}
	return "failure"
}
