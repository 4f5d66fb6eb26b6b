// Package cache tracks downloaded documents in a persistent ledger
// co-located with the byte store it describes. The ledger is a
// human-inspectable JSON file, flushed synchronously on every mutation
// and reconciled against the store's actual files at load time.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thc1006/paperstore/pkg/docerr"
	"github.com/thc1006/paperstore/pkg/metrics"
)

// LedgerFileName is the ledger's file name inside the store directory.
const LedgerFileName = "ledger.json"

// Sentinels that disable one eviction pass.
const (
	NoMaxAge    = time.Duration(math.MaxInt64)
	NoSizeLimit = int64(math.MaxInt64)
)

// Status of a ledger entry.
type Status string

const (
	// StatusComplete marks an entry whose backing file is fully
	// written and validated. Only complete entries are served.
	StatusComplete Status = "complete"

	// StatusStale marks an entry condemned by eviction whose backing
	// file could not be removed yet. Stale entries never satisfy
	// lookups and do not block re-registration.
	StatusStale Status = "stale"
)

// Entry is one ledger record. Entries are immutable once registered,
// except for LastAccessedAt and the stale downgrade during eviction.
type Entry struct {
	Key            string    `json:"key"`
	SourceURL      string    `json:"source_url"`
	LocalPath      string    `json:"local_path"`
	SizeBytes      int64     `json:"size_bytes"`
	Checksum       string    `json:"checksum,omitempty"`
	RegisteredAt   time.Time `json:"registered_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	Status         Status    `json:"status"`
}

// Stats holds O(1) ledger counters. Count and bytes cover complete
// entries only and are maintained incrementally, never by scanning.
type Stats struct {
	TotalCount int   `json:"total_count"`
	TotalBytes int64 `json:"total_bytes"`
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Evictions  int64 `json:"evictions"`
}

// EvictionReport summarizes one Evict call.
type EvictionReport struct {
	Attempted      int   `json:"attempted"`
	Evicted        int   `json:"evicted"`
	Failed         int   `json:"failed"`
	ReclaimedBytes int64 `json:"reclaimed_bytes"`
}

// record wraps an Entry with a lock-free last-access timestamp so
// lookups can touch it without taking the write lock.
type record struct {
	Entry
	lastAccess atomic.Int64 // unix nanos
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithMetrics attaches a metrics recorder.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(l *Ledger) { l.metrics = rec }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Ledger is the persistent key -> Entry map for one byte store
// directory. One mutex guards all mutations; lookups and stats reads
// run concurrently under the read lock. Open returns an explicit
// instance; two instances over one directory are not supported.
type Ledger struct {
	mu         sync.RWMutex
	dir        string
	ledgerPath string
	records    map[string]*record
	count      int
	totalBytes int64

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time
}

// ledgerFile is the on-disk JSON shape.
type ledgerFile struct {
	Version string           `json:"version"`
	SavedAt time.Time        `json:"saved_at"`
	Entries map[string]Entry `json:"entries"`
}

// Open loads or creates the ledger for dir. A missing ledger file
// yields an empty ledger; a corrupt one is backed up and replaced. The
// store is then reconciled: entries without a matching backing file are
// pruned, files without an entry are removed. Neither condition is
// fatal.
func Open(dir string, logger *slog.Logger, opts ...Option) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, docerr.Wrap(docerr.KindStorage, "open", err, "create store directory %s", dir)
	}

	l := &Ledger{
		dir:        dir,
		ledgerPath: filepath.Join(dir, LedgerFileName),
		records:    make(map[string]*record),
		logger:     logger.With("component", "cache-ledger"),
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(l)
	}

	if err := l.load(); err != nil {
		l.logger.Warn("Failed to load ledger file, starting empty", "path", l.ledgerPath, "error", err)
	}
	l.reconcile()

	l.metrics.RecordCacheSize(l.count, l.totalBytes)
	l.logger.Info("Ledger opened", "dir", dir, "entries", l.count, "bytes", l.totalBytes)

	return l, nil
}

// Dir returns the byte store directory.
func (l *Ledger) Dir() string {
	return l.dir
}

// PathFor returns the deterministic byte store path for a key.
func (l *Ledger) PathFor(key string) string {
	return filepath.Join(l.dir, storeFilename(key))
}

// load reads the ledger file into memory.
func (l *Ledger) load() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.ledgerPath)
	if err != nil {
		if os.IsNotExist(err) {
			// No ledger yet, which is fine.
			return nil
		}
		return fmt.Errorf("failed to read ledger file: %w", err)
	}

	if len(data) == 0 {
		return nil
	}

	var stored ledgerFile
	if err := json.Unmarshal(data, &stored); err != nil {
		l.backupCorrupt(err)
		return nil
	}

	for key, entry := range stored.Entries {
		entry.Key = key
		rec := &record{Entry: entry}
		last := entry.LastAccessedAt
		if last.IsZero() {
			last = entry.RegisteredAt
		}
		rec.lastAccess.Store(last.UnixNano())
		l.records[key] = rec

		if entry.Status == StatusComplete {
			l.count++
			l.totalBytes += entry.SizeBytes
		}
	}

	l.logger.Info("Loaded ledger", "path", l.ledgerPath, "entries", len(l.records))
	return nil
}

// backupCorrupt moves a corrupt ledger aside and starts fresh.
func (l *Ledger) backupCorrupt(cause error) {
	backupPath := l.ledgerPath + ".backup." + l.now().Format("20060102T150405")
	if err := copyFile(l.ledgerPath, backupPath); err != nil {
		l.logger.Warn("Failed to back up corrupt ledger file", "path", l.ledgerPath, "error", err)
	} else {
		l.logger.Warn("Corrupt ledger file backed up, starting fresh",
			"path", l.ledgerPath,
			"backup", backupPath,
			"error", cause,
		)
	}
	l.records = make(map[string]*record)
	l.count = 0
	l.totalBytes = 0
}

// reconcile aligns the loaded ledger with the files actually present:
// stale leftovers are completed, entries lose their record when the
// backing file is missing or has the wrong size, and store files with
// no entry are removed.
func (l *Ledger) reconcile() {
	l.mu.Lock()
	defer l.mu.Unlock()

	changed := false

	for key, rec := range l.records {
		if rec.Status == StatusStale {
			if err := os.Remove(rec.LocalPath); err != nil && !os.IsNotExist(err) {
				l.logger.Warn("Stale entry still has an undeletable file", "key", key, "path", rec.LocalPath, "error", err)
				continue
			}
			delete(l.records, key)
			changed = true
			continue
		}

		info, err := os.Stat(rec.LocalPath)
		if err != nil {
			l.logger.Warn("Pruning entry without backing file", "key", key, "path", rec.LocalPath)
			l.dropLocked(rec)
			changed = true
			continue
		}
		if info.Size() != rec.SizeBytes {
			l.logger.Warn("Pruning entry with mismatched file size",
				"key", key,
				"path", rec.LocalPath,
				"expected", rec.SizeBytes,
				"actual", info.Size(),
			)
			if err := os.Remove(rec.LocalPath); err != nil && !os.IsNotExist(err) {
				l.logger.Warn("Failed to remove mismatched file", "path", rec.LocalPath, "error", err)
			}
			l.dropLocked(rec)
			changed = true
		}
	}

	// Files in the store that no entry references are orphans from an
	// interrupted run.
	claimed := make(map[string]bool, len(l.records))
	for _, rec := range l.records {
		claimed[filepath.Base(rec.LocalPath)] = true
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		l.logger.Warn("Failed to scan store directory", "dir", l.dir, "error", err)
	} else {
		for _, de := range entries {
			if de.IsDir() {
				continue
			}
			name := de.Name()
			orphanPDF := strings.HasSuffix(name, ".pdf") && !claimed[name]
			leftoverTmp := strings.HasPrefix(name, ".fetch-") && strings.HasSuffix(name, ".tmp")
			if !orphanPDF && !leftoverTmp {
				continue
			}
			path := filepath.Join(l.dir, name)
			if err := os.Remove(path); err != nil {
				l.logger.Warn("Failed to remove orphan file", "path", path, "error", err)
				continue
			}
			l.logger.Warn("Removed orphan store file", "path", path)
		}
	}

	if changed {
		if err := l.persistLocked(); err != nil {
			l.logger.Error("Failed to persist reconciled ledger", "error", err)
		}
	}
}

// dropLocked removes a record and maintains the complete-entry counters.
func (l *Ledger) dropLocked(rec *record) {
	if rec.Status == StatusComplete {
		l.count--
		l.totalBytes -= rec.SizeBytes
	}
	delete(l.records, rec.Key)
}

// Lookup returns the complete entry for key, updating its last-access
// time as a side effect. Stale entries and unknown keys miss.
func (l *Ledger) Lookup(key string) (Entry, bool) {
	l.mu.RLock()
	rec, ok := l.records[key]
	var entry Entry
	if ok && rec.Status == StatusComplete {
		entry = rec.Entry
	} else {
		ok = false
	}
	l.mu.RUnlock()

	if !ok {
		l.misses.Add(1)
		l.metrics.RecordCacheLookup("miss")
		return Entry{}, false
	}

	now := l.now()
	rec.lastAccess.Store(now.UnixNano())
	entry.LastAccessedAt = now

	l.hits.Add(1)
	l.metrics.RecordCacheLookup("hit")
	return entry, true
}

// Register records a fully written store file under key. It fails with
// a duplicate_key error when a complete entry already holds the key; a
// stale leftover is replaced. The file must exist at localPath with
// exactly sizeBytes bytes. The new entry is flushed synchronously; a
// flush failure rolls the registration back and is surfaced as a
// storage_error.
func (l *Ledger) Register(key, sourceURL, localPath string, sizeBytes int64, checksum string) (Entry, error) {
	if key == "" {
		return Entry{}, docerr.New(docerr.KindStorage, "register", "empty cache key")
	}

	// File checks happen outside the lock; only the map mutation and
	// flush are serialized.
	info, err := os.Stat(localPath)
	if err != nil {
		return Entry{}, docerr.Wrap(docerr.KindStorage, "register", err, "stat store file %s", localPath)
	}
	if info.Size() != sizeBytes {
		return Entry{}, docerr.New(docerr.KindStorage, "register",
			"store file %s has %d bytes, expected %d", localPath, info.Size(), sizeBytes)
	}
	if checksum == "" {
		if checksum, err = fileChecksum(localPath); err != nil {
			return Entry{}, docerr.Wrap(docerr.KindStorage, "register", err, "checksum store file %s", localPath)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.records[key]; ok {
		if existing.Status == StatusComplete {
			return Entry{}, docerr.New(docerr.KindDuplicateKey, "register", "key %q already has a complete entry", key)
		}
		delete(l.records, key)
	}

	now := l.now()
	rec := &record{
		Entry: Entry{
			Key:            key,
			SourceURL:      sourceURL,
			LocalPath:      localPath,
			SizeBytes:      sizeBytes,
			Checksum:       checksum,
			RegisteredAt:   now,
			LastAccessedAt: now,
			Status:         StatusComplete,
		},
	}
	rec.lastAccess.Store(now.UnixNano())

	l.records[key] = rec
	l.count++
	l.totalBytes += sizeBytes

	if err := l.persistLocked(); err != nil {
		// Keep memory consistent with disk: the registration did not
		// take effect.
		l.dropLocked(rec)
		return Entry{}, docerr.Wrap(docerr.KindStorage, "register", err, "persist ledger")
	}

	l.metrics.RecordCacheSize(l.count, l.totalBytes)
	l.logger.Info("Registered cache entry", "key", key, "path", localPath, "bytes", sizeBytes)
	return rec.Entry, nil
}

// Evict applies the retention policy in two passes: entries older than
// maxAge by registration time go first, then least-recently-accessed
// entries until the total drops to maxTotalBytes. Each removal deletes
// the backing file before the record; a deletion failure downgrades the
// entry to stale, is logged, and never aborts the rest of the pass.
// Pass the NoMaxAge / NoSizeLimit sentinels to disable a pass. Evicting
// an empty or fully fresh ledger is a no-op, repeatable at will.
func (l *Ledger) Evict(maxAge time.Duration, maxTotalBytes int64) (EvictionReport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var report EvictionReport
	now := l.now()

	// Finish deletions a previous eviction could not complete.
	for _, rec := range l.records {
		if rec.Status == StatusStale {
			l.evictLocked(rec, "stale", &report)
		}
	}

	if maxAge < NoMaxAge {
		for _, rec := range l.records {
			if rec.Status == StatusComplete && now.Sub(rec.RegisteredAt) > maxAge {
				l.evictLocked(rec, "age", &report)
			}
		}
	}

	if maxTotalBytes < NoSizeLimit && l.totalBytes > maxTotalBytes {
		survivors := make([]*record, 0, len(l.records))
		for _, rec := range l.records {
			if rec.Status == StatusComplete {
				survivors = append(survivors, rec)
			}
		}
		sort.Slice(survivors, func(i, j int) bool {
			return survivors[i].lastAccess.Load() < survivors[j].lastAccess.Load()
		})

		for _, rec := range survivors {
			if l.totalBytes <= maxTotalBytes {
				break
			}
			l.evictLocked(rec, "size", &report)
		}
	}

	if report.Attempted == 0 {
		return report, nil
	}

	l.metrics.RecordCacheSize(l.count, l.totalBytes)
	l.logger.Info("Eviction finished",
		"attempted", report.Attempted,
		"evicted", report.Evicted,
		"failed", report.Failed,
		"reclaimed_bytes", report.ReclaimedBytes,
	)

	if err := l.persistLocked(); err != nil {
		return report, docerr.Wrap(docerr.KindStorage, "evict", err, "persist ledger")
	}
	return report, nil
}

// evictLocked removes one entry: backing file first, record second, in
// that order only. On file-deletion failure the record survives as
// stale so a later pass can retry it.
func (l *Ledger) evictLocked(rec *record, reason string, report *EvictionReport) {
	report.Attempted++

	if rec.Status == StatusComplete {
		l.count--
		l.totalBytes -= rec.SizeBytes
		rec.Entry.Status = StatusStale
	}

	if err := os.Remove(rec.LocalPath); err != nil && !os.IsNotExist(err) {
		l.logger.Warn("Failed to delete cached file, keeping stale record",
			"key", rec.Key,
			"path", rec.LocalPath,
			"reason", reason,
			"error", err,
		)
		report.Failed++
		return
	}

	delete(l.records, rec.Key)
	report.Evicted++
	report.ReclaimedBytes += rec.SizeBytes
	l.evictions.Add(1)
	l.metrics.RecordEviction(reason, 1)
}

// GetStats returns the current counters in O(1).
func (l *Ledger) GetStats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return Stats{
		TotalCount: l.count,
		TotalBytes: l.totalBytes,
		Hits:       l.hits.Load(),
		Misses:     l.misses.Load(),
		Evictions:  l.evictions.Load(),
	}
}

// Len returns the number of records, stale ones included.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Keys returns all keys with a complete entry.
func (l *Ledger) Keys() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	keys := make([]string, 0, l.count)
	for key, rec := range l.records {
		if rec.Status == StatusComplete {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Close flushes the ledger, persisting in-memory last-access times.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.persistLocked()
}

// persistLocked writes the ledger file atomically. Callers hold the
// write lock.
func (l *Ledger) persistLocked() error {
	snapshot := ledgerFile{
		Version: "1.0",
		SavedAt: l.now(),
		Entries: make(map[string]Entry, len(l.records)),
	}
	for key, rec := range l.records {
		entry := rec.Entry
		entry.LastAccessedAt = time.Unix(0, rec.lastAccess.Load()).UTC()
		snapshot.Entries[key] = entry
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal ledger: %w", err)
	}

	if err := atomicWriteFile(l.ledgerPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write ledger file atomically: %w", err)
	}

	return nil
}

// fileChecksum returns the hex SHA-256 of a file.
func fileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// copyFile copies a file from src to dst.
func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	_, err = io.Copy(dstFile, srcFile)
	return err
}
