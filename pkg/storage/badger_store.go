package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/log"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/models"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/utils"
)

const (
	seenKeyPrefix    = "seen:"    // canonical URL -> first-seen RFC3339 time
	jobKeyPrefix     = "job:"     // canonical URL -> CrawlJob JSON
	pageKeyPrefix    = "page:"    // canonical URL -> Page JSON
	patternKeyPrefix = "pat:"     // host|type|pattern -> URLPattern JSON
	stateDBDir       = "state_db" // Subdirectory name within stateDir for Badger DB files
	bloomCapacity    = 1_000_000  // Expected seen URLs for the prefilter
	bloomFPRate      = 0.001
)

// BadgerStore implements Store using BadgerDB
type BadgerStore struct {
	db       *badger.DB
	log      *logrus.Entry
	ctx      context.Context // Parent context
	keyCount atomic.Int64    // Cached key count for O(1) GetKeyCount

	// seenMu guards seenFilter and serializes MarkSeen, so a filter miss
	// holds until the key is written.
	seenMu     sync.RWMutex
	seenFilter *bloom.BloomFilter // Never yields false negatives, so a miss skips the DB read
	filterFull bool               // False when warm-up failed and misses are not authoritative
	seenReads  atomic.Int64       // Seen-set lookups that reached the DB
}

// NewBadgerStore initializes and returns a new BadgerStore. Without resume
// the existing state directory is wiped.
func NewBadgerStore(ctx context.Context, stateDir, name string, resume bool, logger *logrus.Entry) (*BadgerStore, error) {
	store := &BadgerStore{
		log:        logger,
		ctx:        ctx,
		seenFilter: bloom.NewWithEstimates(bloomCapacity, bloomFPRate),
	}

	dbDirName := utils.SanitizeFilename(name) + "_" + stateDBDir
	dbPath := filepath.Join(stateDir, dbDirName)

	if !resume {
		logger.Warnf("Resume flag is false. REMOVING existing state directory: %s", dbPath)
		if err := os.RemoveAll(dbPath); err != nil {
			logger.Errorf("Failed to remove existing state directory %s: %v", dbPath, err)
		}
	}

	logger.Infof("Initializing state database at: %s (Resume: %v)", dbPath, resume)

	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create state directory %s: %w", utils.ErrFilesystem, dbPath, err)
	}

	opts := badger.DefaultOptions(dbPath).
		WithLogger(log.NewBadgerLogrusAdapter(logger)).
		WithNumVersionsToKeep(1)

	var err error
	store.db, err = badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger database at %s: %w", utils.ErrDatabase, dbPath, err)
	}

	store.filterFull = true
	if resume {
		count, err := store.warmUp()
		if err != nil {
			store.filterFull = false
			logger.Warnf("Failed to scan existing keys on resume: %v", err)
		} else {
			store.keyCount.Store(int64(count))
			logger.Infof("Loaded existing key count on resume: %d", count)
		}
	}

	logger.Info("State database initialized successfully.")
	return store, nil
}

// warmUp counts keys and loads seen URLs into the bloom prefilter.
func (s *BadgerStore) warmUp() (int, error) {
	count := 0
	prefix := []byte(seenKeyPrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		s.seenMu.Lock()
		defer s.seenMu.Unlock()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
			key := it.Item().Key()
			if len(key) > len(prefix) && string(key[:len(prefix)]) == seenKeyPrefix {
				s.seenFilter.Add(key[len(prefix):])
			}
		}
		return nil
	})
	return count, err
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Concurrent MVCC transactions on overlapping keys can return badger.ErrConflict;
// these resolve in microseconds, so a tight retry loop is sufficient.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

// putJSON upserts v under key, counting new keys.
func (s *BadgerStore) putJSON(key string, v any) error {
	if s.db == nil {
		return fmt.Errorf("%w: state DB not initialized", utils.ErrDatabase)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: JSON marshal for key '%s': %w", utils.ErrParsing, key, err)
	}
	isNew := false
	err = s.dbUpdate(func(txn *badger.Txn) error {
		_, errGet := txn.Get([]byte(key))
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			isNew = true
		} else if errGet != nil {
			return errGet
		}
		return txn.SetEntry(badger.NewEntry([]byte(key), data))
	})
	if err != nil {
		s.log.WithField("key", key).Errorf("DB Update error: %v", err)
		return fmt.Errorf("%w: setting key '%s': %w", utils.ErrPersistence, key, err)
	}
	if isNew {
		s.keyCount.Add(1)
	}
	return nil
}

// getJSON decodes the value at key into v. found is false when the key is absent.
func (s *BadgerStore) getJSON(key string, v any) (found bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, errGet := txn.Get([]byte(key))
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil
		}
		if errGet != nil {
			return fmt.Errorf("%w: getting key '%s': %w", utils.ErrDatabase, key, errGet)
		}
		found = true
		return item.Value(func(val []byte) error {
			if errJSON := json.Unmarshal(val, v); errJSON != nil {
				return fmt.Errorf("%w: JSON decode for key '%s': %w", utils.ErrParsing, key, errJSON)
			}
			return nil
		})
	})
	return found, err
}

// scanPrefix calls fn with every value under prefix. Context cancellation stops the scan.
func (s *BadgerStore) scanPrefix(ctx context.Context, prefix string, fn func(key, val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			item := it.Item()
			key := item.KeyCopy(nil)
			if err := item.Value(func(val []byte) error { return fn(key, val) }); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- Seen set ---

// MarkSeen implements SeenStore. A bloom miss means the URL is new and is
// written without reading the DB first.
func (s *BadgerStore) MarkSeen(url string, at time.Time) (bool, error) {
	if s.db == nil {
		return false, fmt.Errorf("%w: state DB not initialized", utils.ErrDatabase)
	}
	key := []byte(seenKeyPrefix + url)
	entry := func() *badger.Entry { return badger.NewEntry(key, []byte(at.UTC().Format(time.RFC3339Nano))) }

	s.seenMu.Lock()
	defer s.seenMu.Unlock()

	added := false
	var err error
	if s.filterFull && !s.seenFilter.TestString(url) {
		added = true
		err = s.dbUpdate(func(txn *badger.Txn) error { return txn.SetEntry(entry()) })
	} else {
		s.seenReads.Add(1)
		err = s.dbUpdate(func(txn *badger.Txn) error {
			_, errGet := txn.Get(key)
			if errors.Is(errGet, badger.ErrKeyNotFound) {
				added = true
				return txn.SetEntry(entry())
			}
			added = false
			return errGet
		})
	}
	if err != nil {
		return false, fmt.Errorf("%w: marking seen '%s': %w", utils.ErrPersistence, url, err)
	}
	if added {
		s.keyCount.Add(1)
		s.seenFilter.AddString(url)
	}
	return added, nil
}

// IsSeen implements SeenStore
func (s *BadgerStore) IsSeen(url string) (bool, error) {
	s.seenMu.RLock()
	maybe := s.seenFilter.TestString(url)
	s.seenMu.RUnlock()
	if !maybe && s.filterFull {
		return false, nil
	}
	s.seenReads.Add(1)
	seen := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, errGet := txn.Get([]byte(seenKeyPrefix + url))
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil
		}
		if errGet != nil {
			return errGet
		}
		seen = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: checking seen '%s': %w", utils.ErrDatabase, url, err)
	}
	return seen, nil
}

// LoadSeenSet implements SeenStore
func (s *BadgerStore) LoadSeenSet() (map[string]time.Time, error) {
	seen := make(map[string]time.Time)
	err := s.scanPrefix(s.ctx, seenKeyPrefix, func(key, val []byte) error {
		at, err := time.Parse(time.RFC3339Nano, string(val))
		if err != nil {
			s.log.Warnf("Bad seen timestamp for '%s': %v", key, err)
		}
		seen[string(key[len(seenKeyPrefix):])] = at
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: loading seen set: %w", utils.ErrDatabase, err)
	}
	return seen, nil
}

// SaveSeenSet implements SeenStore. Existing entries keep their first-seen time.
func (s *BadgerStore) SaveSeenSet(seen map[string]time.Time) error {
	for url, at := range seen {
		if _, err := s.MarkSeen(url, at); err != nil {
			return err
		}
	}
	return nil
}

// --- Jobs ---

// SaveJob implements JobStore
func (s *BadgerStore) SaveJob(job *models.CrawlJob) error {
	return s.putJSON(jobKeyPrefix+job.URL, job)
}

// GetJob implements JobStore
func (s *BadgerStore) GetJob(url string) (*models.CrawlJob, bool, error) {
	var job models.CrawlJob
	found, err := s.getJSON(jobKeyPrefix+url, &job)
	if err != nil || !found {
		return nil, false, err
	}
	return &job, true, nil
}

// IncompleteJobs implements JobStore
func (s *BadgerStore) IncompleteJobs(ctx context.Context, host string) ([]*models.CrawlJob, error) {
	s.log.Info("Resume Mode: Scanning database for incomplete jobs...")
	scanStart := time.Now()
	var jobs []*models.CrawlJob
	scanErrors := 0
	err := s.scanPrefix(ctx, jobKeyPrefix, func(key, val []byte) error {
		var job models.CrawlJob
		if err := json.Unmarshal(val, &job); err != nil {
			s.log.Errorf("Resume Scan: Failed unmarshal job '%s': %v. Skipping.", key, err)
			scanErrors++
			return nil
		}
		if host != "" && job.Host != host {
			return nil
		}
		switch job.Status {
		case models.JobStatusDiscovered, models.JobStatusQueued, models.JobStatusRunning:
			jobs = append(jobs, &job)
		}
		return nil
	})
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].Depth != jobs[j].Depth {
			return jobs[i].Depth < jobs[j].Depth
		}
		return jobs[i].Seq < jobs[j].Seq
	})
	s.log.Infof("Resume Scan Complete: %d incomplete jobs for host %q in %v. Errors: %d.",
		len(jobs), host, time.Since(scanStart), scanErrors)
	if err != nil {
		return jobs, fmt.Errorf("%w: scanning jobs: %w", utils.ErrDatabase, err)
	}
	return jobs, nil
}

// RequeueSkippedByPattern implements JobStore
func (s *BadgerStore) RequeueSkippedByPattern(ctx context.Context, patternKey string, now time.Time) (int, error) {
	var reopen []*models.CrawlJob
	err := s.scanPrefix(ctx, jobKeyPrefix, func(key, val []byte) error {
		var job models.CrawlJob
		if err := json.Unmarshal(val, &job); err != nil {
			return nil
		}
		if job.Status == models.JobStatusSkipped && job.ExcludedBy == patternKey {
			reopen = append(reopen, &job)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: scanning jobs: %w", utils.ErrDatabase, err)
	}
	count := 0
	for _, job := range reopen {
		if err := job.Reopen(now); err != nil {
			s.log.Warnf("Cannot reopen job '%s': %v", job.URL, err)
			continue
		}
		if err := s.SaveJob(job); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// JobCounts implements JobStore
func (s *BadgerStore) JobCounts(ctx context.Context) (map[models.JobStatus]int, error) {
	counts := make(map[models.JobStatus]int)
	err := s.scanPrefix(ctx, jobKeyPrefix, func(_, val []byte) error {
		var job struct {
			Status models.JobStatus `json:"status"`
		}
		if err := json.Unmarshal(val, &job); err == nil {
			counts[job.Status]++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: counting jobs: %w", utils.ErrDatabase, err)
	}
	return counts, nil
}

// --- Pages ---

// SavePage implements PageStore. The whole record is replaced in one transaction.
func (s *BadgerStore) SavePage(page *models.Page) error {
	return s.putJSON(pageKeyPrefix+page.URL, page)
}

// GetPage implements PageStore
func (s *BadgerStore) GetPage(url string) (*models.Page, bool, error) {
	var page models.Page
	found, err := s.getJSON(pageKeyPrefix+url, &page)
	if err != nil || !found {
		return nil, false, err
	}
	return &page, true, nil
}

// ExportPages writes every stored page as one JSON object per line.
func (s *BadgerStore) ExportPages(ctx context.Context, w io.Writer) (int, error) {
	writer := bufio.NewWriter(w)
	written := 0
	err := s.scanPrefix(ctx, pageKeyPrefix, func(_, val []byte) error {
		if _, err := writer.Write(val); err != nil {
			return err
		}
		if err := writer.WriteByte('\n'); err != nil {
			return err
		}
		written++
		if written%5000 == 0 {
			return writer.Flush()
		}
		return nil
	})
	if flushErr := writer.Flush(); err == nil {
		err = flushErr
	}
	if err != nil {
		return written, fmt.Errorf("%w: exporting pages: %w", utils.ErrPersistence, err)
	}
	return written, nil
}

// --- URL patterns ---

// SaveURLPattern implements PatternStore
func (s *BadgerStore) SaveURLPattern(p models.URLPattern) (models.URLPattern, error) {
	if s.db == nil {
		return p, fmt.Errorf("%w: state DB not initialized", utils.ErrDatabase)
	}
	key := []byte(patternKeyPrefix + p.Key())
	var stored models.URLPattern
	isNew := false
	err := s.dbUpdate(func(txn *badger.Txn) error {
		stored = p
		item, errGet := txn.Get(key)
		switch {
		case errors.Is(errGet, badger.ErrKeyNotFound):
			isNew = true
			if stored.UsageCount <= 0 {
				stored.UsageCount = 1
			}
			if stored.CreatedAt.IsZero() {
				stored.CreatedAt = p.UpdatedAt
			}
		case errGet != nil:
			return errGet
		default:
			var existing models.URLPattern
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &existing) }); err != nil {
				return err
			}
			stored = mergePattern(existing, p)
		}
		data, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry(key, data))
	})
	if err != nil {
		return p, fmt.Errorf("%w: saving pattern '%s': %w", utils.ErrPersistence, p.Key(), err)
	}
	if isNew {
		s.keyCount.Add(1)
	}
	return stored, nil
}

// mergePattern folds a re-learned pattern into the stored one. Manual
// exclusions carry direct evidence and keep the higher confidence.
func mergePattern(existing, incoming models.URLPattern) models.URLPattern {
	merged := existing
	merged.UsageCount++
	switch {
	case incoming.Type == models.PatternInclude:
		if incoming.Confidence > merged.Confidence {
			merged.Confidence = incoming.Confidence
		}
	case incoming.Source == models.PatternSourceManual:
		if incoming.Confidence > merged.Confidence {
			merged.Confidence = incoming.Confidence
		}
		merged.Source = models.PatternSourceManual
	default:
		if incoming.Confidence < merged.Confidence {
			merged.Confidence = incoming.Confidence
		}
	}
	if merged.LearnedFromURL == "" {
		merged.LearnedFromURL = incoming.LearnedFromURL
	}
	if !incoming.UpdatedAt.IsZero() {
		merged.UpdatedAt = incoming.UpdatedAt
	}
	return merged
}

// PutURLPattern implements PatternStore
func (s *BadgerStore) PutURLPattern(p models.URLPattern) error {
	return s.putJSON(patternKeyPrefix+p.Key(), p)
}

// QueryURLPatterns implements PatternStore
func (s *BadgerStore) QueryURLPatterns(host string, typ models.PatternType, minConf, maxConf float64) ([]models.URLPattern, error) {
	prefix := patternKeyPrefix
	if host != "" {
		prefix += host + "|"
		if typ != "" {
			prefix += string(typ) + "|"
		}
	}
	var out []models.URLPattern
	err := s.scanPrefix(s.ctx, prefix, func(key, val []byte) error {
		var p models.URLPattern
		if err := json.Unmarshal(val, &p); err != nil {
			s.log.Warnf("Skipping undecodable pattern '%s': %v", key, err)
			return nil
		}
		if typ != "" && p.Type != typ {
			return nil
		}
		if p.Confidence < minConf || p.Confidence > maxConf {
			return nil
		}
		out = append(out, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: querying patterns: %w", utils.ErrDatabase, err)
	}
	return out, nil
}

// DeleteURLPattern implements PatternStore
func (s *BadgerStore) DeleteURLPattern(key string) error {
	deleted := false
	err := s.dbUpdate(func(txn *badger.Txn) error {
		k := []byte(patternKeyPrefix + key)
		if _, errGet := txn.Get(k); errGet != nil {
			if errors.Is(errGet, badger.ErrKeyNotFound) {
				return nil
			}
			return errGet
		}
		deleted = true
		return txn.Delete(k)
	})
	if err != nil {
		return fmt.Errorf("%w: deleting pattern '%s': %w", utils.ErrPersistence, key, err)
	}
	if deleted {
		s.keyCount.Add(-1)
	}
	return nil
}

// --- Admin ---

// Checkpoint implements StoreAdmin
func (s *BadgerStore) Checkpoint() error {
	if s.db == nil || s.db.IsClosed() {
		return fmt.Errorf("%w: checkpoint on closed DB", utils.ErrDatabase)
	}
	if err := s.db.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %w", utils.ErrPersistence, err)
	}
	return nil
}

// GetKeyCount implements StoreAdmin
func (s *BadgerStore) GetKeyCount() int {
	return int(s.keyCount.Load())
}

// RunGC runs BadgerDB's garbage collection periodically
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("BadgerDB GC goroutine started.")

	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				s.log.Info("DB GC: Database is nil or closed, skipping GC cycle.")
				continue
			}
			var err error
			for {
				// Rewrite while at least half of a value log is reclaimable
				if err = s.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
			if errors.Is(err, badger.ErrNoRewrite) {
				s.log.Debug("BadgerDB GC finished (no rewrite needed).")
			} else {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}

		case <-ctx.Done():
			s.log.Infof("Stopping BadgerDB garbage collection goroutine: %v", ctx.Err())
			return
		}
	}
}

// Close implements StoreAdmin
func (s *BadgerStore) Close() error {
	if s.db != nil && !s.db.IsClosed() {
		s.log.Info("Closing state DB...")
		if err := s.db.Close(); err != nil {
			s.log.Errorf("Error closing state DB: %v", err)
			return err
		}
		s.log.Info("State DB closed.")
		return nil
	}
	return nil
}
