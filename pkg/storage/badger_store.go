package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/sitecrawl/pkg/log"
	"github.com/Sriram-PR/sitecrawl/pkg/models"
	"github.com/Sriram-PR/sitecrawl/pkg/utils"
)

const (
	pageKeyPrefix = "page:"       // Prefix for page URL keys in DB
	outcomeDBDir  = "outcomes_db" // Subdirectory name within stateDir for Badger DB files
)

// BadgerStore implements OutcomeStore using BadgerDB
type BadgerStore struct {
	db       *badger.DB
	log      *logrus.Entry
	ctx      context.Context // Parent context
	keyCount atomic.Int64    // Cached key count for O(1) GetVisitedCount
}

// DBPath returns the directory a store for siteDomain lives in under stateDir
func DBPath(stateDir, siteDomain string) string {
	return filepath.Join(stateDir, utils.SanitizeHost(siteDomain)+"_"+outcomeDBDir)
}

// NewBadgerStore opens the outcome log for siteDomain under stateDir.
// With keep=false any outcomes from a previous run are removed first.
func NewBadgerStore(ctx context.Context, stateDir, siteDomain string, keep bool, logger *logrus.Entry) (*BadgerStore, error) {
	store := &BadgerStore{
		log: logger,
		ctx: ctx,
	}

	dbPath := DBPath(stateDir, siteDomain)

	if !keep {
		logger.Debugf("Removing previous outcome log at %s", dbPath)
		if err := os.RemoveAll(dbPath); err != nil {
			// Log error but attempt to continue; Badger might recover or create new files
			logger.Errorf("Failed to remove existing outcome log %s: %v", dbPath, err)
		}
	}

	logger.Infof("Initializing outcome database at: %s (Keep: %v)", dbPath, keep)

	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create state directory %s: %w", utils.ErrFilesystem, dbPath, err)
	}

	badgerLogger := log.NewBadgerLogrusAdapter(logger.WithField("component", "badgerdb"))
	opts := badger.DefaultOptions(dbPath).
		WithLogger(badgerLogger).
		WithNumVersionsToKeep(1) // Only the latest outcome per URL matters

	var err error
	store.db, err = badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger database at %s: %w", utils.ErrDatabase, dbPath, err)
	}

	if keep {
		count, err := store.countKeys()
		if err != nil {
			logger.Warnf("Failed to count existing keys: %v", err)
		} else {
			store.keyCount.Store(int64(count))
			logger.Infof("Loaded existing outcome count: %d", count)
		}
	}

	return store, nil
}

// countKeys performs a one-time full key scan (used only when keeping a previous log).
func (s *BadgerStore) countKeys() (int, error) {
	count := 0
	err := s.scan(context.Background(), false, func(string, *badger.Item) error {
		count++
		return nil
	})
	return count, err
}

// scan visits every page key in key order inside one read transaction.
// Values are prefetched only when the caller reads them.
func (s *BadgerStore) scan(ctx context.Context, withValues bool, fn func(pageURL string, item *badger.Item) error) error {
	if s.db == nil || s.db.IsClosed() {
		return fmt.Errorf("%w: outcome DB not open", utils.ErrDatabase)
	}
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = withValues
		prefix := []byte(pageKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			if err := fn(string(item.Key()[len(prefix):]), item); err != nil {
				return err
			}
		}
		return nil
	})
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

// RecordOutcome implements OutcomeRecorder
func (s *BadgerStore) RecordOutcome(normalizedPageURL string, entry *models.PageDBEntry) error {
	if s.db == nil || s.db.IsClosed() {
		return fmt.Errorf("%w: outcome DB not open", utils.ErrDatabase)
	}
	if entry == nil {
		return fmt.Errorf("%w: nil outcome for '%s'", utils.ErrDatabase, normalizedPageURL)
	}
	key := []byte(pageKeyPrefix + normalizedPageURL)

	entryBytes, errJson := json.Marshal(entry)
	if errJson != nil {
		wrappedErr := fmt.Errorf("%w: failed to marshal PageDBEntry for key '%s': %w", utils.ErrParsing, string(key), errJson)
		s.log.Error(wrappedErr)
		return wrappedErr
	}

	isNew := false
	err := s.dbUpdate(func(txn *badger.Txn) error {
		isNew = false
		_, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			isNew = true
		} else if errGet != nil {
			return errGet
		}
		return txn.SetEntry(badger.NewEntry(key, entryBytes))
	})

	if err != nil {
		s.log.WithField("key", string(key)).Errorf("DB Update error in RecordOutcome: %v", err)
		return fmt.Errorf("%w: failed setting outcome for key '%s': %w", utils.ErrDatabase, string(key), err)
	}
	if isNew {
		s.keyCount.Add(1)
	}

	s.log.Debugf("Recorded outcome for '%s': %s", normalizedPageURL, entry.Status)
	return nil
}

// CheckPageStatus implements OutcomeReader
func (s *BadgerStore) CheckPageStatus(normalizedPageURL string) (models.PageStatus, *models.PageDBEntry, error) {
	status := models.PageStatusNotFound
	var entry *models.PageDBEntry
	key := []byte(pageKeyPrefix + normalizedPageURL)

	errView := s.db.View(func(txn *badger.Txn) error {
		item, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil // Key not found is not an error for this function's purpose
		}
		if errGet != nil {
			return fmt.Errorf("%w: failed getting page key '%s': %w", utils.ErrDatabase, string(key), errGet)
		}

		return item.Value(func(val []byte) error {
			var decodedEntry models.PageDBEntry
			if errJson := json.Unmarshal(val, &decodedEntry); errJson != nil {
				s.log.Warnf("Failed to unmarshal PageDBEntry for key '%s': %v. Treating as 'unset'.", string(key), errJson)
				status = models.PageStatusUnset
				return nil
			}
			entry = &decodedEntry
			status = decodedEntry.Status
			return nil
		})
	})

	if errView != nil {
		s.log.Errorf("DB View error in CheckPageStatus for key '%s': %v", string(key), errView)
		return models.PageStatusDBError, nil, errView
	}
	return status, entry, nil
}

// ForEachOutcome implements OutcomeReader. Entries that fail to decode are logged and skipped.
func (s *BadgerStore) ForEachOutcome(ctx context.Context, fn func(url string, entry *models.PageDBEntry) error) error {
	return s.scan(ctx, true, func(pageURL string, item *badger.Item) error {
		var entry models.PageDBEntry
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &entry) }); err != nil {
			s.log.Warnf("Skipping undecodable outcome for '%s': %v", pageURL, err)
			return nil
		}
		return fn(pageURL, &entry)
	})
}

// CountByStatus tallies recorded outcomes per status. Undecodable entries count as PageStatusUnset.
func (s *BadgerStore) CountByStatus(ctx context.Context) (map[models.PageStatus]int, error) {
	counts := make(map[models.PageStatus]int)
	err := s.scan(ctx, true, func(_ string, item *badger.Item) error {
		var entry models.PageDBEntry
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &entry) }); err != nil {
			counts[models.PageStatusUnset]++
			return nil
		}
		counts[entry.Status]++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// GetVisitedCount implements StoreAdmin.
// Returns the cached key count (O(1)) maintained by atomic increments on writes.
func (s *BadgerStore) GetVisitedCount() (int, error) {
	return int(s.keyCount.Load()), nil
}

// RunGC runs BadgerDB's garbage collection periodically
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				s.log.Debug("DB GC: database closed, skipping GC cycle.")
				continue
			}
			var err error
			// Loop GC until it returns ErrNoRewrite or another error
			for err == nil {
				err = s.db.RunValueLogGC(0.5)
			}
			if !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}

		case <-ctx.Done():
			s.log.Debugf("Stopping BadgerDB garbage collection: %v", ctx.Err())
			return
		}
	}
}

// WriteVisitedLog implements StoreAdmin. One canonical URL per line, in key order.
func (s *BadgerStore) WriteVisitedLog(filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		s.log.Errorf("Failed create visited log '%s': %v", filePath, err)
		return fmt.Errorf("%w: create visited log '%s': %w", utils.ErrFilesystem, filePath, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	written := 0
	scanErr := s.scan(s.ctx, false, func(pageURL string, _ *badger.Item) error {
		if _, err := writer.WriteString(pageURL + "\n"); err != nil {
			return fmt.Errorf("%w: writing visited log '%s': %w", utils.ErrFilesystem, filePath, err)
		}
		written++
		return nil
	})
	if scanErr != nil {
		s.log.Warnf("Visited log %s incomplete after %d URLs: %v", filePath, written, scanErr)
		return scanErr
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("%w: flushing visited log '%s': %w", utils.ErrFilesystem, filePath, err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing visited log '%s': %w", utils.ErrFilesystem, filePath, err)
	}
	s.log.Infof("Wrote %d URLs to visited log: %s", written, filePath)
	return nil
}

// Close implements StoreAdmin
func (s *BadgerStore) Close() error {
	if s.db != nil && !s.db.IsClosed() {
		if err := s.db.Close(); err != nil {
			s.log.Errorf("Error closing outcome DB: %v", err)
			return err
		}
		s.log.Debug("Outcome DB closed.")
	}
	return nil
}
