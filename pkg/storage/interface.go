package storage

import (
	"context"
	"time"

	"github.com/Sriram-PR/sitecrawl/pkg/models"
)

// OutcomeRecorder receives the terminal outcome of every page URL a crawl resolves.
// Implementations must be safe for concurrent use by crawl workers.
type OutcomeRecorder interface {
	// RecordOutcome stores (or overwrites) the outcome for a canonical page URL
	RecordOutcome(normalizedPageURL string, entry *models.PageDBEntry) error
}

// OutcomeReader reads back recorded outcomes
type OutcomeReader interface {
	// CheckPageStatus retrieves the status and details of a page URL
	// Returns status (PageStatusSuccess, PageStatusFailure, PageStatusRedirected, PageStatusNotFound, PageStatusDBError),
	// the PageDBEntry if found and parsed, and any error
	CheckPageStatus(normalizedPageURL string) (status models.PageStatus, entry *models.PageDBEntry, err error)

	// ForEachOutcome calls fn for every recorded page in key order. A non-nil error from fn stops the scan.
	ForEachOutcome(ctx context.Context, fn func(url string, entry *models.PageDBEntry) error) error

	// CountByStatus tallies recorded outcomes per status
	CountByStatus(ctx context.Context) (map[models.PageStatus]int, error)
}

// StoreAdmin handles lifecycle and administrative operations
type StoreAdmin interface {
	// GetVisitedCount returns the number of page URLs with a recorded outcome
	GetVisitedCount() (int, error)

	// WriteVisitedLog writes all recorded page URLs to the specified file path
	WriteVisitedLog(filePath string) error

	// RunGC runs periodic garbage collection. Should be run in a goroutine
	RunGC(ctx context.Context, interval time.Duration)

	// Close cleanly closes the database connection
	Close() error
}

// OutcomeStore combines all store interfaces for components that need full access
type OutcomeStore interface {
	OutcomeRecorder
	OutcomeReader
	StoreAdmin
}
