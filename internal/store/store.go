// Package store implements the Store abstraction of the pipeline: a
// polymorphic destination with a uniform configure/open/close lifecycle
// and a handle_batch contract where partial delivery is expressed by
// mutating the residual batch rather than by raising an error.
//
// Stores never raise across the handle_batch boundary: a failed send is
// encoded as (false, residual), never an error return, matching the
// spec's failure semantics (§4.1) and the design notes about converting
// exceptions into a boolean + status-string contract at this boundary.
package store

import (
	"sync"
	"time"

	"github.com/igodwin/scribed/internal/conftree"
	"github.com/igodwin/scribed/internal/entry"
	"github.com/igodwin/scribed/internal/metrics"
)

// Store is the capability set every destination implements.
type Store interface {
	// Configure reads this store's keys from node (and recursively
	// configures any child stores) using sink for metrics. It must be
	// idempotent before the first Open.
	Configure(node *conftree.Node, sink metrics.Sink) error

	// Open prepares the store for writes. Safe to call again after Close.
	Open() bool

	// Close releases resources. Must tolerate being called when not open.
	Close()

	// IsOpen reports whether the store currently accepts writes.
	IsOpen() bool

	// HandleBatch attempts to deliver every entry in batch, in order.
	// When ok is true the whole batch was delivered. When ok is false,
	// residual holds exactly the entries that were not delivered, in
	// their original relative order; it is always a strict sub-sequence
	// of batch (or equal only when nothing was delivered).
	HandleBatch(batch entry.Batch) (ok bool, residual entry.Batch)

	// Flush synchronizes any buffered data. Best-effort.
	Flush()

	// PeriodicCheck is invoked at the worker queue's check cadence; used
	// for rotation, reconnection attempts, and propagating to children.
	PeriodicCheck(now time.Time)

	// Copy deep-clones this store's configuration for a newly seen
	// category. The clone holds no open file handles or live connections.
	Copy(category string) Store

	// Status is empty when healthy; for composites the first non-empty
	// child status bubbles up.
	Status() string

	// TypeName identifies the store kind ("file", "network", ...).
	TypeName() string
}

// Readable is implemented by stores usable as a Buffer's secondary.
type Readable interface {
	Store

	// ReadOldest returns every record from the oldest time-bucket file
	// as LogEntry, or ok=false if there is nothing to read.
	ReadOldest(now time.Time) (batch entry.Batch, ok bool)

	// ReplaceOldest rewrites the oldest bucket from batch, truncating
	// whatever was there before.
	ReplaceOldest(batch entry.Batch, now time.Time) bool

	// DeleteOldest removes the oldest bucket file entirely.
	DeleteOldest(now time.Time) bool

	// Empty reports whether there is no oldest bucket to read.
	Empty(now time.Time) bool
}

// statusHolder is embedded by every concrete store to provide a
// mutex-guarded status string without reaching out to globals.
type statusHolder struct {
	mu  sync.Mutex
	str string
}

func (s *statusHolder) setStatus(str string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.str = str
}

func (s *statusHolder) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.str
}

// multiCategoryFlag is a construction-time marker set by the category
// registry when a model store is shared across many concrete categories
// (new_thread_per_category=no): the store must keep each entry's own
// Category through the write path instead of assuming a single one.
// Modeled as a plain field rather than mutated after the fact, per the
// design notes against mutating instances to flip behavior.
type multiCategoryFlag struct {
	multiCategory bool
}

func (m *multiCategoryFlag) SetMultiCategory(v bool) { m.multiCategory = v }
func (m *multiCategoryFlag) MultiCategory() bool     { return m.multiCategory }
