package store_test

import (
	"time"

	"github.com/igodwin/scribed/internal/conftree"
	"github.com/igodwin/scribed/internal/entry"
	"github.com/igodwin/scribed/internal/metrics"
	"github.com/igodwin/scribed/internal/store"
)

// fakeStore is a minimal, fully scriptable store.Store (and store.Readable)
// used to drive composite stores (Buffer, Bucket, Multi) without touching
// disk or the network.
type fakeStore struct {
	category string
	typeName string

	openResult bool
	open       bool

	handleFunc func(entry.Batch) (bool, entry.Batch)

	openCalls     int
	closeCalls    int
	flushCalls    int
	periodicCalls int

	buffered []entry.Batch
}

func newFakeStore(category string) *fakeStore {
	return &fakeStore{category: category, typeName: "fake", openResult: true}
}

var _ store.Store = (*fakeStore)(nil)
var _ store.Readable = (*fakeStore)(nil)

func (f *fakeStore) Configure(node *conftree.Node, sink metrics.Sink) error { return nil }

func (f *fakeStore) Open() bool {
	f.openCalls++
	f.open = f.openResult
	return f.openResult
}

func (f *fakeStore) Close() {
	f.closeCalls++
	f.open = false
}

func (f *fakeStore) IsOpen() bool { return f.open }

func (f *fakeStore) HandleBatch(batch entry.Batch) (bool, entry.Batch) {
	if f.handleFunc != nil {
		return f.handleFunc(batch)
	}
	return true, nil
}

func (f *fakeStore) Flush() { f.flushCalls++ }

func (f *fakeStore) PeriodicCheck(now time.Time) { f.periodicCalls++ }

func (f *fakeStore) Copy(category string) store.Store {
	clone := *f
	clone.category = category
	clone.buffered = nil
	return &clone
}

func (f *fakeStore) Status() string { return "" }

func (f *fakeStore) TypeName() string { return f.typeName }

func (f *fakeStore) ReadOldest(now time.Time) (entry.Batch, bool) {
	if len(f.buffered) == 0 {
		return nil, false
	}
	batch := f.buffered[0]
	return batch, true
}

func (f *fakeStore) ReplaceOldest(batch entry.Batch, now time.Time) bool {
	if len(f.buffered) == 0 {
		return false
	}
	f.buffered[0] = batch
	return true
}

func (f *fakeStore) DeleteOldest(now time.Time) bool {
	if len(f.buffered) == 0 {
		return false
	}
	f.buffered = f.buffered[1:]
	return true
}

func (f *fakeStore) Empty(now time.Time) bool { return len(f.buffered) == 0 }

// push appends a batch as if HandleBatch had staged it, for tests that
// drive the secondary directly.
func (f *fakeStore) push(batch entry.Batch) { f.buffered = append(f.buffered, batch) }
