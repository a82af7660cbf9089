package store

import (
	"time"

	"github.com/igodwin/scribed/internal/conftree"
	"github.com/igodwin/scribed/internal/entry"
	"github.com/igodwin/scribed/internal/metrics"
)

// NullStore acknowledges every batch, counting messages ignored. It
// also satisfies Readable, always reporting "empty", so it can stand
// in anywhere a secondary is wired but discarding is the desired
// behavior — and as a scaffold in tests.
type NullStore struct {
	statusHolder
	multiCategoryFlag
	category string
	sink     metrics.Sink
	open     bool
}

var _ Readable = (*NullStore)(nil)

func NewNullStore(category string) *NullStore {
	return &NullStore{category: category, sink: metrics.NullSink{}}
}

func (n *NullStore) Configure(node *conftree.Node, sink metrics.Sink) error {
	n.sink = sink
	return nil
}

func (n *NullStore) Open() bool    { n.open = true; return true }
func (n *NullStore) Close()        { n.open = false }
func (n *NullStore) IsOpen() bool  { return n.open }
func (n *NullStore) TypeName() string { return "null" }

func (n *NullStore) HandleBatch(batch entry.Batch) (bool, entry.Batch) {
	n.sink.Counter(metrics.CategoryCounter(n.category, metrics.MsgIgnore), int64(len(batch)))
	return true, nil
}

func (n *NullStore) Flush()                      {}
func (n *NullStore) PeriodicCheck(time.Time)      {}

func (n *NullStore) Copy(category string) Store {
	return &NullStore{category: category, sink: n.sink}
}

func (n *NullStore) ReadOldest(time.Time) (entry.Batch, bool)      { return nil, false }
func (n *NullStore) ReplaceOldest(entry.Batch, time.Time) bool     { return true }
func (n *NullStore) DeleteOldest(time.Time) bool                   { return true }
func (n *NullStore) Empty(time.Time) bool                          { return true }
