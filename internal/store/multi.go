package store

import (
	"time"

	"github.com/igodwin/scribed/internal/conftree"
	"github.com/igodwin/scribed/internal/entry"
	"github.com/igodwin/scribed/internal/metrics"
)

// MultiStore fans every batch out to all of its children and only
// reports success once every child has accepted it, per spec.md §4.7's
// "all children must succeed" contract. A child that partially accepts
// a batch has its residual retried on the next HandleBatch call by the
// owning worker queue, same as any other store.
type MultiStore struct {
	statusHolder
	multiCategoryFlag

	category string
	sink     metrics.Sink
	children []Store
}

var _ Store = (*MultiStore)(nil)

// NewMultiStore constructs an unconfigured multi store over
// already-built children (one per <store> sub-block).
func NewMultiStore(category string, children []Store) *MultiStore {
	return &MultiStore{
		category: category,
		sink:     metrics.NullSink{},
		children: children,
	}
}

func (m *MultiStore) TypeName() string { return "multi" }

func (m *MultiStore) Configure(node *conftree.Node, sink metrics.Sink) error {
	m.sink = sink
	blocks := node.Children("store")
	for i, c := range m.children {
		if i >= len(blocks) {
			break
		}
		if err := c.Configure(blocks[i], sink); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiStore) Open() bool {
	ok := true
	for _, c := range m.children {
		if !c.Open() {
			ok = false
		}
	}
	return ok
}

func (m *MultiStore) Close() {
	for _, c := range m.children {
		c.Close()
	}
}

func (m *MultiStore) IsOpen() bool {
	for _, c := range m.children {
		if !c.IsOpen() {
			return false
		}
	}
	return true
}

// HandleBatch sends batch to every child independently. Overall success
// requires every child to fully accept the batch; the residual reported
// upward is whichever child returned the largest unaccepted remainder,
// since the worker queue retries the whole residual as one unit and a
// smaller child failure would otherwise be silently dropped on retry.
func (m *MultiStore) HandleBatch(batch entry.Batch) (bool, entry.Batch) {
	allOk := true
	var worstResidual entry.Batch

	for _, c := range m.children {
		ok, residual := c.HandleBatch(batch)
		if !ok {
			allOk = false
			if len(residual) > len(worstResidual) {
				worstResidual = residual
			}
		}
	}

	if allOk {
		return true, nil
	}
	if worstResidual == nil {
		worstResidual = batch
	}
	return false, worstResidual
}

func (m *MultiStore) Flush() {
	for _, c := range m.children {
		c.Flush()
	}
}

func (m *MultiStore) PeriodicCheck(now time.Time) {
	for _, c := range m.children {
		c.PeriodicCheck(now)
	}
}

func (m *MultiStore) Copy(category string) Store {
	children := make([]Store, len(m.children))
	for i, c := range m.children {
		children[i] = c.Copy(category)
	}
	return &MultiStore{
		category: category,
		sink:     m.sink,
		children: children,
	}
}
