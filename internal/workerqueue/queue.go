// Package workerqueue implements the per-category worker queue of
// spec.md §4.7: a pending-message FIFO, a command inbox, and (for
// non-model queues) a single goroutine that alternates between
// command-handling, periodic-check, and batch-draining.
package workerqueue

import (
	"sync"
	"time"

	"github.com/igodwin/scribed/internal/conftree"
	"github.com/igodwin/scribed/internal/entry"
	"github.com/igodwin/scribed/internal/metrics"
	"github.com/igodwin/scribed/internal/platform"
	"github.com/igodwin/scribed/internal/store"
)

type cmdKind int

const (
	cmdConfigure cmdKind = iota
	cmdOpen
	cmdStop
)

type cmdEntry struct {
	kind cmdKind
	node *conftree.Node
}

// Queue owns exactly one Store. Model queues (is_model) are configured
// and opened synchronously and never run a worker task; they exist only
// to be cloned by the category registry on first sight of a concrete
// category.
type Queue struct {
	category string
	st       store.Store
	sink     metrics.Sink

	targetWriteSize  int
	maxWriteInterval time.Duration
	checkPeriod      time.Duration
	mustSucceed      bool
	isModel          bool

	cmdMu sync.Mutex
	cmds  []cmdEntry

	msgMu       sync.Mutex
	pending     entry.Batch
	pendingBytes int
	failedBatch entry.Batch
	stopping    bool

	wake chan struct{}
	done chan struct{}
}

// New constructs a worker queue over st. targetWriteSize/maxWriteInterval
// come from the store's per-store config keys; checkPeriod is the
// server-wide periodic-check interval.
func New(category string, st store.Store, sink metrics.Sink, targetWriteSize int, maxWriteInterval, checkPeriod time.Duration, mustSucceed, isModel bool) *Queue {
	return &Queue{
		category:         category,
		st:               st,
		sink:             sink,
		targetWriteSize:  targetWriteSize,
		maxWriteInterval: maxWriteInterval,
		checkPeriod:      checkPeriod,
		mustSucceed:      mustSucceed,
		isModel:          isModel,
		wake:             make(chan struct{}, 1),
		done:             make(chan struct{}),
	}
}

// Store returns the owned store, e.g. so the registry can call
// SetMultiCategory on it before cloning, or wire buffer stores' queue
// context.
func (q *Queue) Store() store.Store { return q.st }

func (q *Queue) IsModel() bool { return q.isModel }

// TargetWriteSize, MaxWriteInterval and MustSucceed expose the queue's
// configured drain parameters so the registry can carry them over when
// cloning a fresh queue from a model.
func (q *Queue) TargetWriteSize() int                   { return q.targetWriteSize }
func (q *Queue) MaxWriteInterval() time.Duration        { return q.maxWriteInterval }
func (q *Queue) MustSucceed() bool                      { return q.mustSucceed }

// Enqueue appends e to the pending FIFO and signals has-work once the
// byte counter reaches target_write_size.
func (q *Queue) Enqueue(e *entry.LogEntry) {
	q.msgMu.Lock()
	q.pending = append(q.pending, e)
	q.pendingBytes += e.Size()
	signal := q.pendingBytes >= q.targetWriteSize
	q.msgMu.Unlock()
	if signal {
		q.signal()
	}
}

// Size is a racy snapshot of pending bytes, used by the dispatcher's
// admission control.
func (q *Queue) Size() int {
	q.msgMu.Lock()
	defer q.msgMu.Unlock()
	return q.pendingBytes
}

func (q *Queue) pushCmd(c cmdEntry) {
	q.cmdMu.Lock()
	q.cmds = append(q.cmds, c)
	q.cmdMu.Unlock()
}

// ConfigureAndOpen pushes Configure then Open as commands for the
// worker task to execute, used for non-model queues. Model queues
// should call ConfigureSync instead since they never run a task.
func (q *Queue) ConfigureAndOpen(node *conftree.Node) {
	q.pushCmd(cmdEntry{kind: cmdConfigure, node: node})
	q.pushCmd(cmdEntry{kind: cmdOpen})
	q.signal()
}

// ConfigureSync configures and opens the store synchronously. Used for
// model queues, which never run a worker task to drain a command queue.
func (q *Queue) ConfigureSync(node *conftree.Node) error {
	if err := q.st.Configure(node, q.sink); err != nil {
		return err
	}
	q.st.Open()
	return nil
}

// OpenSync opens the (already-configured) store synchronously, used
// for queues cloned from a model: Copy() carries the resolved config
// forward, so only Open is needed before the worker task starts.
func (q *Queue) OpenSync() {
	q.st.Open()
}

// Stop pushes Stop and blocks until the worker task has drained its
// remaining commands and exited.
func (q *Queue) Stop() {
	if q.isModel {
		q.st.Close()
		return
	}
	q.pushCmd(cmdEntry{kind: cmdStop})
	q.signal()
	<-q.done
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run is the worker task loop of spec.md §4.7. It must not be called
// for model queues.
func (q *Queue) Run() {
	lastDrain := platform.Now()
	lastCheck := platform.Now()

	for {
		q.cmdMu.Lock()
		cmds := q.cmds
		q.cmds = nil
		q.cmdMu.Unlock()

		for _, c := range cmds {
			switch c.kind {
			case cmdConfigure:
				_ = q.st.Configure(c.node, q.sink)
			case cmdOpen:
				q.st.Open()
			case cmdStop:
				q.msgMu.Lock()
				q.stopping = true
				q.msgMu.Unlock()
			}
		}

		now := platform.Now()
		if now.Sub(lastCheck) >= q.checkPeriod {
			q.st.PeriodicCheck(now)
			lastCheck = now
		}

		q.msgMu.Lock()
		stopping := q.stopping
		drain := stopping || len(q.failedBatch) > 0 || now.Sub(lastDrain) > q.maxWriteInterval || q.pendingBytes >= q.targetWriteSize
		var batch entry.Batch
		if drain {
			if len(q.failedBatch) > 0 {
				batch = q.failedBatch
				q.failedBatch = nil
			} else {
				batch = q.pending
				q.pending = nil
				q.pendingBytes = 0
			}
		}
		q.msgMu.Unlock()

		if drain {
			if len(batch) > 0 {
				ok, residual := q.st.HandleBatch(batch)
				if !ok {
					q.processFailed(residual)
				}
			}
			q.st.Flush()
			lastDrain = now
		}

		if stopping {
			close(q.done)
			return
		}

		nextCheck := q.checkPeriod - now.Sub(lastCheck)
		nextDrain := q.maxWriteInterval - now.Sub(lastDrain)
		wait := nextCheck
		if nextDrain < wait {
			wait = nextDrain
		}
		if wait < 0 {
			wait = 0
		}
		select {
		case <-q.wake:
		case <-time.After(wait):
		}
	}
}

// processFailed retries the whole residual on the next loop iteration
// when must_succeed is set; otherwise it is dropped and counted lost.
func (q *Queue) processFailed(residual entry.Batch) {
	if len(residual) == 0 {
		return
	}
	if q.mustSucceed {
		q.msgMu.Lock()
		q.failedBatch = residual
		q.msgMu.Unlock()
		q.sink.Counter(metrics.CategoryCounter(q.category, metrics.StoreRequeue), int64(len(residual)))
		return
	}
	q.sink.Counter(metrics.CategoryCounter(q.category, metrics.StoreLost), int64(len(residual)))
}
