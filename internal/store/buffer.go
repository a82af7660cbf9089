package store

import (
	"math"
	"time"

	"github.com/igodwin/scribed/internal/conftree"
	"github.com/igodwin/scribed/internal/entry"
	"github.com/igodwin/scribed/internal/metrics"
	"github.com/igodwin/scribed/internal/platform"
)

// BufferState is one of the three states of spec.md §4.5's state machine.
type BufferState int

const (
	StateStreaming BufferState = iota
	StateDisconnected
	StateSendingBuffer
)

func (s BufferState) String() string {
	switch s {
	case StateStreaming:
		return "streaming"
	case StateDisconnected:
		return "disconnected"
	case StateSendingBuffer:
		return "sending_buffer"
	default:
		return "unknown"
	}
}

// BufferStore composes a primary (typically Network) and a readable
// secondary (typically File in buffer mode), failing traffic over to
// the secondary while the primary is unreachable and draining the
// secondary back into the primary once it recovers.
type BufferStore struct {
	statusHolder
	multiCategoryFlag

	category string
	sink     metrics.Sink
	primary  Store
	secondary Readable

	bufferSendRate       int
	retryIntervalAvg     time.Duration
	retryIntervalRange   time.Duration
	replayBuffer         bool
	adaptiveBackoff      bool
	minRetryInterval     time.Duration
	maxRetryInterval     time.Duration
	maxRandomOffset      time.Duration
	successThreshold     int
	flushStreamingMode   bool
	bufferBypassMaxRatio float64

	state                BufferState
	currentInterval       time.Duration
	nextRetryAt           time.Time
	consecutiveSuccesses  int
	reachedStreamingOnce  bool

	queueSizeFn  func() int
	maxQueueSize int
}

var _ Store = (*BufferStore)(nil)

// NewBufferStore constructs a buffer store over already-constructed
// primary/secondary children (the dynamic worker-creation logic builds
// these from the configured <primary>/<secondary> blocks).
func NewBufferStore(category string, primary Store, secondary Readable) *BufferStore {
	return &BufferStore{
		category:         category,
		sink:             metrics.NullSink{},
		primary:          primary,
		secondary:        secondary,
		state:            StateDisconnected,
		bufferSendRate:   1,
		retryIntervalAvg: 60 * time.Second,
		minRetryInterval: 5 * time.Second,
		maxRetryInterval: 5 * time.Minute,
		successThreshold: 10,
		bufferBypassMaxRatio: 0.75,
	}
}

func (b *BufferStore) TypeName() string { return "buffer" }

// SetQueueContext wires the owning worker queue's pending-size reader
// and a max queue size, used by the bypass-ratio yield in the draining
// loop; a max of 0 turns the yield off. The category registry calls it
// for each store it clones per category, passing the new queue's Size
// and a max of 0, so the yield does not fire for those stores.
func (b *BufferStore) SetQueueContext(sizeFn func() int, maxQueueSize int) {
	b.queueSizeFn = sizeFn
	b.maxQueueSize = maxQueueSize
}

func (b *BufferStore) Configure(node *conftree.Node, sink metrics.Sink) error {
	b.sink = sink
	t := "buffer"
	b.bufferSendRate = conftree.ResolveInt(node, t, "buffer_send_rate", 1)
	b.retryIntervalAvg = time.Duration(conftree.ResolveInt(node, t, "retry_interval", 60)) * time.Second
	b.retryIntervalRange = time.Duration(conftree.ResolveInt(node, t, "retry_interval_range", 0)) * time.Second
	b.replayBuffer = conftree.ResolveBool(node, t, "replay_buffer", true)
	b.adaptiveBackoff = conftree.ResolveBool(node, t, "adaptive_backoff", false)
	b.minRetryInterval = time.Duration(conftree.ResolveInt(node, t, "min_retry_interval", 5)) * time.Second
	b.maxRetryInterval = time.Duration(conftree.ResolveInt(node, t, "max_retry_interval", 300)) * time.Second
	b.maxRandomOffset = time.Duration(conftree.ResolveInt(node, t, "max_random_offset", 5)) * time.Second
	b.successThreshold = conftree.ResolveInt(node, t, "success_threshold", 10)
	b.flushStreamingMode = conftree.ResolveBool(node, t, "flush_streaming", false)
	b.bufferBypassMaxRatio = node.GetFloat("buffer_bypass_max_ratio", 0.75)

	if b.adaptiveBackoff {
		b.currentInterval = b.minRetryInterval
	} else {
		b.currentInterval = b.retryIntervalAvg
	}

	if primaryNode, ok := node.Child("primary"); ok {
		if err := b.primary.Configure(primaryNode, sink); err != nil {
			return err
		}
	}
	if secondaryNode, ok := node.Child("secondary"); ok {
		if err := b.secondary.Configure(secondaryNode, sink); err != nil {
			return err
		}
	}
	return nil
}

func (b *BufferStore) Open() bool {
	if b.replayBuffer {
		b.state = StateDisconnected
		b.secondary.Open()
		b.scheduleRetry()
	} else {
		if b.primary.Open() {
			b.state = StateStreaming
		} else {
			b.state = StateDisconnected
			b.secondary.Open()
			b.scheduleRetry()
		}
	}
	return true
}

func (b *BufferStore) Close() {
	b.primary.Close()
	b.secondary.Close()
}

func (b *BufferStore) IsOpen() bool { return true }

func (b *BufferStore) HandleBatch(batch entry.Batch) (bool, entry.Batch) {
	switch b.state {
	case StateStreaming:
		ok, residual := b.primary.HandleBatch(batch)
		if ok {
			return true, nil
		}
		b.transitionToDisconnected()
		if len(residual) == 0 {
			return true, nil
		}
		sOk, sResidual := b.secondary.HandleBatch(residual)
		return sOk, sResidual

	case StateDisconnected:
		return b.secondary.HandleBatch(batch)

	case StateSendingBuffer:
		if b.flushStreamingMode {
			ok, residual := b.primary.HandleBatch(batch)
			if !ok {
				b.transitionToDisconnected()
				return false, residual
			}
			return true, nil
		}
		return b.secondary.HandleBatch(batch)
	}
	return false, batch
}

func (b *BufferStore) transitionToDisconnected() {
	b.sink.Counter(metrics.CategoryCounter(b.category, metrics.BufferPrimaryErr), 1)
	b.primary.Close()
	b.secondary.Open()
	b.state = StateDisconnected
	b.scheduleRetry()
}

func (b *BufferStore) scheduleRetry() {
	b.nextRetryAt = platform.Now().Add(b.currentInterval)
}

func (b *BufferStore) Flush() {
	b.primary.Flush()
	b.secondary.Flush()
}

// PeriodicCheck drives reconnection attempts while Disconnected and the
// drain loop while SendingBuffer, per the table in spec.md §4.5.
func (b *BufferStore) PeriodicCheck(now time.Time) {
	switch b.state {
	case StateStreaming:
		b.primary.PeriodicCheck(now)

	case StateDisconnected:
		b.secondary.PeriodicCheck(now)
		if now.Before(b.nextRetryAt) {
			return
		}
		if !b.primary.Open() {
			b.advanceIntervalOnFailure()
			b.scheduleRetry()
			return
		}
		if b.replayBuffer {
			b.state = StateSendingBuffer
		} else {
			b.primary.Close()
			b.primary.Open()
			b.secondary.Close()
			b.state = StateStreaming
		}

	case StateSendingBuffer:
		b.secondary.PeriodicCheck(now)
		b.primary.PeriodicCheck(now)
		b.drain(now)
	}
}

func (b *BufferStore) drain(now time.Time) {
	for i := 0; i < b.bufferSendRate; i++ {
		if b.queueSizeFn != nil && b.maxQueueSize > 0 {
			if float64(b.queueSizeFn()) > b.bufferBypassMaxRatio*float64(b.maxQueueSize) {
				return
			}
		}
		if b.secondary.Empty(now) {
			b.secondary.Close()
			b.state = StateStreaming
			return
		}
		batch, ok := b.secondary.ReadOldest(now)
		if !ok {
			return
		}
		sendOk, residual := b.primary.HandleBatch(batch)
		switch {
		case sendOk:
			b.secondary.DeleteOldest(now)
			b.onPrimarySendSuccess()
		case len(residual) < len(batch):
			if !b.secondary.ReplaceOldest(residual, now) {
				b.sink.Counter(metrics.CategoryCounter(b.category, metrics.StoreLost), int64(len(residual)))
			}
			b.onPrimarySendSuccess()
		default:
			b.transitionToDisconnected()
			return
		}
	}
}

func (b *BufferStore) onPrimarySendSuccess() {
	if !b.adaptiveBackoff {
		return
	}
	b.consecutiveSuccesses++
	if b.consecutiveSuccesses >= b.successThreshold {
		b.currentInterval = maxDuration(b.minRetryInterval, b.currentInterval-2*time.Second)
		b.consecutiveSuccesses = 0
	}
}

// advanceIntervalOnFailure implements the two retry policies: linear
// (uniform redraw around the configured average) or adaptive AIMD
// (interval <- min(max, interval*sqrt(2) + rand(0,max_random_offset))).
func (b *BufferStore) advanceIntervalOnFailure() {
	if !b.adaptiveBackoff {
		if b.retryIntervalRange <= 0 {
			b.currentInterval = b.retryIntervalAvg
			return
		}
		half := float64(b.retryIntervalRange) / 2
		offset := -half + platform.Float64()*float64(b.retryIntervalRange)
		b.currentInterval = b.retryIntervalAvg + time.Duration(offset)
		if b.currentInterval < 0 {
			b.currentInterval = 0
		}
		return
	}
	grown := time.Duration(float64(b.currentInterval) * math.Sqrt2)
	random := time.Duration(platform.Float64() * float64(b.maxRandomOffset))
	b.currentInterval = minDuration(b.maxRetryInterval, grown+random)
	b.consecutiveSuccesses = 0
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func (b *BufferStore) Copy(category string) Store {
	return &BufferStore{
		category:             category,
		sink:                 b.sink,
		primary:              b.primary.Copy(category),
		secondary:            b.secondary.Copy(category).(Readable),
		bufferSendRate:       b.bufferSendRate,
		retryIntervalAvg:     b.retryIntervalAvg,
		retryIntervalRange:   b.retryIntervalRange,
		replayBuffer:         b.replayBuffer,
		adaptiveBackoff:      b.adaptiveBackoff,
		minRetryInterval:     b.minRetryInterval,
		maxRetryInterval:     b.maxRetryInterval,
		maxRandomOffset:      b.maxRandomOffset,
		successThreshold:     b.successThreshold,
		flushStreamingMode:   b.flushStreamingMode,
		bufferBypassMaxRatio: b.bufferBypassMaxRatio,
		state:                StateDisconnected,
		currentInterval:      b.currentInterval,
	}
}

// State exposes the current buffer state for tests and status reporting.
func (b *BufferStore) State() BufferState { return b.state }
