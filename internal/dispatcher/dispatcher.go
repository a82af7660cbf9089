// Package dispatcher implements the server-facing entry point of
// spec.md §4.8: admission control, per-entry validation, category
// resolution, and hop-latency/timestamp-sampling bookkeeping, fanning
// each entry out to every worker queue its category resolves to.
package dispatcher

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/igodwin/scribed/internal/entry"
	"github.com/igodwin/scribed/internal/logging"
	"github.com/igodwin/scribed/internal/metrics"
	"github.com/igodwin/scribed/internal/platform"
	"github.com/igodwin/scribed/internal/registry"
	"github.com/igodwin/scribed/internal/rpcwire"
	"github.com/igodwin/scribed/internal/workerqueue"
)

// Dispatcher is the single entry point RPC handlers call into.
type Dispatcher struct {
	reg    *registry.Registry
	sink   metrics.Sink
	logger *logging.Logger

	limiter             *rate.Limiter
	maxMsgPerSecond     int
	maxQueueSize        int
	timestampSampleRate float64

	stopping atomic.Bool
}

// New constructs a dispatcher admitting up to maxMsgPerSecond entries/s
// (golang.org/x/time/rate token bucket, burst sized to the rate itself)
// and rejecting once any live worker queue's pending bytes exceed
// maxQueueSize.
func New(reg *registry.Registry, sink metrics.Sink, maxMsgPerSecond, maxQueueSize int, timestampSampleRate float64) *Dispatcher {
	if sink == nil {
		sink = metrics.NullSink{}
	}
	burst := maxMsgPerSecond
	if burst < 1 {
		burst = 1
	}
	return &Dispatcher{
		reg:                 reg,
		sink:                sink,
		limiter:             rate.NewLimiter(rate.Limit(maxMsgPerSecond), burst),
		maxMsgPerSecond:     maxMsgPerSecond,
		maxQueueSize:        maxQueueSize,
		timestampSampleRate: timestampSampleRate,
	}
}

// SetLogger attaches a logger used to trace TryLater rejections with a
// per-call correlation id, so a deny can be followed through logs from
// the RPC layer down to the admission decision that caused it.
func (d *Dispatcher) SetLogger(logger *logging.Logger) { d.logger = logger }

// SetStopping flips the server into (or out of) the Stopping state; new
// calls return TryLater while stopping, per the shutdown sequence of
// spec.md §5.
func (d *Dispatcher) SetStopping(v bool) { d.stopping.Store(v) }

// Stopping reports whether the server is in its shutdown window, for the
// admin status surface.
func (d *Dispatcher) Stopping() bool { return d.stopping.Load() }

// resolvedEntry pairs an admitted entry with the worker queues its
// category resolved to, computed once in Log's validation pass and
// reused by the enqueue pass so a category is never resolved twice for
// the same call.
type resolvedEntry struct {
	e      *entry.LogEntry
	queues []*workerqueue.Queue
}

// Log is the dispatcher's sole operation: Log(batch) -> {Ok, TryLater},
// per spec.md §4.8's ordered steps: Stopping check, admission control
// (rate then per-queue size, each rejecting the whole batch), then
// per-entry validation/resolution/timestamp bookkeeping/enqueue.
func (d *Dispatcher) Log(batch entry.Batch) rpcwire.Code {
	callID := uuid.New().String()

	if d.stopping.Load() {
		d.logDeny(callID, "server is stopping")
		return rpcwire.CodeTryLater
	}

	n := len(batch)
	if n == 0 {
		return rpcwire.CodeOk
	}

	catastrophic := d.maxMsgPerSecond > 0 && n > d.maxMsgPerSecond/2
	if d.maxMsgPerSecond > 0 {
		allowed := d.limiter.AllowN(platform.Now(), n)
		if !allowed && !catastrophic {
			d.sink.Counter(metrics.MsgDenyRate, int64(n))
			d.logDeny(callID, "rate limit exceeded")
			return rpcwire.CodeTryLater
		}
	}

	// spec.md §4.8 step 2(b): reject the whole call if ANY worker queue
	// (not just the ones this batch's categories resolve to) is over
	// max_queue_size, before doing any per-entry work.
	if d.maxQueueSize > 0 && d.reg.AnyOverCapacity(d.maxQueueSize) {
		d.sink.Counter(metrics.MsgDenyQueue, int64(n))
		d.logDeny(callID, "worker queue size exceeds max_queue_size")
		return rpcwire.CodeTryLater
	}

	resolved := make([]resolvedEntry, 0, n)
	for _, e := range batch {
		d.sink.Counter(metrics.MsgIn, 1)

		if e.Category == "" {
			d.sink.Counter("msg.blank_category", 1)
			continue
		}
		if !entry.IsPortableFilename(e.Category) {
			d.sink.Counter("msg.invalid_category", 1)
			continue
		}
		queues := d.reg.Resolve(e.Category)
		if len(queues) == 0 {
			d.sink.Counter("msg.bad", 1)
			continue
		}
		resolved = append(resolved, resolvedEntry{e: e, queues: queues})
	}

	now := platform.Now()
	nowMs := now.UnixMilli()

	for _, r := range resolved {
		e := r.e
		if ts, ok := e.Metadata[entry.MetadataTimestamp]; ok {
			if ms, err := strconv.ParseInt(ts, 10, 64); err == nil {
				d.sink.Histogram(metrics.CategoryCounter(e.Category, "hop_latency_ms"), nowMs-ms)
			}
			delete(e.Metadata, entry.MetadataTimestamp)
		}
		if d.timestampSampleRate > 0 && platform.Float64() < d.timestampSampleRate {
			if e.Metadata == nil {
				e.Metadata = make(map[string]string, 1)
			}
			e.Metadata[entry.MetadataTimestamp] = strconv.FormatInt(nowMs, 10)
		}

		for _, q := range r.queues {
			q.Enqueue(e.Clone(e.Category))
			d.sink.Counter(metrics.MsgAdmit, 1)
		}
	}

	return rpcwire.CodeOk
}

func (d *Dispatcher) logDeny(callID, reason string) {
	if d.logger != nil {
		d.logger.Debugf("call=%s denied: %s", callID, reason)
	}
}
