// Package registry implements the category registry of spec.md §4.9:
// exact category names and category-prefix patterns resolve to worker
// queues, with prefix/default matches cloning a model queue the first
// time a concrete category is seen (or, when new_thread_per_category is
// false, routing straight through one shared queue with multi-category
// mode set on its store).
package registry

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/igodwin/scribed/internal/conftree"
	"github.com/igodwin/scribed/internal/entry"
	"github.com/igodwin/scribed/internal/metrics"
	"github.com/igodwin/scribed/internal/store"
	"github.com/igodwin/scribed/internal/workerqueue"
)

// StoreFactory builds the (possibly nested) Store described by a
// top-level <store> block's "type" key, for a given category.
type StoreFactory func(node *conftree.Node, category string) (store.Store, error)

type modelEntry struct {
	pattern string // "" for the default entry
	queue   *workerqueue.Queue
	shared  bool // true when new_thread_per_category is false: queue is live and multi-category
}

// Registry is the live category->queue map plus the configured
// prefix/default prototypes used to grow it.
type Registry struct {
	mu sync.RWMutex

	exact    map[string][]*workerqueue.Queue
	prefixes []modelEntry
	defaults []modelEntry

	factory              StoreFactory
	sink                 metrics.Sink
	checkPeriod          time.Duration
	newThreadPerCategory bool

	started []*workerqueue.Queue // every non-model queue, for Stop() on shutdown
}

// New constructs an empty registry. Build populates it from the parsed
// configuration tree.
func New(factory StoreFactory, sink metrics.Sink, checkPeriod time.Duration, newThreadPerCategory bool) *Registry {
	return &Registry{
		exact:                make(map[string][]*workerqueue.Queue),
		factory:              factory,
		sink:                 sink,
		checkPeriod:          checkPeriod,
		newThreadPerCategory: newThreadPerCategory,
	}
}

// Build reads every top-level <store> block under root, building and
// (for exact/shared entries) starting a worker queue per block.
func (r *Registry) Build(root *conftree.Node) error {
	for _, node := range root.Children("store") {
		if err := r.addStoreBlock(node); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) addStoreBlock(node *conftree.Node) error {
	names := categoryNames(node)
	if len(names) == 0 {
		return fmt.Errorf("store block has no category/categories key")
	}

	targetWriteSize := node.GetInt("target_write_size", 1<<20)
	maxWriteInterval := time.Duration(node.GetInt("max_write_interval", 10)) * time.Second
	mustSucceed := node.GetBool("must_succeed", false)

	isPatterned := false
	for _, n := range names {
		if n == "default" || entry.IsPattern(n) {
			isPatterned = true
		}
	}

	label := names[0]
	st, err := r.factory(node, label)
	if err != nil {
		return fmt.Errorf("building store for %v: %w", names, err)
	}

	q := workerqueue.New(label, st, r.sink, targetWriteSize, maxWriteInterval, r.checkPeriod, mustSucceed, isPatterned && r.newThreadPerCategory)

	if !isPatterned {
		if err := q.ConfigureSync(node); err != nil {
			return err
		}
		go q.Run()
		r.started = append(r.started, q)
		r.mu.Lock()
		for _, n := range names {
			r.exact[n] = append(r.exact[n], q)
		}
		r.mu.Unlock()
		return nil
	}

	shared := !r.newThreadPerCategory
	if shared {
		if mc, ok := st.(interface{ SetMultiCategory(bool) }); ok {
			mc.SetMultiCategory(true)
		}
	}
	if err := q.ConfigureSync(node); err != nil {
		return err
	}
	if shared {
		go q.Run()
		r.started = append(r.started, q)
	}

	me := modelEntry{queue: q, shared: shared}
	r.mu.Lock()
	for _, n := range names {
		if n == "default" {
			r.defaults = append(r.defaults, me)
			continue
		}
		me2 := me
		me2.pattern = entry.PatternPrefix(n)
		r.prefixes = append(r.prefixes, me2)
	}
	r.mu.Unlock()
	return nil
}

func categoryNames(node *conftree.Node) []string {
	if v, ok := node.Get("categories"); ok {
		return strings.Fields(v)
	}
	if v, ok := node.Get("category"); ok {
		return []string{v}
	}
	return nil
}

// Resolve returns the ordered list of worker queues for category,
// creating and caching it on first sight per the exact/prefix/default
// rule of spec.md §4.9. A nil slice means no rule matched.
func (r *Registry) Resolve(category string) []*workerqueue.Queue {
	r.mu.RLock()
	if qs, ok := r.exact[category]; ok {
		r.mu.RUnlock()
		return qs
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	// Re-check: another goroutine may have resolved this category while
	// we waited for the write lock.
	if qs, ok := r.exact[category]; ok {
		return qs
	}

	model := r.matchPrefix(category)
	if model == nil && len(r.defaults) > 0 {
		d := r.defaults[0]
		model = &d
	}
	if model == nil {
		return nil
	}

	var qs []*workerqueue.Queue
	if model.shared {
		qs = []*workerqueue.Queue{model.queue}
	} else {
		cloned := model.queue.Store().Copy(category)
		nq := workerqueue.New(category, cloned, r.sink, model.queue.TargetWriteSize(), model.queue.MaxWriteInterval(), r.checkPeriod, model.queue.MustSucceed(), false)
		if sizer, ok := cloned.(interface {
			SetQueueContext(func() int, int)
		}); ok {
			sizer.SetQueueContext(nq.Size, 0)
		}
		nq.OpenSync()
		go nq.Run()
		r.started = append(r.started, nq)
		qs = []*workerqueue.Queue{nq}
	}
	r.exact[category] = qs
	return qs
}

// matchPrefix returns the longest-pattern prefix match, with configured
// order as the tie-break, per spec.md §4.9.
func (r *Registry) matchPrefix(category string) *modelEntry {
	var best *modelEntry
	bestLen := -1
	for i := range r.prefixes {
		p := &r.prefixes[i]
		if strings.HasPrefix(category, p.pattern) && len(p.pattern) > bestLen {
			best = p
			bestLen = len(p.pattern)
		}
	}
	return best
}

// AnyOverCapacity reports whether any live (non-model) worker queue's
// pending byte count exceeds max, for the dispatcher's global
// backpressure check of spec.md §4.8 step 2(b) ("any worker queue's
// size exceeds max_queue_size" — not just the queues the current
// batch happens to resolve to).
func (r *Registry) AnyOverCapacity(max int) bool {
	r.mu.RLock()
	queues := r.started
	r.mu.RUnlock()

	for _, q := range queues {
		if q.Size() > max {
			return true
		}
	}
	return false
}

// Stop stops every live (non-model) worker queue, in no particular
// order; used during server shutdown.
func (r *Registry) Stop() {
	r.mu.RLock()
	queues := append([]*workerqueue.Queue(nil), r.started...)
	r.mu.RUnlock()

	var g errgroup.Group
	for _, q := range queues {
		q := q
		g.Go(func() error {
			q.Stop()
			return nil
		})
	}
	_ = g.Wait()
}
