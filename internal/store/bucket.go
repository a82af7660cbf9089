package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/igodwin/scribed/internal/conftree"
	"github.com/igodwin/scribed/internal/entry"
	"github.com/igodwin/scribed/internal/metrics"
	"github.com/igodwin/scribed/internal/platform"
)

// contextLogMarker precedes a bucketizing key written inline in the
// message payload by the upstream client, per spec.md §4.6 mode 1.
const contextLogMarker = 0x01

// bucketizerKind is one of the five ways spec.md §4.6 assigns an entry
// to a bucket.
type bucketizerKind int

const (
	bucketizerKeyHash bucketizerKind = iota
	bucketizerKeyModulo
	bucketizerKeyRange
	bucketizerRandom
	bucketizerContextLog
)

func parseBucketizerKind(s string) (bucketizerKind, error) {
	switch s {
	case "key_hash":
		return bucketizerKeyHash, nil
	case "key_modulo":
		return bucketizerKeyModulo, nil
	case "key_range":
		return bucketizerKeyRange, nil
	case "random":
		return bucketizerRandom, nil
	case "context_log":
		return bucketizerContextLog, nil
	default:
		return 0, fmt.Errorf("unknown bucket_type %q", s)
	}
}

// BucketStore fans entries out across num_buckets child stores (plus an
// optional failure bucket), assigning each entry to a bucket per the
// configured bucketizer. Every entry's chosen child is tried independently,
// so a failure in one bucket only returns its own entries as residual.
type BucketStore struct {
	statusHolder
	multiCategoryFlag

	category string
	sink     metrics.Sink

	kind        bucketizerKind
	numBuckets  int
	removeKey   bool
	delimiter   byte
	bucketRange int64

	buckets       []Store // index 0..numBuckets-1
	failureBucket Store   // nil if not configured
}

var _ Store = (*BucketStore)(nil)

// NewBucketStore constructs an unconfigured bucket store. buckets and
// failureBucket are the already-built child stores, one per <bucketN>
// (or cloned from a single <bucket> template) plus an optional failure
// bucket built from a <bucket0> block (or the <bucket> template),
// supplied by the dynamic worker-creation logic.
func NewBucketStore(category string, buckets []Store, failureBucket Store) *BucketStore {
	return &BucketStore{
		category:      category,
		sink:          metrics.NullSink{},
		buckets:       buckets,
		failureBucket: failureBucket,
		delimiter:     ':',
	}
}

func (s *BucketStore) TypeName() string { return "bucket" }

// pathSuffixer is implemented by stores (FileStore) whose on-disk name
// must be disambiguated when the same <bucket> template is cloned N
// times: the zero-padded 3-digit bucket id (or the configured
// failure_bucket name for bucket 0), per spec.md §4.6's template mode.
type pathSuffixer interface {
	SetPathSuffix(suffix string)
}

func (s *BucketStore) Configure(node *conftree.Node, sink metrics.Sink) error {
	s.sink = sink
	t := "bucket"
	kindStr := conftree.ResolveString(node, t, "bucket_type", "key_modulo")
	kind, err := parseBucketizerKind(kindStr)
	if err != nil {
		return err
	}
	s.kind = kind
	s.numBuckets = conftree.ResolveInt(node, t, "num_buckets", len(s.buckets))
	s.removeKey = conftree.ResolveBool(node, t, "remove_key", false)
	if d := conftree.ResolveString(node, t, "delimiter", ""); d != "" {
		s.delimiter = d[0]
	}
	s.bucketRange = int64(conftree.ResolveInt(node, t, "bucket_range", 0))

	templateNode, hasTemplate := node.Child("bucket")

	for i, b := range s.buckets {
		bnode, ok := node.Child(fmt.Sprintf("bucket%d", i+1))
		useTemplate := false
		if !ok {
			bnode, ok = templateNode, hasTemplate
			useTemplate = ok
		}
		if !ok {
			continue
		}
		if err := b.Configure(bnode, sink); err != nil {
			return fmt.Errorf("bucket %d: %w", i+1, err)
		}
		if useTemplate {
			if ps, ok := b.(pathSuffixer); ok {
				ps.SetPathSuffix(fmt.Sprintf("%03d", i+1))
			}
		}
	}
	if s.failureBucket != nil {
		bnode, ok := node.Child("bucket0")
		useTemplate := false
		if !ok {
			bnode, ok = templateNode, hasTemplate
			useTemplate = ok
		}
		if ok {
			if err := s.failureBucket.Configure(bnode, sink); err != nil {
				return fmt.Errorf("failure bucket: %w", err)
			}
			if useTemplate {
				name := conftree.ResolveString(node, t, "failure_bucket", "000")
				if ps, ok := s.failureBucket.(pathSuffixer); ok {
					ps.SetPathSuffix(name)
				}
			}
		}
	}
	return nil
}

func (s *BucketStore) Open() bool {
	ok := true
	for _, b := range s.buckets {
		if !b.Open() {
			ok = false
		}
	}
	if s.failureBucket != nil && !s.failureBucket.Open() {
		ok = false
	}
	return ok
}

func (s *BucketStore) Close() {
	for _, b := range s.buckets {
		b.Close()
	}
	if s.failureBucket != nil {
		s.failureBucket.Close()
	}
}

func (s *BucketStore) IsOpen() bool {
	for _, b := range s.buckets {
		if !b.IsOpen() {
			return false
		}
	}
	return true
}

// bucketKey extracts the key an entry is bucketized on. For context_log,
// the id is the decimal run immediately following the 3rd occurrence of
// contextLogMarker in the message; for the delimited kinds it is the
// substring up to the first configured delimiter. remove_key strips the
// extracted key (and its delimiter/marker) from the stored message.
func (s *BucketStore) bucketKey(e *entry.LogEntry) (key string, msg []byte) {
	msg = e.Message
	switch s.kind {
	case bucketizerContextLog:
		seen := 0
		idx := -1
		for i, b := range msg {
			if b == contextLogMarker {
				seen++
				if seen == 3 {
					idx = i
					break
				}
			}
		}
		if idx < 0 {
			return "", msg
		}
		start := idx + 1
		end := start
		for end < len(msg) && msg[end] >= '0' && msg[end] <= '9' {
			end++
		}
		key = string(msg[start:end])
		if s.removeKey {
			msg = append(append([]byte{}, msg[:idx]...), msg[end:]...)
		}
		return key, msg
	case bucketizerRandom:
		return "", msg
	default:
		di := -1
		for i, b := range msg {
			if b == s.delimiter {
				di = i
				break
			}
		}
		if di < 0 {
			return "", msg
		}
		key = string(msg[:di])
		if s.removeKey {
			msg = msg[di+1:]
		}
		return key, msg
	}
}

// bucketFor computes the destination bucket, 1..numBuckets, or 0 (the
// reserved failure bucket) when extraction fails, per the table in
// spec.md §4.6. xxhash stands in for the original's djb2 hash: both are
// non-cryptographic string hashes used only to spread keys across
// buckets, and xxhash is the pack's available implementation.
func (s *BucketStore) bucketFor(e *entry.LogEntry) int {
	if s.numBuckets <= 0 {
		return 0
	}
	switch s.kind {
	case bucketizerRandom:
		return platform.Intn(s.numBuckets) + 1
	case bucketizerKeyHash:
		key, _ := s.bucketKey(e)
		if key == "" {
			return 0
		}
		return int(xxhash.Sum64String(key)%uint64(s.numBuckets)) + 1
	case bucketizerKeyModulo:
		key, _ := s.bucketKey(e)
		n, err := parseBucketInt(key)
		if err != nil {
			return 0
		}
		m := n % int64(s.numBuckets)
		if m < 0 {
			m += int64(s.numBuckets)
		}
		return int(m) + 1
	case bucketizerKeyRange:
		key, _ := s.bucketKey(e)
		n, err := parseBucketInt(key)
		if err != nil || s.bucketRange <= 0 {
			return 0
		}
		mod := n % s.bucketRange
		if mod < 0 {
			mod += s.bucketRange
		}
		idx := int(float64(mod) / float64(s.bucketRange) * float64(s.numBuckets))
		if idx >= s.numBuckets {
			idx = s.numBuckets - 1
		}
		return idx + 1
	case bucketizerContextLog:
		key, _ := s.bucketKey(e)
		n, err := parseBucketInt(key)
		if err != nil || n == 0 {
			return 0
		}
		return int(uint64(n)%uint64(s.numBuckets)) + 1
	}
	return 0
}

func parseBucketInt(key string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(key, "%d", &n)
	return n, err
}

// indexedEntry tags an entry with its position in the caller's batch so
// residuals collected from independently-dispatched buckets can be
// reassembled in the original order.
type indexedEntry struct {
	pos int
	e   *entry.LogEntry
}

// HandleBatch partitions batch by destination bucket and dispatches
// each partition to its child store concurrently (via errgroup, since
// buckets share no state); the residual is the union of every child's
// undelivered entries, reassembled in the caller's original order, per
// spec.md §8's "sum of residuals ... preserves input order".
func (s *BucketStore) HandleBatch(batch entry.Batch) (bool, entry.Batch) {
	groups := make(map[int][]indexedEntry)

	for pos, e := range batch {
		idx := s.bucketFor(e)
		if s.removeKey {
			_, msg := s.bucketKey(e)
			e = &entry.LogEntry{Category: e.Category, Message: msg, Metadata: e.Metadata}
		}
		groups[idx] = append(groups[idx], indexedEntry{pos: pos, e: e})
	}

	order := make([]int, 0, len(groups))
	for idx := range groups {
		order = append(order, idx)
	}
	sort.Ints(order)

	residualsByGroup := make([][]indexedEntry, len(order))
	var g errgroup.Group
	for gi, idx := range order {
		gi, idx := gi, idx
		g.Go(func() error {
			entries := groups[idx]
			var target Store
			if idx == 0 {
				target = s.failureBucket
			} else {
				target = s.buckets[idx-1]
			}
			if target == nil {
				s.sink.Counter(metrics.CategoryCounter(s.category, metrics.StoreLost), int64(len(entries)))
				return nil
			}
			plain := make(entry.Batch, len(entries))
			for i, ie := range entries {
				plain[i] = ie.e
			}
			ok, r := target.HandleBatch(plain)
			if ok {
				return nil
			}
			// r is a subsequence of plain identifying exactly the
			// undelivered entries, in order; walk both to recover
			// which tagged entries they correspond to.
			var failed []indexedEntry
			ri := 0
			for _, ie := range entries {
				if ri < len(r) && ie.e == r[ri] {
					failed = append(failed, ie)
					ri++
				}
			}
			residualsByGroup[gi] = failed
			return nil
		})
	}
	_ = g.Wait()

	var tagged []indexedEntry
	for _, rs := range residualsByGroup {
		tagged = append(tagged, rs...)
	}
	if len(tagged) == 0 {
		return true, nil
	}
	sort.Slice(tagged, func(i, j int) bool { return tagged[i].pos < tagged[j].pos })
	residual := make(entry.Batch, len(tagged))
	for i, ie := range tagged {
		residual[i] = ie.e
	}
	return false, residual
}

func (s *BucketStore) Flush() {
	for _, b := range s.buckets {
		b.Flush()
	}
	if s.failureBucket != nil {
		s.failureBucket.Flush()
	}
}

func (s *BucketStore) PeriodicCheck(now time.Time) {
	for _, b := range s.buckets {
		b.PeriodicCheck(now)
	}
	if s.failureBucket != nil {
		s.failureBucket.PeriodicCheck(now)
	}
}

func (s *BucketStore) Copy(category string) Store {
	buckets := make([]Store, len(s.buckets))
	for i, b := range s.buckets {
		buckets[i] = b.Copy(category)
	}
	var failure Store
	if s.failureBucket != nil {
		failure = s.failureBucket.Copy(category)
	}
	return &BucketStore{
		category:      category,
		sink:          s.sink,
		kind:          s.kind,
		numBuckets:    s.numBuckets,
		removeKey:     s.removeKey,
		delimiter:     s.delimiter,
		bucketRange:   s.bucketRange,
		buckets:       buckets,
		failureBucket: failure,
	}
}
