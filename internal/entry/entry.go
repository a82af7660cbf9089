// Package entry defines the wire-level data model shared by every
// component of the pipeline: the LogEntry, the Batch it travels in, and
// the Category string it is routed by.
package entry

import "strings"

// MetadataTimestamp is the recognized metadata key carrying decimal
// milliseconds since epoch, as set or consumed by the dispatcher.
const MetadataTimestamp = "timestamp"

// LogEntry is the unit of traffic. Message is opaque; Metadata is a
// shallow key/value bag. Entries are treated as immutable once enqueued,
// except that the dispatcher may add or remove MetadataTimestamp before
// handing the entry to a worker queue.
type LogEntry struct {
	Category string
	Message  []byte
	Metadata map[string]string
}

// Clone returns a shallow copy suitable for fanning the same logical
// entry out to multiple worker queues: the byte slice and metadata map
// are shared, which is safe because entries are not mutated in place
// after enqueue.
func (e *LogEntry) Clone(category string) *LogEntry {
	return &LogEntry{
		Category: category,
		Message:  e.Message,
		Metadata: e.Metadata,
	}
}

// Size is the byte length counted toward a worker queue's pending size.
func (e *LogEntry) Size() int {
	return len(e.Message)
}

// Batch is an ordered sequence of LogEntry. It is the unit of RPC, of
// queue draining, and of store retries.
type Batch []*LogEntry

// ByteSize returns the sum of message lengths in the batch.
func (b Batch) ByteSize() int {
	total := 0
	for _, e := range b {
		total += e.Size()
	}
	return total
}

// Clone returns a shallow copy of the batch slice (not the entries),
// letting a caller retain the original while a store mutates its copy.
func (b Batch) Clone() Batch {
	out := make(Batch, len(b))
	copy(out, b)
	return out
}

// DefaultCategory is the distinguished pattern that matches any concrete
// category not claimed by a more specific pattern.
const DefaultCategory = "default"

// IsPattern reports whether a configured category name is a prefix
// pattern (ends in '*') rather than a concrete category.
func IsPattern(category string) bool {
	return strings.HasSuffix(category, "*")
}

// PatternPrefix strips the trailing '*' from a pattern category.
func PatternPrefix(pattern string) string {
	return strings.TrimSuffix(pattern, "*")
}

// Matches reports whether a concrete category is matched by a configured
// pattern (prefix match, '*' stripped).
func Matches(pattern, concrete string) bool {
	if !IsPattern(pattern) {
		return pattern == concrete
	}
	return strings.HasPrefix(concrete, PatternPrefix(pattern))
}

// IsPortableFilename reports whether category is safe to use as (part
// of) a filename: non-empty, no path separator, no NUL.
func IsPortableFilename(category string) bool {
	if category == "" {
		return false
	}
	return !strings.ContainsAny(category, "/\x00")
}
