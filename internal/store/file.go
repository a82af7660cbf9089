package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/igodwin/scribed/internal/conftree"
	"github.com/igodwin/scribed/internal/entry"
	"github.com/igodwin/scribed/internal/metrics"
	"github.com/igodwin/scribed/internal/platform"
)

// framing backends: a "raw" backend writes bytes directly, a "framed"
// backend prefixes each payload with a 4-byte little-endian length so
// record boundaries survive arbitrary binary payloads. Buffer-role files
// always use the framed backend (FileStore.framed forced true).
type fileBackend interface {
	// encode returns the bytes that should land in the file for one
	// logical record (possibly just payload, possibly length-prefixed).
	encode(payload []byte) []byte
	// decode walks buf from offset, returning the next payload and the
	// offset just past it, or ok=false when buf is exhausted.
	decode(buf []byte, offset int) (payload []byte, next int, ok bool)
}

type rawBackend struct{ addNewlines bool }

func (b rawBackend) encode(payload []byte) []byte {
	if b.addNewlines {
		out := make([]byte, 0, len(payload)+1)
		out = append(out, payload...)
		out = append(out, '\n')
		return out
	}
	return payload
}

func (b rawBackend) decode(buf []byte, offset int) ([]byte, int, bool) {
	// Raw files carry no boundary information; the whole remainder
	// from offset is returned as a single payload.
	if offset >= len(buf) {
		return nil, offset, false
	}
	rest := buf[offset:]
	if b.addNewlines {
		if idx := bytes.IndexByte(rest, '\n'); idx >= 0 {
			return rest[:idx], offset + idx + 1, true
		}
	}
	return rest, len(buf), true
}

type framedBackend struct{}

func (framedBackend) encode(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

func (framedBackend) decode(buf []byte, offset int) ([]byte, int, bool) {
	if offset+4 > len(buf) {
		return nil, offset, false
	}
	n := int(binary.LittleEndian.Uint32(buf[offset : offset+4]))
	start := offset + 4
	if n < 0 || start+n > len(buf) {
		return nil, offset, false
	}
	return buf[start : start+n], start + n, true
}

// rotateStats mirrors the scribe_stats sidecar: per-rotation size and
// event counts, supplementing spec.md's "Persisted state" section with
// the counters the original implementation kept next to the data files.
type rotateStats struct {
	Suffix     int   `json:"suffix"`
	Bytes      int64 `json:"bytes"`
	EventCount int64 `json:"event_count"`
}

// FileStore writes entries to a rolling file under a configured
// directory. TypeName is "file" or "thriftfile": the thriftfile flavor
// forces the framed backend and exposes a few extra tuning keys but is
// otherwise the same store (see SPEC_FULL.md).
type FileStore struct {
	statusHolder
	multiCategoryFlag

	typeName string
	category string
	sink     metrics.Sink

	filePath                string
	subDirectory            string
	useHostnameSubDirectory bool
	baseFilename            string
	baseSymlinkName         string
	rotatePeriod            string
	rotateHour              int
	rotateMinute            int
	maxSize                 int64
	maxWriteSize            int64
	chunkSize               int64
	writeMeta               bool
	writeCategory           bool
	createSymlink           bool
	writeStats              bool
	rotateOnReopen          bool
	addNewlines             bool
	forceFramed             bool
	bufferRole              bool // secondary-of-Buffer naming (.buffer suffix)

	// thriftfile-only tuning, per spec.md §6: msgBufferSize overrides
	// max_write_size as the staging-flush threshold when set, flushPeriod
	// forces a staging flush on PeriodicCheck regardless of threshold,
	// and useSimpleFile opts back out of the forced framed backend.
	msgBufferSize int64
	flushPeriod   time.Duration
	useSimpleFile bool

	open            bool
	file            *os.File
	backend         fileBackend
	currentSuffix   int
	currentDate     string // "" when rotate_period == never
	bytesThisFile   int64
	chunkPos        int64
	opened          time.Time
	lastRotateCheck time.Time
	lastFlush       time.Time
	staging         bytes.Buffer
	events          int64
}

var _ Readable = (*FileStore)(nil)

// NewFileStore constructs an unconfigured file store for category.
func NewFileStore(category string) *FileStore {
	return &FileStore{typeName: "file", category: category, sink: metrics.NullSink{}, rotatePeriod: "never"}
}

// NewThriftFileStore is the thriftfile flavor: same store, framed by
// construction, matching the original ThriftFileStore's "FileStoreBase
// with a different write path."
func NewThriftFileStore(category string) *FileStore {
	f := NewFileStore(category)
	f.typeName = "thriftfile"
	f.forceFramed = true
	return f
}

func (f *FileStore) TypeName() string { return f.typeName }

func (f *FileStore) Configure(node *conftree.Node, sink metrics.Sink) error {
	f.sink = sink
	t := f.typeName
	f.filePath = conftree.ResolveString(node, t, "file_path", f.filePath)
	f.subDirectory = conftree.ResolveString(node, t, "sub_directory", "")
	f.useHostnameSubDirectory = conftree.ResolveBool(node, t, "use_hostname_sub_directory", false)
	f.baseFilename = conftree.ResolveString(node, t, "base_filename", f.category)
	f.baseSymlinkName = conftree.ResolveString(node, t, "base_symlink_name", "")
	f.rotatePeriod = conftree.ResolveString(node, t, "rotate_period", "never")
	f.rotateHour = conftree.ResolveInt(node, t, "rotate_hour", 0)
	f.rotateMinute = conftree.ResolveInt(node, t, "rotate_minute", 0)
	f.maxSize = int64(conftree.ResolveInt(node, t, "max_size", 1<<30))
	f.maxWriteSize = int64(conftree.ResolveInt(node, t, "max_write_size", 16384))
	f.chunkSize = int64(conftree.ResolveInt(node, t, "chunk_size", 0))
	f.writeMeta = conftree.ResolveBool(node, t, "write_meta", false)
	f.writeCategory = conftree.ResolveBool(node, t, "write_category", false)
	f.createSymlink = conftree.ResolveBool(node, t, "create_symlink", false)
	f.writeStats = conftree.ResolveBool(node, t, "write_stats", false)
	f.rotateOnReopen = conftree.ResolveBool(node, t, "rotate_on_reopen", false)
	f.addNewlines = conftree.ResolveBool(node, t, "add_newlines", false)

	if f.typeName == "thriftfile" {
		f.msgBufferSize = int64(conftree.ResolveInt(node, t, "msg_buffer_size", 0))
		f.flushPeriod = time.Duration(conftree.ResolveInt(node, t, "flush_frequency_ms", 0)) * time.Millisecond
		f.useSimpleFile = conftree.ResolveBool(node, t, "use_simple_file", false)
	}

	if f.filePath == "" {
		return fmt.Errorf("file store %q: file_path is required", f.category)
	}
	return nil
}

// SetPathSuffix disambiguates this store's base filename when it was
// cloned from a single <bucket> template by the bucket store's builder:
// each clone appends the given suffix (a zero-padded bucket id, or the
// configured failure_bucket name for bucket 0) to its base filename, so
// sibling buckets never collide on disk. Must be called after Configure
// (which sets the un-suffixed base filename from the shared template)
// and before Open.
func (f *FileStore) SetPathSuffix(suffix string) {
	f.baseFilename = f.baseFilename + "_" + suffix
}

// SetBufferRole marks this store as the secondary of a Buffer store:
// buffer-role files always use the framed backend, since a batch
// replayed back into the primary must recover exact record boundaries,
// and their filenames carry the ".buffer" suffix (ReadOldest/DeleteOldest
// still fall back to the unsuffixed name for files left by a prior
// non-buffer deployment).
func (f *FileStore) SetBufferRole(v bool) { f.bufferRole = v }

func (f *FileStore) directory() string {
	dir := f.filePath
	if f.subDirectory != "" {
		dir = filepath.Join(dir, f.subDirectory)
	}
	if f.useHostnameSubDirectory {
		dir = filepath.Join(dir, platform.Hostname())
	}
	return dir
}

func (f *FileStore) framed() bool {
	if f.useSimpleFile {
		return false
	}
	return f.forceFramed || f.bufferRole
}

// flushThreshold is the staging-buffer size that triggers a flush:
// msg_buffer_size when the thriftfile variant set one, else max_write_size.
func (f *FileStore) flushThreshold() int64 {
	if f.msgBufferSize > 0 {
		return f.msgBufferSize
	}
	return f.maxWriteSize
}

// baseName is "<base>-YYYY-MM-DD" or just "<base>" for rotate_period=never.
func (f *FileStore) baseName(now time.Time) string {
	if f.rotatePeriod == "never" {
		return f.baseFilename
	}
	return fmt.Sprintf("%s-%s", f.baseFilename, now.Format("2006-01-02"))
}

func (f *FileStore) suffixedName(base string, suffix int) string {
	name := fmt.Sprintf("%s_%05d", base, suffix)
	if f.bufferRole {
		name += ".buffer"
	}
	return name
}

func (f *FileStore) Open() bool {
	if f.open {
		return true
	}
	now := platform.Now()
	if err := os.MkdirAll(f.directory(), 0o755); err != nil {
		f.setStatus(fmt.Sprintf("mkdir failed: %v", err))
		f.sink.Counter(metrics.CategoryCounter(f.category, metrics.FileOpenErr), 1)
		return false
	}

	base := f.baseName(now)
	suffix, err := f.nextSuffixFor(base)
	if err != nil {
		f.setStatus(fmt.Sprintf("listing directory failed: %v", err))
		f.sink.Counter(metrics.CategoryCounter(f.category, metrics.FileOpenErr), 1)
		return false
	}

	if err := f.openSuffix(base, suffix); err != nil {
		f.setStatus(fmt.Sprintf("open failed: %v", err))
		f.sink.Counter(metrics.CategoryCounter(f.category, metrics.FileOpenErr), 1)
		return false
	}
	f.currentDate = now.Format("2006-01-02")
	if f.rotatePeriod == "never" {
		f.currentDate = ""
	}
	f.opened = now
	f.lastRotateCheck = now
	if f.framed() {
		f.backend = framedBackend{}
	} else {
		f.backend = rawBackend{addNewlines: f.addNewlines}
	}
	f.setStatus("")
	return true
}

// nextSuffixFor picks the suffix to write to on (re)open: the highest
// existing suffix for base (appending to that file), or one past it when
// rotate_on_reopen is set; 0 when nothing exists yet.
func (f *FileStore) nextSuffixFor(base string) (int, error) {
	if f.rotateOnReopen {
		return f.nextFreeSuffix(base)
	}
	suffixes, err := f.listSuffixes(base)
	if err != nil {
		return 0, err
	}
	if len(suffixes) == 0 {
		return 0, nil
	}
	return suffixes[len(suffixes)-1], nil
}

func (f *FileStore) nextFreeSuffix(base string) (int, error) {
	suffixes, err := f.listSuffixes(base)
	if err != nil {
		return 0, err
	}
	if len(suffixes) == 0 {
		return 0, nil
	}
	return suffixes[len(suffixes)-1] + 1, nil
}

func (f *FileStore) openSuffix(base string, suffix int) error {
	name := f.suffixedName(base, suffix)
	path := filepath.Join(f.directory(), name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	f.file = file
	f.currentSuffix = suffix
	f.bytesThisFile = info.Size()
	f.chunkPos = info.Size()
	f.open = true
	return nil
}

func (f *FileStore) Close() {
	if !f.open {
		return
	}
	f.flushStaging()
	if f.writeMeta {
		f.writeMetaRecord()
	}
	if f.writeStats {
		f.writeStatsSidecar()
	}
	if f.createSymlink {
		f.updateSymlink()
	}
	_ = f.file.Close()
	f.file = nil
	f.open = false
}

func (f *FileStore) IsOpen() bool { return f.open }

// HandleBatch stages every entry's payload, applying chunk padding and
// the optional category frame, flushing when the staging buffer exceeds
// max_write_size. File stores never reject a batch once open; the only
// failure mode is the store being closed, in which case nothing is
// delivered and the whole batch is the residual.
func (f *FileStore) HandleBatch(batch entry.Batch) (bool, entry.Batch) {
	if !f.open {
		return false, batch
	}
	f.sink.Counter(metrics.CategoryCounter(f.category, metrics.FileIn), int64(len(batch)))

	for _, e := range batch {
		category := f.category
		if f.MultiCategory() {
			category = e.Category
		}
		if f.writeCategory {
			f.stageRecord([]byte(category))
		}
		f.stageRecord(e.Message)
		f.events++
		if int64(f.staging.Len()) >= f.flushThreshold() {
			f.flushStaging()
		}
	}
	f.flushStaging()
	f.sink.Counter(metrics.CategoryCounter(f.category, metrics.FileWritten), int64(len(batch)))

	if f.bytesThisFile >= f.maxSize {
		f.rotate()
	}
	return true, nil
}

// stageRecord appends one record's encoded bytes to the staging buffer,
// first padding to the next chunk boundary if the record would
// otherwise straddle one.
func (f *FileStore) stageRecord(payload []byte) {
	encoded := f.backend.encode(payload)
	if f.chunkSize > 0 {
		pos := (f.chunkPos + int64(f.staging.Len())) % f.chunkSize
		remaining := f.chunkSize - pos
		if int64(len(encoded)) > remaining && remaining > 0 {
			f.staging.Write(make([]byte, remaining))
		}
	}
	f.staging.Write(encoded)
}

func (f *FileStore) flushStaging() {
	if f.staging.Len() == 0 || f.file == nil {
		return
	}
	n, err := f.file.Write(f.staging.Bytes())
	if err != nil {
		f.sink.Counter(metrics.CategoryCounter(f.category, metrics.FileWriteErr), 1)
		f.setStatus(fmt.Sprintf("write failed: %v", err))
	}
	f.bytesThisFile += int64(n)
	f.chunkPos += int64(n)
	f.staging.Reset()
	f.lastFlush = platform.Now()
}

func (f *FileStore) writeMetaRecord() {
	base := f.baseName(platform.Now())
	next := f.suffixedName(base, f.currentSuffix+1)
	encoded := f.backend.encode([]byte(next))
	_, _ = f.file.Write(encoded)
}

func (f *FileStore) writeStatsSidecar() {
	stats := rotateStats{Suffix: f.currentSuffix, Bytes: f.bytesThisFile, EventCount: f.events}
	data, err := json.Marshal(stats)
	if err != nil {
		return
	}
	path := filepath.Join(f.directory(), "scribe_stats")
	_ = os.WriteFile(path, data, 0o644)
}

func (f *FileStore) updateSymlink() {
	name := f.baseSymlinkName
	if name == "" {
		name = f.baseFilename + "_current"
	}
	base := f.baseName(platform.Now())
	target := f.suffixedName(base, f.currentSuffix)
	_ = platform.CreateSymlink(target, filepath.Join(f.directory(), name))
}

// rotate closes the current file and opens the next suffix under the
// (possibly new) date-qualified base name.
func (f *FileStore) rotate() {
	wasOpen := f.open
	if wasOpen {
		f.flushStaging()
		if f.writeMeta {
			f.writeMetaRecord()
		}
		if f.writeStats {
			f.writeStatsSidecar()
		}
		_ = f.file.Close()
	}
	now := platform.Now()
	base := f.baseName(now)
	suffix := f.currentSuffix + 1
	// a calendar boundary resets the suffix sequence for the new date
	if f.currentDate != "" && base != fmt.Sprintf("%s-%s", f.baseFilename, f.currentDate) {
		suffix = 0
	}
	if err := f.openSuffix(base, suffix); err != nil {
		f.setStatus(fmt.Sprintf("rotate open failed: %v", err))
		f.sink.Counter(metrics.CategoryCounter(f.category, metrics.FileOpenErr), 1)
		return
	}
	f.events = 0
	if f.rotatePeriod != "never" {
		f.currentDate = now.Format("2006-01-02")
	}
	if f.createSymlink {
		f.updateSymlink()
	}
}

func (f *FileStore) Flush() {
	f.flushStaging()
	if f.file != nil {
		_ = f.file.Sync()
	}
}

// PeriodicCheck rotates on a calendar boundary or elapsed period, per
// the configured rotate_period.
func (f *FileStore) PeriodicCheck(now time.Time) {
	if !f.open {
		return
	}
	if f.flushPeriod > 0 && now.Sub(f.lastFlush) >= f.flushPeriod {
		f.flushStaging()
	}
	switch {
	case f.rotatePeriod == "never":
		return
	case f.rotatePeriod == "hourly":
		if now.Hour() != f.opened.Hour() || now.Day() != f.opened.Day() {
			f.rotate()
			f.opened = now
		}
	case f.rotatePeriod == "daily":
		if now.Hour() >= f.rotateHour && now.Minute() >= f.rotateMinute && now.Day() != f.opened.Day() {
			f.rotate()
			f.opened = now
		}
	default:
		if d, ok := parseElapsedPeriod(f.rotatePeriod); ok {
			if now.Sub(f.opened) >= d {
				f.rotate()
				f.opened = now
			}
		}
	}
	f.lastRotateCheck = now
}

// parseElapsedPeriod parses "<N>[smhdw]" into a duration.
func parseElapsedPeriod(s string) (time.Duration, bool) {
	if len(s) < 2 {
		return 0, false
	}
	unit := s[len(s)-1]
	numStr := s[:len(s)-1]
	n, err := strconv.Atoi(numStr)
	if err != nil || n <= 0 {
		return 0, false
	}
	var mul time.Duration
	switch unit {
	case 's':
		mul = time.Second
	case 'm':
		mul = time.Minute
	case 'h':
		mul = time.Hour
	case 'd':
		mul = 24 * time.Hour
	case 'w':
		mul = 7 * 24 * time.Hour
	default:
		return 0, false
	}
	return time.Duration(n) * mul, true
}

func (f *FileStore) Copy(category string) Store {
	clone := *f
	clone.category = category
	clone.open = false
	clone.file = nil
	clone.staging = bytes.Buffer{}
	clone.statusHolder = statusHolder{}
	return &clone
}

// listSuffixes returns every numeric suffix on disk for base, ascending.
func (f *FileStore) listSuffixes(base string) ([]int, error) {
	entries, err := os.ReadDir(f.directory())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var suffixes []int
	prefix := base + "_"
	for _, de := range entries {
		name := de.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := strings.TrimPrefix(name, prefix)
		rest = strings.TrimSuffix(rest, ".buffer")
		if n, err := strconv.Atoi(rest); err == nil {
			suffixes = append(suffixes, n)
		}
	}
	sort.Ints(suffixes)
	return suffixes, nil
}

// oldestPath returns the path of the numerically smallest-suffix file
// for today's base name, checking both legacy and .buffer-suffixed
// names, per spec.md's Buffer-secondary read contract.
func (f *FileStore) oldestPath(now time.Time) (string, int, bool) {
	base := f.baseName(now)
	suffixes, err := f.listSuffixes(base)
	if err != nil || len(suffixes) == 0 {
		return "", 0, false
	}
	suffix := suffixes[0]
	name := f.suffixedName(base, suffix)
	path := filepath.Join(f.directory(), name)
	if _, err := os.Stat(path); err != nil {
		// fall back to the legacy (non-.buffer) name
		legacy := fmt.Sprintf("%s_%05d", base, suffix)
		legacyPath := filepath.Join(f.directory(), legacy)
		if _, err := os.Stat(legacyPath); err == nil {
			return legacyPath, suffix, true
		}
		return "", 0, false
	}
	return path, suffix, true
}

func (f *FileStore) ReadOldest(now time.Time) (entry.Batch, bool) {
	path, _, ok := f.oldestPath(now)
	if !ok {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		f.sink.Counter(metrics.CategoryCounter(f.category, metrics.FileLostBytes), 1)
		return nil, false
	}
	backend := f.backend
	if backend == nil {
		backend = framedBackend{}
	}
	var out entry.Batch
	offset := 0
	for {
		var payload []byte
		var ok bool
		if f.writeCategory {
			var catBytes []byte
			catBytes, offset, ok = backend.decode(data, offset)
			if !ok {
				break
			}
			payload, offset, ok = backend.decode(data, offset)
			if !ok {
				break
			}
			out = append(out, &entry.LogEntry{Category: string(catBytes), Message: payload})
			continue
		}
		payload, offset, ok = backend.decode(data, offset)
		if !ok {
			break
		}
		out = append(out, &entry.LogEntry{Category: f.category, Message: payload})
	}
	f.sink.Counter(metrics.CategoryCounter(f.category, metrics.FileRead), int64(len(out)))
	return out, true
}

func (f *FileStore) ReplaceOldest(batch entry.Batch, now time.Time) bool {
	path, _, ok := f.oldestPath(now)
	if !ok {
		return false
	}
	backend := f.backend
	if backend == nil {
		backend = framedBackend{}
	}
	var buf bytes.Buffer
	for _, e := range batch {
		if f.writeCategory {
			buf.Write(backend.encode([]byte(e.Category)))
		}
		buf.Write(backend.encode(e.Message))
	}
	return os.WriteFile(path, buf.Bytes(), 0o644) == nil
}

func (f *FileStore) DeleteOldest(now time.Time) bool {
	path, _, ok := f.oldestPath(now)
	if !ok {
		return false
	}
	return os.Remove(path) == nil
}

func (f *FileStore) Empty(now time.Time) bool {
	_, _, ok := f.oldestPath(now)
	return !ok
}
