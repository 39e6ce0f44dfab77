// Package datalog implements the append-only replication log of spec
// §4.4/§6: a sequence of opaque byte-string records tagged with
// monotonically increasing 64-bit sequence numbers, stored as
// size-bounded segment files under a shard's ".rep" directory. It is the
// durable backbone every DataShard and RepLog builds on, grounded on the
// teacher's habit (internal/storage) of a small interface plus a single
// concrete implementation guarded by a mutex.
package datalog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dreamware/torua-repl/internal/lru"
)

// DefaultSegmentBytes is the segment size limit used when Config.SegmentBytes
// is zero (spec §6: "default 10 MiB").
const DefaultSegmentBytes = 10 * 1024 * 1024

const segmentCacheSize = 64

// Config tunes a DataLog's on-disk layout.
type Config struct {
	// SegmentBytes bounds the size of the active segment file before a new
	// one is started. Zero means DefaultSegmentBytes.
	SegmentBytes int64
}

// entry is one record's in-memory index: its sequence number and byte
// offset within its segment file.
type entry struct {
	seq    int64
	offset int64
}

// segment is one "data.<N>" file: an ascending, contiguous run of records
// (spec §3 invariant 5).
type segment struct {
	index   int
	path    string
	entries []entry // sorted ascending by seq
	size    int64   // current byte length of the file
}

func (s *segment) minSeq() int64 { return s.entries[0].seq }
func (s *segment) maxSeq() int64 { return s.entries[len(s.entries)-1].seq }

// DataLog is the append-only, segment-backed sequence of records described
// by spec §4.4 (DataLog/DataArray) and §6 (segment file format).
type DataLog struct {
	mu       sync.Mutex
	dir      string
	cfg      Config
	segments []*segment // sorted ascending by index; last is active
	nextSeq  int64
	cache    *lru.Cache[int64, []byte]
}

// Open loads (or creates) a DataLog rooted at dir, scanning any existing
// "data.<N>" segment files to rebuild the in-memory record index and
// determine the next sequence number to assign (spec §5 crash semantics:
// "Recovery is deterministic from on-disk state alone").
func Open(dir string, cfg Config) (*DataLog, error) {
	if cfg.SegmentBytes <= 0 {
		cfg.SegmentBytes = DefaultSegmentBytes
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("datalog: mkdir %s: %w", dir, err)
	}

	cache, err := lru.New[int64, []byte](segmentCacheSize, nil)
	if err != nil {
		return nil, err
	}

	dl := &DataLog{dir: dir, cfg: cfg, cache: cache}
	if err := dl.loadSegments(); err != nil {
		return nil, err
	}
	return dl, nil
}

func (dl *DataLog) loadSegments() error {
	files, err := os.ReadDir(dl.dir)
	if err != nil {
		return fmt.Errorf("datalog: readdir %s: %w", dl.dir, err)
	}

	var indices []int
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		idx, ok := parseSegmentName(f.Name())
		if !ok {
			continue
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	for _, idx := range indices {
		seg, err := loadSegment(filepath.Join(dl.dir, segmentName(idx)), idx)
		if err != nil {
			return fmt.Errorf("datalog: loading segment %d: %w", idx, err)
		}
		dl.segments = append(dl.segments, seg)
	}

	if len(dl.segments) == 0 {
		dl.segments = append(dl.segments, &segment{index: 0, path: filepath.Join(dl.dir, segmentName(0))})
	}

	last := dl.segments[len(dl.segments)-1]
	if len(last.entries) > 0 {
		dl.nextSeq = last.maxSeq() + 1
	}
	return nil
}

func segmentName(idx int) string { return fmt.Sprintf("data.%d", idx) }

func parseSegmentName(name string) (int, bool) {
	if !strings.HasPrefix(name, "data.") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(name, "data."))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// loadSegment scans path line by line, building the record index. A
// record whose sequence number is malformed or whose trailing newline is
// missing (a torn write) is skipped, not fatal (spec §6, §7: "a torn last
// record is harmlessly skipped").
func loadSegment(path string, idx int) (*segment, error) {
	seg := &segment{index: idx, path: path}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var offset int64
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if err == nil {
			seq, ok := parseRecordSeq(line)
			if ok {
				seg.entries = append(seg.entries, entry{seq: seq, offset: offset})
			}
			offset += int64(len(line))
			continue
		}
		// EOF: if there's a trailing partial line (no '\n'), it's a torn
		// write from a crash mid-append; ignore it but don't count its
		// bytes as part of the segment (the next append overwrites it).
		if err == io.EOF && len(line) > 0 {
			if err := os.Truncate(path, offset); err != nil {
				return nil, err
			}
		}
		break
	}
	seg.size = offset
	return seg, nil
}

func parseRecordSeq(line string) (int64, bool) {
	line = strings.TrimSuffix(line, "\n")
	sp := strings.IndexByte(line, ' ')
	if sp < 0 {
		return 0, false
	}
	seq, err := strconv.ParseInt(line[:sp], 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// End returns the next sequence number that Append would assign.
func (dl *DataLog) End() int64 {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.nextSeq
}

// Append assigns the log's next sequence number to payload and durably
// appends it, rolling to a new segment first if the active one has
// reached its size bound.
func (dl *DataLog) Append(payload []byte) (int64, error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.appendAtLocked(dl.nextSeq, payload)
}

// AppendAt appends payload at an explicit sequence number, used to seed a
// non-zero base (spec §3 invariant 4: "gaps are permitted"). seq must be
// strictly greater than every sequence already in the log.
func (dl *DataLog) AppendAt(seq int64, payload []byte) error {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	_, err := dl.appendAtLocked(seq, payload)
	return err
}

func (dl *DataLog) appendAtLocked(seq int64, payload []byte) (int64, error) {
	if seq < dl.nextSeq {
		return 0, fmt.Errorf("datalog: non-monotonic seq %d (next is %d)", seq, dl.nextSeq)
	}

	rec := encodeRecord(seq, payload)
	active := dl.segments[len(dl.segments)-1]
	if len(active.entries) > 0 && active.size+int64(len(rec)) > dl.cfg.SegmentBytes {
		active = dl.rollSegment()
	}

	f, err := os.OpenFile(active.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("datalog: open %s: %w", active.path, err)
	}
	defer f.Close()

	n, err := f.Write(rec)
	if err != nil {
		return 0, fmt.Errorf("datalog: write %s: %w", active.path, err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("datalog: sync %s: %w", active.path, err)
	}

	active.entries = append(active.entries, entry{seq: seq, offset: active.size})
	active.size += int64(n)
	dl.nextSeq = seq + 1
	dl.cache.Add(seq, append([]byte(nil), payload...))
	return seq, nil
}

func (dl *DataLog) rollSegment() *segment {
	idx := dl.segments[len(dl.segments)-1].index + 1
	seg := &segment{index: idx, path: filepath.Join(dl.dir, segmentName(idx))}
	dl.segments = append(dl.segments, seg)
	return seg
}

// Get returns the payload stored at seq.
func (dl *DataLog) Get(seq int64) ([]byte, error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	if v, ok := dl.cache.Get(seq); ok {
		return v, nil
	}

	seg := dl.findSegmentLocked(seq)
	if seg == nil {
		return nil, fmt.Errorf("datalog: no record with seq %d", seq)
	}
	i := sort.Search(len(seg.entries), func(i int) bool { return seg.entries[i].seq >= seq })
	if i == len(seg.entries) || seg.entries[i].seq != seq {
		return nil, fmt.Errorf("datalog: no record with seq %d", seq)
	}

	payload, err := readRecordAt(seg.path, seg.entries[i].offset)
	if err != nil {
		return nil, err
	}
	dl.cache.Add(seq, payload)
	return payload, nil
}

// findSegmentLocked returns the segment whose range [minSeq, maxSeq]
// contains seq, or nil.
func (dl *DataLog) findSegmentLocked(seq int64) *segment {
	i := sort.Search(len(dl.segments), func(i int) bool {
		seg := dl.segments[i]
		return len(seg.entries) == 0 || seg.maxSeq() >= seq
	})
	if i == len(dl.segments) {
		return nil
	}
	seg := dl.segments[i]
	if len(seg.entries) == 0 || seg.minSeq() > seq {
		return nil
	}
	return seg
}

func readRecordAt(path string, offset int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, 0); err != nil {
		return nil, err
	}
	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("datalog: reading record at %s:%d: %w", path, offset, err)
	}
	_, payload, ok := decodeRecord(line)
	if !ok {
		return nil, fmt.Errorf("datalog: corrupt record at %s:%d", path, offset)
	}
	return payload, nil
}

// Truncate deletes every segment file all of whose records are strictly
// less than seq (spec §3 invariant 5: never a partial segment). The
// current active segment is never deleted even if empty.
func (dl *DataLog) Truncate(seq int64) error {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	var kept []*segment
	for i, seg := range dl.segments {
		last := i == len(dl.segments)-1
		if !last && len(seg.entries) > 0 && seg.maxSeq() < seq {
			if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("datalog: truncate remove %s: %w", seg.path, err)
			}
			continue
		}
		kept = append(kept, seg)
	}
	dl.segments = kept
	dl.cache.Purge()
	return nil
}

// Clear removes every segment file and resets the log to empty.
func (dl *DataLog) Clear() error {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	for _, seg := range dl.segments {
		if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("datalog: clear remove %s: %w", seg.path, err)
		}
	}
	dl.segments = []*segment{{index: 0, path: filepath.Join(dl.dir, segmentName(0))}}
	dl.nextSeq = 0
	dl.cache.Purge()
	return nil
}

// ForwardIterator walks records from seq (inclusive) to the end of the log
// in increasing sequence order, skipping any gaps.
func (dl *DataLog) ForwardIterator(from int64) *ForwardIterator {
	return &ForwardIterator{dl: dl, next: from}
}

// ForwardIterator is a cursor over the log's records in ascending order.
type ForwardIterator struct {
	dl   *DataLog
	next int64
}

// Next returns the next record at or after the cursor, advancing it past
// whatever was returned. ok is false once the log's End() is reached.
func (it *ForwardIterator) Next() (seq int64, payload []byte, ok bool) {
	end := it.dl.End()
	for it.next < end {
		seq = it.next
		it.next++
		payload, err := it.dl.Get(seq)
		if err != nil {
			continue // gap: no record at this seq
		}
		return seq, payload, true
	}
	return 0, nil, false
}

// ReverseIterator walks records from seq (inclusive) down to the start of
// the log in decreasing sequence order, skipping any gaps.
func (dl *DataLog) ReverseIterator(from int64) *ReverseIterator {
	return &ReverseIterator{dl: dl, next: from}
}

// ReverseIterator is a cursor over the log's records in descending order.
type ReverseIterator struct {
	dl   *DataLog
	next int64
}

// Next returns the next record at or before the cursor, moving it
// backward. ok is false once the cursor passes below zero.
func (it *ReverseIterator) Next() (seq int64, payload []byte, ok bool) {
	for it.next >= 0 {
		seq = it.next
		it.next--
		payload, err := it.dl.Get(seq)
		if err != nil {
			continue
		}
		return seq, payload, true
	}
	return 0, nil, false
}

// encodeRecord renders (seq, payload) in the wire format of spec §6:
// "<ascii-decimal-seq> <SP> <escaped-payload> \n".
func encodeRecord(seq int64, payload []byte) []byte {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(seq, 10))
	b.WriteByte(' ')
	escape(&b, payload)
	b.WriteByte('\n')
	return []byte(b.String())
}

// escape applies the record payload escaping rules: "\\" -> "\\\\",
// literal newline -> "\\n".
func escape(b *strings.Builder, payload []byte) {
	for _, c := range payload {
		switch c {
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteByte(c)
		}
	}
}

// decodeRecord parses one "\n"-terminated line into its sequence number
// and unescaped payload. ok is false if the line is malformed or missing
// its terminator (a torn write).
func decodeRecord(line string) (seq int64, payload []byte, ok bool) {
	if !strings.HasSuffix(line, "\n") {
		return 0, nil, false
	}
	line = line[:len(line)-1]
	sp := strings.IndexByte(line, ' ')
	if sp < 0 {
		return 0, nil, false
	}
	seq, err := strconv.ParseInt(line[:sp], 10, 64)
	if err != nil {
		return 0, nil, false
	}
	return seq, unescape(line[sp+1:]), true
}

func unescape(s string) []byte {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case '\\':
				out = append(out, '\\')
				i++
				continue
			case 'n':
				out = append(out, '\n')
				i++
				continue
			}
		}
		out = append(out, s[i])
	}
	return out
}
