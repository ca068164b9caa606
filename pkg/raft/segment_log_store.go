package raft

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var ErrLogCorrupted = errors.New("corrupted log segment")

const (
	DefaultSegmentSize = 16 * 1024 * 1024

	segmentFileSuffix = ".log"
	baseFileName      = "base.json"

	recordHeaderSize = 8  // crc32 + payload length
	recordFixedSize  = 18 // index + term + type length
)

type SegmentLogStoreCfg struct {
	Directory string

	// A segment is closed and a new one started once its size reaches
	// SegmentSize bytes or once it is older than SegmentMaxAge (if set).
	SegmentSize   int64
	SegmentMaxAge time.Duration

	Logger Logger
}

// SegmentLogStore is a durable LogEntryStore. Entries are appended to the
// active segment file; older segments are chained behind it and are only
// read, truncated on conflict or deleted by compaction. Each segment keeps an
// in-memory index of record offsets and terms, rebuilt when the store is
// opened.
type SegmentLogStore struct {
	Cfg SegmentLogStoreCfg
	Log Logger

	mu sync.RWMutex

	base   logBase
	closed []*segment // oldest first
	active *segment

	commitIndex LogIndex
	lastApplied LogIndex

	applyRunning atomic.Bool
}

// logBase is the position preceding the first retained entry.
type logBase struct {
	Index LogIndex `json:"index"`
	Term  Term     `json:"term"`
}

type segment struct {
	firstIndex LogIndex
	filePath   string
	file       *os.File
	size       int64
	createdAt  time.Time

	offsets []int64
	terms   []Term
}

func NewSegmentLogStore(cfg SegmentLogStoreCfg) (*SegmentLogStore, error) {
	if cfg.Directory == "" {
		return nil, invalidCfgf("missing or empty log directory")
	}

	if cfg.SegmentSize == 0 {
		cfg.SegmentSize = DefaultSegmentSize
	}

	if cfg.SegmentSize < 0 {
		return nil, invalidCfgf("invalid segment size %d", cfg.SegmentSize)
	}

	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}

	s := &SegmentLogStore{
		Cfg: cfg,
		Log: cfg.Logger,
	}

	return s, nil
}

func (s *SegmentLogStore) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.Cfg.Directory, 0700); err != nil {
		return fmt.Errorf("cannot create %q: %w", s.Cfg.Directory, err)
	}

	if err := s.readBase(); err != nil {
		return err
	}

	firstIndexes, err := s.listSegments()
	if err != nil {
		return err
	}

	var segments []*segment

	for i, firstIndex := range firstIndexes {
		isLast := i == len(firstIndexes)-1

		seg, err := openSegment(s.segmentPath(firstIndex), firstIndex, isLast)
		if err != nil {
			closeSegments(segments)
			return err
		}

		if !isLast && seg.lastIndex() <= s.base.Index {
			// Left behind by an interrupted compaction
			s.Log.Debug(1, "deleting compacted segment %q", seg.filePath)

			seg.file.Close()
			if err := os.Remove(seg.filePath); err != nil {
				closeSegments(segments)
				return fmt.Errorf("cannot delete %q: %w", seg.filePath, err)
			}

			continue
		}

		if n := len(segments); n > 0 {
			if prev := segments[n-1]; seg.firstIndex != prev.lastIndex()+1 {
				seg.file.Close()
				closeSegments(segments)
				return fmt.Errorf("%w: segment %q starts at %d after "+
					"segment ending at %d", ErrLogCorrupted, seg.filePath,
					seg.firstIndex, prev.lastIndex())
			}
		}

		segments = append(segments, seg)
	}

	if len(segments) == 0 {
		seg, err := createSegment(s.segmentPath(s.base.Index+1), s.base.Index+1)
		if err != nil {
			return err
		}

		segments = append(segments, seg)
	}

	s.closed = segments[:len(segments)-1]
	s.active = segments[len(segments)-1]

	// Entries which survived compaction are replayed once committed again;
	// consumers are idempotent with respect to entry indexes.
	s.commitIndex = s.base.Index
	s.lastApplied = s.base.Index

	s.Log.Debug(1, "opened log store %q with %d segments, entries %d to %d",
		s.Cfg.Directory, len(segments), s.base.Index+1, s.lastIndex())

	return nil
}

func (s *SegmentLogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	closeSegments(s.closed)
	s.closed = nil

	if s.active != nil {
		s.active.file.Close()
		s.active = nil
	}

	return nil
}

func (s *SegmentLogStore) AppendEntries(entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	if err := checkContiguousEntries(entries); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	first := entries[0].Index
	last := s.lastIndex()

	if first > last+1 {
		return fmt.Errorf("%w: first index %d, last index %d",
			ErrLogGap, first, last)
	}

	if first <= s.base.Index || first <= s.lastApplied {
		return fmt.Errorf("%w: index %d", ErrImmutableEntry, first)
	}

	if first <= last {
		if err := s.truncateFrom(first); err != nil {
			return fmt.Errorf("cannot truncate log: %w", err)
		}
	}

	for _, entry := range entries {
		if s.shouldRoll() {
			if err := s.roll(); err != nil {
				return fmt.Errorf("cannot roll segment: %w", err)
			}
		}

		if err := s.active.append(entry); err != nil {
			return err
		}
	}

	if err := s.active.file.Sync(); err != nil {
		return fmt.Errorf("cannot sync %q: %w", s.active.filePath, err)
	}

	return nil
}

func (s *SegmentLogStore) MarkCommitted(index LogIndex) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < s.commitIndex {
		return false
	}

	s.commitIndex = index
	return true
}

func (s *SegmentLogStore) CommitIndex() LogIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.commitIndex
}

func (s *SegmentLogStore) LastAppliedIndex() LogIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.lastApplied
}

func (s *SegmentLogStore) ApplyEntries(consumer func(LogEntry) error) (int, error) {
	if !s.applyRunning.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer s.applyRunning.Store(false)

	return applyCommittedEntries(s, consumer, s.advanceLastApplied)
}

func (s *SegmentLogStore) advanceLastApplied(index LogIndex) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index != s.lastApplied+1 {
		return false
	}

	s.lastApplied = index
	return true
}

func (s *SegmentLogStore) Entry(index LogIndex) (LogEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seg := s.findSegment(index)
	if seg == nil {
		return LogEntry{}, false
	}

	entry, err := seg.read(index)
	if err != nil {
		s.Log.Error("cannot read entry %d from %q: %v", index, seg.filePath, err)
		return LogEntry{}, false
	}

	return entry, true
}

func (s *SegmentLogStore) Entries(from LogIndex, max int) []LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []LogEntry

	for index := from; len(entries) < max; index++ {
		seg := s.findSegment(index)
		if seg == nil {
			break
		}

		entry, err := seg.read(index)
		if err != nil {
			s.Log.Error("cannot read entry %d from %q: %v",
				index, seg.filePath, err)
			break
		}

		entries = append(entries, entry)
	}

	return entries
}

func (s *SegmentLogStore) TermAt(index LogIndex) (Term, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index == s.base.Index {
		return s.base.Term, true
	}

	seg := s.findSegment(index)
	if seg == nil {
		return 0, false
	}

	return seg.terms[index-seg.firstIndex], true
}

func (s *SegmentLogStore) FirstLogIndex() LogIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.base.Index + 1
}

func (s *SegmentLogStore) LastLogIndex() LogIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.lastIndex()
}

func (s *SegmentLogStore) LastLogTerm() Term {
	s.mu.RLock()
	defer s.mu.RUnlock()

	last := s.lastIndex()
	if last == s.base.Index {
		return s.base.Term
	}

	seg := s.findSegment(last)
	return seg.terms[len(seg.terms)-1]
}

// Compact deletes closed segments whose entries have all been applied and
// whose last index is lower or equal to the given index. The active segment
// is never deleted.
func (s *SegmentLogStore) Compact(index LogIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index > s.lastApplied {
		index = s.lastApplied
	}

	n := 0
	for n < len(s.closed) && s.closed[n].lastIndex() <= index {
		n++
	}

	if n == 0 {
		return nil
	}

	last := s.closed[n-1]
	base := logBase{
		Index: last.lastIndex(),
		Term:  last.terms[len(last.terms)-1],
	}

	if err := s.writeBase(base); err != nil {
		return err
	}

	s.base = base

	for _, seg := range s.closed[:n] {
		seg.file.Close()

		if err := os.Remove(seg.filePath); err != nil {
			s.Log.Error("cannot delete %q: %v", seg.filePath, err)
		}
	}

	s.closed = append([]*segment(nil), s.closed[n:]...)

	s.Log.Debug(1, "compacted log up to index %d (%d segments deleted)",
		base.Index, n)

	return nil
}

func (s *SegmentLogStore) ResetTo(index LogIndex, term Term) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := logBase{Index: index, Term: term}
	if err := s.writeBase(base); err != nil {
		return err
	}

	s.base = base

	segments := append(s.closed, s.active)
	for _, seg := range segments {
		seg.file.Close()

		if err := os.Remove(seg.filePath); err != nil {
			return fmt.Errorf("cannot delete %q: %w", seg.filePath, err)
		}
	}

	s.closed = nil
	s.active = nil

	seg, err := createSegment(s.segmentPath(index+1), index+1)
	if err != nil {
		return err
	}

	s.active = seg

	s.commitIndex = index
	s.lastApplied = index

	return nil
}

func (s *SegmentLogStore) lastIndex() LogIndex {
	return s.active.lastIndex()
}

func (s *SegmentLogStore) findSegment(index LogIndex) *segment {
	if index <= s.base.Index || index > s.lastIndex() {
		return nil
	}

	if index >= s.active.firstIndex {
		return s.active
	}

	i := sort.Search(len(s.closed), func(i int) bool {
		return s.closed[i].lastIndex() >= index
	})

	if i == len(s.closed) || index < s.closed[i].firstIndex {
		return nil
	}

	return s.closed[i]
}

func (s *SegmentLogStore) shouldRoll() bool {
	if len(s.active.offsets) == 0 {
		return false
	}

	if s.active.size >= s.Cfg.SegmentSize {
		return true
	}

	maxAge := s.Cfg.SegmentMaxAge
	return maxAge > 0 && time.Since(s.active.createdAt) >= maxAge
}

func (s *SegmentLogStore) roll() error {
	if err := s.active.file.Sync(); err != nil {
		return fmt.Errorf("cannot sync %q: %w", s.active.filePath, err)
	}

	firstIndex := s.active.lastIndex() + 1

	seg, err := createSegment(s.segmentPath(firstIndex), firstIndex)
	if err != nil {
		return err
	}

	s.Log.Debug(1, "rolled log segment, new segment %q", seg.filePath)

	s.closed = append(s.closed, s.active)
	s.active = seg

	return nil
}

func (s *SegmentLogStore) truncateFrom(index LogIndex) error {
	seg := s.findSegment(index)
	if seg == nil {
		return fmt.Errorf("no segment contains index %d", index)
	}

	for seg != s.active {
		if err := os.Remove(s.active.filePath); err != nil {
			return fmt.Errorf("cannot delete %q: %w", s.active.filePath, err)
		}
		s.active.file.Close()

		n := len(s.closed)
		s.active = s.closed[n-1]
		s.closed = s.closed[:n-1]
	}

	return seg.truncate(index)
}

func (s *SegmentLogStore) segmentPath(firstIndex LogIndex) string {
	fileName := fmt.Sprintf("%020d%s", firstIndex, segmentFileSuffix)
	return path.Join(s.Cfg.Directory, fileName)
}

func (s *SegmentLogStore) listSegments() ([]LogIndex, error) {
	dirEntries, err := os.ReadDir(s.Cfg.Directory)
	if err != nil {
		return nil, fmt.Errorf("cannot read %q: %w", s.Cfg.Directory, err)
	}

	var indexes []LogIndex

	for _, dirEntry := range dirEntries {
		name := dirEntry.Name()
		if dirEntry.IsDir() || !strings.HasSuffix(name, segmentFileSuffix) {
			continue
		}

		i, err := strconv.ParseUint(strings.TrimSuffix(name,
			segmentFileSuffix), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid segment file name %q", name)
		}

		indexes = append(indexes, LogIndex(i))
	}

	sort.Slice(indexes, func(i, j int) bool {
		return indexes[i] < indexes[j]
	})

	return indexes, nil
}

func (s *SegmentLogStore) readBase() error {
	filePath := path.Join(s.Cfg.Directory, baseFileName)

	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.base = logBase{}
			return nil
		}

		return fmt.Errorf("cannot read %q: %w", filePath, err)
	}

	if err := json.Unmarshal(data, &s.base); err != nil {
		return fmt.Errorf("cannot decode %q: %w", filePath, err)
	}

	return nil
}

func (s *SegmentLogStore) writeBase(base logBase) error {
	filePath := path.Join(s.Cfg.Directory, baseFileName)

	data, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("cannot encode log base: %w", err)
	}

	if err := writeFileAtomically(filePath, data); err != nil {
		return fmt.Errorf("cannot write %q: %w", filePath, err)
	}

	return nil
}

func createSegment(filePath string, firstIndex LogIndex) (*segment, error) {
	flags := os.O_RDWR | os.O_CREATE | os.O_TRUNC
	file, err := os.OpenFile(filePath, flags, 0600)
	if err != nil {
		return nil, fmt.Errorf("cannot create %q: %w", filePath, err)
	}

	seg := segment{
		firstIndex: firstIndex,
		filePath:   filePath,
		file:       file,
		createdAt:  time.Now(),
	}

	return &seg, nil
}

// openSegment opens an existing segment and rebuilds its index. A truncated
// or corrupted record at the end of the last segment is the trace of an
// interrupted write and is discarded; anywhere else it is an error.
func openSegment(filePath string, firstIndex LogIndex, isLast bool) (*segment, error) {
	file, err := os.OpenFile(filePath, os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("cannot open %q: %w", filePath, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("cannot stat %q: %w", filePath, err)
	}

	seg := segment{
		firstIndex: firstIndex,
		filePath:   filePath,
		file:       file,
		createdAt:  info.ModTime(),
	}

	var offset int64

	for offset < info.Size() {
		entry, size, err := readRecord(file, offset, info.Size())
		if err == nil && entry.Index != seg.lastIndex()+1 {
			err = fmt.Errorf("%w: unexpected index %d", ErrLogCorrupted,
				entry.Index)
		}

		if err != nil {
			if !isLast {
				file.Close()
				return nil, fmt.Errorf("cannot read %q at offset %d: %w",
					filePath, offset, err)
			}

			if err := file.Truncate(offset); err != nil {
				file.Close()
				return nil, fmt.Errorf("cannot truncate %q: %w", filePath, err)
			}

			break
		}

		seg.offsets = append(seg.offsets, offset)
		seg.terms = append(seg.terms, entry.Term)

		offset += size
	}

	seg.size = offset

	return &seg, nil
}

func closeSegments(segments []*segment) {
	for _, seg := range segments {
		seg.file.Close()
	}
}

func (seg *segment) lastIndex() LogIndex {
	return seg.firstIndex + LogIndex(len(seg.offsets)) - 1
}

func (seg *segment) append(entry LogEntry) error {
	record, err := encodeRecord(entry)
	if err != nil {
		return err
	}

	if _, err := seg.file.WriteAt(record, seg.size); err != nil {
		return fmt.Errorf("cannot write to %q: %w", seg.filePath, err)
	}

	seg.offsets = append(seg.offsets, seg.size)
	seg.terms = append(seg.terms, entry.Term)
	seg.size += int64(len(record))

	return nil
}

func (seg *segment) read(index LogIndex) (LogEntry, error) {
	entry, _, err := readRecord(seg.file, seg.offsets[index-seg.firstIndex],
		seg.size)
	return entry, err
}

func (seg *segment) truncate(index LogIndex) error {
	n := int(index - seg.firstIndex)
	offset := seg.offsets[n]

	if err := seg.file.Truncate(offset); err != nil {
		return fmt.Errorf("cannot truncate %q: %w", seg.filePath, err)
	}

	if err := seg.file.Sync(); err != nil {
		return fmt.Errorf("cannot sync %q: %w", seg.filePath, err)
	}

	seg.offsets = seg.offsets[:n]
	seg.terms = seg.terms[:n]
	seg.size = offset

	return nil
}

// Record format: [crc32:4][payloadLen:4] followed by the payload
// [index:8][term:8][typeLen:2][type][data]. The checksum covers the payload.
func encodeRecord(entry LogEntry) ([]byte, error) {
	if err := checkEntryType(entry.Type); err != nil {
		return nil, err
	}

	payloadLen := recordFixedSize + len(entry.Type) + len(entry.Data)
	record := make([]byte, recordHeaderSize+payloadLen)

	payload := record[recordHeaderSize:]
	binary.BigEndian.PutUint64(payload[0:8], uint64(entry.Index))
	binary.BigEndian.PutUint64(payload[8:16], uint64(entry.Term))
	binary.BigEndian.PutUint16(payload[16:18], uint16(len(entry.Type)))
	copy(payload[18:], entry.Type)
	copy(payload[18+len(entry.Type):], entry.Data)

	binary.BigEndian.PutUint32(record[0:4], crc32.ChecksumIEEE(payload))
	binary.BigEndian.PutUint32(record[4:8], uint32(payloadLen))

	return record, nil
}

// readRecord decodes the record at offset in a file of fileSize bytes.
func readRecord(r io.ReaderAt, offset, fileSize int64) (LogEntry, int64, error) {
	var header [recordHeaderSize]byte

	if _, err := r.ReadAt(header[:], offset); err != nil {
		return LogEntry{}, 0, fmt.Errorf("%w: cannot read record header: %v",
			ErrLogCorrupted, err)
	}

	checksum := binary.BigEndian.Uint32(header[0:4])
	payloadLen := binary.BigEndian.Uint32(header[4:8])

	if payloadLen < recordFixedSize {
		return LogEntry{}, 0, fmt.Errorf("%w: invalid record length %d",
			ErrLogCorrupted, payloadLen)
	}

	if offset+recordHeaderSize+int64(payloadLen) > fileSize {
		return LogEntry{}, 0, fmt.Errorf("%w: record length %d at offset %d "+
			"exceeds file size %d", ErrLogCorrupted, payloadLen, offset,
			fileSize)
	}

	payload := make([]byte, payloadLen)
	if _, err := r.ReadAt(payload, offset+recordHeaderSize); err != nil {
		return LogEntry{}, 0, fmt.Errorf("%w: cannot read record payload: %v",
			ErrLogCorrupted, err)
	}

	if crc32.ChecksumIEEE(payload) != checksum {
		return LogEntry{}, 0, fmt.Errorf("%w: invalid checksum", ErrLogCorrupted)
	}

	typeLen := int(binary.BigEndian.Uint16(payload[16:18]))
	if recordFixedSize+typeLen > len(payload) {
		return LogEntry{}, 0, fmt.Errorf("%w: invalid type length %d",
			ErrLogCorrupted, typeLen)
	}

	entry := LogEntry{
		Index: LogIndex(binary.BigEndian.Uint64(payload[0:8])),
		Term:  Term(binary.BigEndian.Uint64(payload[8:16])),
		Type:  string(payload[18 : 18+typeLen]),
	}

	if data := payload[18+typeLen:]; len(data) > 0 {
		entry.Data = data
	}

	return entry, int64(recordHeaderSize + payloadLen), nil
}
