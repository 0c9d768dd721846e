// Implements the index log: one fixed-width entry per record.

package pagedb

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"

	dberr "github.com/maruel/pagedb/internal/errors"
)

// indexEntrySize is the serialized size of an IndexEntry.
const indexEntrySize = 12

// IndexEntry locates one record within the page files.
type IndexEntry struct {
	Page   uint32
	Offset uint32
	Length uint32
}

// AppendBinary implements encoding.BinaryAppender.
func (e IndexEntry) AppendBinary(b []byte) ([]byte, error) {
	b = binary.LittleEndian.AppendUint32(b, e.Page)
	b = binary.LittleEndian.AppendUint32(b, e.Offset)
	return binary.LittleEndian.AppendUint32(b, e.Length), nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (e IndexEntry) MarshalBinary() ([]byte, error) {
	return e.AppendBinary(make([]byte, 0, indexEntrySize))
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (e *IndexEntry) UnmarshalBinary(data []byte) error {
	if len(data) != indexEntrySize {
		return fmt.Errorf("index entry must be %d bytes, got %d", indexEntrySize, len(data))
	}
	e.Page = binary.LittleEndian.Uint32(data[0:4])
	e.Offset = binary.LittleEndian.Uint32(data[4:8])
	e.Length = binary.LittleEndian.Uint32(data[8:12])
	return nil
}

// end returns the offset one past the last byte of the record.
func (e IndexEntry) end() int64 {
	return int64(e.Offset) + int64(e.Length)
}

// indexLog is the append-only index.bin file mirrored in memory.
//
// Writes go through a buffered writer; flush must be called before another
// process can observe them.
type indexLog struct {
	path    string
	file    *os.File // nil after close
	w       *bufio.Writer
	entries []IndexEntry
	loaded  bool
	// known is the byte length of index.bin covered by entries, including
	// entries still sitting in w.
	known int64
	// partial is set when bytes past known were seen that do not form a
	// complete entry. They may belong to a write in progress in another
	// process, so only a writer removes them, in prepare.
	partial bool
	logger  *slog.Logger
	buf     [indexEntrySize]byte
}

func openIndexLog(path string, logger *slog.Logger) (*indexLog, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open index file: %w", err)
	}
	return &indexLog{
		path:   path,
		file:   f,
		w:      bufio.NewWriterSize(f, 64*indexEntrySize),
		logger: logger,
	}, nil
}

// size returns the current length of the file on disk.
func (l *indexLog) size() (int64, error) {
	st, err := l.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat index file: %w", err)
	}
	return st.Size(), nil
}

// load replays the whole file into memory.
//
// A trailing partial entry is either a write in progress in another process
// or the remains of a crash. It is skipped without modifying the file, or
// reported as an error when strict is set.
func (l *indexLog) load(strict bool) error {
	if l.loaded || len(l.entries) != 0 {
		return dberr.Validation(dberr.ErrIndexAlreadyLoaded, "index log already loaded").WithDetail("path", l.path)
	}
	size, err := l.size()
	if err != nil {
		return err
	}
	if torn := size % indexEntrySize; torn != 0 {
		if strict {
			return dberr.Validation(dberr.ErrTornIndex, fmt.Sprintf("index file %s ends with a partial entry", l.path)).
				WithDetail("size", size).
				WithDetail("trailing", torn)
		}
		l.logger.Debug("Skipping partial index entry", "path", l.path, "size", size, "trailing", torn)
		l.partial = true
		size -= torn
	}
	entries, err := l.read(0, size)
	if err != nil {
		return err
	}
	l.entries = entries
	l.known = size
	l.loaded = true
	return nil
}

// tail reads the complete entries appended by other processes since the last
// load or tail. A trailing partial entry is left for a later call.
func (l *indexLog) tail() (int, error) {
	if err := l.flush(); err != nil {
		return 0, err
	}
	size, err := l.size()
	if err != nil {
		return 0, err
	}
	l.partial = size%indexEntrySize != 0
	size -= size % indexEntrySize
	if size <= l.known {
		return 0, nil
	}
	entries, err := l.read(l.known, size)
	if err != nil {
		return 0, err
	}
	l.entries = append(l.entries, entries...)
	l.known = size
	l.loaded = true
	return len(entries), nil
}

// prepare readies the file for an append by this process. It must run while
// no other process writes to the index, which holds for a sole writer or
// inside Locked.
//
// A partial entry seen by load or tail is truncated away, since nobody can be
// writing it anymore. Complete entries this process has not read mean the
// in-memory view is stale and appending would misnumber records.
func (l *indexLog) prepare() error {
	if !l.partial {
		return nil
	}
	if err := l.flush(); err != nil {
		return err
	}
	size, err := l.size()
	if err != nil {
		return err
	}
	if size-size%indexEntrySize > l.known {
		return dberr.State(dberr.ErrStaleIndex, "index file has entries not yet read; call Refresh").
			WithDetail("path", l.path).
			WithDetail("size", size).
			WithDetail("known", l.known)
	}
	if size > l.known {
		l.logger.Warn("Truncating partial index entry", "path", l.path, "size", size, "dropped", size-l.known)
		if err := l.file.Truncate(l.known); err != nil {
			return fmt.Errorf("failed to truncate index file: %w", err)
		}
	}
	l.partial = false
	return nil
}

// read decodes the entries stored in [from, to).
func (l *indexLog) read(from, to int64) ([]IndexEntry, error) {
	entries := make([]IndexEntry, 0, (to-from)/indexEntrySize)
	r := bufio.NewReader(io.NewSectionReader(l.file, from, to-from))
	var buf [indexEntrySize]byte
	for off := from; off < to; off += indexEntrySize {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, fmt.Errorf("failed to read index entry at byte %d: %w", off, err)
		}
		var e IndexEntry
		if err := e.UnmarshalBinary(buf[:]); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// append writes e and records it in memory.
func (l *indexLog) append(e IndexEntry) error {
	b, _ := e.AppendBinary(l.buf[:0])
	if _, err := l.w.Write(b); err != nil {
		return fmt.Errorf("failed to write index entry: %w", err)
	}
	l.entries = append(l.entries, e)
	l.known += indexEntrySize
	return nil
}

func (l *indexLog) len() int {
	return len(l.entries)
}

func (l *indexLog) flush() error {
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush index file: %w", err)
	}
	return nil
}

func (l *indexLog) sync() error {
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync index file: %w", err)
	}
	return nil
}

func (l *indexLog) close() error {
	if l.file == nil {
		return nil
	}
	err := l.flush()
	if cerr := l.file.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("failed to close index file: %w", cerr)
	}
	l.file = nil
	return err
}
