// Implements the page store: bounded-capacity files of concatenated records.

package pagedb

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	dberr "github.com/maruel/pagedb/internal/errors"
)

const pageFilePrefix = "page_"

// pageFileName returns the file name of page n.
func pageFileName(n uint32) string {
	return fmt.Sprintf("%s%08d", pageFilePrefix, n)
}

// parsePageFileName returns the page number encoded in name.
func parsePageFileName(name string) (uint32, bool) {
	digits, ok := strings.CutPrefix(name, pageFilePrefix)
	if !ok || digits == "" {
		return 0, false
	}
	for i := range len(digits) {
		if digits[i] < '0' || digits[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseUint(digits, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// pageFile is one page and its handle.
type pageFile struct {
	number  uint32
	path    string
	f       *os.File // nil while not open
	dirty   bool     // written since the last sync
	lastUse uint64
}

// pageStore owns every page handle of a dataset.
//
// With maxOpen == 0 every page stays open for the lifetime of the store.
// Otherwise at most maxOpen handles are kept and the least recently used ones
// are closed, then reopened on demand. The active page is never evicted.
type pageStore struct {
	dir      string
	pageSize int64
	maxOpen  int
	logger   *slog.Logger

	pages  map[uint32]*pageFile
	active *pageFile // highest numbered page, nil when there is none
	open   int
	clock  uint64
}

func openPageStore(dir string, pageSize int64, maxOpen int, logger *slog.Logger) (*pageStore, error) {
	ps := &pageStore{
		dir:      dir,
		pageSize: pageSize,
		maxOpen:  maxOpen,
		logger:   logger,
		pages:    make(map[uint32]*pageFile),
	}
	if _, err := ps.discover(); err != nil {
		return nil, errors.Join(err, ps.close())
	}
	return ps, nil
}

// discover registers the page files present in the directory that are not
// known yet. It returns the number of new pages.
func (ps *pageStore) discover() (int, error) {
	entries, err := os.ReadDir(ps.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read dataset directory: %w", err)
	}
	added := 0
	for _, entry := range entries {
		n, ok := parsePageFileName(entry.Name())
		if !ok || entry.IsDir() {
			continue
		}
		if _, ok := ps.pages[n]; ok {
			continue
		}
		p := &pageFile{number: n, path: filepath.Join(ps.dir, entry.Name())}
		ps.pages[n] = p
		if ps.active == nil || n > ps.active.number {
			ps.active = p
		}
		added++
		if ps.maxOpen == 0 {
			if _, err := ps.handle(p); err != nil {
				return added, err
			}
		}
	}
	return added, nil
}

// append writes data at the end of the active page, rolling over to a new
// page when a non-empty page would grow beyond the page size.
func (ps *pageStore) append(data []byte) (uint32, uint32, error) {
	if int64(len(data)) > math.MaxUint32 {
		return 0, 0, dberr.Validation(dberr.ErrRecordTooLarge, fmt.Sprintf("record of %d bytes exceeds 4 GiB", len(data)))
	}
	p := ps.active
	if p == nil {
		var err error
		if p, err = ps.create(0); err != nil {
			return 0, 0, err
		}
	}
	f, err := ps.handle(p)
	if err != nil {
		return 0, 0, err
	}
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to seek page %d: %w", p.number, err)
	}
	if end > 0 && end+int64(len(data)) > ps.pageSize {
		if p.number == math.MaxUint32 {
			return 0, 0, dberr.Validation(dberr.ErrRecordTooLarge, "page numbers exhausted")
		}
		if p, err = ps.create(p.number + 1); err != nil {
			return 0, 0, err
		}
		if f, err = ps.handle(p); err != nil {
			return 0, 0, err
		}
		if end, err = f.Seek(0, io.SeekEnd); err != nil {
			return 0, 0, fmt.Errorf("failed to seek page %d: %w", p.number, err)
		}
		ps.logger.Debug("Rolled over to new page", "dir", ps.dir, "page", p.number)
	}
	if end > math.MaxUint32 {
		return 0, 0, dberr.Validation(dberr.ErrRecordTooLarge, fmt.Sprintf("page %d offset %d exceeds 4 GiB", p.number, end))
	}
	if _, err := f.Write(data); err != nil {
		return 0, 0, fmt.Errorf("failed to write page %d: %w", p.number, err)
	}
	p.dirty = true
	return p.number, uint32(end), nil
}

// read returns the bytes of the record located by e.
func (ps *pageStore) read(e IndexEntry) ([]byte, error) {
	p, ok := ps.pages[e.Page]
	if !ok {
		return nil, dberr.Validation(dberr.ErrCorrupt, fmt.Sprintf("page %d does not exist", e.Page)).Wrap(fs.ErrNotExist)
	}
	f, err := ps.handle(p)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, e.Length)
	n, err := f.ReadAt(buf, int64(e.Offset))
	if n == len(buf) {
		return buf, nil
	}
	if err == io.EOF {
		return nil, dberr.IO(dberr.ErrShortRead, fmt.Sprintf("page %d holds %d of %d bytes at offset %d", e.Page, n, e.Length, e.Offset), io.ErrUnexpectedEOF)
	}
	return nil, fmt.Errorf("failed to read page %d: %w", e.Page, err)
}

// create registers page n as the active page, creating its file if needed.
func (ps *pageStore) create(n uint32) (*pageFile, error) {
	p, ok := ps.pages[n]
	if !ok {
		p = &pageFile{number: n, path: filepath.Join(ps.dir, pageFileName(n))}
	}
	if p.f == nil {
		if err := ps.evict(p); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(p.path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to create page %d: %w", n, err)
		}
		p.f = f
		ps.open++
	}
	ps.pages[n] = p
	ps.active = p
	return p, nil
}

// handle returns the open handle of p, opening it if needed.
func (ps *pageStore) handle(p *pageFile) (*os.File, error) {
	ps.clock++
	p.lastUse = ps.clock
	if p.f != nil {
		return p.f, nil
	}
	if err := ps.evict(p); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(p.path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open page %d: %w", p.number, err)
	}
	p.f = f
	ps.open++
	return f, nil
}

// evict closes least recently used handles until one more can be opened.
// keep and the active page are never closed.
func (ps *pageStore) evict(keep *pageFile) error {
	for ps.maxOpen > 0 && ps.open >= ps.maxOpen {
		var victim *pageFile
		for _, p := range ps.pages {
			if p.f == nil || p == keep || p == ps.active {
				continue
			}
			if victim == nil || p.lastUse < victim.lastUse {
				victim = p
			}
		}
		if victim == nil {
			return nil
		}
		if err := ps.release(victim); err != nil {
			return err
		}
		ps.logger.Debug("Closed idle page handle", "dir", ps.dir, "page", victim.number)
	}
	return nil
}

// release syncs and closes the handle of p.
func (ps *pageStore) release(p *pageFile) error {
	if p.f == nil {
		return nil
	}
	var err error
	if p.dirty {
		if err = p.f.Sync(); err != nil {
			err = fmt.Errorf("failed to sync page %d: %w", p.number, err)
		}
		p.dirty = false
	}
	if cerr := p.f.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("failed to close page %d: %w", p.number, cerr)
	}
	p.f = nil
	ps.open--
	return err
}

// sync forces written page bytes to durable storage.
func (ps *pageStore) sync() error {
	for _, p := range ps.pages {
		if p.f == nil || !p.dirty {
			continue
		}
		if err := p.f.Sync(); err != nil {
			return fmt.Errorf("failed to sync page %d: %w", p.number, err)
		}
		p.dirty = false
	}
	return nil
}

// sizes returns the on-disk size of every page.
func (ps *pageStore) sizes() (map[uint32]int64, error) {
	out := make(map[uint32]int64, len(ps.pages))
	for n, p := range ps.pages {
		st, err := os.Stat(p.path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat page %d: %w", n, err)
		}
		out[n] = st.Size()
	}
	return out, nil
}

func (ps *pageStore) close() error {
	var errs []error
	for _, p := range ps.pages {
		errs = append(errs, ps.release(p))
	}
	return errors.Join(errs...)
}
