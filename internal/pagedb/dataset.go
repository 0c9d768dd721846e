package pagedb

import (
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/maruel/ksid"
	dberr "github.com/maruel/pagedb/internal/errors"
	"github.com/maruel/pagedb/internal/models"
)

const (
	indexFileName    = "index.bin"
	metadataFileName = "metadata.json"
	lockFileName     = "lock"
	scratchPrefix    = "pagedb-"
)

// Options configures a Dataset. The zero value is valid.
type Options struct {
	// PageSize is the nominal capacity of a page file in bytes. It only
	// applies when the directory is initialized; an existing dataset keeps the
	// value recorded in metadata.json. Defaults to 1 GiB.
	PageSize int64
	// MaxOpenPages bounds the number of page files kept open. 0 keeps every
	// page open.
	MaxOpenPages int
	// StrictIndex fails the open when index.bin ends with a partial entry
	// instead of skipping it. A skipped entry is truncated by the next Append.
	StrictIndex bool
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	var out Options
	if o != nil {
		out = *o
	}
	if out.PageSize == 0 {
		out.PageSize = models.DefaultPageSize
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Dataset is an append-only sequence of records of type T stored in a
// directory.
type Dataset[T any] struct {
	dir       string
	ephemeral bool
	pageSize  int64
	codec     Codec[T]
	logger    *slog.Logger
	index     *indexLog
	pages     *pageStore
	closed    bool
}

// New opens the dataset stored in dir, initializing the directory if needed.
//
// An empty dir creates an ephemeral dataset in a scratch directory that Close
// removes.
func New[T any](dir string, codec Codec[T], opts *Options) (*Dataset[T], error) {
	if codec == nil {
		return nil, dberr.Validation(dberr.ErrInvalidOption, "codec is required")
	}
	o := opts.withDefaults()
	if o.PageSize < 0 || o.MaxOpenPages < 0 {
		return nil, dberr.Validation(dberr.ErrInvalidOption, "page size and max open pages must be non-negative")
	}
	d := &Dataset[T]{
		dir:      dir,
		pageSize: o.PageSize,
		codec:    codec,
		logger:   o.Logger,
	}
	if dir == "" {
		d.dir = filepath.Join(os.TempDir(), scratchPrefix+ksid.NewID().String())
		d.ephemeral = true
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create dataset directory %s: %w", d.dir, err)
	}
	if err := d.restore(&o); err != nil {
		return nil, errors.Join(err, d.release())
	}
	return d, nil
}

// Open reopens a persisted dataset, rebuilding its state from disk.
//
// Unlike New, it fails when dir does not hold both index.bin and metadata.json.
func Open[T any](dir string, codec Codec[T], opts *Options) (*Dataset[T], error) {
	if dir == "" {
		return nil, dberr.Validation(dberr.ErrNotDataset, "dataset path is required")
	}
	for _, name := range []string{indexFileName, metadataFileName} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, dberr.Validation(dberr.ErrNotDataset, fmt.Sprintf("%s is not a dataset", dir)).Wrap(err)
			}
			return nil, fmt.Errorf("failed to stat %s: %w", name, err)
		}
	}
	return New(dir, codec, opts)
}

// FromSeq builds a dataset holding every element of seq, then flushes it.
func FromSeq[T any](seq iter.Seq[T], dir string, codec Codec[T], opts *Options) (*Dataset[T], error) {
	d, err := New(dir, codec, opts)
	if err != nil {
		return nil, err
	}
	for v := range seq {
		if err := d.Append(v); err != nil {
			return nil, errors.Join(err, d.Close())
		}
	}
	if err := d.Flush(); err != nil {
		return nil, errors.Join(err, d.Close())
	}
	return d, nil
}

// restore loads or initializes metadata, replays the index and reopens pages.
func (d *Dataset[T]) restore(o *Options) error {
	metaPath := filepath.Join(d.dir, metadataFileName)
	m, err := loadMetadata(metaPath)
	switch {
	case err == nil:
		if m.PageSize != d.pageSize {
			d.logger.Debug("Using stored page size", "dir", d.dir, "pagesize", m.PageSize, "requested", d.pageSize)
		}
		d.pageSize = m.PageSize
	case errors.Is(err, fs.ErrNotExist):
		if err := saveMetadata(metaPath, models.Metadata{PageSize: d.pageSize}); err != nil {
			return err
		}
	default:
		return err
	}

	if d.index, err = openIndexLog(filepath.Join(d.dir, indexFileName), d.logger); err != nil {
		return err
	}
	size, err := d.index.size()
	if err != nil {
		return err
	}
	if size > 0 {
		if err := d.index.load(o.StrictIndex); err != nil {
			return err
		}
	}
	d.pages, err = openPageStore(d.dir, d.pageSize, o.MaxOpenPages, d.logger)
	return err
}

// release closes every handle and removes a scratch directory.
func (d *Dataset[T]) release() error {
	var errs []error
	if d.index != nil {
		errs = append(errs, d.index.close())
	}
	if d.pages != nil {
		errs = append(errs, d.pages.close())
	}
	if d.ephemeral {
		if err := os.RemoveAll(d.dir); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove scratch directory: %w", err))
		} else {
			d.logger.Debug("Removed scratch dataset", "dir", d.dir)
		}
	}
	return errors.Join(errs...)
}

// Path returns the dataset directory.
func (d *Dataset[T]) Path() string {
	return d.dir
}

// PageSize returns the effective page size.
func (d *Dataset[T]) PageSize() int64 {
	return d.pageSize
}

// Ephemeral reports whether the dataset lives in a scratch directory removed
// by Close.
func (d *Dataset[T]) Ephemeral() bool {
	return d.ephemeral
}

// Len returns the number of records.
func (d *Dataset[T]) Len() int {
	if d.index == nil {
		return 0
	}
	return d.index.len()
}

// Append encodes v and appends it as the last record.
func (d *Dataset[T]) Append(v T) error {
	if d.closed {
		return dberr.Closed("dataset")
	}
	data, err := d.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("failed to encode record %d: %w", d.index.len(), err)
	}
	if err := d.index.prepare(); err != nil {
		return err
	}
	page, offset, err := d.pages.append(data)
	if err != nil {
		return err
	}
	return d.index.append(IndexEntry{Page: page, Offset: offset, Length: uint32(len(data))})
}

// Get returns the record at position i.
func (d *Dataset[T]) Get(i int) (T, error) {
	var zero T
	if d.closed {
		return zero, dberr.Closed("dataset")
	}
	if i < 0 || i >= d.index.len() {
		return zero, dberr.OutOfRange(i, d.index.len())
	}
	data, err := d.pages.read(d.index.entries[i])
	if err != nil {
		return zero, err
	}
	v, err := d.codec.Decode(data)
	if err != nil {
		return zero, fmt.Errorf("failed to decode record %d: %w", i, err)
	}
	return v, nil
}

// Slice returns the records in the half-open range [start, stop).
//
// Bounds are clamped to [0, Len()]; an empty or inverted range returns an
// empty slice. Negative bounds are clamped to 0, they do not count from the
// end.
func (d *Dataset[T]) Slice(start, stop int) ([]T, error) {
	if d.closed {
		return nil, dberr.Closed("dataset")
	}
	n := d.index.len()
	start = min(max(start, 0), n)
	stop = min(max(stop, 0), n)
	out := make([]T, 0, max(stop-start, 0))
	for i := start; i < stop; i++ {
		v, err := d.Get(i)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// All returns an iterator over the records in order. Iteration stops after the
// first error.
func (d *Dataset[T]) All() iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for i := 0; i < d.Len(); i++ {
			v, err := d.Get(i)
			if !yield(v, err) || err != nil {
				return
			}
		}
	}
}

// Flush forces the page files and the index to durable storage.
func (d *Dataset[T]) Flush() error {
	if d.closed {
		return dberr.Closed("dataset")
	}
	if err := d.index.flush(); err != nil {
		return err
	}
	if err := d.pages.sync(); err != nil {
		return err
	}
	return d.index.sync()
}

// Close releases every handle. An ephemeral dataset's directory is removed.
func (d *Dataset[T]) Close() error {
	if d.closed {
		return dberr.Closed("dataset")
	}
	d.closed = true
	return d.release()
}

// Lock blocks until the exclusive advisory lock on the dataset's lock file is
// acquired. Prefer Locked, which cannot leak the lock.
func (d *Dataset[T]) Lock() (*FileLock, error) {
	if d.closed {
		return nil, dberr.Closed("dataset")
	}
	return acquireLock(filepath.Join(d.dir, lockFileName))
}

// Locked runs fn while holding the advisory lock. The lock is released when
// fn returns, fails or panics.
func (d *Dataset[T]) Locked(fn func() error) (err error) {
	l, err := d.Lock()
	if err != nil {
		return err
	}
	defer func() {
		if uerr := l.Unlock(); err == nil {
			err = uerr
		}
	}()
	return fn()
}

// Refresh makes records appended to the directory by other processes visible.
//
// Processes sharing a directory must call it under Locked before appending.
func (d *Dataset[T]) Refresh() error {
	if d.closed {
		return dberr.Closed("dataset")
	}
	added, err := d.index.tail()
	if err != nil {
		return err
	}
	pages, err := d.pages.discover()
	if err != nil {
		return err
	}
	if added != 0 || pages != 0 {
		d.logger.Debug("Refreshed dataset", "dir", d.dir, "records", added, "pages", pages)
	}
	return nil
}

// Info summarizes the dataset layout.
func (d *Dataset[T]) Info() (models.Info, error) {
	if d.closed {
		return models.Info{}, dberr.Closed("dataset")
	}
	sizes, err := d.pages.sizes()
	if err != nil {
		return models.Info{}, err
	}
	counts := make(map[uint32]int, len(sizes))
	for _, e := range d.index.entries {
		counts[e.Page]++
	}
	info := models.Info{
		Path:      d.dir,
		PageSize:  d.pageSize,
		Records:   d.index.len(),
		Ephemeral: d.ephemeral,
		Pages:     make([]models.PageInfo, 0, len(sizes)),
	}
	for _, n := range slices.Sorted(maps.Keys(sizes)) {
		info.Pages = append(info.Pages, models.PageInfo{Number: n, Bytes: sizes[n], Records: counts[n]})
		info.Bytes += sizes[n]
	}
	return info, nil
}

// Verify checks that every index entry lies within an existing page file.
func (d *Dataset[T]) Verify() error {
	if d.closed {
		return dberr.Closed("dataset")
	}
	sizes, err := d.pages.sizes()
	if err != nil {
		return err
	}
	bad := 0
	first := -1
	for i, e := range d.index.entries {
		size, ok := sizes[e.Page]
		if ok && e.end() <= size {
			continue
		}
		if first == -1 {
			first = i
		}
		bad++
	}
	if bad == 0 {
		return nil
	}
	e := d.index.entries[first]
	return dberr.Validation(dberr.ErrCorrupt, fmt.Sprintf("%d of %d index entries point outside the page files", bad, d.index.len())).
		WithDetail("first", first).
		WithDetail("page", e.Page).
		WithDetail("offset", e.Offset).
		WithDetail("length", e.Length)
}
