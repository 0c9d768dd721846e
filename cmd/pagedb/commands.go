package main

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/time/rate"

	"github.com/maruel/pagedb/internal/jsonl"
	"github.com/maruel/pagedb/internal/pagedb"
)

// Records are stored as compact JSON.
var recordCodec = pagedb.JSONCodec[json.RawMessage]()

// datasetFlags are shared by every command that opens a dataset. Their
// defaults come from the configuration file.
type datasetFlags struct {
	dir      string
	pageSize int64
	maxOpen  int
	strict   bool
}

func newFlagSet(name string, e *env, df *datasetFlags) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&df.dir, "dir", "", "Dataset directory")
	fs.IntVar(&df.maxOpen, "max-open-pages", e.cfg.MaxOpenPages, "Maximum open page files, 0 for unbounded")
	fs.BoolVar(&df.strict, "strict", e.cfg.StrictIndex, "Fail on a torn index.bin instead of skipping the partial entry")
	df.pageSize = e.cfg.PageSize
	return fs
}

func parseFlags(fs *flag.FlagSet, df *datasetFlags, args []string, maxArgs int) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if df.dir == "" {
		return errors.New("-dir is required")
	}
	if fs.NArg() > maxArgs {
		return fmt.Errorf("unknown arguments: %v", fs.Args()[maxArgs:])
	}
	return nil
}

func (df *datasetFlags) options(e *env) *pagedb.Options {
	return &pagedb.Options{
		PageSize:     df.pageSize,
		MaxOpenPages: df.maxOpen,
		StrictIndex:  df.strict,
		Logger:       e.logger,
	}
}

func openDataset(e *env, df *datasetFlags) (*pagedb.Dataset[json.RawMessage], error) {
	return pagedb.Open(df.dir, recordCodec, df.options(e))
}

func cmdImport(ctx context.Context, e *env, args []string) (err error) {
	var df datasetFlags
	fs := newFlagSet("import", e, &df)
	fs.Int64Var(&df.pageSize, "pagesize", e.cfg.PageSize, "Page size in bytes when creating the dataset")
	if err := parseFlags(fs, &df, args, 1); err != nil {
		return err
	}
	in := e.stdin
	if fs.NArg() == 1 && fs.Arg(0) != "-" {
		f, err := os.Open(fs.Arg(0))
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		in = f
	}
	d, err := pagedb.New(df.dir, recordCodec, df.options(e))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := d.Close(); err == nil {
			err = cerr
		}
	}()
	start := 0
	err = d.Locked(func() error {
		if err := d.Refresh(); err != nil {
			return err
		}
		start = d.Len()
		for raw, err := range jsonl.Read(in) {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := d.Append(raw); err != nil {
				return err
			}
		}
		return d.Flush()
	})
	if err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "Imported", "dir", d.Path(), "records", d.Len()-start, "total", d.Len())
	return nil
}

func cmdExport(ctx context.Context, e *env, args []string) error {
	var df datasetFlags
	fs := newFlagSet("export", e, &df)
	start := fs.Int("start", 0, "First record")
	stop := fs.Int("stop", -1, "Record after the last one, -1 for the end")
	perSec := fs.Float64("rate", e.cfg.ExportRate, "Records per second, 0 for unlimited")
	if err := parseFlags(fs, &df, args, 0); err != nil {
		return err
	}
	if *perSec < 0 {
		return errors.New("-rate must be non-negative")
	}
	d, err := openDataset(e, &df)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	end := d.Len()
	if *stop >= 0 && *stop < end {
		end = *stop
	}
	var lim *rate.Limiter
	if *perSec > 0 {
		lim = rate.NewLimiter(rate.Limit(*perSec), 1)
	}
	w := jsonl.NewWriter(e.stdout)
	for i := max(*start, 0); i < end; i++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return errors.Join(err, w.Flush())
			}
		} else if err := ctx.Err(); err != nil {
			return errors.Join(err, w.Flush())
		}
		raw, err := d.Get(i)
		if err != nil {
			return errors.Join(err, w.Flush())
		}
		if err := w.WriteRaw(raw); err != nil {
			return err
		}
	}
	return w.Flush()
}

func cmdGet(ctx context.Context, e *env, args []string) error {
	var df datasetFlags
	fs := newFlagSet("get", e, &df)
	index := fs.Int("index", 0, "Record to print")
	if err := parseFlags(fs, &df, args, 0); err != nil {
		return err
	}
	d, err := openDataset(e, &df)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	raw, err := d.Get(*index)
	if err != nil {
		return err
	}
	w := jsonl.NewWriter(e.stdout)
	if err := w.WriteRaw(raw); err != nil {
		return err
	}
	return w.Flush()
}

func cmdInfo(ctx context.Context, e *env, args []string) error {
	var df datasetFlags
	fs := newFlagSet("info", e, &df)
	if err := parseFlags(fs, &df, args, 0); err != nil {
		return err
	}
	d, err := openDataset(e, &df)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	info, err := d.Info()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(e.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}

func cmdVerify(ctx context.Context, e *env, args []string) error {
	var df datasetFlags
	fs := newFlagSet("verify", e, &df)
	if err := parseFlags(fs, &df, args, 0); err != nil {
		return err
	}
	d, err := openDataset(e, &df)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	if err := d.Verify(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(e.stdout, "ok: %d records\n", d.Len())
	return err
}

// cmdDigest hashes the encoded records, each prefixed with its length, so two
// datasets with the same records but different page sizes match.
func cmdDigest(ctx context.Context, e *env, args []string) error {
	var df datasetFlags
	fs := newFlagSet("digest", e, &df)
	if err := parseFlags(fs, &df, args, 0); err != nil {
		return err
	}
	d, err := pagedb.Open(df.dir, pagedb.BytesCodec(), df.options(e))
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	h, err := blake2b.New256(nil)
	if err != nil {
		return err
	}
	var prefix [8]byte
	n := 0
	for b, err := range d.All() {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(prefix[:], uint64(len(b)))
		_, _ = h.Write(prefix[:])
		_, _ = h.Write(b)
		n++
	}
	_, err = fmt.Fprintf(e.stdout, "%s  %d records\n", hex.EncodeToString(h.Sum(nil)), n)
	return err
}

// cmdWatch prints records appended after it starts until ctx is canceled.
func cmdWatch(ctx context.Context, e *env, args []string) error {
	var df datasetFlags
	fs := newFlagSet("watch", e, &df)
	from := fs.Int("from", -1, "First record to print, -1 for only new records")
	if err := parseFlags(fs, &df, args, 0); err != nil {
		return err
	}
	d, err := openDataset(e, &df)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	// Watch the directory: index.bin is appended to, page files are created.
	if err := w.Add(df.dir); err != nil {
		return err
	}
	next := d.Len()
	if *from >= 0 {
		next = min(*from, next)
	}
	out := jsonl.NewWriter(e.stdout)
	emit := func() error {
		if err := d.Refresh(); err != nil {
			return err
		}
		for ; next < d.Len(); next++ {
			raw, err := d.Get(next)
			if err != nil {
				return err
			}
			if err := out.WriteRaw(raw); err != nil {
				return err
			}
		}
		return out.Flush()
	}
	if err := emit(); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "Watching", "dir", d.Path(), "records", d.Len())
	if e.watching != nil {
		e.watching()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if err := emit(); err != nil {
					return err
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			e.logger.WarnContext(ctx, "Error watching dataset", "err", err)
		}
	}
}

func cmdSchema(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("schema", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("unknown arguments: %v", fs.Args())
	}
	b, err := pagedb.MetadataSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(e.stdout, "%s\n", b)
	return err
}
