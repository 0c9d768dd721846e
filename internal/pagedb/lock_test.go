//go:build unix

package pagedb

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// lockRecord is written by the writer processes of TestLockedProcesses.
type lockRecord struct {
	Writer int    `json:"writer"`
	Seq    int    `json:"seq"`
	Part   int    `json:"part"`
	Pad    string `json:"pad"`
}

const (
	envLockDir    = "PAGEDB_TEST_LOCK_DIR"
	envLockWriter = "PAGEDB_TEST_LOCK_WRITER"
	lockRounds    = 10
)

// isLocked reports whether another open file description holds the lock.
func isLocked(t *testing.T, dir string) bool {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()
	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return true
	}
	if err != nil {
		t.Fatal(err)
	}
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return false
}

func TestLocked(t *testing.T) {
	d, dir := setupDataset(t, JSONCodec[int](), nil)

	t.Run("held during fn", func(t *testing.T) {
		err := d.Locked(func() error {
			if !isLocked(t, dir) {
				t.Error("lock not held inside Locked")
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if isLocked(t, dir) {
			t.Error("lock still held after Locked")
		}
		if _, err := os.Stat(filepath.Join(dir, "lock")); err != nil {
			t.Errorf("lock file missing: %v", err)
		}
	})

	t.Run("released on error", func(t *testing.T) {
		want := errors.New("boom")
		if err := d.Locked(func() error { return want }); !errors.Is(err, want) {
			t.Errorf("Locked error = %v, want %v", err, want)
		}
		if isLocked(t, dir) {
			t.Error("lock still held after error")
		}
	})

	t.Run("released on panic", func(t *testing.T) {
		func() {
			defer func() {
				if r := recover(); r == nil {
					t.Error("expected panic")
				}
			}()
			_ = d.Locked(func() error { panic("boom") })
		}()
		if isLocked(t, dir) {
			t.Error("lock still held after panic")
		}
	})

	t.Run("explicit", func(t *testing.T) {
		l, err := d.Lock()
		if err != nil {
			t.Fatal(err)
		}
		if !isLocked(t, dir) {
			t.Error("lock not held")
		}
		if err := l.Unlock(); err != nil {
			t.Fatal(err)
		}
		if err := l.Unlock(); err != nil {
			t.Errorf("second Unlock error = %v", err)
		}
		if isLocked(t, dir) {
			t.Error("lock still held after Unlock")
		}
	})
}

// TestLockedWriterProcess is the body of a child process started by
// TestLockedProcesses.
func TestLockedWriterProcess(t *testing.T) {
	dir := os.Getenv(envLockDir)
	if dir == "" {
		t.Skip("only runs as a child of TestLockedProcesses")
	}
	writer, err := strconv.Atoi(os.Getenv(envLockWriter))
	if err != nil {
		t.Fatal(err)
	}
	d, err := Open(dir, JSONCodec[lockRecord](), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = d.Close() }()
	for seq := range lockRounds {
		err := d.Locked(func() error {
			if err := d.Refresh(); err != nil {
				return err
			}
			if err := d.Append(lockRecord{Writer: writer, Seq: seq, Part: 0, Pad: "first"}); err != nil {
				return err
			}
			if writer == 0 {
				time.Sleep(20 * time.Millisecond)
			}
			if err := d.Append(lockRecord{Writer: writer, Seq: seq, Part: 1, Pad: "second half"}); err != nil {
				return err
			}
			return d.Flush()
		})
		if err != nil {
			t.Fatalf("writer %d round %d: %v", writer, seq, err)
		}
	}
}

func TestLockedProcesses(t *testing.T) {
	if testing.Short() {
		t.Skip("starts child processes")
	}
	dir := filepath.Join(t.TempDir(), "shared")
	d, err := New(dir, JSONCodec[lockRecord](), &Options{PageSize: 256})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}

	var eg errgroup.Group
	for writer := range 2 {
		eg.Go(func() error {
			cmd := exec.Command(os.Args[0], "-test.run=^TestLockedWriterProcess$", "-test.count=1")
			cmd.Env = append(os.Environ(), envLockDir+"="+dir, envLockWriter+"="+strconv.Itoa(writer))
			if out, err := cmd.CombinedOutput(); err != nil {
				return fmt.Errorf("writer %d: %w\n%s", writer, err, out)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}

	d, err = Open(dir, JSONCodec[lockRecord](), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = d.Close() }()
	if d.Len() != 2*2*lockRounds {
		t.Fatalf("Len() = %d, want %d", d.Len(), 2*2*lockRounds)
	}
	if err := d.Verify(); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	// Each locked section wrote two consecutive records.
	next := map[int]int{}
	for i := 0; i < d.Len(); i += 2 {
		first, err := d.Get(i)
		if err != nil {
			t.Fatal(err)
		}
		second, err := d.Get(i + 1)
		if err != nil {
			t.Fatal(err)
		}
		if first.Part != 0 || second.Part != 1 || first.Writer != second.Writer || first.Seq != second.Seq {
			t.Fatalf("records %d and %d interleaved: %+v %+v", i, i+1, first, second)
		}
		if first.Seq != next[first.Writer] {
			t.Errorf("writer %d round %d out of order, want %d", first.Writer, first.Seq, next[first.Writer])
		}
		next[first.Writer]++
	}

	// No two records share bytes within a page.
	byPage := map[uint32][]IndexEntry{}
	for _, e := range d.index.entries {
		byPage[e.Page] = append(byPage[e.Page], e)
	}
	for page, entries := range byPage {
		sort.Slice(entries, func(i, j int) bool { return entries[i].Offset < entries[j].Offset })
		for i := 1; i < len(entries); i++ {
			if entries[i-1].end() > int64(entries[i].Offset) {
				t.Errorf("page %d: records overlap at offset %d", page, entries[i].Offset)
			}
		}
	}
}
