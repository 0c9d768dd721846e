package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/maruel/pagedb/internal/config"
	"github.com/maruel/pagedb/internal/models"
)

const input = `{"id": 1, "name": "one"}

{"id":2,"name":"two","tags":["a","b"]}
"three"
4
{"id":5,"name":"a somewhat longer record that spills over"}
`

const compacted = `{"id":1,"name":"one"}
{"id":2,"name":"two","tags":["a","b"]}
"three"
4
{"id":5,"name":"a somewhat longer record that spills over"}
`

func newTestEnv(stdin string) (*env, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &env{
		cfg:    config.Default(),
		stdin:  strings.NewReader(stdin),
		stdout: out,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, out
}

func runCmd(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	e, out := newTestEnv(stdin)
	if err := run(t.Context(), e, args); err != nil {
		t.Fatalf("%v: %v", args, err)
	}
	return out.String()
}

func TestImportExport(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ds")
	runCmd(t, input, "import", "-dir", dir, "-pagesize", "32")

	if got := runCmd(t, "", "export", "-dir", dir); got != compacted {
		t.Errorf("export = %q, want %q", got, compacted)
	}
	if got := runCmd(t, "", "export", "-dir", dir, "-start", "1", "-stop", "3"); got != "{\"id\":2,\"name\":\"two\",\"tags\":[\"a\",\"b\"]}\n\"three\"\n" {
		t.Errorf("export range = %q", got)
	}
	if got := runCmd(t, "", "export", "-dir", dir, "-start", "4", "-stop", "100", "-rate", "1000"); !strings.HasPrefix(got, `{"id":5`) {
		t.Errorf("export with rate = %q", got)
	}
	if got := runCmd(t, "", "get", "-dir", dir, "-index", "2"); got != "\"three\"\n" {
		t.Errorf("get = %q", got)
	}

	var info models.Info
	if err := json.Unmarshal([]byte(runCmd(t, "", "info", "-dir", dir)), &info); err != nil {
		t.Fatal(err)
	}
	if info.Records != 5 || info.PageSize != 32 || len(info.Pages) < 2 {
		t.Errorf("info = %+v", info)
	}
	if got := runCmd(t, "", "verify", "-dir", dir); got != "ok: 5 records\n" {
		t.Errorf("verify = %q", got)
	}

	// Appending again goes to the same dataset with its original page size.
	runCmd(t, "6\n", "import", "-dir", dir, "-pagesize", "4096")
	if got := runCmd(t, "", "export", "-dir", dir); got != compacted+"6\n" {
		t.Errorf("export after second import = %q", got)
	}
}

func TestImportFile(t *testing.T) {
	tmp := t.TempDir()
	src := filepath.Join(tmp, "in.jsonl")
	if err := os.WriteFile(src, []byte(input), 0o600); err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(tmp, "ds")
	runCmd(t, "", "import", "-dir", dir, src)
	if got := runCmd(t, "", "export", "-dir", dir); got != compacted {
		t.Errorf("export = %q", got)
	}
}

func TestDigest(t *testing.T) {
	tmp := t.TempDir()
	small := filepath.Join(tmp, "small")
	large := filepath.Join(tmp, "large")
	other := filepath.Join(tmp, "other")
	runCmd(t, input, "import", "-dir", small, "-pagesize", "16")
	runCmd(t, input, "import", "-dir", large)
	runCmd(t, "1\n", "import", "-dir", other)

	a := runCmd(t, "", "digest", "-dir", small)
	b := runCmd(t, "", "digest", "-dir", large)
	c := runCmd(t, "", "digest", "-dir", other)
	if a != b {
		t.Errorf("digest depends on page layout: %q != %q", a, b)
	}
	if a == c {
		t.Errorf("different datasets share digest %q", a)
	}
	if !strings.HasSuffix(a, "  5 records\n") || len(strings.Fields(a)[0]) != 64 {
		t.Errorf("digest = %q", a)
	}
}

func TestSchema(t *testing.T) {
	got := runCmd(t, "", "schema")
	if !strings.Contains(got, `"pagesize"`) {
		t.Errorf("schema = %q", got)
	}
}

func TestErrors(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ds")
	runCmd(t, "1\n", "import", "-dir", dir)
	tests := []struct {
		name  string
		stdin string
		args  []string
	}{
		{"unknown command", "", []string{"frobnicate"}},
		{"missing dir", "", []string{"export"}},
		{"extra args", "", []string{"info", "-dir", dir, "extra"}},
		{"not a dataset", "", []string{"info", "-dir", t.TempDir()}},
		{"out of range", "", []string{"get", "-dir", dir, "-index", "1"}},
		{"invalid json", "{nope\n", []string{"import", "-dir", dir}},
		{"negative rate", "", []string{"export", "-dir", dir, "-rate", "-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEnv(tt.stdin)
			if err := run(t.Context(), e, tt.args); err == nil {
				t.Errorf("run(%v) succeeded", tt.args)
			}
		})
	}
}

// syncBuffer is written by the watch goroutine and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestWatch(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ds")
	runCmd(t, "1\n2\n", "import", "-dir", dir, "-pagesize", "8")

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	e, _ := newTestEnv("")
	out := &syncBuffer{}
	e.stdout = out
	ready := make(chan struct{})
	e.watching = func() { close(ready) }
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, e, []string{"watch", "-dir", dir, "-from", "1"})
	}()
	select {
	case <-ready:
	case err := <-done:
		t.Fatalf("watch exited early: %v", err)
	}

	runCmd(t, "\"three\"\n{\"id\":4}\n", "import", "-dir", dir)
	want := "2\n\"three\"\n{\"id\":4}\n"
	deadline := time.Now().Add(10 * time.Second)
	for out.String() != want && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := out.String(); got != want {
		t.Errorf("watch output = %q, want %q", got, want)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("watch error = %v", err)
	}
}
