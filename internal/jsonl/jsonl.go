// Package jsonl streams JSON Lines files.
//
// Each line holds one JSON value. Blank lines are skipped on read.
package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"iter"
)

// MaxLineSize is the largest line Read accepts.
const MaxLineSize = 64 << 20

// Read returns an iterator over the lines of r. Each value is validated as
// JSON and yielded verbatim with surrounding whitespace trimmed. Iteration
// stops at the first error.
func Read(r io.Reader) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
		line := 0
		for scanner.Scan() {
			line++
			b := bytes.TrimSpace(scanner.Bytes())
			if len(b) == 0 {
				continue
			}
			if !json.Valid(b) {
				yield(nil, fmt.Errorf("line %d: invalid JSON", line))
				return
			}
			// The scanner reuses its buffer.
			if !yield(json.RawMessage(bytes.Clone(b)), nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(nil, fmt.Errorf("failed to read line %d: %w", line+1, err))
		}
	}
}

// Writer writes one compact JSON value per line. Call Flush when done.
type Writer struct {
	w   *bufio.Writer
	buf bytes.Buffer
}

// NewWriter returns a Writer buffering output to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// WriteRaw writes an already encoded value, compacting it onto one line.
func (w *Writer) WriteRaw(raw json.RawMessage) error {
	w.buf.Reset()
	if err := json.Compact(&w.buf, raw); err != nil {
		return fmt.Errorf("failed to compact row: %w", err)
	}
	w.buf.WriteByte('\n')
	if _, err := w.w.Write(w.buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write row: %w", err)
	}
	return nil
}

// Flush writes buffered lines to the underlying writer.
func (w *Writer) Flush() error {
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush writer: %w", err)
	}
	return nil
}
