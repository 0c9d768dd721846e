// Provides a serializable handle to a persisted dataset.

package pagedb

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	dberr "github.com/maruel/pagedb/internal/errors"
)

// Ref is a serializable reference to a persisted dataset. It lets another
// process, or a later run, reopen the same directory with OpenRef.
type Ref struct {
	Path string `json:"path"`
}

// Ref returns a reference to the dataset.
//
// It fails for an ephemeral dataset, whose directory does not outlive Close.
func (d *Dataset[T]) Ref() (Ref, error) {
	if d.ephemeral {
		return Ref{}, dberr.State(dberr.ErrEphemeral, "cannot reference an ephemeral dataset").WithDetail("path", d.dir)
	}
	p, err := filepath.Abs(d.dir)
	if err != nil {
		return Ref{}, fmt.Errorf("failed to resolve dataset path: %w", err)
	}
	return Ref{Path: p}, nil
}

// MarshalJSON implements json.Marshaler by serializing the dataset's Ref.
func (d *Dataset[T]) MarshalJSON() ([]byte, error) {
	ref, err := d.Ref()
	if err != nil {
		return nil, err
	}
	return json.Marshal(ref)
}

// OpenRef reopens the dataset referenced by ref.
func OpenRef[T any](ref Ref, codec Codec[T], opts *Options) (*Dataset[T], error) {
	return Open(ref.Path, codec, opts)
}
