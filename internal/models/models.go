// Package models defines the data structures persisted next to a dataset or
// reported about it.
package models

import "errors"

// DefaultPageSize is the page capacity used when none is configured (1 GiB).
const DefaultPageSize = 1 << 30

// Metadata is the content of metadata.json. It is written once when a dataset
// directory is created and never modified afterward.
type Metadata struct {
	PageSize int64 `json:"pagesize" jsonschema:"minimum=1,description=Nominal capacity of one page file in bytes"`
}

// Validate checks that the metadata is usable.
func (m *Metadata) Validate() error {
	if m.PageSize <= 0 {
		return errors.New("pagesize must be positive")
	}
	if m.PageSize > 1<<32 {
		return errors.New("pagesize must fit 32-bit page offsets")
	}
	return nil
}

// PageInfo describes one page file.
type PageInfo struct {
	Number  uint32 `json:"number"`
	Bytes   int64  `json:"bytes"`
	Records int    `json:"records"`
}

// Info summarizes a dataset.
type Info struct {
	Path      string     `json:"path"`
	PageSize  int64      `json:"pagesize"`
	Records   int        `json:"records"`
	Bytes     int64      `json:"bytes"`
	Ephemeral bool       `json:"ephemeral,omitempty"`
	Pages     []PageInfo `json:"pages"`
}
