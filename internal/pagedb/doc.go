// Package pagedb provides an out-of-core, append-only sequence of records
// addressed by position.
//
// # Overview
//
// A [Dataset] stores independently encoded records in a directory. Records are
// written once with [Dataset.Append] and read back by position with
// [Dataset.Get] or [Dataset.Slice] without loading the collection in memory.
// Only the index, 12 bytes per record, is kept in memory.
//
// # File Format
//
//	<dir>/index.bin      repeated 12-byte entries: u32 page, u32 offset, u32 length, little-endian
//	<dir>/metadata.json  {"pagesize": <integer>}
//	<dir>/lock           empty file, target of the advisory lock
//	<dir>/page_00000000  concatenated encoded records
//
// Records are appended to the highest numbered page. When a record would push
// a non-empty page beyond the page size, a new page is started. An empty page
// always accepts the record, so a single record larger than the page size
// occupies a page on its own.
//
// On open, the state is rebuilt from index.bin alone; page file sizes are
// never used to infer record boundaries. A partial entry at the end of
// index.bin is ignored by readers, since another process may still be writing
// it; the next Append removes it.
//
// # Concurrency
//
// A Dataset is not safe for concurrent use by multiple goroutines. Processes
// sharing a directory must wrap their critical sections in [Dataset.Locked]
// and call [Dataset.Refresh] first to observe each other's appends. Readers
// need neither and never modify the directory.
//
// # Lifecycle
//
// A Dataset created without a directory lives in a scratch directory that
// [Dataset.Close] removes. Always pair construction with a deferred Close.
package pagedb
