// Persists the dataset configuration in metadata.json.

package pagedb

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"
	dberr "github.com/maruel/pagedb/internal/errors"
	"github.com/maruel/pagedb/internal/models"
)

// loadMetadata reads metadata.json. A missing file is returned as is so the
// caller can test it with fs.ErrNotExist.
func loadMetadata(path string) (models.Metadata, error) {
	var m models.Metadata
	data, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("failed to read metadata: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, dberr.Validation(dberr.ErrInvalidMetadata, "failed to parse "+path).Wrap(err)
	}
	if err := m.Validate(); err != nil {
		return m, dberr.Validation(dberr.ErrInvalidMetadata, "invalid "+path).Wrap(err)
	}
	return m, nil
}

// saveMetadata writes metadata.json atomically.
func saveMetadata(path string, m models.Metadata) error {
	if err := m.Validate(); err != nil {
		return dberr.Validation(dberr.ErrInvalidMetadata, "invalid metadata").Wrap(err)
	}
	data, err := json.Marshal(&m)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	f, err := os.CreateTemp(filepath.Dir(path), ".metadata-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := f.Name()
	if _, err := f.Write(data); err != nil {
		return errors.Join(fmt.Errorf("failed to write metadata: %w", err), f.Close(), os.Remove(tmpPath))
	}
	if err := f.Close(); err != nil {
		return errors.Join(fmt.Errorf("failed to close temp file: %w", err), os.Remove(tmpPath))
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Join(fmt.Errorf("failed to rename metadata to final location: %w", err), os.Remove(tmpPath))
	}
	return nil
}

// MetadataSchema returns the JSON Schema describing metadata.json.
func MetadataSchema() ([]byte, error) {
	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	schema := r.Reflect(&models.Metadata{})
	schema.Title = "pagedb metadata.json"
	return json.MarshalIndent(schema, "", "  ")
}
