package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/maruel/pagedb/internal/models"
)

func TestLoad(t *testing.T) {
	write := func(t *testing.T, content string) string {
		t.Helper()
		p := filepath.Join(t.TempDir(), "pagedb.yaml")
		if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
		return p
	}

	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load("")
		if err != nil {
			t.Fatal(err)
		}
		if cfg.PageSize != models.DefaultPageSize || cfg.Level() != slog.LevelInfo {
			t.Errorf("Load(\"\") = %+v", cfg)
		}
	})

	t.Run("file", func(t *testing.T) {
		cfg, err := Load(write(t, "log_level: debug\npage_size: 4096\nmax_open_pages: 8\nstrict_index: true\nexport_rate: 2.5\n"))
		if err != nil {
			t.Fatal(err)
		}
		want := Config{LogLevel: "debug", PageSize: 4096, MaxOpenPages: 8, StrictIndex: true, ExportRate: 2.5}
		if *cfg != want {
			t.Errorf("Load() = %+v, want %+v", *cfg, want)
		}
		if cfg.Level() != slog.LevelDebug {
			t.Errorf("Level() = %v", cfg.Level())
		}
	})

	t.Run("partial keeps defaults", func(t *testing.T) {
		cfg, err := Load(write(t, "max_open_pages: 3\n"))
		if err != nil {
			t.Fatal(err)
		}
		if cfg.PageSize != models.DefaultPageSize || cfg.LogLevel != "info" || cfg.MaxOpenPages != 3 {
			t.Errorf("Load() = %+v", cfg)
		}
	})

	t.Run("empty file", func(t *testing.T) {
		if _, err := Load(write(t, "")); err != nil {
			t.Errorf("Load() error = %v", err)
		}
	})

	t.Run("missing", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("Load() error = %v, want not exist", err)
		}
	})

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"unknown key", "pagesize: 10\n", "pagesize"},
		{"bad level", "log_level: loud\n", "log_level"},
		{"zero page size", "page_size: 0\n", "page_size"},
		{"negative handles", "max_open_pages: -1\n", "max_open_pages"},
		{"negative rate", "export_rate: -1\n", "export_rate"},
		{"not yaml", "[", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(write(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
