package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/wptpipe/wptpipe/pkg/types"
)

// WriteTextfile gathers g and writes it in the Prometheus text exposition
// format to path, in the layout node_exporter's textfile collector reads.
// The file is replaced atomically.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("export: gather: %w", err)
	}
	return writeAtomic(path, func(f *os.File) error {
		for _, mf := range families {
			if _, err := expfmt.MetricFamilyToText(f, mf); err != nil {
				return fmt.Errorf("encode %s: %w", mf.GetName(), err)
			}
		}
		return nil
	})
}

// WriteJSON writes snap as indented JSON to path, replacing it atomically.
func WriteJSON(path string, snap types.Snapshot) error {
	return writeAtomic(path, func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	})
}

// writeAtomic writes to a temp file in path's directory and renames it over
// path once write succeeds.
func writeAtomic(path string, write func(*os.File) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("export: create temp: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // no-op after rename

	if err := write(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("export: write %s: %w", path, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("export: chmod %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("export: close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("export: rename %s: %w", path, err)
	}
	return nil
}
