// Package catalog exports the accession store as a parquet table for
// downstream analysis.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/withObsrvr/epicov-fetcher/internal/accession"
	"github.com/withObsrvr/epicov-fetcher/internal/util"
)

// SchemaVersion is bumped on breaking column changes. Export stores it in
// the file's key/value metadata under SchemaVersionKey.
const SchemaVersion = "1.0.0"

const SchemaVersionKey = "epicov_fetcher.schema_version"

// AccessionRow is one acquired accession.
type AccessionRow struct {
	Accession string `parquet:"accession"`

	// Parsed from new_seqs_<location>_<date>.csv; empty for other file names.
	Location string `parquet:"location"`
	Date     string `parquet:"date"`

	SourceFile string    `parquet:"source_file"`
	ExportedAt time.Time `parquet:"exported_at,timestamp(millisecond)"`
}

// ParseStoreFileName splits a new-accession file name into location and date.
func ParseStoreFileName(name string) (location, date string, ok bool) {
	if !strings.HasPrefix(name, "new_seqs_") || !strings.HasSuffix(name, ".csv") {
		return "", "", false
	}
	core := strings.TrimSuffix(strings.TrimPrefix(name, "new_seqs_"), ".csv")
	i := strings.LastIndex(core, "_")
	if i <= 0 || i == len(core)-1 {
		return "", "", false
	}
	return core[:i], core[i+1:], true
}

// Rows lists every accession in the store once, attributed to the first
// store file (by name) that holds it. Rows are sorted by accession.
func Rows(store *accession.Store, now time.Time) ([]AccessionRow, error) {
	files, err := store.Files()
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	seen := make(map[string]bool)
	var rows []AccessionRow
	for _, path := range files {
		set, err := accession.ReadSet(path)
		if err != nil {
			return nil, err
		}
		name := filepath.Base(path)
		loc, date, _ := ParseStoreFileName(name)
		for _, id := range set.Sorted() {
			if seen[id] {
				continue
			}
			seen[id] = true
			rows = append(rows, AccessionRow{
				Accession:  id,
				Location:   loc,
				Date:       date,
				SourceFile: name,
				ExportedAt: now.UTC(),
			})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Accession < rows[j].Accession })
	return rows, nil
}

// Export writes the store to a zstd-compressed parquet file at outPath and
// returns the row count.
func Export(store *accession.Store, outPath string) (int, error) {
	rows, err := Rows(store, time.Now())
	if err != nil {
		return 0, err
	}
	if err := util.EnsureDir(filepath.Dir(outPath)); err != nil {
		return 0, fmt.Errorf("create directory for %s: %w", outPath, err)
	}

	tempPath := outPath + ".tmp"
	if err := parquet.WriteFile(tempPath, rows,
		parquet.Compression(&parquet.Zstd),
		parquet.KeyValueMetadata(SchemaVersionKey, SchemaVersion),
	); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("write parquet %s: %w", tempPath, err)
	}
	if err := os.Rename(tempPath, outPath); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("rename %s to %s: %w", tempPath, outPath, err)
	}
	return len(rows), nil
}
