// Package batch splits new accessions into selections that fit the upstream
// per-request limit and writes each selection to the file the operator
// uploads.
package batch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/withObsrvr/epicov-fetcher/internal/accession"
)

const (
	// DefaultLimit is the upstream cap on records per download request.
	DefaultLimit = 10000

	// SelectionFileName is the fixed name of the selection artifact. It is
	// overwritten on every batch so a stale selection is never reused.
	SelectionFileName = "temp_selection"
)

// ErrInvalidLimit is returned for a non-positive batch limit.
var ErrInvalidLimit = errors.New("batch limit must be positive")

// Batch is one contiguous slice of the stably ordered new-accession list.
type Batch struct {
	Index int
	IDs   []string
}

// Size returns the number of accessions in the batch.
func (b Batch) Size() int { return len(b.IDs) }

// Count returns how many batches n accessions need. Zero accessions need
// zero batches and an exact multiple of limit never yields an empty batch.
func Count(n, limit int) int {
	if n <= 0 || limit <= 0 {
		return 0
	}
	return (n + limit - 1) / limit
}

// Plan slices ids into batches of at most limit entries. The final batch
// runs to the end of ids so nothing is dropped.
func Plan(ids []string, limit int) ([]Batch, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLimit, limit)
	}
	count := Count(len(ids), limit)
	batches := make([]Batch, 0, count)
	for i := 0; i < count; i++ {
		start := i * limit
		end := start + limit
		if i == count-1 {
			end = len(ids)
		}
		batches = append(batches, Batch{Index: i, IDs: ids[start:end]})
	}
	return batches, nil
}

// PlanSet plans batches over the sorted view of set.
func PlanSet(set accession.Set, limit int) ([]Batch, error) {
	return Plan(set.Sorted(), limit)
}

// Materialize writes the batch to dir/SelectionFileName, one id per line.
// Any existing selection is deleted first so file pickers that sort by mtime
// show it as new.
func Materialize(b Batch, dir string) (string, error) {
	path := filepath.Join(dir, SelectionFileName)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("remove stale selection %s: %w", path, err)
	}
	if err := accession.WriteIDs(path, b.IDs); err != nil {
		return "", fmt.Errorf("write selection %d: %w", b.Index, err)
	}
	return path, nil
}
