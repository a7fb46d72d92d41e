// Package accession keeps track of which database records have already been
// retrieved. The store is a directory of flat files, one accession id per
// line, written once per session and never rewritten; the acquired set is the
// union of every file in it.
package accession

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/withObsrvr/epicov-fetcher/internal/util"
)

var (
	// ErrMissingUpstreamSnapshot is returned when the snapshot file a diff
	// depends on does not exist.
	ErrMissingUpstreamSnapshot = errors.New("upstream snapshot not found")
)

// metadataFiles are OS droppings that must never be read as accession lists.
var metadataFiles = map[string]bool{
	".DS_Store":   true,
	"Thumbs.db":   true,
	"desktop.ini": true,
	".localized":  true,
}

func isMetadataFile(name string) bool {
	return metadataFiles[name] || strings.HasPrefix(name, "._")
}

// Store is the on-disk record of accessions acquired in prior sessions.
type Store struct {
	dir string
	log *slog.Logger
}

// NewStore opens (creating if needed) the store directory.
func NewStore(dir string) (*Store, error) {
	if err := util.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("create accession store %s: %w", dir, err)
	}
	return &Store{
		dir: dir,
		log: slog.With("component", "accession_store"),
	}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// Files lists the regular files that make up the store, skipping OS metadata.
func (s *Store) Files() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read accession store %s: %w", s.dir, err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() || isMetadataFile(entry.Name()) {
			continue
		}
		files = append(files, filepath.Join(s.dir, entry.Name()))
	}
	return files, nil
}

// LoadAcquired unions every store file into one set.
func (s *Store) LoadAcquired() (Set, error) {
	files, err := s.Files()
	if err != nil {
		return nil, err
	}
	acquired := make(Set)
	for _, path := range files {
		set, err := ReadSet(path)
		if err != nil {
			return nil, err
		}
		acquired.Union(set)
	}
	s.log.Debug("loaded acquired accessions", "files", len(files), "accessions", acquired.Len())
	return acquired, nil
}

// LoadUpstream reads an upstream snapshot. A missing file is reported as
// ErrMissingUpstreamSnapshot.
func LoadUpstream(path string) (Set, error) {
	set, err := ReadSet(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissingUpstreamSnapshot, path)
		}
		return nil, err
	}
	return set, nil
}

// Reconcile computes the accessions in the snapshot that the store does not
// hold yet.
func (s *Store) Reconcile(snapshotPath string) (upstream, fresh Set, err error) {
	upstream, err = LoadUpstream(snapshotPath)
	if err != nil {
		return nil, nil, err
	}
	acquired, err := s.LoadAcquired()
	if err != nil {
		return nil, nil, err
	}
	fresh = DiffNew(upstream, acquired)
	s.log.Info("reconciled snapshot",
		"snapshot", snapshotPath,
		"upstream", upstream.Len(),
		"acquired", acquired.Len(),
		"new", fresh.Len(),
	)
	return upstream, fresh, nil
}

// Persist moves a file of newly acquired accessions into the store. A missing
// file means nothing new was produced and is not an error. It reports whether
// a file was moved. Callers invoke it only after every artifact for the
// accessions in the file has been verified.
func (s *Store) Persist(newSeqsFile string) (bool, error) {
	if !util.FileExists(newSeqsFile) {
		s.log.Debug("nothing to persist", "file", newSeqsFile)
		return false, nil
	}
	dest := filepath.Join(s.dir, filepath.Base(newSeqsFile))
	if err := util.MoveFile(newSeqsFile, dest); err != nil {
		return false, fmt.Errorf("persist %s: %w", newSeqsFile, err)
	}
	s.log.Info("persisted new accessions", "from", newSeqsFile, "to", dest)
	return true, nil
}
