// Package manifest records what a run acquired: every verified artifact with
// its checksum, and which accession files were persisted to the store.
package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/withObsrvr/epicov-fetcher/internal/util"
)

var (
	// ErrNoManifest is returned when a manifest file does not exist.
	ErrNoManifest = errors.New("no manifest found")
)

// RunManifest is the record of one run.
type RunManifest struct {
	RunID      string     `json:"run_id"`
	Date       string     `json:"date"`
	Kinds      []string   `json:"kinds"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at,omitempty"`
	Complete   bool       `json:"complete"`
	EPISet     string     `json:"episet_file,omitempty"`
	Locations  []Location `json:"locations"`
	Artifacts  []Artifact `json:"artifacts"`
	Persisted  []string   `json:"persisted,omitempty"`

	mu sync.Mutex
}

// Location summarizes reconciliation for one location.
type Location struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Snapshot string `json:"snapshot"`
	Upstream int    `json:"upstream"`
	New      int    `json:"new"`
	Batches  int    `json:"batches"`
}

// Artifact describes one file in the metadata directory.
type Artifact struct {
	Location string    `json:"location"`
	Batch    int       `json:"batch"`
	Kind     string    `json:"kind"`
	Label    string    `json:"label"`
	Path     string    `json:"path"`
	Checksum string    `json:"checksum"`
	Bytes    int64     `json:"bytes"`
	Skipped  bool      `json:"skipped,omitempty"`
	At       time.Time `json:"at"`
}

// New starts a manifest.
func New(runID, date string, kinds []string) *RunManifest {
	return &RunManifest{
		RunID:     runID,
		Date:      date,
		Kinds:     append([]string(nil), kinds...),
		StartedAt: time.Now().UTC(),
	}
}

func (m *RunManifest) AddLocation(l Location) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Locations = append(m.Locations, l)
}

func (m *RunManifest) AddArtifact(a Artifact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	m.Artifacts = append(m.Artifacts, a)
}

func (m *RunManifest) AddPersisted(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Persisted = append(m.Persisted, path)
}

// Finish marks the run complete.
func (m *RunManifest) Finish() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Complete = true
	m.FinishedAt = time.Now().UTC()
}

// FileName is run_<date>_<runid>.json.
func (m *RunManifest) FileName() string {
	return fmt.Sprintf("run_%s_%s.json", m.Date, m.RunID)
}

// ComputeChecksum computes SHA256 checksum of data.
func ComputeChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// FileChecksum streams path through SHA256 and returns the checksum and size.
func FileChecksum(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), n, nil
}

// Manager handles manifest persistence.
type Manager interface {
	// Save persists the manifest, replacing any earlier save of the same run.
	Save(ctx context.Context, m *RunManifest) error

	// Path is where Save writes m, or "" when manifests are disabled.
	Path(m *RunManifest) string
}

// Config configures the manifest manager.
type Config struct {
	Enabled bool
	Dir     string
}

// NewManager creates a manifest manager based on configuration.
func NewManager(cfg Config) (Manager, error) {
	if !cfg.Enabled {
		return &noopManager{}, nil
	}
	if err := util.EnsureDir(cfg.Dir); err != nil {
		return nil, fmt.Errorf("create manifest directory %s: %w", cfg.Dir, err)
	}
	return &fileManager{dir: cfg.Dir}, nil
}

type fileManager struct {
	dir string
}

func (f *fileManager) Path(m *RunManifest) string {
	return filepath.Join(f.dir, m.FileName())
}

func (f *fileManager) Save(ctx context.Context, m *RunManifest) error {
	m.mu.Lock()
	data, err := json.MarshalIndent(m, "", "  ")
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := util.WriteFileAtomic(f.Path(m), data); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// Load reads a manifest file.
func Load(path string) (*RunManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoManifest
		}
		return nil, fmt.Errorf("read manifest file: %w", err)
	}
	var m RunManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest file: %w", err)
	}
	return &m, nil
}

// noopManager is used when manifests are disabled.
type noopManager struct{}

func (noopManager) Save(ctx context.Context, m *RunManifest) error { return nil }
func (noopManager) Path(m *RunManifest) string                     { return "" }
