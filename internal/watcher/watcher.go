// Package watcher detects files arriving in a directory that is filled by
// something outside this process, typically a browser saving a download.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/withObsrvr/epicov-fetcher/internal/util"
)

var (
	// ErrRenameConflict is returned by Claim when the destination already exists.
	ErrRenameConflict = errors.New("claim destination already exists")
)

const (
	DefaultPollInterval   = 500 * time.Millisecond
	DefaultNoticeInterval = 60 * time.Second
)

// Options tunes the poll loop.
type Options struct {
	PollInterval   time.Duration
	NoticeInterval time.Duration

	// UseFSNotify wakes the poll loop early on directory events. Detection
	// still happens on snapshots, so a failed watch only costs latency.
	UseFSNotify bool

	// Observe, if set, is called with the expected suffix and the time spent
	// waiting once a file has been found.
	Observe func(suffix string, waited time.Duration)
}

// DefaultOptions returns the standard half-second poll with a notice every
// minute.
func DefaultOptions() Options {
	return Options{
		PollInterval:   DefaultPollInterval,
		NoticeInterval: DefaultNoticeInterval,
		UseFSNotify:    true,
	}
}

// Snapshot is the set of entry names in a directory at one instant.
type Snapshot map[string]struct{}

// Take lists dir. Every entry counts, including directories and partial
// download markers.
func Take(dir string) (Snapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", dir, err)
	}
	s := make(Snapshot, len(entries))
	for _, e := range entries {
		s[e.Name()] = struct{}{}
	}
	return s, nil
}

// Added returns the names present in cur but not in s, sorted.
func (s Snapshot) Added(cur Snapshot) []string {
	var out []string
	for name := range cur {
		if _, ok := s[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Match reports the single added entry if exactly one entry was added since
// baseline and it carries suffix. Anything else is not yet an arrival.
func Match(baseline, cur Snapshot, suffix string) (string, bool) {
	added := baseline.Added(cur)
	if len(added) != 1 {
		return "", false
	}
	if !strings.HasSuffix(added[0], suffix) {
		return "", false
	}
	return added[0], true
}

// Watcher waits for downloads.
type Watcher struct {
	opts  Options
	log   *slog.Logger
	watch watchFunc
}

// watchFunc subscribes to directory events. The returned stop func releases
// the subscription.
type watchFunc func(dir string) (<-chan fsnotify.Event, <-chan error, func(), error)

func fsnotifyWatch(dir string) (<-chan fsnotify.Event, <-chan error, func(), error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, nil, nil, err
	}
	return fw.Events, fw.Errors, func() { fw.Close() }, nil
}

// New creates a Watcher. Zero intervals fall back to the defaults.
func New(opts Options) *Watcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.NoticeInterval <= 0 {
		opts.NoticeInterval = DefaultNoticeInterval
	}
	return &Watcher{
		opts:  opts,
		log:   slog.With("component", "watcher"),
		watch: fsnotifyWatch,
	}
}

// Await blocks until exactly one new entry with the expected suffix appears
// in dir relative to the listing taken on entry, and returns its path. It
// never gives up on its own; only ctx ends the wait early.
func (w *Watcher) Await(ctx context.Context, dir, suffix string) (string, error) {
	baseline, err := Take(dir)
	if err != nil {
		return "", err
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	if w.opts.UseFSNotify {
		ev, er, stop, err := w.watch(dir)
		if err != nil {
			w.log.Warn("fsnotify watch failed, polling only", "dir", dir, "error", err)
		} else {
			defer stop()
			events, errs = ev, er
		}
	}

	w.log.Info("waiting for new file", "dir", dir, "suffix", suffix, "existing", len(baseline))

	start := time.Now()
	poll := time.NewTicker(w.opts.PollInterval)
	defer poll.Stop()
	notice := time.NewTicker(w.opts.NoticeInterval)
	defer notice.Stop()

	current := baseline
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-poll.C:
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			// Detection runs on snapshots; a watch error only delays it.
			w.log.Debug("fsnotify error", "dir", dir, "error", err)
			continue
		case <-notice.C:
			w.log.Info("still waiting",
				"suffix", suffix,
				"elapsed", time.Since(start).Round(time.Second),
				"previous_files", len(baseline),
				"current_files", len(current),
			)
			continue
		}

		current, err = Take(dir)
		if err != nil {
			return "", err
		}
		if name, ok := Match(baseline, current, suffix); ok {
			waited := time.Since(start)
			w.log.Info("file arrived", "file", name, "waited", waited.Round(time.Millisecond))
			if w.opts.Observe != nil {
				w.opts.Observe(suffix, waited)
			}
			return filepath.Join(dir, name), nil
		}
	}
}

// AwaitArtifact satisfies the orchestrator's acquisition interface.
func (w *Watcher) AwaitArtifact(ctx context.Context, dir, suffix string) (string, error) {
	return w.Await(ctx, dir, suffix)
}

// Claim moves a discovered file to its canonical destination.
func Claim(found, dest string) error {
	if _, err := os.Lstat(dest); err == nil {
		return fmt.Errorf("%w: %s", ErrRenameConflict, dest)
	}
	if err := util.EnsureDir(filepath.Dir(dest)); err != nil {
		return err
	}
	if err := util.MoveFile(found, dest); err != nil {
		return fmt.Errorf("claim %s as %s: %w", found, dest, err)
	}
	return nil
}
