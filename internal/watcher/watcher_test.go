package watcher

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
}

func fastOptions(fsnotify bool) Options {
	return Options{
		PollInterval:   10 * time.Millisecond,
		NoticeInterval: 20 * time.Millisecond,
		UseFSNotify:    fsnotify,
	}
}

type awaitResult struct {
	path string
	err  error
}

func startAwait(ctx context.Context, w *Watcher, dir, suffix string) <-chan awaitResult {
	ch := make(chan awaitResult, 1)
	go func() {
		p, err := w.Await(ctx, dir, suffix)
		ch <- awaitResult{p, err}
	}()
	return ch
}

// waitStarted gives Await time to take its baseline.
func waitStarted() { time.Sleep(50 * time.Millisecond) }

func TestMatch(t *testing.T) {
	base := Snapshot{"old.csv": {}}

	tests := []struct {
		name string
		cur  Snapshot
		want string
		ok   bool
	}{
		{"nothing new", Snapshot{"old.csv": {}}, "", false},
		{"one match", Snapshot{"old.csv": {}, "new.fasta": {}}, "new.fasta", true},
		{"wrong suffix", Snapshot{"old.csv": {}, "new.fasta.part": {}}, "", false},
		{"two new", Snapshot{"old.csv": {}, "a.fasta": {}, "b.fasta": {}}, "", false},
		{"baseline entry removed", Snapshot{"new.fasta": {}}, "new.fasta", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Match(base, tt.cur, ".fasta")
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAwaitFindsSingleArrival(t *testing.T) {
	for _, useNotify := range []bool{false, true} {
		dir := t.TempDir()
		touch(t, filepath.Join(dir, "existing.fasta"))

		var mu sync.Mutex
		var observed []string
		opts := fastOptions(useNotify)
		opts.Observe = func(suffix string, _ time.Duration) {
			mu.Lock()
			observed = append(observed, suffix)
			mu.Unlock()
		}
		w := New(opts)
		res := startAwait(context.Background(), w, dir, ".fasta")
		waitStarted()

		touch(t, filepath.Join(dir, "download.fasta"))

		select {
		case r := <-res:
			require.NoError(t, r.err)
			assert.Equal(t, filepath.Join(dir, "download.fasta"), r.path)
		case <-time.After(5 * time.Second):
			t.Fatal("arrival not detected")
		}
		mu.Lock()
		assert.Equal(t, []string{".fasta"}, observed)
		mu.Unlock()
	}
}

func TestAwaitToleratesPartialFiles(t *testing.T) {
	dir := t.TempDir()
	w := New(fastOptions(false))
	res := startAwait(context.Background(), w, dir, ".tsv")
	waitStarted()

	// a partial marker alongside the real file is two entries: keep waiting
	partial := filepath.Join(dir, "meta.tsv.part")
	touch(t, partial)
	touch(t, filepath.Join(dir, "meta.tsv"))
	waitStarted()
	select {
	case r := <-res:
		t.Fatalf("accepted ambiguous state: %+v", r)
	default:
	}

	require.NoError(t, os.Remove(partial))

	select {
	case r := <-res:
		require.NoError(t, r.err)
		assert.Equal(t, "meta.tsv", filepath.Base(r.path))
	case <-time.After(5 * time.Second):
		t.Fatal("arrival not detected after partial removed")
	}
}

func TestAwaitIgnoresWrongSuffix(t *testing.T) {
	dir := t.TempDir()
	w := New(fastOptions(false))
	ctx, cancel := context.WithCancel(context.Background())
	res := startAwait(ctx, w, dir, ".pdf")
	waitStarted()

	touch(t, filepath.Join(dir, "wrong.csv"))
	time.Sleep(100 * time.Millisecond)
	cancel()

	r := <-res
	assert.True(t, errors.Is(r.err, context.Canceled))
	assert.Empty(t, r.path)
}

func TestAwaitMissingDir(t *testing.T) {
	w := New(fastOptions(false))
	_, err := w.Await(context.Background(), filepath.Join(t.TempDir(), "nope"), ".csv")
	assert.Error(t, err)
}

func TestClaim(t *testing.T) {
	src := filepath.Join(t.TempDir(), "download.fasta")
	touch(t, src)
	dest := filepath.Join(t.TempDir(), "out", "gisaid_NC_2024-01-01.0.fasta")

	require.NoError(t, Claim(src, dest))
	assert.FileExists(t, dest)
	assert.NoFileExists(t, src)
}

func TestClaimConflict(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "download.fasta")
	dest := filepath.Join(dir, "target.fasta")
	touch(t, src)
	touch(t, dest)

	err := Claim(src, dest)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRenameConflict))
	assert.FileExists(t, src)
}

// lockedBuffer is written by the Await goroutine and read by the test.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAwaitLogsStillWaiting(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	logs := &lockedBuffer{}
	slog.SetDefault(slog.New(slog.NewJSONHandler(logs, nil)))

	dir := t.TempDir()
	touch(t, filepath.Join(dir, "old.csv"))

	w := New(Options{PollInterval: 10 * time.Millisecond, NoticeInterval: 15 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := startAwait(ctx, w, dir, ".fasta")

	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), `"msg":"still waiting"`)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	res := <-ch
	assert.True(t, errors.Is(res.err, context.Canceled))

	out := logs.String()
	assert.Contains(t, out, `"suffix":".fasta"`)
	assert.Contains(t, out, `"previous_files":1`)
}

func TestAwaitSurvivesWatchErrors(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	logs := &lockedBuffer{}
	slog.SetDefault(slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug})))

	dir := t.TempDir()
	events := make(chan fsnotify.Event)
	errs := make(chan error)
	stopped := make(chan struct{})

	// long poll so arrival is only seen through the event channel
	w := New(Options{PollInterval: time.Hour, NoticeInterval: time.Hour, UseFSNotify: true})
	w.watch = func(string) (<-chan fsnotify.Event, <-chan error, func(), error) {
		return events, errs, func() { close(stopped) }, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := startAwait(ctx, w, dir, ".fasta")

	// both sends block until Await's loop receives them
	errs <- errors.New("queue overflow")
	errs <- errors.New("queue overflow again")
	touch(t, filepath.Join(dir, "new.fasta"))
	events <- fsnotify.Event{Name: filepath.Join(dir, "new.fasta"), Op: fsnotify.Create}

	res := <-ch
	require.NoError(t, res.err)
	assert.Equal(t, filepath.Join(dir, "new.fasta"), res.path)
	<-stopped
	assert.Contains(t, logs.String(), `"msg":"fsnotify error"`)
}
