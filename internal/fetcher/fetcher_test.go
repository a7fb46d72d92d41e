package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/epicov-fetcher/internal/accession"
	"github.com/withObsrvr/epicov-fetcher/internal/artifact"
	"github.com/withObsrvr/epicov-fetcher/internal/batch"
	"github.com/withObsrvr/epicov-fetcher/internal/manifest"
	"github.com/withObsrvr/epicov-fetcher/internal/metrics"
	"github.com/withObsrvr/epicov-fetcher/internal/operator"
	"github.com/withObsrvr/epicov-fetcher/internal/verify"
)

const testDate = "2024-01-01"

// fakeAcquirer deposits queued contents into the watched directory instead
// of waiting for a browser.
type fakeAcquirer struct {
	mu    sync.Mutex
	queue map[string][]string
	calls []string
	n     int
	fail  map[int]error // call number -> error
}

func newFakeAcquirer() *fakeAcquirer {
	return &fakeAcquirer{queue: map[string][]string{}, fail: map[int]error{}}
}

func (f *fakeAcquirer) deliver(suffix string, contents ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue[suffix] = append(f.queue[suffix], contents...)
}

func (f *fakeAcquirer) AwaitArtifact(ctx context.Context, dir, suffix string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	f.calls = append(f.calls, suffix)
	if err, ok := f.fail[f.n]; ok {
		return "", err
	}
	q := f.queue[suffix]
	if len(q) == 0 {
		return "", fmt.Errorf("unexpected request for %s", suffix)
	}
	f.queue[suffix] = q[1:]
	path := filepath.Join(dir, fmt.Sprintf("download_%d%s", f.n, suffix))
	if err := os.WriteFile(path, []byte(q[0]), 0644); err != nil {
		return "", err
	}
	return path, nil
}

func (f *fakeAcquirer) requested(suffix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == suffix {
			n++
		}
	}
	return n
}

type env struct {
	downloads string
	metaDir   string
	store     *accession.Store
	acq       *fakeAcquirer
	out       bytes.Buffer
	metrics   *metrics.Metrics
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()
	e := &env{
		downloads: filepath.Join(root, "Downloads"),
		metaDir:   filepath.Join(root, "epicov", "gisaid_metadata"),
		acq:       newFakeAcquirer(),
		metrics:   metrics.New(),
	}
	require.NoError(t, os.MkdirAll(e.downloads, 0755))
	store, err := accession.NewStore(filepath.Join(root, "epicov", "accession_info"))
	require.NoError(t, err)
	e.store = store
	return e
}

func (e *env) orchestrator(opts Options, answers string) *Orchestrator {
	opts.Date = testDate
	opts.Downloads = e.downloads
	opts.MetaDir = e.metaDir
	if opts.RunID == "" {
		opts.RunID = "test-run"
	}
	return New(opts, Deps{
		Store:    e.store,
		Acquirer: e.acq,
		Operator: operator.NewGuide(&e.out, strings.NewReader(answers), false),
		Metrics:  e.metrics,
	})
}

func ids(from, to int) []string {
	out := make([]string, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, fmt.Sprintf("EPI_ISL_%d", i))
	}
	return out
}

func lines(ids []string) string {
	return strings.Join(ids, "\n") + "\n"
}

func (e *env) seedStore(t *testing.T, name string, ids []string) {
	t.Helper()
	require.NoError(t, accession.WriteIDs(filepath.Join(e.store.Dir(), name), ids))
}

func (e *env) seedSnapshot(t *testing.T, loc string, ids []string) string {
	t.Helper()
	path := filepath.Join(e.downloads, artifact.SnapshotName(loc, testDate))
	require.NoError(t, accession.WriteIDs(path, ids))
	return path
}

const goodFasta = ">hCoV-19/USA/NC-1/2024\nATGCNNNNATGCatgcun\n"

func tsvFor(spec artifact.Spec) string {
	quoted := make([]string, len(spec.Fields))
	for i, f := range spec.Fields {
		quoted[i] = `"` + f + `"`
	}
	return strings.Join(quoted, "\t") + "\nrow\n"
}

func (e *env) deliverMeta(times int) {
	for i := 0; i < times; i++ {
		for _, spec := range artifact.SpecsFor(artifact.KindMeta) {
			e.acq.deliver(".tsv", tsvFor(spec))
		}
	}
}

func minimalPDF() string {
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>",
	}
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.String()
}

func TestRunEndToEnd(t *testing.T) {
	e := newEnv(t)
	e.seedStore(t, "prior.csv", ids(1, 10))
	e.acq.deliver(".csv", lines(ids(1, 25)))
	e.acq.deliver(".fasta", goodFasta, goodFasta)
	e.deliverMeta(2)

	o := e.orchestrator(Options{
		Locations:   []string{"NC"},
		Kinds:       []artifact.Kind{artifact.KindFASTA, artifact.KindMeta},
		Limit:       10,
		Destination: "lab/epicov",
	}, "")
	res, err := o.Run(context.Background())
	require.NoError(t, err)

	// snapshot claimed under its canonical name
	assert.Equal(t, []string{filepath.Join(e.downloads, artifact.SnapshotName("NC", testDate))}, res.Snapshots)

	// 15 new accessions at limit 10: batch 0 has 10, batch 1 the remaining 5
	for _, b := range []int{0, 1} {
		assert.FileExists(t, filepath.Join(e.metaDir, fmt.Sprintf("gisaid_NC_%s.%d.fasta", testDate, b)))
		assert.FileExists(t, filepath.Join(e.metaDir, fmt.Sprintf("gisaid_date_NC_%s.%d.tsv", testDate, b)))
		assert.FileExists(t, filepath.Join(e.metaDir, fmt.Sprintf("gisaid_pat_NC_%s.%d.tsv", testDate, b)))
		assert.FileExists(t, filepath.Join(e.metaDir, fmt.Sprintf("gisaid_seq_NC_%s.%d.tsv", testDate, b)))
	}
	selection, err := accession.ReadSet(filepath.Join(e.downloads, batch.SelectionFileName))
	require.NoError(t, err)
	assert.Equal(t, 5, selection.Len())

	// store grew by exactly the new accessions, moved out of downloads
	acquired, err := e.store.LoadAcquired()
	require.NoError(t, err)
	assert.Equal(t, 25, acquired.Len())
	persisted := filepath.Join(e.store.Dir(), artifact.NewSeqsName("NC", testDate))
	assert.Equal(t, []string{persisted}, res.Sync.NewFiles)
	assert.NoFileExists(t, filepath.Join(e.downloads, artifact.NewSeqsName("NC", testDate)))
	assert.Equal(t, "lab/epicov", res.Sync.Destination)

	assert.True(t, res.Manifest.Complete)
	assert.Len(t, res.Manifest.Artifacts, 8)
	require.Len(t, res.Manifest.Locations, 1)
	assert.Equal(t, 2, res.Manifest.Locations[0].Batches)
	assert.Equal(t, "North Carolina", res.Manifest.Locations[0].Name)
	assert.Equal(t, 6.0, testutil.ToFloat64(e.metrics.ArtifactsAcquired.WithLabelValues("NC", "meta")))
	assert.Equal(t, 2.0, testutil.ToFloat64(e.metrics.ArtifactsAcquired.WithLabelValues("NC", "fasta")))
	assert.Equal(t, 2.0, testutil.ToFloat64(e.metrics.Batches.WithLabelValues("NC")))
}

func TestInterruptedRunThenRerun(t *testing.T) {
	e := newEnv(t)
	e.seedSnapshot(t, "NC", ids(1, 5))
	e.acq.deliver(".fasta", goodFasta)
	e.acq.deliver(".tsv", tsvFor(artifact.SpecsFor(artifact.KindMeta)[0]))
	// call 1 is the fasta, call 2 the first tsv; the operator quits on call 3
	e.acq.fail[3] = context.Canceled

	o := e.orchestrator(Options{
		Locations: []string{"NC"},
		Kinds:     []artifact.Kind{artifact.KindFASTA, artifact.KindMeta},
	}, "")
	_, err := o.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	// nothing marked acquired
	acquired, err := e.store.LoadAcquired()
	require.NoError(t, err)
	assert.Zero(t, acquired.Len())

	// rerun: only the two missing tables are requested
	e.acq = newFakeAcquirer()
	for _, spec := range artifact.SpecsFor(artifact.KindMeta)[1:] {
		e.acq.deliver(".tsv", tsvFor(spec))
	}
	o = e.orchestrator(Options{
		Locations: []string{"NC"},
		Kinds:     []artifact.Kind{artifact.KindFASTA, artifact.KindMeta},
	}, "")
	res, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{".tsv", ".tsv"}, e.acq.calls)

	skipped := 0
	for _, a := range res.Manifest.Artifacts {
		if a.Skipped {
			skipped++
		}
	}
	assert.Equal(t, 2, skipped)

	acquired, err = e.store.LoadAcquired()
	require.NoError(t, err)
	assert.Equal(t, 5, acquired.Len())
}

func TestRetryOnRejectedFile(t *testing.T) {
	e := newEnv(t)
	e.seedSnapshot(t, "NC", ids(1, 3))
	e.acq.deliver(".fasta", ">rec1\nATGXN\n", "Accession ID\tLocation\n", goodFasta)

	o := e.orchestrator(Options{
		Locations: []string{"NC"},
		Kinds:     []artifact.Kind{artifact.KindFASTA},
	}, "")
	_, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, e.acq.requested(".fasta"))
	data, err := os.ReadFile(filepath.Join(e.metaDir, fmt.Sprintf("gisaid_NC_%s.0.fasta", testDate)))
	require.NoError(t, err)
	assert.Equal(t, goodFasta, string(data))
	assert.Equal(t, 2.0, testutil.ToFloat64(e.metrics.ArtifactsRejected.WithLabelValues("NC", "fasta")))
	assert.Contains(t, e.out.String(), "does not match the typical traits")
}

func TestPolicyGateSkip(t *testing.T) {
	e := newEnv(t)
	e.seedSnapshot(t, "NC", ids(1, 600))
	e.acq.deliver(".fasta", goodFasta)

	o := e.orchestrator(Options{
		Locations: []string{"NC"},
		Kinds:     []artifact.Kind{artifact.KindFASTA, artifact.KindAckno},
	}, "2\n")
	res, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, e.acq.requested(".pdf"))
	assert.False(t, res.EPISet)
	assert.Empty(t, res.EPISetFile)
	assert.Contains(t, e.out.String(), "more than 500 samples")
}

func TestPolicyGateEPISet(t *testing.T) {
	e := newEnv(t)
	snapshot := e.seedSnapshot(t, "NC", ids(1, 600))

	o := e.orchestrator(Options{
		Locations: []string{"NC"},
		Kinds:     []artifact.Kind{artifact.KindAckno},
	}, "1\n")
	res, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, e.acq.calls)
	assert.True(t, res.EPISet)
	want, err := os.ReadFile(snapshot)
	require.NoError(t, err)
	got, err := os.ReadFile(res.EPISetFile)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, filepath.Join(e.downloads, artifact.EPISetName(testDate)), res.EPISetFile)

	// the acknowledgement was the only kind, so nothing was downloaded
	files, err := e.store.Files()
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.Empty(t, res.Sync.NewFiles)
	assert.NoFileExists(t, filepath.Join(e.downloads, artifact.NewSeqsName("NC", testDate)))
}

func TestPolicyGateSkipOnlyKindMarksNothingAcquired(t *testing.T) {
	e := newEnv(t)
	e.seedSnapshot(t, "NC", ids(1, 600))

	o := e.orchestrator(Options{
		Locations: []string{"NC"},
		Kinds:     []artifact.Kind{artifact.KindAckno},
	}, "2\n")
	res, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, e.acq.calls)
	assert.Empty(t, res.Sync.NewFiles)
	acquired, err := e.store.LoadAcquired()
	require.NoError(t, err)
	assert.Zero(t, acquired.Len())

	// a later run offers the same accessions again
	plans, err := DryRun(e.store, e.downloads, testDate, []string{"NC"}, batch.DefaultLimit)
	require.NoError(t, err)
	assert.Equal(t, 600, plans[0].New)
}

func TestPolicyGatePersistsOnlyDownloadedBatches(t *testing.T) {
	e := newEnv(t)
	e.seedSnapshot(t, "NC", ids(1000, 1899))
	e.acq.deliver(".pdf", minimalPDF())

	// 900 new at limit 600: batch 0 is over the acknowledgement limit and is
	// skipped, batch 1 (300) downloads its acknowledgement
	o := e.orchestrator(Options{
		Locations: []string{"NC"},
		Kinds:     []artifact.Kind{artifact.KindAckno},
		Limit:     600,
	}, "2\n")
	_, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, e.acq.requested(".pdf"))

	acquired, err := e.store.LoadAcquired()
	require.NoError(t, err)
	assert.Equal(t, ids(1600, 1899), acquired.Sorted())
}

func TestPolicyGateAbort(t *testing.T) {
	e := newEnv(t)
	e.seedSnapshot(t, "NC", ids(1, 600))

	o := e.orchestrator(Options{
		Locations: []string{"NC"},
		Kinds:     []artifact.Kind{artifact.KindFASTA, artifact.KindAckno},
	}, "3\n")
	_, err := o.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAborted))
	assert.Empty(t, e.acq.calls)

	files, err := e.store.Files()
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestSmallBatchDownloadsAcknowledgement(t *testing.T) {
	e := newEnv(t)
	e.seedSnapshot(t, "NC", ids(1, 20))
	e.acq.deliver(".pdf", "not a pdf", minimalPDF())

	o := e.orchestrator(Options{
		Locations: []string{"NC"},
		Kinds:     []artifact.Kind{artifact.KindAckno},
	}, "")
	_, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, e.acq.requested(".pdf"))
	assert.FileExists(t, filepath.Join(e.metaDir, fmt.Sprintf("gisaid_ackno_NC_%s.0.pdf", testDate)))
}

func TestNoNewAccessions(t *testing.T) {
	e := newEnv(t)
	e.seedStore(t, "prior.csv", ids(1, 5))
	e.seedSnapshot(t, "NC", ids(1, 5))

	o := e.orchestrator(Options{
		Locations: []string{"NC"},
		Kinds:     artifact.AllKinds,
	}, "")
	res, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, e.acq.calls)
	assert.Empty(t, res.Sync.NewFiles)
	assert.NoFileExists(t, filepath.Join(e.downloads, artifact.NewSeqsName("NC", testDate)))
	assert.Contains(t, e.out.String(), "No new seqs available")
}

func TestNoKindsRequestsEPISetOnly(t *testing.T) {
	e := newEnv(t)
	nc := e.seedSnapshot(t, "NC", ids(1, 3))
	sc := e.seedSnapshot(t, "SC", ids(10, 12))

	o := e.orchestrator(Options{
		Locations: []string{"NC", "SC"},
		Kinds:     []artifact.Kind{},
		EPISet:    true,
	}, "")
	res, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{nc, sc}, res.Snapshots)

	// nothing was downloaded, so nothing is persisted
	files, err := e.store.Files()
	require.NoError(t, err)
	assert.Empty(t, files)

	got, err := os.ReadFile(res.EPISetFile)
	require.NoError(t, err)
	assert.Equal(t, lines(append(ids(1, 3), ids(10, 12)...)), string(got))
}

func TestRunWritesManifest(t *testing.T) {
	e := newEnv(t)
	e.seedSnapshot(t, "NC", ids(1, 2))
	e.acq.deliver(".fasta", goodFasta)

	mgr, err := manifest.NewManager(manifest.Config{Enabled: true, Dir: filepath.Join(t.TempDir(), "manifests")})
	require.NoError(t, err)
	o := New(Options{
		RunID:     "run-42",
		Date:      testDate,
		Locations: []string{"NC"},
		Kinds:     []artifact.Kind{artifact.KindFASTA},
		Downloads: e.downloads,
		MetaDir:   e.metaDir,
	}, Deps{
		Store:     e.store,
		Acquirer:  e.acq,
		Operator:  operator.NewGuide(io.Discard, strings.NewReader(""), false),
		Manifests: mgr,
	})
	res, err := o.Run(context.Background())
	require.NoError(t, err)

	loaded, err := manifest.Load(mgr.Path(res.Manifest))
	require.NoError(t, err)
	assert.True(t, loaded.Complete)
	require.Len(t, loaded.Artifacts, 1)
	assert.Equal(t, manifest.ComputeChecksum([]byte(goodFasta)), loaded.Artifacts[0].Checksum)
	assert.Len(t, loaded.Persisted, 1)
}

func TestDryRun(t *testing.T) {
	e := newEnv(t)
	e.seedStore(t, "prior.csv", ids(1, 10))
	e.seedSnapshot(t, "NC", ids(1, 35))

	plans, err := DryRun(e.store, e.downloads, testDate, []string{"NC", "SC"}, 10)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, 35, plans[0].Upstream)
	assert.Equal(t, 25, plans[0].New)
	assert.Equal(t, []int{10, 10, 5}, plans[0].BatchSizes)
	assert.True(t, plans[1].Missing)

	var buf bytes.Buffer
	PrintPlans(&buf, plans)
	assert.Contains(t, buf.String(), "NC\tupstream=35\tnew=25\tbatches=[10 10 5]")
	assert.Contains(t, buf.String(), "SC\tsnapshot missing")
}

func TestVerificationIOErrorLeavesNoTarget(t *testing.T) {
	e := newEnv(t)
	e.seedSnapshot(t, "NC", ids(1, 3))
	e.acq.deliver(".fasta", "garbage not fasta")

	o := e.orchestrator(Options{
		Locations: []string{"NC"},
		Kinds:     []artifact.Kind{artifact.KindFASTA},
	}, "")
	o.verify = func(artifact.Spec, string) (verify.Result, error) {
		return verify.Result{}, fmt.Errorf("%w: disk gone", verify.ErrVerificationIO)
	}
	_, err := o.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, verify.ErrVerificationIO))

	target := filepath.Join(e.metaDir, fmt.Sprintf("gisaid_NC_%s.0.fasta", testDate))
	assert.NoFileExists(t, target)

	// the rerun downloads the artifact again instead of trusting the old file
	e.acq = newFakeAcquirer()
	e.acq.deliver(".fasta", goodFasta)
	o = e.orchestrator(Options{
		Locations: []string{"NC"},
		Kinds:     []artifact.Kind{artifact.KindFASTA},
	}, "")
	_, err = o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, e.acq.requested(".fasta"))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, goodFasta, string(data))
}

func TestCorrectedLocationNamesFiles(t *testing.T) {
	e := newEnv(t)
	e.seedSnapshot(t, "NC", ids(1, 2))
	e.acq.deliver(".fasta", goodFasta)

	o := e.orchestrator(Options{
		Locations: []string{"NCC"},
		Kinds:     []artifact.Kind{artifact.KindFASTA},
	}, "NC\n")
	res, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{filepath.Join(e.downloads, artifact.SnapshotName("NC", testDate))}, res.Snapshots)
	assert.FileExists(t, filepath.Join(e.metaDir, fmt.Sprintf("gisaid_NC_%s.0.fasta", testDate)))
	assert.Equal(t, []string{filepath.Join(e.store.Dir(), artifact.NewSeqsName("NC", testDate))}, res.Sync.NewFiles)
	require.Len(t, res.Manifest.Locations, 1)
	assert.Equal(t, "NC", res.Manifest.Locations[0].Code)
	assert.Equal(t, "North Carolina", res.Manifest.Locations[0].Name)
}
