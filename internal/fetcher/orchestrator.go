// Package fetcher drives a download session: for each location it obtains
// the upstream snapshot, reconciles it against the accession store, walks
// the operator through every batch and artifact, verifies what arrives, and
// only then records the new accessions as acquired.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/withObsrvr/epicov-fetcher/internal/accession"
	"github.com/withObsrvr/epicov-fetcher/internal/artifact"
	"github.com/withObsrvr/epicov-fetcher/internal/batch"
	"github.com/withObsrvr/epicov-fetcher/internal/location"
	"github.com/withObsrvr/epicov-fetcher/internal/logging"
	"github.com/withObsrvr/epicov-fetcher/internal/manifest"
	"github.com/withObsrvr/epicov-fetcher/internal/metrics"
	"github.com/withObsrvr/epicov-fetcher/internal/transfer"
	"github.com/withObsrvr/epicov-fetcher/internal/util"
	"github.com/withObsrvr/epicov-fetcher/internal/verify"
	"github.com/withObsrvr/epicov-fetcher/internal/watcher"
)

var (
	// ErrAborted is returned when the operator cancels the run.
	ErrAborted = errors.New("run aborted by operator")
)

// Acquirer blocks until a file with suffix appears in dir and returns it.
// The watcher implements it against the real downloads directory; tests
// substitute one that writes files itself.
type Acquirer interface {
	AwaitArtifact(ctx context.Context, dir, suffix string) (string, error)
}

// Operator is the human side of the session.
type Operator interface {
	Chooser
	location.Asker
	Section(title string)
	Note(format string, args ...any)
	Warn(format string, args ...any)
	Click(item string)
	ClickKind(item, kind string)
	Fill(field, value string)
	Pause() error
	ContinueHere(indicator string)
}

// Options is the run-scoped configuration the orchestrator needs.
type Options struct {
	RunID     string
	Date      string
	Locations []string
	Kinds     []artifact.Kind
	EPISet    bool

	Downloads string // watched by the acquirer
	MetaDir   string // receives renamed artifacts

	Limit    int
	AckLimit int

	// Destination is the remote directory recorded in the sync state.
	Destination string
}

// Deps are the collaborators of an orchestrator. Manifests and Metrics may
// be nil.
type Deps struct {
	Store     *accession.Store
	Acquirer  Acquirer
	Operator  Operator
	Manifests manifest.Manager
	Metrics   *metrics.Metrics
}

// Result is what a completed run produced.
type Result struct {
	Manifest   *manifest.RunManifest
	Sync       transfer.SyncState
	Snapshots  []string
	EPISet     bool
	EPISetFile string
}

// Orchestrator runs one download session.
type Orchestrator struct {
	opts      Options
	store     *accession.Store
	acq       Acquirer
	op        Operator
	manifests manifest.Manager
	metrics   *metrics.Metrics
	verify    func(artifact.Spec, string) (verify.Result, error)
	log       *slog.Logger
}

// New creates an orchestrator. Zero limits fall back to the upstream
// defaults.
func New(opts Options, deps Deps) *Orchestrator {
	if opts.Limit <= 0 {
		opts.Limit = batch.DefaultLimit
	}
	if opts.AckLimit <= 0 {
		opts.AckLimit = DefaultAckLimit
	}
	if opts.RunID == "" {
		opts.RunID = logging.GenerateRunID()
	}
	mgr := deps.Manifests
	if mgr == nil {
		mgr, _ = manifest.NewManager(manifest.Config{})
	}
	return &Orchestrator{
		opts:      opts,
		store:     deps.Store,
		acq:       deps.Acquirer,
		op:        deps.Operator,
		manifests: mgr,
		metrics:   deps.Metrics,
		verify:    verify.Verify,
		log:       logging.Component("fetcher").With("run_id", opts.RunID),
	}
}

// DefaultAckLimit is the upstream cap on records for an acknowledgement
// table.
const DefaultAckLimit = 500

// Run processes every location, then the EPI_SET request if one was made.
// New accessions for a location are persisted as soon as all of that
// location's batches are verified; an error leaves the store untouched for
// the location that failed.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	kinds := make([]string, len(o.opts.Kinds))
	for i, k := range o.opts.Kinds {
		kinds[i] = string(k)
	}
	m := manifest.New(o.opts.RunID, o.opts.Date, kinds)
	res := &Result{
		Manifest: m,
		Sync: transfer.SyncState{
			Date:        o.opts.Date,
			Destination: o.opts.Destination,
		},
	}

	o.log.Info("starting run",
		"date", o.opts.Date,
		"locations", o.opts.Locations,
		"kinds", kinds,
		"episet", o.opts.EPISet,
	)

	o.op.Section(fmt.Sprintf("Guiding you through downloading EpiCoV data up through %s", o.opts.Date))
	o.op.Note("Go to https://www.epicov.org/epi3/frontend and log in.")
	if err := o.op.Pause(); err != nil {
		return res, err
	}

	episet := o.opts.EPISet
	for _, loc := range o.opts.Locations {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		snapshot, persisted, err := o.runLocation(ctx, loc, &episet, m)
		if snapshot != "" {
			res.Snapshots = append(res.Snapshots, snapshot)
		}
		if persisted != "" {
			res.Sync.NewFiles = append(res.Sync.NewFiles, persisted)
		}
		if saveErr := o.manifests.Save(ctx, m); saveErr != nil {
			o.log.Warn("failed to save manifest", "error", saveErr)
		}
		if err != nil {
			return res, err
		}
	}

	res.EPISet = episet
	if episet {
		path, err := o.requestEPISet(res.Snapshots)
		if err != nil {
			return res, err
		}
		res.EPISetFile = path
		m.EPISet = path
	}

	m.Finish()
	if err := o.manifests.Save(ctx, m); err != nil {
		return res, fmt.Errorf("save manifest: %w", err)
	}
	o.log.Info("run complete",
		"artifacts", len(m.Artifacts),
		"persisted", len(res.Sync.NewFiles),
		"episet", episet,
	)
	return res, nil
}

// runLocation returns the snapshot used and the store path of the persisted
// new-accession file, if any.
func (o *Orchestrator) runLocation(ctx context.Context, loc string, episet *bool, m *manifest.RunManifest) (string, string, error) {
	log := logging.LocationLogger(o.opts.RunID, loc, o.opts.Date)

	o.prepareFilters()

	place, err := location.Resolve(loc, o.op)
	if err != nil {
		return "", "", err
	}
	if place.Code != loc {
		log.Info("location corrected", "typed", loc, "code", place.Code)
		loc = place.Code
		log = logging.LocationLogger(o.opts.RunID, loc, o.opts.Date)
	}
	name := place.Name

	snapshot, err := o.fetchSnapshot(ctx, loc, name)
	if err != nil {
		return "", "", err
	}

	o.op.Note("Determining which accessions to download")
	upstream, fresh, err := o.store.Reconcile(snapshot)
	if err != nil {
		return snapshot, "", err
	}
	o.op.Note("new seqs in EpiCoV: %d", fresh.Len())
	o.metrics.SetReconciled(loc, upstream.Len(), fresh.Len())

	summary := manifest.Location{
		Code:     loc,
		Name:     name,
		Snapshot: snapshot,
		Upstream: upstream.Len(),
		New:      fresh.Len(),
	}

	if fresh.Len() == 0 {
		o.op.Note("No new seqs available to be downloaded for %s", name)
		o.op.ContinueHere("")
		m.AddLocation(summary)
		return snapshot, "", nil
	}
	if len(o.opts.Kinds) == 0 {
		// Nothing is downloaded, so nothing may be marked acquired.
		log.Info("no artifact kinds requested, skipping batches", "new", fresh.Len())
		m.AddLocation(summary)
		return snapshot, "", nil
	}

	newSeqs := filepath.Join(o.opts.Downloads, artifact.NewSeqsName(loc, o.opts.Date))
	ids := fresh.Sorted()
	if err := accession.WriteIDs(newSeqs, ids); err != nil {
		return snapshot, "", fmt.Errorf("write new accessions for %s: %w", loc, err)
	}
	o.op.Note("New accessions written to %s", newSeqs)

	batches, err := batch.Plan(ids, o.opts.Limit)
	if err != nil {
		return snapshot, "", err
	}
	summary.Batches = len(batches)
	m.AddLocation(summary)
	log.Info("planned batches", "new", len(ids), "batches", len(batches), "limit", o.opts.Limit)

	var acquired []string
	for _, b := range batches {
		ok, err := o.runBatch(ctx, loc, b, episet, m)
		if err != nil {
			return snapshot, "", err
		}
		o.metrics.IncBatches(loc)
		if ok {
			acquired = append(acquired, b.IDs...)
		} else {
			log.Info("batch downloaded nothing, accessions stay unacquired", "batch", b.Index, "size", b.Size())
		}
	}

	// Only accessions of batches with verified artifacts may be marked acquired.
	if len(acquired) == 0 {
		if err := os.Remove(newSeqs); err != nil && !errors.Is(err, os.ErrNotExist) {
			return snapshot, "", fmt.Errorf("remove %s: %w", newSeqs, err)
		}
		o.op.Note("Nothing was downloaded for %s, so no accessions are marked as acquired.", name)
		return snapshot, "", nil
	}
	if len(acquired) < len(ids) {
		if err := accession.WriteIDs(newSeqs, acquired); err != nil {
			return snapshot, "", fmt.Errorf("write acquired accessions for %s: %w", loc, err)
		}
	}

	dest := filepath.Join(o.store.Dir(), filepath.Base(newSeqs))
	moved, err := o.store.Persist(newSeqs)
	if err != nil {
		return snapshot, "", err
	}
	o.op.Note("Done acquiring %s data.", name)
	if !moved {
		return snapshot, "", nil
	}
	m.AddPersisted(dest)
	return snapshot, dest, nil
}

func (o *Orchestrator) prepareFilters() {
	o.op.Section("Preparing filters - ensure these are set (or use your own filters if this is a non-standard run)")
	o.op.Click("Search")
	o.op.ClickKind("Low coverage excluded", "checkbox")
	o.op.ClickKind("Collection date complete", "checkbox")
	o.op.Fill("Collection to (2nd box)", o.opts.Date)
	o.op.Fill("Host", "Human")
}

// fetchSnapshot returns the snapshot path in the downloads directory,
// guiding the operator through the CSV export when it is not there yet.
func (o *Orchestrator) fetchSnapshot(ctx context.Context, loc, name string) (string, error) {
	path := filepath.Join(o.opts.Downloads, artifact.SnapshotName(loc, o.opts.Date))
	o.op.Section(fmt.Sprintf("Downloading (or locating) EpiCoV accessions file for %s", name))
	if util.FileExists(path) {
		o.op.Note("EpiCoV accessions already exist for %s, %s in %s", loc, o.opts.Date, o.opts.Downloads)
		return path, nil
	}

	o.op.Note("Need to download data for %s", name)
	o.op.Fill("Location", name)
	if err := o.op.Pause(); err != nil {
		return "", err
	}
	o.op.Note("If not done already:")
	o.op.Note("Check the select-all checkbox next to 'Virus name' - it's not labeled")
	o.op.Click("Select")
	o.op.Click("CSV")

	found, err := o.acq.AwaitArtifact(ctx, o.opts.Downloads, ".csv")
	if err != nil {
		return "", fmt.Errorf("await snapshot for %s: %w", loc, err)
	}
	if err := watcher.Claim(found, path); err != nil {
		return "", err
	}
	o.op.Note("File saved: %s", path)
	return path, nil
}

// runBatch reports whether the batch's artifacts were acquired. A batch whose
// pending kinds were all dropped by the policy gate acquires nothing.
func (o *Orchestrator) runBatch(ctx context.Context, loc string, b batch.Batch, episet *bool, m *manifest.RunManifest) (bool, error) {
	selection, err := batch.Materialize(b, o.opts.Downloads)
	if err != nil {
		return false, err
	}
	sess := NewSession(loc, b, selection, o.opts.Kinds, *episet)

	o.op.Section(fmt.Sprintf("##################  %s runthrough %d  ##################", loc, b.Index+1))
	o.op.Note("Refresh the page:")
	o.op.Note("Navigate out by clicking 'OK', as needed")
	o.op.Click("Search")
	o.op.Click("Select")
	o.op.Note("Look in your downloads folder for: %q", batch.SelectionFileName)
	o.op.Click("Browse...choose file...")
	o.op.Note("Input selections from %s (Choose File)", sess.SelectionPath)
	o.op.Click("OK (twice)")
	o.op.Note("or skip this runthrough (if you know these files already exist)")
	if err := o.op.Pause(); err != nil {
		return false, err
	}

	if err := ApplyAckPolicy(sess, o.opts.AckLimit, o.op); err != nil {
		return false, err
	}
	*episet = sess.RequestEPISet
	if len(sess.Pending) == 0 {
		return false, nil
	}

	for _, kind := range sess.Pending {
		for _, spec := range artifact.SpecsFor(kind) {
			if err := o.acquire(ctx, sess, spec, m); err != nil {
				return false, err
			}
		}
	}
	if !sess.Complete() {
		return false, fmt.Errorf("%s batch %d: %d of %d artifacts verified", loc, b.Index, len(sess.Verified), sess.Expected())
	}
	return true, nil
}

// acquire makes sure the artifact's target exists and verifies. An existing
// target is trusted as verified by an earlier run.
func (o *Orchestrator) acquire(ctx context.Context, sess *Session, spec artifact.Spec, m *manifest.RunManifest) error {
	b := sess.Batch
	target := filepath.Join(o.opts.MetaDir, spec.FileName(sess.Location, o.opts.Date, b.Index))
	runinfo := fmt.Sprintf("%s %s #%d", sess.Location, spec.Label, b.Index)
	log := logging.BatchLogger(o.opts.RunID, sess.Location, o.opts.Date, b.Index).With("artifact", spec.Abbr)

	if util.FileExists(target) {
		o.op.Note("%s already exists in %s", runinfo, o.opts.MetaDir)
		log.Info("target exists, skipping", "target", target)
		o.metrics.IncSkipped(sess.Location, string(spec.Kind))
		o.record(m, sess, spec, target, true)
		sess.MarkVerified(target)
		return nil
	}

	o.op.Note("Preparing to download %s", runinfo)
	for attempt := 1; ; attempt++ {
		o.op.Click("Download")
		o.op.ClickKind(spec.Label, "circle")
		o.op.Click("Download")

		found, err := o.acq.AwaitArtifact(ctx, o.opts.Downloads, spec.Suffix())
		if err != nil {
			return fmt.Errorf("await %s: %w", runinfo, err)
		}
		if err := watcher.Claim(found, target); err != nil {
			return err
		}

		result, err := o.verify(spec, target)
		if err != nil {
			// An existing target counts as verified on the next run.
			if rmErr := os.Remove(target); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				log.Warn("failed to remove unverified target", "target", target, "error", rmErr)
			}
			return fmt.Errorf("verify %s: %w", runinfo, err)
		}
		if result.Passed {
			o.op.Note("File saved: %s", target)
			o.op.ContinueHere(strconv.Itoa(b.Index))
			log.Info("artifact verified", "target", target, "attempt", attempt)
			o.metrics.IncAcquired(sess.Location, string(spec.Kind))
			o.record(m, sess, spec, target, false)
			sess.MarkVerified(target)
			return nil
		}

		log.Warn("download rejected", "attempt", attempt, "reason", result.Reason())
		o.metrics.IncRejected(sess.Location, string(spec.Kind))
		o.op.Warn("The file you downloaded does not match the typical traits of a %s file.\nTry again.", spec.Label)
		if err := os.Remove(target); err != nil {
			return fmt.Errorf("remove rejected %s: %w", target, err)
		}
	}
}

func (o *Orchestrator) record(m *manifest.RunManifest, sess *Session, spec artifact.Spec, target string, skipped bool) {
	sum, size, err := manifest.FileChecksum(target)
	if err != nil {
		o.log.Warn("checksum failed", "target", target, "error", err)
	}
	m.AddArtifact(manifest.Artifact{
		Location: sess.Location,
		Batch:    sess.Batch.Index,
		Kind:     string(spec.Kind),
		Label:    spec.Label,
		Path:     target,
		Checksum: sum,
		Bytes:    size,
		Skipped:  skipped,
	})
}

// requestEPISet writes the combined snapshot file and walks the operator
// through submitting it.
func (o *Orchestrator) requestEPISet(snapshots []string) (string, error) {
	path := filepath.Join(o.opts.Downloads, artifact.EPISetName(o.opts.Date))
	if err := ConcatFiles(path, snapshots); err != nil {
		return "", fmt.Errorf("build EPI_SET file: %w", err)
	}
	o.op.Section("Getting EPI_SET. This will be emailed to you")
	o.op.Click("EPI_SET")
	o.op.Click("Choose file")
	o.op.Note("Input accessions from %s", path)
	o.op.Note("If 'Choose file' button not present, go back out, click 'Search', and try again from 'EPI_SET'.")
	o.op.Note("Follow the prompts out.")
	o.log.Info("EPI_SET file written", "file", path, "snapshots", len(snapshots))
	return path, nil
}
