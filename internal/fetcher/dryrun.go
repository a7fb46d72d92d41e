package fetcher

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/withObsrvr/epicov-fetcher/internal/accession"
	"github.com/withObsrvr/epicov-fetcher/internal/artifact"
	"github.com/withObsrvr/epicov-fetcher/internal/batch"
)

// LocationPlan is the dry-run view of one location.
type LocationPlan struct {
	Location   string
	Snapshot   string
	Missing    bool
	Upstream   int
	New        int
	BatchSizes []int
}

// DryRun reconciles each location's snapshot, if already downloaded,
// against the store and reports the batches a run would produce. Nothing is
// written.
func DryRun(store *accession.Store, downloads, date string, locations []string, limit int) ([]LocationPlan, error) {
	plans := make([]LocationPlan, 0, len(locations))
	for _, loc := range locations {
		p := LocationPlan{
			Location: loc,
			Snapshot: filepath.Join(downloads, artifact.SnapshotName(loc, date)),
		}
		upstream, fresh, err := store.Reconcile(p.Snapshot)
		if errors.Is(err, accession.ErrMissingUpstreamSnapshot) {
			p.Missing = true
			plans = append(plans, p)
			continue
		}
		if err != nil {
			return nil, err
		}
		batches, err := batch.PlanSet(fresh, limit)
		if err != nil {
			return nil, err
		}
		p.Upstream = upstream.Len()
		p.New = fresh.Len()
		for _, b := range batches {
			p.BatchSizes = append(p.BatchSizes, b.Size())
		}
		plans = append(plans, p)
	}
	return plans, nil
}

// PrintPlans writes a short table of plans.
func PrintPlans(w io.Writer, plans []LocationPlan) {
	for _, p := range plans {
		if p.Missing {
			fmt.Fprintf(w, "%s\tsnapshot missing: %s\n", p.Location, p.Snapshot)
			continue
		}
		fmt.Fprintf(w, "%s\tupstream=%d\tnew=%d\tbatches=%v\n", p.Location, p.Upstream, p.New, p.BatchSizes)
	}
}
