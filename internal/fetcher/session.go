package fetcher

import (
	"github.com/withObsrvr/epicov-fetcher/internal/artifact"
	"github.com/withObsrvr/epicov-fetcher/internal/batch"
)

// Session tracks one (location, batch) pair from selection to the last
// verified artifact.
type Session struct {
	Location      string
	Batch         batch.Batch
	SelectionPath string

	// Pending starts as a copy of the run's kinds; the policy gate may
	// remove entries for this batch only.
	Pending []artifact.Kind

	// Verified holds target paths that passed verification or were already
	// present.
	Verified []string

	// RequestEPISet is the run-scoped EPI_SET toggle as seen by this batch.
	// The orchestrator carries it forward to later batches.
	RequestEPISet bool
}

// NewSession starts a session with its own copy of kinds.
func NewSession(location string, b batch.Batch, selection string, kinds []artifact.Kind, episet bool) *Session {
	return &Session{
		Location:      location,
		Batch:         b,
		SelectionPath: selection,
		Pending:       append([]artifact.Kind(nil), kinds...),
		RequestEPISet: episet,
	}
}

// Drop removes kind from the pending list.
func (s *Session) Drop(kind artifact.Kind) {
	s.Pending = artifact.Without(s.Pending, kind)
}

// MarkVerified records a target as done.
func (s *Session) MarkVerified(path string) {
	s.Verified = append(s.Verified, path)
}

// Expected returns how many artifacts the pending kinds expand to.
func (s *Session) Expected() int {
	n := 0
	for _, kind := range s.Pending {
		n += len(artifact.SpecsFor(kind))
	}
	return n
}

// Complete reports whether every pending artifact has been verified.
func (s *Session) Complete() bool {
	return len(s.Verified) == s.Expected()
}
