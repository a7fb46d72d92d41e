package fetcher

import (
	"fmt"

	"github.com/withObsrvr/epicov-fetcher/internal/artifact"
)

// Decision is the operator's answer when a batch is too large for an
// acknowledgement table.
type Decision int

const (
	DecideEPISet Decision = iota + 1
	DecideSkip
	DecideAbort
)

var decisionOptions = []string{
	"request an EPI_SET at the end",
	"skip the acknowledgement file and skip the EPI_SET",
	"cancel run",
}

// Chooser asks the operator to pick one numbered option.
type Chooser interface {
	Choose(prompt string, options []string) (int, error)
}

// ApplyAckPolicy enforces the upstream limit on acknowledgement tables. If
// the session wants an acknowledgement and its batch is over ackLimit, the
// acknowledgement is removed from the session and, unless an EPI_SET is
// already requested, the operator decides whether to request one instead or
// to abort the run.
func ApplyAckPolicy(s *Session, ackLimit int, chooser Chooser) error {
	if !artifact.Contains(s.Pending, artifact.KindAckno) || s.Batch.Size() <= ackLimit {
		return nil
	}
	if s.RequestEPISet {
		s.Drop(artifact.KindAckno)
		return nil
	}

	prompt := fmt.Sprintf("Your sample set has more than %d samples, so you cannot download an acknowledgement file.\nWould you prefer to:", ackLimit)
	choice, err := chooser.Choose(prompt, decisionOptions)
	if err != nil {
		return fmt.Errorf("acknowledgement policy: %w", err)
	}
	switch Decision(choice) {
	case DecideEPISet:
		s.RequestEPISet = true
	case DecideSkip:
		s.RequestEPISet = false
	case DecideAbort:
		return fmt.Errorf("%w: cancelled at acknowledgement policy for %s batch %d", ErrAborted, s.Location, s.Batch.Index)
	default:
		return fmt.Errorf("acknowledgement policy: unexpected choice %d", choice)
	}
	s.Drop(artifact.KindAckno)
	return nil
}
