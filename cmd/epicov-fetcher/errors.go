package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/withObsrvr/epicov-fetcher/internal/accession"
	"github.com/withObsrvr/epicov-fetcher/internal/config"
	"github.com/withObsrvr/epicov-fetcher/internal/fetcher"
	"github.com/withObsrvr/epicov-fetcher/internal/location"
	"github.com/withObsrvr/epicov-fetcher/internal/verify"
	"github.com/withObsrvr/epicov-fetcher/internal/watcher"
)

// Exit codes
const (
	ExitSuccess         = 0
	ExitGeneralError    = 1
	ExitInvalidArgs     = 2
	ExitMissingSnapshot = 3
	ExitAborted         = 4
	ExitTransferError   = 5
	ExitFilesystemError = 6
)

// transferError marks failures talking to the cluster bucket.
type transferError struct{ err error }

func (e transferError) Error() string { return "cluster transfer: " + e.err.Error() }
func (e transferError) Unwrap() error { return e.err }

// argsError marks command line problems found before any work starts.
type argsError struct{ err error }

func (e argsError) Error() string { return e.err.Error() }
func (e argsError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var te transferError
	var ae argsError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, config.ErrMissingConfig), errors.Is(err, config.ErrInvalidDate), errors.As(err, &ae):
		return ExitInvalidArgs
	case errors.Is(err, accession.ErrMissingUpstreamSnapshot):
		return ExitMissingSnapshot
	case errors.Is(err, fetcher.ErrAborted), errors.Is(err, location.ErrAborted), errors.Is(err, context.Canceled):
		return ExitAborted
	case errors.As(err, &te):
		return ExitTransferError
	case errors.Is(err, watcher.ErrRenameConflict), errors.Is(err, verify.ErrVerificationIO):
		return ExitFilesystemError
	default:
		return ExitGeneralError
	}
}

// prettyPrintError tells the operator, in one message, what went wrong and
// what to do about it.
func prettyPrintError(w io.Writer, err error) {
	var te transferError
	switch {
	case errors.Is(err, config.ErrInvalidDate):
		fmt.Fprintf(w, "Bad date: %v. Give the cutoff as YYYY-MM-DD, or a value containing \"unfiltered\".\n", err)
	case errors.Is(err, config.ErrMissingConfig):
		fmt.Fprintf(w, "Missing configuration: %v. Set it in the config file (-c) or pass it as a flag or EPICOV_* environment variable.\n", err)
	case errors.Is(err, accession.ErrMissingUpstreamSnapshot):
		fmt.Fprintf(w, "Missing accessions file: %v. Download the location's accession CSV into your downloads directory and run again.\n", err)
	case errors.Is(err, fetcher.ErrAborted), errors.Is(err, location.ErrAborted):
		fmt.Fprintf(w, "Run cancelled: %v. Nothing was marked as downloaded for the location in progress; run again to resume.\n", err)
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(w, "Interrupted. Nothing was marked as downloaded for the location in progress; run again to resume.")
	case errors.As(err, &te):
		fmt.Fprintf(w, "Cluster transfer failed: %v. Check the bucket URL and your credentials, or run with -n to skip the cluster.\n", te.err)
	case errors.Is(err, watcher.ErrRenameConflict):
		fmt.Fprintf(w, "Could not claim a download: %v. Move the existing file aside and run again.\n", err)
	default:
		fmt.Fprintf(w, "Error: %v\n", err)
	}
}
