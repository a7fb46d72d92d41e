// Package verify checks that a freshly claimed file has the shape of the
// artifact it is supposed to be. The dominant failure is an operator clicking
// the wrong download option, so checks are structural and cheap: a failed
// check is a normal result, only I/O problems are errors.
package verify

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"rsc.io/pdf"

	"github.com/withObsrvr/epicov-fetcher/internal/artifact"
)

// ErrVerificationIO wraps failures to read the candidate file at all.
var ErrVerificationIO = errors.New("verification i/o error")

// sequencePrefixLen is how much of the first sequence line is inspected.
const sequencePrefixLen = 50

// Result contains the outcome of a structural check.
type Result struct {
	Passed bool
	Errors []string
}

func pass() Result { return Result{Passed: true} }

func fail(format string, args ...any) Result {
	return Result{Errors: []string{fmt.Sprintf(format, args...)}}
}

// Reason joins the failure messages.
func (r Result) Reason() string { return strings.Join(r.Errors, "; ") }

// Verify runs the check for spec's format against the file at path.
func Verify(spec artifact.Spec, path string) (Result, error) {
	switch spec.Format {
	case artifact.FormatSequence:
		return withFile(path, checkSequence)
	case artifact.FormatTabular:
		return withFile(path, func(r io.Reader) (Result, error) {
			return checkHeader(r, spec.Fields)
		})
	case artifact.FormatDocument:
		return checkDocumentFile(path)
	default:
		return Result{}, fmt.Errorf("no verification rule for %s", spec.Format)
	}
}

func withFile(path string, check func(io.Reader) (Result, error)) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrVerificationIO, err)
	}
	defer f.Close()
	return check(f)
}

// readLine returns the next line without its terminator. A final line with no
// newline is returned with a nil error.
func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err == io.EOF && line != "" {
		err = nil
	}
	return strings.TrimRight(line, "\r\n"), err
}

func isNucleotide(r rune) bool {
	switch r {
	case 'A', 'T', 'G', 'C', 'U', 'N', 'a', 't', 'g', 'c', 'u', 'n':
		return true
	}
	return false
}

// checkSequence accepts a record marker on line one followed by a line whose
// first 50 characters are nucleotides.
func checkSequence(r io.Reader) (Result, error) {
	br := bufio.NewReader(r)

	header, err := readLine(br)
	if err != nil && err != io.EOF {
		return Result{}, fmt.Errorf("%w: %v", ErrVerificationIO, err)
	}
	if !strings.HasPrefix(header, ">") {
		return fail("first line does not start with a '>' record marker"), nil
	}

	seq, err := readLine(br)
	if err != nil && err != io.EOF {
		return Result{}, fmt.Errorf("%w: %v", ErrVerificationIO, err)
	}
	seq = strings.TrimSpace(seq)
	if seq == "" {
		return fail("no sequence data after the first record header"), nil
	}
	if len(seq) > sequencePrefixLen {
		seq = seq[:sequencePrefixLen]
	}
	for i, c := range seq {
		if !isNucleotide(c) {
			return fail("non-nucleotide character %q at column %d of the first sequence line", c, i+1), nil
		}
	}
	return pass(), nil
}

// checkHeader reads the candidate's own first line and requires every field
// to be present as a tab-separated column, ignoring surrounding quotes.
func checkHeader(r io.Reader, fields []string) (Result, error) {
	br := bufio.NewReader(r)
	line, err := readLine(br)
	if err != nil && err != io.EOF {
		return Result{}, fmt.Errorf("%w: %v", ErrVerificationIO, err)
	}
	line = strings.TrimSpace(line)

	cols := make(map[string]bool)
	for _, c := range strings.Split(line, "\t") {
		cols[strings.Trim(c, `'"`)] = true
	}

	var missing []string
	for _, field := range fields {
		if !cols[field] {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return fail("header is missing fields: %s", strings.Join(missing, ", ")), nil
	}
	return pass(), nil
}

func checkDocumentFile(path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrVerificationIO, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrVerificationIO, err)
	}
	return checkDocument(f, info.Size()), nil
}

// checkDocument passes when the content parses as a PDF with at least one
// page. The parser panics on some malformed input; that counts as a failure.
func checkDocument(r io.ReaderAt, size int64) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			res = fail("not a readable PDF: %v", p)
		}
	}()

	doc, err := pdf.NewReader(r, size)
	if err != nil {
		return fail("not a readable PDF: %v", err)
	}
	if doc.NumPage() == 0 {
		return fail("PDF has no pages")
	}
	return pass()
}
