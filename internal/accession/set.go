package accession

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/withObsrvr/epicov-fetcher/internal/util"
)

// Set is an unordered collection of accession ids. Equality is exact string
// equality after surrounding whitespace is trimmed on read.
type Set map[string]struct{}

// NewSet builds a Set from ids, collapsing duplicates.
func NewSet(ids ...string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add inserts id. Empty ids are ignored.
func (s Set) Add(id string) {
	if id == "" {
		return
	}
	s[id] = struct{}{}
}

// Has reports whether id is in the set.
func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Len returns the number of ids.
func (s Set) Len() int { return len(s) }

// Union adds every id in other to s.
func (s Set) Union(other Set) {
	for id := range other {
		s[id] = struct{}{}
	}
}

// Sorted returns the ids in lexical order. This is the stable view batches
// are sliced from.
func (s Set) Sorted() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DiffNew returns upstream minus acquired. An empty result is not an error.
func DiffNew(upstream, acquired Set) Set {
	out := make(Set)
	for id := range upstream {
		if !acquired.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// ReadSet loads a newline-delimited accession file.
func ReadSet(path string) (Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	s, err := parseSet(f)
	if err != nil {
		return nil, fmt.Errorf("read accessions from %s: %w", path, err)
	}
	return s, nil
}

func parseSet(r io.Reader) (Set, error) {
	s := make(Set)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		s.Add(strings.TrimSpace(sc.Text()))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return s, nil
}

// WriteIDs writes one id per line, newline terminated, replacing path.
func WriteIDs(path string, ids []string) error {
	var buf bytes.Buffer
	for _, id := range ids {
		buf.WriteString(id)
		buf.WriteByte('\n')
	}
	return util.WriteFileAtomic(path, buf.Bytes())
}
