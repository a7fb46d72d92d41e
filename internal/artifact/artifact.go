// Package artifact describes the files that can be requested from the
// upstream database and how they are named once claimed locally.
package artifact

import (
	"fmt"
	"strings"
)

// Kind is the operator-facing artifact selector.
type Kind string

const (
	KindFASTA Kind = "fasta"
	KindMeta  Kind = "meta"
	KindAckno Kind = "ackno"
)

// AllKinds is the canonical acquisition order.
var AllKinds = []Kind{KindFASTA, KindMeta, KindAckno}

// Format selects the structural check applied to a claimed file.
type Format int

const (
	FormatSequence Format = iota
	FormatTabular
	FormatDocument
)

func (f Format) String() string {
	switch f {
	case FormatSequence:
		return "sequence"
	case FormatTabular:
		return "tabular"
	case FormatDocument:
		return "document"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// Spec describes one downloadable artifact.
type Spec struct {
	Kind   Kind
	Label  string   // upstream UI label of the download option
	Abbr   string   // short name for logs
	Prefix string   // file name prefix, encodes the sub-kind
	Ext    string   // extension without the dot, encodes the format
	Format Format
	Fields []string // required header fields (tabular only)
}

// Suffix returns the extension with its leading dot.
func (s Spec) Suffix() string { return "." + s.Ext }

// FileName renders <prefix>_<location>_<date>.<batch>.<ext>.
func (s Spec) FileName(location, date string, batch int) string {
	return fmt.Sprintf("%s_%s_%s.%d.%s", s.Prefix, location, date, batch, s.Ext)
}

var catalog = map[Kind][]Spec{
	KindFASTA: {
		{
			Kind:   KindFASTA,
			Label:  "Nucleotide Sequences (FASTA)",
			Abbr:   "fasta",
			Prefix: "gisaid",
			Ext:    "fasta",
			Format: FormatSequence,
		},
	},
	KindMeta: {
		{
			Kind:   KindMeta,
			Label:  "Dates and Location",
			Abbr:   "date & location",
			Prefix: "gisaid_date",
			Ext:    "tsv",
			Format: FormatTabular,
			Fields: []string{"Accession ID", "Collection date", "Submission date", "Location"},
		},
		{
			Kind:   KindMeta,
			Label:  "Patient status metadata",
			Abbr:   "patient status",
			Prefix: "gisaid_pat",
			Ext:    "tsv",
			Format: FormatTabular,
			Fields: []string{
				"Virus name", "Accession ID", "Collection date", "Location", "Host",
				"Additional location information", "Sampling strategy", "Gender",
				"Patient age", "Patient status",
			},
		},
		{
			Kind:   KindMeta,
			Label:  "Sequencing technology metadata",
			Abbr:   "sequence tech",
			Prefix: "gisaid_seq",
			Ext:    "tsv",
			Format: FormatTabular,
			Fields: []string{
				"Virus name", "Accession ID", "Collection date", "Location", "Host",
				"Passage", "Specimen", "Additional host information",
				"Sequencing technology", "Assembly method", "Comment", "Comment type",
				"Lineage", "Clade", "AA Substitutions",
			},
		},
	},
	KindAckno: {
		{
			Kind:   KindAckno,
			Label:  "Acknowledgement table",
			Abbr:   "ack pdf",
			Prefix: "gisaid_ackno",
			Ext:    "pdf",
			Format: FormatDocument,
		},
	},
}

// SpecsFor returns the artifacts a kind expands to, in acquisition order.
func SpecsFor(kind Kind) []Spec {
	specs := catalog[kind]
	out := make([]Spec, len(specs))
	copy(out, specs)
	return out
}

// ParseKinds normalizes an operator selection. "all" and "none" win over any
// other entry; otherwise the result follows AllKinds order without
// duplicates. Unknown entries are an error.
func ParseKinds(choices []string) ([]Kind, error) {
	wanted := make(map[Kind]bool)
	for _, c := range choices {
		for _, part := range strings.Split(c, ",") {
			choice := strings.ToLower(strings.TrimSpace(part))
			switch choice {
			case "":
				continue
			case "all":
				return append([]Kind(nil), AllKinds...), nil
			case "none":
				return []Kind{}, nil
			}
			k := Kind(choice)
			if _, ok := catalog[k]; !ok {
				return nil, fmt.Errorf("unknown artifact kind %q (want fasta, meta, ackno, all or none)", choice)
			}
			wanted[k] = true
		}
	}
	out := make([]Kind, 0, len(wanted))
	for _, k := range AllKinds {
		if wanted[k] {
			out = append(out, k)
		}
	}
	return out, nil
}

// Without returns kinds with k removed.
func Without(kinds []Kind, k Kind) []Kind {
	out := make([]Kind, 0, len(kinds))
	for _, kind := range kinds {
		if kind != k {
			out = append(out, kind)
		}
	}
	return out
}

// Contains reports whether k is in kinds.
func Contains(kinds []Kind, k Kind) bool {
	for _, kind := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}

// SnapshotName is the upstream accession listing for one location and date.
func SnapshotName(location, date string) string {
	return fmt.Sprintf("all_%s_epicovs_%s.csv", location, date)
}

// NewSeqsName is the per-location file of accessions acquired this run.
func NewSeqsName(location, date string) string {
	return fmt.Sprintf("new_seqs_%s_%s.csv", location, date)
}

// EPISetName is the combined accession file submitted for an EPI_SET.
func EPISetName(date string) string {
	return fmt.Sprintf("all_epicovs_%s.csv", date)
}
