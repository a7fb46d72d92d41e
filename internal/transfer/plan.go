// Package transfer moves session files between the local epicov directory and
// the cluster's copy of it. Plans are built from a SyncState, previewed, and
// then run by an Executor.
package transfer

import (
	"fmt"
	"io"
	"path"
	"path/filepath"
)

const (
	MetaSubdir      = "gisaid_metadata"
	AccessionSubdir = "accession_info"
)

// Direction of a copy step.
type Direction int

const (
	Put Direction = iota
	Get
)

func (d Direction) String() string {
	if d == Get {
		return "get"
	}
	return "put"
}

// Instruction is one copy step. For Put, Local is a file glob and Remote a
// directory key. For Get, Remote is a key glob and Local a directory.
type Instruction struct {
	Direction     Direction
	Local         string
	Remote        string
	PreservePerms bool
}

func (i Instruction) String() string {
	perms := ""
	if i.PreservePerms {
		perms = " (preserve permissions)"
	}
	if i.Direction == Get {
		return fmt.Sprintf("get %s -> %s%s", i.Remote, i.Local, perms)
	}
	return fmt.Sprintf("put %s -> %s%s", i.Local, i.Remote, perms)
}

// Plan is an ordered list of copy steps.
type Plan struct {
	steps []Instruction
}

// AddStep appends a step.
func (p *Plan) AddStep(i Instruction) {
	p.steps = append(p.steps, i)
}

// Put appends an upload of every local file matching glob into remoteDir.
func (p *Plan) Put(localGlob, remoteDir string, preservePerms bool) {
	p.AddStep(Instruction{Direction: Put, Local: localGlob, Remote: remoteDir, PreservePerms: preservePerms})
}

// Get appends a download of every remote key matching glob into localDir.
func (p *Plan) Get(remoteGlob, localDir string, preservePerms bool) {
	p.AddStep(Instruction{Direction: Get, Local: localDir, Remote: remoteGlob, PreservePerms: preservePerms})
}

// Steps returns a copy of the steps.
func (p *Plan) Steps() []Instruction {
	return append([]Instruction(nil), p.steps...)
}

// Len returns the number of steps.
func (p *Plan) Len() int { return len(p.steps) }

// Preview writes a dry listing of the steps.
func (p *Plan) Preview(w io.Writer) {
	fmt.Fprintf(w, "Planned transfer steps (%d):\n", len(p.steps))
	for n, step := range p.steps {
		fmt.Fprintf(w, "\t%d. %s\n", n+1, step)
	}
}

// SyncState is what a session hands to the transfer side: the run date, the
// new-accession files produced, and where uploads go.
type SyncState struct {
	Date        string
	NewFiles    []string
	Destination string
}

// UploadPlan pushes every file of the session's date from the metadata and
// accession directories, preserving permissions.
func UploadPlan(state SyncState, localEpicovDir string) *Plan {
	p := &Plan{}
	for _, sub := range []string{MetaSubdir, AccessionSubdir} {
		p.Put(
			filepath.Join(localEpicovDir, sub, "*"+state.Date+"*"),
			path.Join(state.Destination, sub),
			true,
		)
	}
	return p
}

// RefreshPlan pulls the cluster's accession store into the local one.
func RefreshPlan(remoteDir, localEpicovDir string) *Plan {
	p := &Plan{}
	p.Get(path.Join(remoteDir, AccessionSubdir, "*"), filepath.Join(localEpicovDir, AccessionSubdir), true)
	return p
}
