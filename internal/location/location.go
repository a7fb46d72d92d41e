// Package location maps the location codes used in file names to the names
// the upstream search form expects.
package location

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAborted is returned when the operator quits during correction.
var ErrAborted = errors.New("location resolution aborted")

// MaxAttempts bounds the correction prompts for one location.
const MaxAttempts = 3

var states = map[string]string{
	"AK": "Alaska", "AL": "Alabama", "AR": "Arkansas", "AS": "American Samoa",
	"AZ": "Arizona", "CA": "California", "CO": "Colorado", "CT": "Connecticut",
	"DC": "District of Columbia", "DE": "Delaware", "FL": "Florida", "GA": "Georgia",
	"GU": "Guam", "HI": "Hawaii", "IA": "Iowa", "ID": "Idaho",
	"IL": "Illinois", "IN": "Indiana", "KS": "Kansas", "KY": "Kentucky",
	"LA": "Louisiana", "MA": "Massachusetts", "MD": "Maryland", "ME": "Maine",
	"MI": "Michigan", "MN": "Minnesota", "MO": "Missouri", "MP": "Northern Mariana Islands",
	"MS": "Mississippi", "MT": "Montana", "NA": "National", "NC": "North Carolina",
	"ND": "North Dakota", "NE": "Nebraska", "NH": "New Hampshire", "NJ": "New Jersey",
	"NM": "New Mexico", "NV": "Nevada", "NY": "New York", "OH": "Ohio",
	"OK": "Oklahoma", "OR": "Oregon", "PA": "Pennsylvania", "PR": "Puerto Rico",
	"RI": "Rhode Island", "SC": "South Carolina", "SD": "South Dakota", "TN": "Tennessee",
	"TX": "Texas", "UT": "Utah", "VA": "Virginia", "VI": "Virgin Islands",
	"VT": "Vermont", "WA": "Washington", "WI": "Wisconsin", "WV": "West Virginia",
	"WY": "Wyoming",
}

// Lookup returns the long name for a code or an already-long name.
func Lookup(loc string) (string, bool) {
	if name, ok := states[loc]; ok {
		return name, true
	}
	for _, name := range states {
		if name == loc {
			return name, true
		}
	}
	return "", false
}

// Asker is the prompt side of the operator guide.
type Asker interface {
	Ask(prompt string) (string, error)
}

// Place is a resolved location. Code is what file names are built from:
// the value the operator typed, or their correction of it. Name is the form
// value for the upstream location filter.
type Place struct {
	Code string
	Name string
}

// Resolve returns the place for loc. Unknown names are offered for
// correction: an empty answer keeps the value as typed, "quit" aborts,
// anything else replaces it and is looked up again. After MaxAttempts failed
// corrections the run is aborted.
func Resolve(loc string, asker Asker) (Place, error) {
	current := loc
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		if name, ok := Lookup(current); ok {
			return Place{Code: current, Name: name}, nil
		}
		answer, err := asker.Ask(fmt.Sprintf(
			"Could not find a state with name %s.\n"+
				"Correct the spelling and hit enter or\n"+
				"Press enter to continue anyway or\n"+
				"Type 'quit' or '^C' to quit.", current))
		if err != nil {
			return Place{}, fmt.Errorf("resolve location %s: %w", loc, err)
		}
		switch {
		case strings.EqualFold(answer, "quit"):
			return Place{}, fmt.Errorf("%w: %s", ErrAborted, loc)
		case answer == "":
			return Place{Code: current, Name: current}, nil
		default:
			current = answer
		}
	}
	if name, ok := Lookup(current); ok {
		return Place{Code: current, Name: name}, nil
	}
	return Place{}, fmt.Errorf("%w: %s still unknown after %d attempts", ErrAborted, loc, MaxAttempts)
}
