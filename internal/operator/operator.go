// Package operator talks to the human driving the browser: step-by-step
// instructions on stdout, optional pauses, and numbered choices read from
// stdin.
package operator

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// ErrNoChoice is returned when the operator never gives a usable answer.
var ErrNoChoice = errors.New("no valid choice given")

// MaxChoiceAttempts bounds how often Choose reprompts on invalid input.
const MaxChoiceAttempts = 3

const rule = "^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^^"

// Guide renders instructions and collects answers.
type Guide struct {
	out  io.Writer
	in   *bufio.Reader
	wait bool

	banner  lipgloss.Style
	heading lipgloss.Style
	action  lipgloss.Style
	warning lipgloss.Style
}

// NewGuide writes to out and reads answers from in. With wait false, Pause is
// a no-op (quick mode).
func NewGuide(out io.Writer, in io.Reader, wait bool) *Guide {
	r := lipgloss.NewRenderer(out)
	return &Guide{
		out:     out,
		in:      bufio.NewReader(in),
		wait:    wait,
		banner:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("#8BC34A")),
		heading: r.NewStyle().Bold(true).Underline(true),
		action:  r.NewStyle().Foreground(lipgloss.Color("#61AFEF")),
		warning: r.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
	}
}

// Waits reports whether pauses block for input.
func (g *Guide) Waits() bool { return g.wait }

// Section prints a heading for a new phase of work.
func (g *Guide) Section(title string) {
	fmt.Fprintf(g.out, "\n%s\n\n", g.heading.Render(title))
}

// Note prints a plain indented line.
func (g *Guide) Note(format string, args ...any) {
	fmt.Fprintf(g.out, "\t%s\n", fmt.Sprintf(format, args...))
}

// Warn prints a highlighted line.
func (g *Guide) Warn(format string, args ...any) {
	fmt.Fprintf(g.out, "%s\n", g.warning.Render(fmt.Sprintf(format, args...)))
}

// Click asks the operator to press a button.
func (g *Guide) Click(item string) {
	g.ClickKind(item, "button")
}

// ClickKind asks the operator to click an element of the given kind.
func (g *Guide) ClickKind(item, kind string) {
	fmt.Fprintf(g.out, "\t%s\n", g.action.Render(fmt.Sprintf("Click (%s) %q", kind, item)))
}

// Fill asks the operator to type value into a form field.
func (g *Guide) Fill(field, value string) {
	fmt.Fprintf(g.out, "\t%s\n", g.action.Render(fmt.Sprintf("Fill in %q as: %s", field, value)))
}

// Pause blocks until the operator presses enter, then marks the resume point.
func (g *Guide) Pause() error {
	if !g.wait {
		return nil
	}
	fmt.Fprint(g.out, "\n\tPress enter in terminal to continue...\n")
	if _, err := g.readLine(); err != nil {
		return fmt.Errorf("wait for enter: %w", err)
	}
	g.ContinueHere("")
	return nil
}

// ContinueHere prints a banner that is easy to find when scrolling back.
func (g *Guide) ContinueHere(indicator string) {
	title := "CONTINUE FROM HERE"
	if indicator != "" {
		title += " - " + indicator
	}
	down := strings.Repeat("v", len(rule))
	fmt.Fprintf(g.out, "\n\n%s\n%s\n%s\n\n", rule, g.banner.Render("\t\t\t"+title), down)
}

// Ask prints prompt and returns the trimmed answer.
func (g *Guide) Ask(prompt string) (string, error) {
	fmt.Fprintf(g.out, "%s\n>", prompt)
	return g.readLine()
}

// Choose presents numbered options and returns the 1-based pick. Invalid
// answers are reprompted up to MaxChoiceAttempts times.
func (g *Guide) Choose(prompt string, options []string) (int, error) {
	for attempt := 0; attempt < MaxChoiceAttempts; attempt++ {
		fmt.Fprintln(g.out, g.warning.Render(prompt))
		for i, opt := range options {
			fmt.Fprintf(g.out, "\t%d - %s\n", i+1, opt)
		}
		fmt.Fprint(g.out, ">")
		answer, err := g.readLine()
		if err != nil {
			return 0, err
		}
		n, err := strconv.Atoi(answer)
		if err == nil && n >= 1 && n <= len(options) {
			return n, nil
		}
		fmt.Fprintf(g.out, "%q is not one of 1-%d\n", answer, len(options))
	}
	return 0, ErrNoChoice
}

func (g *Guide) readLine() (string, error) {
	line, err := g.in.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}
