// Package cli implements the terminal prompts behind entitlementd's
// interactive setup.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Prompter reads answers line by line from In and writes questions to Out.
// The zero reader/writer pair is not usable; construct via DefaultPrompter
// or fill both fields.
type Prompter struct {
	In  io.Reader
	Out io.Writer

	reader *bufio.Reader
}

// DefaultPrompter prompts on stdin/stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

func (p *Prompter) line() string {
	if p.reader == nil {
		p.reader = bufio.NewReader(p.In)
	}
	text, err := p.reader.ReadString('\n')
	if err != nil && text == "" {
		return ""
	}
	return strings.TrimSpace(text)
}

// Ask poses a question and returns the typed answer, or defaultVal when the
// user just presses Enter.
func (p *Prompter) Ask(question, defaultVal string) string {
	if defaultVal != "" {
		_, _ = fmt.Fprintf(p.Out, "%s [%s]: ", question, defaultVal)
	} else {
		_, _ = fmt.Fprintf(p.Out, "%s: ", question)
	}
	if answer := p.line(); answer != "" {
		return answer
	}
	return defaultVal
}

// AskSecret reads an answer without echoing it. When In is not a terminal
// (tests, piped input) it degrades to a plain line read.
func (p *Prompter) AskSecret(question string) string {
	_, _ = fmt.Fprintf(p.Out, "%s: ", question)

	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		raw, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(p.Out)
		if err == nil {
			return strings.TrimSpace(string(raw))
		}
	}
	return p.line()
}

// Select lists options one per line and reads the chosen number until a
// valid one is given. The default is marked and used on an empty answer.
func (p *Prompter) Select(question string, options []string, defaultIdx int) string {
	_, _ = fmt.Fprintln(p.Out, question)
	for i, opt := range options {
		if i == defaultIdx {
			_, _ = fmt.Fprintf(p.Out, "> %d) %s\n", i+1, opt)
		} else {
			_, _ = fmt.Fprintf(p.Out, "  %d) %s\n", i+1, opt)
		}
	}

	for {
		answer := p.Ask("Choice", strconv.Itoa(defaultIdx+1))
		if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		_, _ = fmt.Fprintf(p.Out, "  Enter a number between 1 and %d.\n", len(options))
	}
}

// Confirm asks a yes/no question; anything starting with y or Y is yes.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	answer := p.Ask(fmt.Sprintf("%s [%s]", question, hint), "")
	if answer == "" {
		return defaultYes
	}
	return strings.HasPrefix(strings.ToLower(answer), "y")
}
