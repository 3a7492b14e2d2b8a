// Package cli holds the terminal prompts used by the brain-proxy setup
// commands.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"
)

// Prompter asks questions on Out and reads answers from In, one line each.
type Prompter struct {
	In  io.Reader
	Out io.Writer

	lines *bufio.Scanner
}

func (p *Prompter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.Out, format, args...)
}

// line returns the next trimmed input line, or "" at end of input.
func (p *Prompter) line() string {
	if p.lines == nil {
		p.lines = bufio.NewScanner(p.In)
	}
	if !p.lines.Scan() {
		return ""
	}
	return strings.TrimSpace(p.lines.Text())
}

// Section prints a heading that groups the questions after it.
func (p *Prompter) Section(title string) {
	p.printf("\n%s\n%s\n", title, strings.Repeat("-", len(title)))
}

// Ask reads one answer. An empty answer selects def.
func (p *Prompter) Ask(question, def string) string {
	if def == "" {
		p.printf("%s: ", question)
	} else {
		p.printf("%s [%s]: ", question, def)
	}
	if ans := p.line(); ans != "" {
		return ans
	}
	return def
}

// AskSecret reads a value without echo when In is a terminal. Answers shorter
// than minLen are refused, except that an empty answer returns "" so the
// caller can fall back to a generated value.
func (p *Prompter) AskSecret(question string, minLen int) string {
	for {
		p.printf("%s: ", question)
		ans := p.readHidden()
		if ans == "" || len(ans) >= minLen {
			return ans
		}
		p.printf("  Must be at least %d characters.\n", minLen)
	}
}

func (p *Prompter) readHidden() string {
	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		p.printf("\n")
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return p.line()
}

// AskDuration reads a Go duration such as "30s" or "24h".
func (p *Prompter) AskDuration(question string, def time.Duration) time.Duration {
	for {
		ans := p.Ask(question, def.String())
		d, err := time.ParseDuration(ans)
		if err == nil && d > 0 {
			return d
		}
		p.printf("  Enter a positive duration like 30s, 5m or 24h.\n")
	}
}

// Choose lists options and returns the one picked by number or by name.
func (p *Prompter) Choose(question string, options []string, def int) string {
	p.printf("%s\n", question)
	for i, opt := range options {
		p.printf("  %d) %s\n", i+1, opt)
	}
	for {
		ans := p.Ask("Choice", strconv.Itoa(def+1))
		if n, err := strconv.Atoi(ans); err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		for _, opt := range options {
			if strings.EqualFold(ans, opt) {
				return opt
			}
		}
		p.printf("  Pick 1-%d.\n", len(options))
	}
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, def bool) bool {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	switch ans := strings.ToLower(p.Ask(question+" ("+hint+")", "")); {
	case ans == "":
		return def
	case ans == "y" || ans == "yes":
		return true
	default:
		return false
	}
}
