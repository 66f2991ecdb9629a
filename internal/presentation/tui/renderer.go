package tui

import (
	"io"
	"os"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"
)

// Renderer turns markdown into terminal output.
type Renderer func(markdown string) (string, error)

// Plain returns the markdown unchanged.
func Plain(markdown string) (string, error) {
	return markdown, nil
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// NewRenderer returns a glamour renderer when w is a terminal and Plain
// otherwise, so piped output stays parseable.
func NewRenderer(w io.Writer) Renderer {
	if !IsTerminal(w) {
		return Plain
	}
	r, err := NewMarkdownRenderer(glamour.WithAutoStyle())
	if err != nil {
		return Plain
	}
	return r
}

// NewMarkdownRenderer builds a glamour renderer with the given options.
func NewMarkdownRenderer(opts ...glamour.TermRendererOption) (Renderer, error) {
	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return nil, err
	}
	return r.Render, nil
}
