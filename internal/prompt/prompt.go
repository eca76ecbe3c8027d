// Package prompt implements confirm.Prompter for terminals and plain streams.
package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"

	"github.com/tachyonhq/tachyon/pkg/confirm"
)

// Huh prompts with an interactive text input.
type Huh struct {
	// Accessible renders the prompt without TUI widgets.
	Accessible bool
}

// Prompt shows a single input field. Aborting the form (ctrl+c) returns an
// empty answer, which never matches a keyword.
func (h Huh) Prompt(ctx context.Context, title, description string) (string, error) {
	var answer string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title(title).
			Description(description).
			Value(&answer),
	)).WithAccessible(h.Accessible)

	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return "", nil
		}
		return "", err
	}
	return answer, nil
}

// Line prints the question to Out and reads one line from In. All prompts
// share one buffered reader, so input typed ahead is not lost between calls.
// Prompts must not run concurrently.
type Line struct {
	In  io.Reader
	Out io.Writer

	mu      sync.Mutex
	reader  *bufio.Reader
	pending chan lineResult
}

type lineResult struct {
	line string
	err  error
}

// NewLine creates a Line prompter over in and out.
func NewLine(in io.Reader, out io.Writer) *Line {
	return &Line{In: in, Out: out}
}

// Prompt reads a single line. EOF without input yields an empty answer.
//
// A canceled prompt returns ctx.Err() but its read stays in flight; the next
// Prompt receives that line instead of starting a second read.
func (l *Line) Prompt(ctx context.Context, title, description string) (string, error) {
	_, _ = fmt.Fprintf(l.Out, "%s\n%s: ", title, description)

	done := l.read()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-done:
		l.mu.Lock()
		l.pending = nil
		l.mu.Unlock()
		return r.line, r.err
	}
}

// read returns the channel of the in-flight read, starting one if needed.
func (l *Line) read() chan lineResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pending != nil {
		return l.pending
	}
	if l.reader == nil {
		l.reader = bufio.NewReader(l.In)
	}

	done := make(chan lineResult, 1)
	l.pending = done
	reader := l.reader
	go func() {
		line, err := reader.ReadString('\n')
		if errors.Is(err, io.EOF) {
			err = nil
		}
		done <- lineResult{line: strings.TrimRight(line, "\r\n"), err: err}
	}()
	return done
}

// ForTerminal returns a Huh prompter when stdin is a terminal and a Line
// prompter over stdin/stderr otherwise.
func ForTerminal() confirm.Prompter {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return Huh{}
	}
	return NewLine(os.Stdin, os.Stderr)
}
