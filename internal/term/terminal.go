// Package term writes the guest console and diagnostic dumps to the host's
// stdout. Escape sequences reach a terminal unchanged; anything else gets
// plain text.
package term

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
	xterm "golang.org/x/term"
)

// Output is a line buffered writer that strips escape sequences unless it
// writes to a terminal. Guest consoles emit one byte at a time, so sequences
// are only stripped once a whole line is known.
type Output struct {
	mu  sync.Mutex
	w   io.Writer
	tty bool
	buf bytes.Buffer
}

var _ io.WriteCloser = (*Output)(nil)

// NewOutput wraps f, checking whether it is a terminal.
func NewOutput(f *os.File) *Output {
	return &Output{w: f, tty: xterm.IsTerminal(int(f.Fd()))}
}

// NewPlain wraps a writer that is never treated as a terminal.
func NewPlain(w io.Writer) *Output { return &Output{w: w} }

func (o *Output) IsTerminal() bool { return o.tty }

func (o *Output) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.tty {
		return o.w.Write(p)
	}
	o.buf.Write(p)
	for {
		i := bytes.IndexByte(o.buf.Bytes(), '\n')
		if i < 0 {
			return len(p), nil
		}
		line := o.buf.Next(i + 1)
		if _, err := io.WriteString(o.w, ansi.Strip(string(line))); err != nil {
			return 0, err
		}
	}
}

// Flush writes a trailing partial line.
func (o *Output) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.buf.Len() == 0 {
		return nil
	}
	_, err := io.WriteString(o.w, ansi.Strip(o.buf.String()))
	o.buf.Reset()
	return err
}

func (o *Output) Close() error { return o.Flush() }

// Style is an SGR attribute set.
type Style int

const (
	Plain Style = iota
	Bold
	Error
	Faint
)

func (s Style) sgr() string {
	switch s {
	case Bold:
		return ansi.Style{}.Bold().String()
	case Error:
		return ansi.Style{}.Bold().ForegroundColor(ansi.Red).String()
	case Faint:
		return ansi.Style{}.Faint().String()
	}
	return ""
}

// Styled returns text with style s when o is a terminal.
func (o *Output) Styled(s Style, text string) string {
	if !o.tty || s == Plain {
		return text
	}
	return s.sgr() + text + ansi.ResetStyle
}

// Printf formats to o with style s.
func (o *Output) Printf(s Style, format string, args ...any) error {
	_, err := io.WriteString(o, o.Styled(s, fmt.Sprintf(format, args...)))
	return err
}

// Table writes rows as left aligned columns. Cells may carry escape
// sequences; widths are measured on what is displayed.
func Table(w io.Writer, rows [][]string) error {
	var widths []int
	for _, row := range rows {
		for i, cell := range row {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			widths[i] = max(widths[i], ansi.StringWidth(cell))
		}
	}
	var b strings.Builder
	for _, row := range rows {
		b.Reset()
		for i, cell := range row {
			b.WriteString(cell)
			if i < len(row)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-ansi.StringWidth(cell)+2))
			}
		}
		b.WriteByte('\n')
		if _, err := io.WriteString(w, b.String()); err != nil {
			return err
		}
	}
	return nil
}
