// Package statusline renders the daemon's single-line progress indicator,
// mimicking the host build tool's own overwritten status line.
package statusline

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/term"
)

// Reporter writes one carriage-return-terminated line per state change,
// overwriting the previous one. Multi-task activity therefore never
// produces multi-line spam; only Line emits a real newline.
type Reporter struct {
	mu      sync.Mutex
	out     *os.File
	quiet   bool
	isTTY   bool
	width   func() int
	lastLen int
}

// New builds a reporter writing to out (normally os.Stdout). When quiet,
// or when out is not a terminal, Update becomes a no-op; Line still works.
func New(out *os.File, quiet bool) *Reporter {
	fd := int(out.Fd())
	isTTY := term.IsTerminal(fd)
	return &Reporter{
		out:   out,
		quiet: quiet,
		isTTY: isTTY,
		width: func() int {
			w, _, err := term.GetSize(fd)
			if err != nil || w <= 0 {
				return 80
			}
			return w
		},
	}
}

// Update overwrites the status line with prefix + text, truncated to the
// terminal width.
func (r *Reporter) Update(prefix, text string) {
	if r == nil || r.quiet || !r.isTTY {
		return
	}
	line := Elide(prefix, text, r.width())

	r.mu.Lock()
	defer r.mu.Unlock()
	pad := r.lastLen - len(line)
	if pad < 0 {
		pad = 0
	}
	fmt.Fprintf(r.out, "\r%s%s\r", line, strings.Repeat(" ", pad))
	r.lastLen = len(line)
}

// Line clears the status line and writes text as a durable line to w (the
// reporter's own output when w is nil). Used for task outcome reporting,
// which must survive even in quiet mode.
func (r *Reporter) Line(w io.Writer, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w == nil {
		w = r.out
	}
	if r.lastLen > 0 && !r.quiet && r.isTTY {
		fmt.Fprintf(r.out, "\r%s\r", strings.Repeat(" ", r.lastLen))
		r.lastLen = 0
	}
	fmt.Fprintln(w, text)
}

// Clear erases the status line, leaving the cursor at column zero.
func (r *Reporter) Clear() {
	if r == nil || r.quiet || !r.isTTY {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastLen > 0 {
		fmt.Fprintf(r.out, "\r%s\r", strings.Repeat(" ", r.lastLen))
		r.lastLen = 0
	}
}

// Elide joins prefix and text, shortening text to fit width columns. The
// prefix and the tail of the text are preserved, joined with an ellipsis:
// the tail is where task names live, and task names are what users scan
// for. Width is counted in runes so multibyte task names are never split
// mid-character.
func Elide(prefix, text string, width int) string {
	line := prefix
	if text != "" {
		line = prefix + " " + text
	}
	if width <= 0 || utf8.RuneCountInString(line) <= width {
		return line
	}
	const ellipsis = "..."
	keep := width - utf8.RuneCountInString(prefix) - 1 - len(ellipsis)
	if keep <= 0 {
		// Degenerate width: the prefix alone no longer fits.
		return string([]rune(line)[:width])
	}
	tail := []rune(text)
	return prefix + " " + ellipsis + string(tail[len(tail)-keep:])
}
