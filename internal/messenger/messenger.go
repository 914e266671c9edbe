// Package messenger prints operator-facing progress and outcome messages.
// It is the console counterpart of the structured logger: the logger records
// what happened, the messenger tells the person running the backup.
package messenger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
)

type Messenger interface {
	Success(format string, args ...any)
	Info(format string, args ...any)
	Warning(format string, args ...any)
	Error(format string, args ...any)
	Section(title string)
}

// Console writes colored lines to an io.Writer.
type Console struct {
	out     io.Writer
	success *color.Color
	info    *color.Color
	warning *color.Color
	err     *color.Color
	header  *color.Color
}

var _ Messenger = (*Console)(nil)

// NewConsole returns a Console writing to out (stdout when nil).
// Colors are disabled automatically when out is not a terminal.
func NewConsole(out io.Writer) *Console {
	if out == nil {
		out = os.Stdout
	}
	return &Console{
		out:     out,
		success: color.New(color.FgGreen),
		info:    color.New(color.FgCyan),
		warning: color.New(color.FgYellow),
		err:     color.New(color.FgRed, color.Bold),
		header:  color.New(color.FgMagenta, color.Bold),
	}
}

func (c *Console) Success(format string, args ...any) {
	c.print(c.success, "✓ ", format, args...)
}

func (c *Console) Info(format string, args ...any) {
	c.print(c.info, "", format, args...)
}

func (c *Console) Warning(format string, args ...any) {
	c.print(c.warning, "! ", format, args...)
}

func (c *Console) Error(format string, args ...any) {
	c.print(c.err, "✗ ", format, args...)
}

func (c *Console) Section(title string) {
	rule := strings.Repeat("=", 60)
	c.header.Fprintln(c.out, rule)
	c.header.Fprintln(c.out, title)
	c.header.Fprintln(c.out, rule)
}

func (c *Console) print(col *color.Color, prefix, format string, args ...any) {
	col.Fprintln(c.out, prefix+fmt.Sprintf(format, args...))
}

type discard struct{}

func (discard) Success(string, ...any) {}
func (discard) Info(string, ...any)    {}
func (discard) Warning(string, ...any) {}
func (discard) Error(string, ...any)   {}
func (discard) Section(string)         {}

// Discard returns a Messenger that prints nothing.
func Discard() Messenger { return discard{} }

// Size renders a byte count for operators, e.g. "16 MiB".
func Size(bytes int64) string {
	if bytes < 0 {
		bytes = 0
	}
	return humanize.IBytes(uint64(bytes))
}
