// Package diag renders task failures as bordered, Rust-style diagnostics
// (spec §7): "error[<code>]: <message>" plus optional task/step/command
// context, a truncated output tail, and help/note annotations.
package diag

import (
	"fmt"
	"strings"

	"github.com/heroku/color"
)

// Severity selects the border color and the leading label.
type Severity string

const (
	SeverityError Severity = "error"
	SeverityWarn  Severity = "warning"
)

// maxTailLines bounds how much of a failing command's output is echoed
// inline with the diagnostic (spec §7: "truncated output tail, max 10 lines").
const maxTailLines = 10

// errorKeywords get highlighted within the output tail.
var errorKeywords = []string{"error", "fatal", "panic", "failed", "exception"}

// Diagnostic is one renderable failure.
type Diagnostic struct {
	Severity Severity
	Code     string
	Message  string

	Task    string
	Step    string
	Command string

	Output []string // full output lines; Render truncates to the tail
	Help   []string
	Notes  []string
}

var (
	errorColor = color.New(color.FgRed, color.Bold)
	warnColor  = color.New(color.FgYellow, color.Bold)
	dimColor   = color.New(color.Faint)
	fieldColor = color.New(color.FgCyan)
)

func (d Diagnostic) labelColor() *color.Color {
	if d.Severity == SeverityWarn {
		return warnColor
	}
	return errorColor
}

// Render produces the full bordered, multi-line form.
func (d Diagnostic) Render() string {
	var b strings.Builder
	label := d.labelColor().Sprintf("%s[%s]", d.Severity, d.Code)
	header := fmt.Sprintf("%s: %s", label, d.Message)
	width := visibleWidth(header) + 2

	fmt.Fprintf(&b, "%s\n", border('+', width))
	fmt.Fprintf(&b, "| %s |\n", header)
	fmt.Fprintf(&b, "%s\n", border('+', width))

	writeField(&b, "task", d.Task)
	writeField(&b, "step", d.Step)
	writeField(&b, "command", d.Command)

	if len(d.Output) > 0 {
		tail := d.Output
		if len(tail) > maxTailLines {
			tail = tail[len(tail)-maxTailLines:]
		}
		b.WriteString(dimColor.Sprint("  output:\n"))
		for _, line := range tail {
			b.WriteString("    ")
			b.WriteString(highlightKeywords(line))
			b.WriteString("\n")
		}
	}

	for _, h := range d.Help {
		fmt.Fprintf(&b, "  %s %s\n", dimColor.Sprint("help:"), h)
	}
	for _, n := range d.Notes {
		fmt.Fprintf(&b, "  %s %s\n", dimColor.Sprint("note:"), n)
	}
	return b.String()
}

// Compact produces the single-line form: "error[<code>]: <message> (task=.. step=..)".
func (d Diagnostic) Compact() string {
	label := d.labelColor().Sprintf("%s[%s]", d.Severity, d.Code)
	var ctx []string
	if d.Task != "" {
		ctx = append(ctx, "task="+d.Task)
	}
	if d.Step != "" {
		ctx = append(ctx, "step="+d.Step)
	}
	if len(ctx) == 0 {
		return fmt.Sprintf("%s: %s", label, d.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", label, d.Message, strings.Join(ctx, " "))
}

func writeField(b *strings.Builder, name, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(b, "  %s %s\n", fieldColor.Sprintf("%s:", name), value)
}

func highlightKeywords(line string) string {
	lower := strings.ToLower(line)
	for _, kw := range errorKeywords {
		if strings.Contains(lower, kw) {
			return errorColor.Sprint(line)
		}
	}
	return line
}

func border(ch byte, width int) string {
	return strings.Repeat(string(ch), width)
}

// visibleWidth approximates display width by stripping ANSI escapes, since
// color.Sprintf output length shouldn't drive the border size when color is
// disabled or the terminal doesn't support it.
func visibleWidth(s string) int {
	var b strings.Builder
	inEscape := false
	for i := 0; i < len(s); i++ {
		switch {
		case inEscape:
			if s[i] == 'm' {
				inEscape = false
			}
		case s[i] == 0x1b:
			inEscape = true
		default:
			b.WriteByte(s[i])
		}
	}
	return len(b.String())
}

// SetColorEnabled toggles ANSI output globally, wired to --no-color.
func SetColorEnabled(enabled bool) {
	color.NoColor = !enabled
}
