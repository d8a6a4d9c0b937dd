package diag

import (
	"strings"
	"testing"
)

func TestRenderIncludesCodeAndMessage(t *testing.T) {
	d := Diagnostic{Severity: SeverityError, Code: "E0042", Message: "task exited non-zero", Task: "build"}
	out := d.Render()
	if !strings.Contains(out, "error[E0042]") {
		t.Fatalf("expected error code in output, got: %s", out)
	}
	if !strings.Contains(out, "task exited non-zero") {
		t.Fatalf("expected message in output, got: %s", out)
	}
	if !strings.Contains(out, "build") {
		t.Fatalf("expected task field in output, got: %s", out)
	}
}

func TestRenderTruncatesOutputTail(t *testing.T) {
	lines := make([]string, 30)
	for i := range lines {
		lines[i] = "line"
	}
	d := Diagnostic{Severity: SeverityError, Code: "E1", Message: "boom", Output: lines}
	out := d.Render()
	if strings.Count(out, "line") != maxTailLines {
		t.Fatalf("expected exactly %d output lines, got %d", maxTailLines, strings.Count(out, "line"))
	}
}

func TestRenderOmitsEmptyFields(t *testing.T) {
	d := Diagnostic{Severity: SeverityError, Code: "E1", Message: "boom"}
	out := d.Render()
	if strings.Contains(out, "task:") {
		t.Fatalf("expected no task field for empty Task, got: %s", out)
	}
}

func TestRenderIncludesHelpAndNotes(t *testing.T) {
	d := Diagnostic{
		Severity: SeverityError, Code: "E1", Message: "boom",
		Help:  []string{"try again"},
		Notes: []string{"this is a note"},
	}
	out := d.Render()
	if !strings.Contains(out, "try again") || !strings.Contains(out, "this is a note") {
		t.Fatalf("expected help/note annotations in output, got: %s", out)
	}
}

func TestCompactFormIsOneLine(t *testing.T) {
	d := Diagnostic{Severity: SeverityError, Code: "E1", Message: "boom", Task: "build", Step: "run"}
	out := d.Compact()
	if strings.Contains(out, "\n") {
		t.Fatalf("expected single-line compact form, got: %q", out)
	}
	if !strings.Contains(out, "task=build") || !strings.Contains(out, "step=run") {
		t.Fatalf("expected task/step context in compact form, got: %q", out)
	}
}
