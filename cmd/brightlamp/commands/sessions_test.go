package commands

import (
	"strings"
	"testing"
)

func TestRenderTable(t *testing.T) {
	out := renderTable(
		[]string{"CONVERSATION", "USER", "CONNECTED"},
		[][]string{
			{"conv-1", "user-42", "yes"},
			{"conv-2", "u", "no"},
		},
	)
	lines := strings.Split(out, "\n")
	if len(lines) != 3 {
		t.Fatalf("rendered %d lines, want 3", len(lines))
	}
	if !strings.Contains(lines[0], "CONVERSATION") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[1], "conv-1") || !strings.Contains(lines[2], "conv-2") {
		t.Errorf("rows = %q", lines[1:])
	}
}

func TestRenderTable_WideCells(t *testing.T) {
	out := renderTable(
		[]string{"ID"},
		[][]string{{"a-very-long-conversation-id"}},
	)
	if !strings.Contains(out, "a-very-long-conversation-id") {
		t.Errorf("table = %q", out)
	}
}
