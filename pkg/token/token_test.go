package token

import (
	"strings"
	"testing"
)

func TestCountEmpty(t *testing.T) {
	if got := Count(""); got != 0 {
		t.Errorf("Count(\"\") = %d, want 0", got)
	}
}

func TestCountMonotonic(t *testing.T) {
	short := "The knight drew his sword."
	long := short + " The dragon circled overhead, waiting for an opening."
	if Count(long) <= Count(short) {
		t.Errorf("longer text should cost more: %d vs %d", Count(long), Count(short))
	}
}

func TestCountMessageOverhead(t *testing.T) {
	if CountMessage("") <= Count("") {
		t.Error("message overhead not applied")
	}
}

func TestTruncateFits(t *testing.T) {
	text := "a short line"
	if got := Truncate(text, 1000); got != text {
		t.Errorf("Truncate should be identity when under budget, got %q", got)
	}
}

func TestTruncateZeroBudget(t *testing.T) {
	if got := Truncate("anything at all", 0); got != "" {
		t.Errorf("zero budget should yield empty string, got %q", got)
	}
}

func TestTruncateUnderBudget(t *testing.T) {
	text := strings.Repeat("wandering ", 200)
	budget := 50
	got := Truncate(text, budget)
	if Count(got) > budget {
		t.Errorf("truncated text costs %d, budget %d", Count(got), budget)
	}
	if got == "" {
		t.Error("expected non-empty truncation for positive budget")
	}
}

func TestHistoryBudgetNegative(t *testing.T) {
	b := Budget{MaxContextTokens: 100, MaxOutputTokens: 200}
	if got := b.HistoryBudget(50); got >= 0 {
		t.Errorf("expected negative history budget, got %d", got)
	}
}
