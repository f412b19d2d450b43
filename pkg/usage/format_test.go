package usage

import (
	"strings"
	"testing"
)

func TestHumanTokens(t *testing.T) {
	tests := []struct {
		in   int
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1K"},
		{1532, "1.5K"},
		{10_000, "10K"},
		{1_000_000, "1M"},
		{1_550_000, "1.6M"},
	}

	for _, tc := range tests {
		if got := HumanTokens(tc.in); got != tc.want {
			t.Fatalf("HumanTokens(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFormatAggregateEmpty(t *testing.T) {
	if got := FormatAggregate(Aggregate{}); got != "no calls" {
		t.Fatalf("expected no calls, got %q", got)
	}
}

func TestFormatAggregate(t *testing.T) {
	agg := Aggregate{
		Calls:            5,
		KnownCalls:       4,
		UnknownCalls:     1,
		PromptTokens:     12_000,
		CompletionTokens: 3_000,
		TotalTokens:      15_000,
	}
	got := FormatAggregate(agg)
	if !strings.Contains(got, "5 calls") || !strings.Contains(got, "12K in") || !strings.Contains(got, "15K total") {
		t.Fatalf("unexpected summary: %q", got)
	}
	if !strings.Contains(got, "1 without usage data") {
		t.Fatalf("expected unknown-call note: %q", got)
	}
}
