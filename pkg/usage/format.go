package usage

import (
	"fmt"
	"strconv"
	"strings"
)

// HumanTokens renders a token count with a K or M suffix.
func HumanTokens(n int) string {
	switch {
	case n >= 1_000_000:
		return trimZero(fmt.Sprintf("%.1f", float64(n)/1_000_000)) + "M"
	case n >= 1_000:
		return trimZero(fmt.Sprintf("%.1f", float64(n)/1_000)) + "K"
	default:
		return strconv.Itoa(n)
	}
}

func trimZero(s string) string {
	return strings.TrimSuffix(s, ".0")
}

// FormatAggregate renders an aggregate as a one-line summary.
func FormatAggregate(agg Aggregate) string {
	if agg.Calls == 0 {
		return "no calls"
	}
	line := fmt.Sprintf("%d calls, %s in / %s out (%s total)",
		agg.Calls,
		HumanTokens(agg.PromptTokens),
		HumanTokens(agg.CompletionTokens),
		HumanTokens(agg.TotalTokens))
	if agg.UnknownCalls > 0 {
		line += fmt.Sprintf(", %d without usage data", agg.UnknownCalls)
	}
	return line
}
