package usage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestStoreAddAndQuery(t *testing.T) {
	workspace := t.TempDir()
	s := NewStore(workspace)

	s.Add(Record{
		SessionKey:       "telegram:1",
		Provider:         "anthropic",
		Model:            "claude-sonnet-4-5",
		PromptTokens:     10,
		CompletionTokens: 5,
		Known:            true,
	})

	recs := s.Query(Filter{SessionKey: "telegram:1"})
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0].TotalTokens != 15 {
		t.Fatalf("expected total computed as 15, got %d", recs[0].TotalTokens)
	}
	if recs[0].DayKey == "" {
		t.Fatalf("expected day key to be filled in")
	}

	data, err := os.ReadFile(filepath.Join(workspace, "usage", "usage.jsonl"))
	if err != nil {
		t.Fatalf("usage.jsonl missing: %v", err)
	}
	if !strings.Contains(string(data), `"session_key":"telegram:1"`) {
		t.Fatalf("record not persisted: %s", data)
	}
}

func TestStoreReloadsFromDisk(t *testing.T) {
	workspace := t.TempDir()

	s := NewStore(workspace)
	s.Add(Record{SessionKey: "s1", Provider: "openai", PromptTokens: 3, CompletionTokens: 2, Known: true})
	s.Add(Record{SessionKey: "s2", Provider: "openai", PromptTokens: 7, CompletionTokens: 1, Known: true})

	reloaded := NewStore(workspace)
	if got := len(reloaded.Query(Filter{})); got != 2 {
		t.Fatalf("expected 2 records after reload, got %d", got)
	}
}

func TestStoreDropsExpiredOnLoad(t *testing.T) {
	workspace := t.TempDir()

	s := NewStore(workspace)
	s.Add(Record{SessionKey: "s1", Timestamp: time.Now().UTC().AddDate(0, 0, -40), Known: true})
	s.Add(Record{SessionKey: "s1", Timestamp: time.Now().UTC().AddDate(0, 0, -1), Known: true})

	reloaded := NewStore(workspace)
	if got := len(reloaded.Query(Filter{SessionKey: "s1"})); got != 1 {
		t.Fatalf("expected expired record dropped, got %d records", got)
	}
}

func TestQueryFilters(t *testing.T) {
	s := NewStore("")
	s.Add(Record{SessionKey: "a", Provider: "anthropic", DayKey: "2026-08-01", Known: true})
	s.Add(Record{SessionKey: "a", Provider: "openai", DayKey: "2026-08-02", Known: true})
	s.Add(Record{SessionKey: "b", Provider: "openai", DayKey: "2026-08-02", Known: true})

	if got := len(s.Query(Filter{Provider: "OpenAI"})); got != 2 {
		t.Fatalf("provider filter should be case insensitive, got %d", got)
	}
	if got := len(s.Query(Filter{SessionKey: "a", DayKey: "2026-08-02"})); got != 1 {
		t.Fatalf("combined filter mismatch, got %d", got)
	}
	if got := len(s.Query(Filter{Limit: 2})); got != 2 {
		t.Fatalf("limit should cap results, got %d", got)
	}
}

func TestAggregateRecords(t *testing.T) {
	records := []Record{
		{Known: true, PromptTokens: 100, CompletionTokens: 25, TotalTokens: 125},
		{Known: false},
		{Known: true, PromptTokens: 20, CompletionTokens: 5, TotalTokens: 25},
	}
	agg := AggregateRecords(records)
	if agg.Calls != 3 || agg.KnownCalls != 2 || agg.UnknownCalls != 1 {
		t.Fatalf("unexpected counts: %+v", agg)
	}
	if agg.PromptTokens != 120 || agg.CompletionTokens != 30 || agg.TotalTokens != 150 {
		t.Fatalf("unexpected tokens: %+v", agg)
	}
}

func TestProviderBreakdown(t *testing.T) {
	records := []Record{
		{Provider: "anthropic", Known: true, TotalTokens: 10, PromptTokens: 6, CompletionTokens: 4},
		{Provider: "anthropic", Known: true, TotalTokens: 20, PromptTokens: 15, CompletionTokens: 5},
		{Provider: "", Known: false},
	}
	breakdown := ProviderBreakdown(records)
	if breakdown["anthropic"].TotalTokens != 30 {
		t.Fatalf("unexpected anthropic total: %+v", breakdown["anthropic"])
	}
	if breakdown["unknown"].Calls != 1 {
		t.Fatalf("expected empty provider grouped as unknown: %+v", breakdown)
	}
}
