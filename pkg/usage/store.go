package usage

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const retentionDays = 30

// Record is one provider call's token accounting. Known is false when
// the provider did not report usage.
type Record struct {
	Timestamp        time.Time `json:"timestamp"`
	DayKey           string    `json:"day_key"`
	SessionKey       string    `json:"session_key"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	Known            bool      `json:"known"`
}

type Filter struct {
	SessionKey string
	DayKey     string
	Provider   string
	Limit      int
}

type Aggregate struct {
	Calls            int
	KnownCalls       int
	UnknownCalls     int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Store appends records to a JSONL file under the workspace and keeps
// them in memory for queries. Records older than the retention window
// are dropped on load.
type Store struct {
	mu      sync.RWMutex
	records []Record
	path    string
}

func NewStore(workspace string) *Store {
	s := &Store{}
	if workspace == "" {
		return s
	}
	dir := filepath.Join(workspace, "usage")
	_ = os.MkdirAll(dir, 0o755)
	s.path = filepath.Join(dir, "usage.jsonl")
	s.load()
	return s
}

func TodayKey() string {
	return time.Now().UTC().Format("2006-01-02")
}

func (s *Store) Add(r Record) {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	if r.DayKey == "" {
		r.DayKey = r.Timestamp.UTC().Format("2006-01-02")
	}
	if r.TotalTokens == 0 {
		r.TotalTokens = r.PromptTokens + r.CompletionTokens
	}

	s.mu.Lock()
	s.records = append(s.records, r)
	s.mu.Unlock()

	s.appendToFile(r)
}

func (s *Store) Query(f Filter) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if f.SessionKey != "" && r.SessionKey != f.SessionKey {
			continue
		}
		if f.DayKey != "" && r.DayKey != f.DayKey {
			continue
		}
		if f.Provider != "" && !strings.EqualFold(r.Provider, f.Provider) {
			continue
		}
		out = append(out, r)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

func AggregateRecords(records []Record) Aggregate {
	var agg Aggregate
	for _, r := range records {
		agg.Calls++
		if !r.Known {
			agg.UnknownCalls++
			continue
		}
		agg.KnownCalls++
		agg.PromptTokens += r.PromptTokens
		agg.CompletionTokens += r.CompletionTokens
		agg.TotalTokens += r.TotalTokens
	}
	return agg
}

// ProviderBreakdown aggregates records per provider name.
func ProviderBreakdown(records []Record) map[string]Aggregate {
	grouped := map[string][]Record{}
	for _, r := range records {
		p := strings.TrimSpace(r.Provider)
		if p == "" {
			p = "unknown"
		}
		grouped[p] = append(grouped[p], r)
	}
	out := make(map[string]Aggregate, len(grouped))
	for p, recs := range grouped {
		out[p] = AggregateRecords(recs)
	}
	return out
}

func (s *Store) load() {
	f, err := os.Open(s.path)
	if err != nil {
		return
	}
	defer f.Close()

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var r Record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			continue
		}
		if r.Timestamp.Before(cutoff) {
			continue
		}
		s.records = append(s.records, r)
	}
}

func (s *Store) appendToFile(r Record) {
	if s.path == "" {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	f.Write(append(data, '\n'))
}
