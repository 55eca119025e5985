package flaky

import (
	"slices"
	"sort"
	"sync"
	"time"

	"testrig/internal/api"
)

// RunRecord is one observed run of a test.
type RunRecord struct {
	Timestamp time.Time      `json:"timestamp"`
	Status    api.TestStatus `json:"status"`
	Duration  time.Duration  `json:"duration"`
	Error     string         `json:"error,omitempty"`
}

// Record is the accumulated flakiness information of one test. Runs are
// only ever appended: Failures <= TotalRuns == len(History).
type Record struct {
	TestID      string      `json:"testId"`
	Name        string      `json:"name"`
	File        string      `json:"file,omitempty"`
	Line        int         `json:"line,omitempty"`
	IsFlaky     bool        `json:"isFlaky"`
	FailureRate float64     `json:"failureRate"`
	TotalRuns   int         `json:"totalRuns"`
	Failures    int         `json:"failures"`
	Causes      []Cause     `json:"causes"`
	Confidence  float64     `json:"confidence"`
	Passes      int         `json:"passes"`
	LastChecked time.Time   `json:"lastChecked"`
	History     []RunRecord `json:"history"`
	LastPass    Analysis    `json:"lastPass"`
}

func (r Record) clone() Record {
	c := r
	c.Causes = slices.Clone(r.Causes)
	c.History = slices.Clone(r.History)
	c.LastPass.Causes = slices.Clone(r.LastPass.Causes)
	return c
}

type historyStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func newHistoryStore() *historyStore {
	return &historyStore{records: make(map[string]*Record)}
}

// append adds the outcomes of one pass to the record of c and returns a copy
// of the updated record. Totals cover the whole history; causes come from the
// latest pass.
func (s *historyStore) append(c Candidate, outcomes []api.TestOutcome, analysis Analysis, now time.Time) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[c.ID]
	if !ok {
		r = &Record{TestID: c.ID, Name: c.Name, File: c.Path}
		if r.Name == "" {
			r.Name = c.Path
		}
		s.records[c.ID] = r
	}

	for _, o := range outcomes {
		run := RunRecord{Timestamp: now, Status: o.Status, Duration: o.Duration}
		if o.Error != nil {
			run.Error = o.Error.Message
		}
		r.History = append(r.History, run)
		if o.Status == api.StatusFailed {
			r.Failures++
		}
		if r.File == "" && o.File != "" {
			r.File = o.File
		}
		if r.Line == 0 && o.Line > 0 {
			r.Line = o.Line
		}
	}

	r.TotalRuns = len(r.History)
	if r.TotalRuns > 0 {
		r.FailureRate = float64(r.Failures) / float64(r.TotalRuns)
	}
	r.Passes++
	r.LastChecked = now
	r.LastPass = analysis
	r.IsFlaky = analysis.IsFlaky
	r.Causes = slices.Clone(analysis.Causes)
	r.Confidence = analysis.Confidence

	return r.clone()
}

func (s *historyStore) get(testID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[testID]
	if !ok || len(r.History) == 0 {
		return Record{}, false
	}
	return r.clone(), true
}

func (s *historyStore) all() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TestID < out[j].TestID })
	return out
}
