// Package pattern implements the decomposition-pattern library: a
// keyword-bucketed store of prior successful task breakdowns, consulted
// before a fresh decomposition and updated with an exponential moving
// average as outcomes come in. The store is one atomicfile-backed JSON
// document round-tripped whole; the library is small and written
// infrequently, so it never needs a queryable table.
package pattern

import (
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pilot-run/pilot/internal/atomicfile"
	"github.com/pilot-run/pilot/internal/clock"
	"github.com/pilot-run/pilot/internal/config"
)

// emaAlpha weights a new outcome against an entry's running success rate.
const emaAlpha = 0.3

// defaultTopN bounds how many entries survive pruning per task-type
// bucket.
const defaultTopN = 50

// defaultMinScore is the floor a candidate match must clear to be
// returned from Find; the exact floor is configurable per call, so
// this is only a conservative starting point.
const defaultMinScore = 0.2

// bucketKeywords classifies free text into one of the six task
// types by first keyword hit, checked in a fixed priority order so the
// classification is deterministic regardless of map iteration.
var bucketOrder = []string{"bugfix", "test", "infra", "docs", "refactor", "feature"}

var bucketKeywords = map[string][]string{
	"bugfix":   {"fix", "bug", "crash", "regression", "broken", "error"},
	"test":     {"test", "coverage", "spec", "flaky"},
	"docs":     {"doc", "readme", "comment", "docstring"},
	"infra":    {"ci", "pipeline", "deploy", "docker", "infra", "terraform"},
	"refactor": {"refactor", "cleanup", "rename", "restructure", "simplify"},
	"feature":  {"add", "implement", "feature", "support", "introduce"},
}

// Classify buckets task text into one of feature/bugfix/refactor/test/
// docs/infra, defaulting to feature when nothing matches.
func Classify(text string) string {
	lower := strings.ToLower(text)
	for _, bucket := range bucketOrder {
		for _, kw := range bucketKeywords[bucket] {
			if strings.Contains(lower, kw) {
				return bucket
			}
		}
	}
	return "feature"
}

// Entry is one stored decomposition pattern.
type Entry struct {
	Key         string    `json:"key"`
	TaskType    string    `json:"task_type"`
	Keywords    []string  `json:"keywords"`
	Steps       []string  `json:"steps"`
	SuccessRate float64   `json:"success_rate"`
	UsageCount  int64     `json:"usage_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Decomposition is the match result shape, deliberately identical to
// coordinator.Decomposition's fields so the daemon wiring layer can
// convert between them with a field-for-field copy, not a translation.
type Decomposition struct {
	PatternKey string
	Steps      []string
}

type document struct {
	Entries map[string][]Entry `json:"entries"`
}

// Library is the decomposition-pattern store rooted at
// paths.PatternLibraryFile.
type Library struct {
	paths config.Paths
	clock clock.Clock
	mu    sync.Mutex
}

// New creates a Library.
func New(paths config.Paths, clk clock.Clock) *Library {
	return &Library{paths: paths, clock: clk}
}

func (l *Library) load() (document, error) {
	data, err := os.ReadFile(l.paths.PatternLibraryFile)
	if err != nil {
		if os.IsNotExist(err) {
			return document{Entries: map[string][]Entry{}}, nil
		}
		return document{}, err
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{Entries: map[string][]Entry{}}, nil
	}
	if doc.Entries == nil {
		doc.Entries = map[string][]Entry{}
	}
	return doc, nil
}

func (l *Library) save(doc document) error {
	return atomicfile.WriteJSON(l.paths.PatternLibraryFile, doc)
}

// matchScore weights keyword overlap by the entry's track record, so a
// frequently-successful pattern outranks a partial keyword match against
// a rarely-successful one.
func matchScore(text string, e Entry) float64 {
	if len(e.Keywords) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	hits := 0
	for _, kw := range e.Keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			hits++
		}
	}
	overlap := float64(hits) / float64(len(e.Keywords))
	return overlap * (0.5 + 0.5*e.SuccessRate)
}

// Find returns the best-scoring entry for text within its classified
// bucket, or false if nothing clears minScore.
func (l *Library) Find(text string, minScore float64) (Entry, bool) {
	bucket := Classify(text)
	l.mu.Lock()
	doc, err := l.load()
	l.mu.Unlock()
	if err != nil {
		return Entry{}, false
	}
	var best Entry
	bestScore := -1.0
	for _, e := range doc.Entries[bucket] {
		if s := matchScore(text, e); s > bestScore {
			bestScore, best = s, e
		}
	}
	if bestScore < minScore {
		return Entry{}, false
	}
	return best, true
}

// Match is Find's daemon-facing shape, returning a Decomposition ready
// for field-for-field conversion into coordinator.Decomposition.
func (l *Library) Match(text string) (Decomposition, bool) {
	e, ok := l.Find(text, defaultMinScore)
	if !ok {
		return Decomposition{}, false
	}
	return Decomposition{PatternKey: e.Key, Steps: e.Steps}, true
}

// Record appends a new entry or EMA-updates an existing one keyed by
// key within taskType's bucket, then prunes the bucket to the top
// defaultTopN entries by success rate, then usage count, so the bucket
// stays bounded and low performers fall off the bottom.
func (l *Library) Record(key, taskType string, keywords, steps []string, success bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	doc, err := l.load()
	if err != nil {
		return err
	}
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	bucket := doc.Entries[taskType]
	idx := -1
	for i, e := range bucket {
		if e.Key == key {
			idx = i
			break
		}
	}
	now := l.clock.Now()
	if idx >= 0 {
		e := bucket[idx]
		e.SuccessRate = emaAlpha*outcome + (1-emaAlpha)*e.SuccessRate
		e.UsageCount++
		e.Keywords = keywords
		e.Steps = steps
		e.UpdatedAt = now
		bucket[idx] = e
	} else {
		bucket = append(bucket, Entry{
			Key: key, TaskType: taskType, Keywords: keywords, Steps: steps,
			SuccessRate: outcome, UsageCount: 1, UpdatedAt: now,
		})
	}
	sort.SliceStable(bucket, func(i, j int) bool {
		if bucket[i].SuccessRate != bucket[j].SuccessRate {
			return bucket[i].SuccessRate > bucket[j].SuccessRate
		}
		return bucket[i].UsageCount > bucket[j].UsageCount
	})
	if len(bucket) > defaultTopN {
		bucket = bucket[:defaultTopN]
	}
	doc.Entries[taskType] = bucket
	return l.save(doc)
}
