// Package board implements the agent-context status board (a single
// JSON file keyed by session id tracking each agent's current task,
// step, and touched files) and service discovery over an agent
// registry (role -> capabilities and file-pattern globs), with
// specificity-scored best-match lookup.
package board

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pilot-run/pilot/internal/atomicfile"
	"github.com/pilot-run/pilot/internal/perr"
)

// Entry is one agent's published progress.
type Entry struct {
	SessionID string   `json:"session_id"`
	Role      string   `json:"role"`
	TaskID    string   `json:"task_id,omitempty"`
	Step      string   `json:"step,omitempty"`
	Files     []string `json:"files,omitempty"`
}

// boardDoc is the on-disk shape: a map keyed by session id.
type boardDoc map[string]Entry

// Board tracks every active agent's current progress in one JSON file.
type Board struct {
	path string
}

// New creates a Board backed by path.
func New(path string) *Board {
	return &Board{path: path}
}

func (b *Board) load() (boardDoc, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return boardDoc{}, nil
		}
		return nil, err
	}
	var doc boardDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return boardDoc{}, nil
	}
	if doc == nil {
		doc = boardDoc{}
	}
	return doc, nil
}

func (b *Board) save(doc boardDoc) error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return err
	}
	return atomicfile.WriteJSON(b.path, doc)
}

// Publish upserts sessionID's current progress entry.
func (b *Board) Publish(e Entry) error {
	doc, err := b.load()
	if err != nil {
		return perr.Wrap(perr.IOError, err, "board: load")
	}
	doc[e.SessionID] = e
	if err := b.save(doc); err != nil {
		return perr.Wrap(perr.IOError, err, "board: save")
	}
	return nil
}

// Remove deletes sessionID's entry (called on session end).
func (b *Board) Remove(sessionID string) error {
	doc, err := b.load()
	if err != nil {
		return perr.Wrap(perr.IOError, err, "board: load")
	}
	if _, ok := doc[sessionID]; !ok {
		return nil
	}
	delete(doc, sessionID)
	if err := b.save(doc); err != nil {
		return perr.Wrap(perr.IOError, err, "board: save")
	}
	return nil
}

// All returns every currently published entry.
func (b *Board) All() ([]Entry, error) {
	doc, err := b.load()
	if err != nil {
		return nil, perr.Wrap(perr.IOError, err, "board: load")
	}
	out := make([]Entry, 0, len(doc))
	for _, e := range doc {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

// ByFile returns every entry that has touched path.
func (b *Board) ByFile(path string) ([]Entry, error) {
	all, err := b.All()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		for _, f := range e.Files {
			if f == path {
				out = append(out, e)
				break
			}
		}
	}
	return out, nil
}

// CapabilityRule is one registered role's ownership over a set of file
// globs, with optional exclusions.
type CapabilityRule struct {
	Role       string   `json:"role"`
	Globs      []string `json:"globs"`
	Excludes   []string `json:"excludes,omitempty"`
	Capability string   `json:"capability,omitempty"`
}

// Registry is the agent role -> capability/file-glob map used for
// service discovery.
type Registry struct {
	rules []CapabilityRule
}

// NewRegistry creates a Registry from a fixed rule set.
func NewRegistry(rules []CapabilityRule) *Registry {
	return &Registry{rules: rules}
}

// ByCapability returns every role advertising the given capability.
func (r *Registry) ByCapability(capability string) []string {
	var roles []string
	for _, rule := range r.rules {
		if rule.Capability == capability {
			roles = append(roles, rule.Role)
		}
	}
	return roles
}

// Match is one candidate role's specificity score for a path.
type Match struct {
	Role  string
	Score int
}

// DiscoverRole returns the best-matching role for path, ranked by
// specificity score. A rule whose exclusions match path is skipped
// entirely, so another rule's glob may still win. Returns ("", false)
// if no non-excluded rule matches.
func (r *Registry) DiscoverRole(path string) (string, bool) {
	var best Match
	found := false
	for _, rule := range r.rules {
		if excluded(path, rule.Excludes) {
			continue
		}
		for _, glob := range rule.Globs {
			if !globMatch(glob, path) {
				continue
			}
			score := specificity(glob)
			if !found || score > best.Score {
				best = Match{Role: rule.Role, Score: score}
				found = true
			}
		}
	}
	return best.Role, found
}

func excluded(path string, excludes []string) bool {
	for _, ex := range excludes {
		if globMatch(ex, path) {
			return true
		}
	}
	return false
}

// globMatch matches a path against a glob: "**" matches any number of
// path segments (including zero), "*" matches within one segment.
func globMatch(pattern, path string) bool {
	return matchSegments(splitGlob(pattern), strings.Split(path, "/"))
}

func splitGlob(pattern string) []string {
	return strings.Split(pattern, "/")
}

func matchSegments(pat, segs []string) bool {
	if len(pat) == 0 {
		return len(segs) == 0
	}
	if pat[0] == "**" {
		if len(pat) == 1 {
			return true
		}
		for i := 0; i <= len(segs); i++ {
			if matchSegments(pat[1:], segs[i:]) {
				return true
			}
		}
		return false
	}
	if len(segs) == 0 {
		return false
	}
	if !segmentMatch(pat[0], segs[0]) {
		return false
	}
	return matchSegments(pat[1:], segs[1:])
}

func segmentMatch(pat, seg string) bool {
	matched, err := filepath.Match(pat, seg)
	return err == nil && matched
}

// specificity rewards literal (non-wildcard) segments and a matched file
// extension, and penalizes "**" for being the least specific construct.
func specificity(glob string) int {
	score := 0
	segs := splitGlob(glob)
	for _, seg := range segs {
		switch {
		case seg == "**":
			score += 1
		case seg == "*":
			score += 2
		case strings.Contains(seg, "*"):
			score += 4
		default:
			score += 10
		}
	}
	if ext := filepath.Ext(glob); ext != "" && !strings.Contains(ext, "*") {
		score += 5
	}
	return score
}
