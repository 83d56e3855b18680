// File: internal/rules/registry.go
package rules

import (
	"strings"

	"github.com/xkilldash9x/fixfinder/internal/errkind"
)

// Phase tells the engine when a rule runs.
type Phase int

const (
	// PhaseLocal rules run over every candidate.
	PhaseLocal Phase = 1
	// PhaseRemote rules run only over the provisional top K.
	PhaseRemote Phase = 2
)

// AllRules is the wildcard accepted by Select.
const AllRules = "ALL"

// Entry binds a rule to its weight and phase.
type Entry struct {
	Rule   Rule
	Weight int
	Phase  Phase
}

// ID returns the rule identifier.
func (e Entry) ID() string { return e.Rule.ID() }

// defaultTable lists every rule in evaluation order with its default weight.
func defaultTable() []Entry {
	return []Entry{
		{vulnIDInMessage{}, 64, PhaseLocal},
		{xrefBug{}, 32, PhaseLocal},
		{xrefGH{}, 32, PhaseLocal},
		{commitInReference{}, 64, PhaseLocal},
		{vulnIDInLinkedIssue{}, 32, PhaseLocal},
		{twinInReference{}, 32, PhaseLocal},
		{changesRelevantFiles{}, 8, PhaseLocal},
		{changesRelevantCode{}, 8, PhaseLocal},
		{relevantWordsInMessage{}, 8, PhaseLocal},
		{advKeywordsInFiles{}, 4, PhaseLocal},
		{advKeywordsInMsg{}, 4, PhaseLocal},
		{secKeywordsInMessage{}, 4, PhaseLocal},
		{secKeywordsInLinkedGH{}, 4, PhaseLocal},
		{secKeywordsInLinkedBug{}, 4, PhaseLocal},
		{githubIssueInMessage{}, 2, PhaseLocal},
		{bugInMessage{}, 2, PhaseLocal},
		{commitHasTwins{}, 2, PhaseLocal},
		{commitIsSecurityRelevant{}, 32, PhaseRemote},
	}
}

// Registry is the immutable rule table of a process.
type Registry struct {
	entries []Entry
	byID    map[string]int
}

// NewRegistry builds the table, overriding default weights with the given
// ones. Keys are matched case-insensitively since config loaders lower-case
// map keys. An unknown key or a negative weight is an InvalidInput error.
func NewRegistry(weights map[string]int) (*Registry, error) {
	r := &Registry{entries: defaultTable(), byID: make(map[string]int)}
	for i, e := range r.entries {
		r.byID[e.ID()] = i
	}
	for key, w := range weights {
		i, ok := r.byID[strings.ToUpper(key)]
		if !ok {
			return nil, errkind.Errorf(errkind.InvalidInput, "rules.NewRegistry", "unknown rule %q in weights", key)
		}
		if w < 0 {
			return nil, errkind.Errorf(errkind.InvalidInput, "rules.NewRegistry", "weight of %s must not be negative", key)
		}
		r.entries[i].Weight = w
	}
	return r, nil
}

// Entries returns a copy of the whole table.
func (r *Registry) Entries() []Entry {
	return append([]Entry(nil), r.entries...)
}

// Lookup returns the entry of a rule id.
func (r *Registry) Lookup(id string) (Entry, bool) {
	i, ok := r.byID[strings.ToUpper(id)]
	if !ok {
		return Entry{}, false
	}
	return r.entries[i], true
}

// Select resolves an ordered allow/deny list into active entries, in table
// order. "ALL" enables everything, "ID" enables one rule and "-ID" disables
// one. Items apply left to right. An empty list means ALL.
func (r *Registry) Select(ids []string) ([]Entry, error) {
	if len(ids) == 0 {
		ids = []string{AllRules}
	}
	active := make(map[string]bool)
	for _, raw := range ids {
		id := strings.ToUpper(strings.TrimSpace(raw))
		if id == AllRules {
			for _, e := range r.entries {
				active[e.ID()] = true
			}
			continue
		}
		enable := true
		if rest, ok := strings.CutPrefix(id, "-"); ok {
			id, enable = rest, false
		}
		if _, ok := r.byID[id]; !ok {
			return nil, errkind.Errorf(errkind.InvalidInput, "rules.Select", "unknown rule %q", raw)
		}
		active[id] = enable
	}

	var out []Entry
	for _, e := range r.entries {
		if active[e.ID()] {
			out = append(out, e)
		}
	}
	return out, nil
}
