package schemas

import (
	"sort"
	"strings"
)

// -- Advisory Schemas --

// AdvisoryRecord captures everything the pipeline knows about one vulnerability.
// It is built once per search and treated as immutable after analysis.
type AdvisoryRecord struct {
	VulnID      string `json:"vuln_id" yaml:"vuln_id"`
	Description string `json:"description" yaml:"description"`

	PublishedTimestamp int64 `json:"published_timestamp" yaml:"published_timestamp"`
	ReservedTimestamp  int64 `json:"reserved_timestamp" yaml:"reserved_timestamp"`

	// VersionInterval uses the "A:B" wire format, either side may be absent.
	VersionInterval string `json:"version_interval" yaml:"version_interval"`
	RepositoryURL   string `json:"repository_url" yaml:"repository_url"`

	Keywords []string `json:"keywords" yaml:"keywords"`
	// Files holds file names and code entity tokens mentioned by the advisory.
	Files    []string `json:"files" yaml:"files"`
	Products []string `json:"products,omitempty" yaml:"products"`

	// References maps a URL (or a "commit::<hash>" marker) to the number of
	// times it was seen across the advisory and its linked pages.
	References map[string]int `json:"references" yaml:"references"`
}

// CommitReferencePrefix marks reference keys that name a commit hash.
const CommitReferencePrefix = "commit::"

// ReferenceURLs returns the reference keys in deterministic order.
func (a *AdvisoryRecord) ReferenceURLs() []string {
	urls := make([]string, 0, len(a.References))
	for ref := range a.References {
		urls = append(urls, ref)
	}
	sort.Strings(urls)
	return urls
}

// CommitReferences returns the hashes of "commit::" references, most mentioned
// first, ignoring branch names some trackers put in the same slot.
func (a *AdvisoryRecord) CommitReferences() []string {
	type ref struct {
		hash  string
		count int
	}
	var refs []ref
	for key, count := range a.References {
		if !strings.HasPrefix(key, CommitReferencePrefix) {
			continue
		}
		hash := strings.TrimPrefix(key, CommitReferencePrefix)
		if hash == "" || hash == "master" || hash == "main" {
			continue
		}
		refs = append(refs, ref{hash: hash, count: count})
	}
	sort.SliceStable(refs, func(i, j int) bool {
		if refs[i].count != refs[j].count {
			return refs[i].count > refs[j].count
		}
		return refs[i].hash < refs[j].hash
	})
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.hash
	}
	return out
}

// ReferenceTimestamp returns the timestamp candidate time windows are centred on.
func (a *AdvisoryRecord) ReferenceTimestamp() int64 {
	if a.ReservedTimestamp > 0 {
		return a.ReservedTimestamp
	}
	return a.PublishedTimestamp
}

// -- Version Resolution Schemas --

// ResolutionStatus tells a caller how much of an interval was resolved.
type ResolutionStatus string

const (
	StatusResolved   ResolutionStatus = "resolved"
	StatusUnresolved ResolutionStatus = "unresolved"
	StatusAmbiguous  ResolutionStatus = "ambiguous"
)

// Resolution is the result of mapping an advisory version interval onto tags.
// An empty Prev or Next means that bound is absent.
type Resolution struct {
	Prev   string           `json:"prev"`
	Next   string           `json:"next"`
	Status ResolutionStatus `json:"status"`

	// PrevCandidates and NextCandidates are filled when a side is ambiguous.
	PrevCandidates []string `json:"prev_candidates,omitempty"`
	NextCandidates []string `json:"next_candidates,omitempty"`

	// Suggestions are tags textually close to the resolved side, offered
	// for an absent bound. They are never chosen automatically.
	Suggestions []string `json:"suggestions,omitempty"`
}

// Bounds returns the (prev, next) pair.
func (r Resolution) Bounds() (string, string) {
	return r.Prev, r.Next
}
