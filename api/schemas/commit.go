package schemas

import (
	"time"
)

// -- Commit Schemas --

// Hunk is a contiguous block of added or removed lines inside a unified diff.
// Start and End form a half-open [Start, End) range over the diff's line indexes.
type Hunk struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of diff lines covered by the hunk.
func (h Hunk) Len() int { return h.End - h.Start }

// CommitRecord is the structured view of a single commit, built once from one
// `git show` invocation and memoized by the history reader.
type CommitRecord struct {
	ID         string   `json:"id"`
	Repository string   `json:"repository"`
	ParentIDs  []string `json:"parent_ids,omitempty"`
	// Timestamp is the author time in unix seconds.
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`

	// ChangedFiles and Hunks are derived from the same diff text.
	ChangedFiles []string `json:"changed_files"`
	Hunks        []Hunk   `json:"hunks"`
	// DiffLines is the number of lines of the raw diff text the hunks index into.
	DiffLines int `json:"diff_lines"`
	// Diff keeps only the hunk lines (those starting with '+' or '-'), in order.
	Diff []string `json:"diff,omitempty"`

	// Minhash is the similarity fingerprint over the message prefix.
	Minhash []uint64 `json:"minhash,omitempty"`
	Tags    []string `json:"tags,omitempty"`
	// Twins holds ids of near-duplicate commits. References only, never ownership.
	Twins []string `json:"twins,omitempty"`

	// References lexically parsed from the message during mining.
	VulnRefs    []string `json:"vuln_refs,omitempty"`
	GHIssueRefs []string `json:"gh_issue_refs,omitempty"`
	BugRefs     []string `json:"bug_refs,omitempty"`
}

// ShortID returns the first eight characters of the commit id, the form most
// advisories and web pages use when they mention a commit.
func (c *CommitRecord) ShortID() string {
	if len(c.ID) <= 8 {
		return c.ID
	}
	return c.ID[:8]
}

// Time returns the author timestamp as a time.Time in UTC.
func (c *CommitRecord) Time() time.Time {
	return time.Unix(c.Timestamp, 0).UTC()
}

// IsMerge reports whether the commit has more than one parent.
func (c *CommitRecord) IsMerge() bool {
	return len(c.ParentIDs) > 1
}

// Clone returns a deep copy of the record. Readers hand out clones so callers
// can annotate candidates without corrupting the memoized original.
func (c *CommitRecord) Clone() *CommitRecord {
	if c == nil {
		return nil
	}
	out := *c
	out.ParentIDs = cloneStrings(c.ParentIDs)
	out.ChangedFiles = cloneStrings(c.ChangedFiles)
	out.Diff = cloneStrings(c.Diff)
	out.Tags = cloneStrings(c.Tags)
	out.Twins = cloneStrings(c.Twins)
	out.VulnRefs = cloneStrings(c.VulnRefs)
	out.GHIssueRefs = cloneStrings(c.GHIssueRefs)
	out.BugRefs = cloneStrings(c.BugRefs)
	if c.Hunks != nil {
		out.Hunks = append([]Hunk(nil), c.Hunks...)
	}
	if c.Minhash != nil {
		out.Minhash = append([]uint64(nil), c.Minhash...)
	}
	return &out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

// LogEntry is the lightweight record produced by the batched history query.
// It carries everything the log format exposes without a per-commit diff call.
type LogEntry struct {
	ID           string   `json:"id"`
	Timestamp    int64    `json:"timestamp"`
	ParentIDs    []string `json:"parent_ids,omitempty"`
	Message      string   `json:"message"`
	ChangedFiles []string `json:"changed_files"`
}

// -- Tag Schemas --

// TagEntry is a single tag resolved to the commit it points at.
type TagEntry struct {
	Name      string `json:"name"`
	CommitID  string `json:"commit_id"`
	Timestamp int64  `json:"timestamp"`
}

// TagIndex is the ordered list of tags of a repository.
type TagIndex []TagEntry

// Names returns the tag names in index order.
func (t TagIndex) Names() []string {
	names := make([]string, len(t))
	for i, e := range t {
		names[i] = e.Name
	}
	return names
}

// Lookup finds a tag entry by name.
func (t TagIndex) Lookup(name string) (TagEntry, bool) {
	for _, e := range t {
		if e.Name == name {
			return e, true
		}
	}
	return TagEntry{}, false
}
