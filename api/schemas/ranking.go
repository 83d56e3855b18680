package schemas

import (
	"time"
)

// -- Ranking Schemas --

// MatchResult records one rule that matched a candidate.
type MatchResult struct {
	RuleID    string `json:"rule_id"`
	Message   string `json:"message"`
	Relevance int    `json:"relevance"`
}

// RankedCandidate is a commit together with the evidence collected for it.
type RankedCandidate struct {
	Commit  *CommitRecord `json:"commit"`
	Matches []MatchResult `json:"matches"`
	Score   int           `json:"score"`
	// Twins lists ids subsumed by this candidate during twin collapse,
	// plus the twins found by the similarity index.
	Twins []string `json:"twins,omitempty"`
}

// ID returns the id of the underlying commit.
func (c *RankedCandidate) ID() string {
	if c.Commit == nil {
		return ""
	}
	return c.Commit.ID
}

// AddMatch appends a match and keeps the aggregate score in sync.
func (c *RankedCandidate) AddMatch(m MatchResult) {
	c.Matches = append(c.Matches, m)
	c.Score += m.Relevance
}

// HasMatch reports whether the given rule already matched.
func (c *RankedCandidate) HasMatch(ruleID string) bool {
	for _, m := range c.Matches {
		if m.RuleID == ruleID {
			return true
		}
	}
	return false
}

// RunStats summarises one pipeline run.
type RunStats struct {
	Candidates     int           `json:"candidates"`
	Filtered       int           `json:"filtered"`
	Mined          int           `json:"mined"`
	CacheHits      int           `json:"cache_hits"`
	MiningFailures int           `json:"mining_failures"`
	Elapsed        time.Duration `json:"elapsed"`
}

// Report is the hand-off contract to the reporting layer.
type Report struct {
	RunID      string            `json:"run_id"`
	VulnID     string            `json:"vuln_id"`
	Repository string            `json:"repository"`
	Resolution Resolution        `json:"resolution"`
	Candidates []RankedCandidate `json:"candidates"`
	// Partial is set when the mining budget truncated the run.
	Partial         bool      `json:"partial"`
	HasFixingCommit bool      `json:"has_fixing_commit"`
	Stats           RunStats  `json:"stats"`
	GeneratedAt     time.Time `json:"generated_at"`
}
