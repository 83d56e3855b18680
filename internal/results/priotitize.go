// File: internal/results/priotitize.go
package results

import (
	"sort"

	"github.com/xkilldash9x/fixfinder/api/schemas"
)

// Rank sorts items in place by score, highest first. The sort is stable, so
// equal scores keep their input order and runs are reproducible.
func Rank[T any](items []T, score func(T) int) []T {
	sort.SliceStable(items, func(i, j int) bool {
		return score(items[i]) > score(items[j])
	})
	return items
}

// RankCandidates ranks candidates by aggregate score.
func RankCandidates(cands []*schemas.RankedCandidate) []*schemas.RankedCandidate {
	return Rank(cands, func(c *schemas.RankedCandidate) int { return c.Score })
}

// CollapseTwins walks a ranked list and drops every candidate that a higher
// ranked survivor already names as a twin. Dropped ids are recorded on the
// survivor that claimed them, so each logical fix appears once.
func CollapseTwins(ranked []*schemas.RankedCandidate) []*schemas.RankedCandidate {
	claimedBy := make(map[string]*schemas.RankedCandidate)
	out := make([]*schemas.RankedCandidate, 0, len(ranked))

	for _, c := range ranked {
		id := c.ID()
		if survivor, ok := claimedBy[id]; ok {
			if !contains(survivor.Twins, id) {
				survivor.Twins = append(survivor.Twins, id)
			}
			continue
		}
		if c.Commit != nil {
			for _, twin := range c.Commit.Twins {
				if !contains(c.Twins, twin) {
					c.Twins = append(c.Twins, twin)
				}
				if _, taken := claimedBy[twin]; !taken {
					claimedBy[twin] = c
				}
			}
		}
		out = append(out, c)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
