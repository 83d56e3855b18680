// File: internal/tags/widen.go
package tags

import (
	"strconv"
	"strings"

	"github.com/xkilldash9x/fixfinder/api/schemas"
)

const (
	// nextWindow bounds how far a segment is incremented looking for the next tag.
	nextWindow = 10
	// prevReset is what an exhausted segment becomes when searching backwards.
	prevReset = 99
	// prevCeiling skips segments that look like dates or build numbers.
	prevCeiling = 100
	// searchBudget caps candidate strings evaluated by one search.
	searchBudget = 200000
)

// Segment is one run of a version string: either a number or the text between numbers.
type Segment struct {
	Text  string
	Num   int
	IsNum bool
}

func (s Segment) String() string {
	return s.Text
}

func (s *Segment) set(n int) {
	s.Num = n
	s.Text = strconv.Itoa(n)
}

// SplitVersion splits a version or tag into alternating number and text runs:
// "8.0.0.RC10" becomes [8 "." 0 "." 0 ".RC" 10].
func SplitVersion(v string) []Segment {
	var segs []Segment
	for i := 0; i < len(v); {
		j := i + 1
		for j < len(v) && isDigit(v[j]) == isDigit(v[i]) {
			j++
		}
		run := v[i:j]
		seg := Segment{Text: run}
		if isDigit(v[i]) {
			if n, err := strconv.Atoi(run); err == nil {
				seg.Num, seg.IsNum = n, true
			}
		}
		segs = append(segs, seg)
		i = j
	}
	return segs
}

// JoinVersion is the inverse of SplitVersion.
func JoinVersion(segs []Segment) string {
	var b strings.Builder
	for _, s := range segs {
		b.WriteString(s.Text)
	}
	return b.String()
}

// TimestampLookup returns the commit timestamp of a tag.
type TimestampLookup func(tag string) (int64, bool)

// IndexLookup adapts a TagIndex to a TimestampLookup.
func IndexLookup(idx schemas.TagIndex) TimestampLookup {
	m := make(map[string]int64, len(idx))
	for _, e := range idx {
		m[e.Name] = e.Timestamp
	}
	return func(tag string) (int64, bool) {
		ts, ok := m[tag]
		return ts, ok
	}
}

type searcher struct {
	exists func(string) bool
	accept func(string) bool
	// advance moves a segment one step and reports whether it could.
	advance func(seg *Segment, steps int) bool
	// usable reports whether a segment may be searched at all.
	usable func(seg Segment) bool
	reset  int
	budget int
}

// NextTag searches for the tag following tag by incrementing its numeric
// segments, least significant first. A candidate must exist and be strictly
// later than tag. Exhausted segments are reset to 0 before moving to a more
// significant one; when all are exhausted the last segment is dropped and
// the search restarts.
func NextTag(tag string, tags []string, ts TimestampLookup) (string, bool) {
	origin, known := lookup(ts, tag)
	s := &searcher{
		exists: setOf(tags),
		accept: func(c string) bool {
			t, ok := lookup(ts, c)
			return !known || !ok || t > origin
		},
		advance: func(seg *Segment, steps int) bool {
			if steps >= nextWindow {
				return false
			}
			seg.set(seg.Num + 1)
			return true
		},
		usable: func(Segment) bool { return true },
		reset:  0,
	}
	return s.run(tag)
}

// PreviousTag mirrors NextTag: segments are decremented down to 0, must be
// strictly earlier, and reset to 99 when exhausted. Segments of 100 or more
// are not searched.
func PreviousTag(tag string, tags []string, ts TimestampLookup) (string, bool) {
	origin, known := lookup(ts, tag)
	s := &searcher{
		exists: setOf(tags),
		accept: func(c string) bool {
			t, ok := lookup(ts, c)
			return !known || !ok || t < origin
		},
		advance: func(seg *Segment, _ int) bool {
			if seg.Num <= 0 {
				return false
			}
			seg.set(seg.Num - 1)
			return true
		},
		usable: func(seg Segment) bool { return seg.Num < prevCeiling },
		reset:  prevReset,
	}
	return s.run(tag)
}

// run tries the full tag, then successively shorter prefixes of it.
func (s *searcher) run(tag string) (string, bool) {
	s.budget = searchBudget
	segs := SplitVersion(tag)
	for len(segs) > 0 {
		if found, ok := s.search(cloneSegs(segs), numericIndexes(segs)); ok {
			return found, true
		}
		segs = segs[:len(segs)-1]
	}
	return "", false
}

// search walks indexes from least to most significant. After each step of a
// more significant segment the already exhausted ones are searched again,
// so "4.5.9" reaches "4.6.0" then "4.6.1" and so on. Depth is bounded by the
// number of numeric segments.
func (s *searcher) search(segs []Segment, indexes []int) (string, bool) {
	var tried []int
	for _, idx := range indexes {
		for steps := 0; s.usable(segs[idx]) && s.advance(&segs[idx], steps); steps++ {
			if s.budget--; s.budget <= 0 {
				return "", false
			}
			cand := JoinVersion(segs)
			if s.exists(cand) && s.accept(cand) {
				return cand, true
			}
			if len(tried) > 0 {
				if found, ok := s.search(cloneSegs(segs), tried); ok {
					return found, true
				}
			}
		}
		segs[idx].set(s.reset)
		tried = append(tried, idx)
	}
	return "", false
}

// Widen moves each resolved bound of res outwards margin times. When the
// segment search finds nothing, the neighbour in tag order is used.
func Widen(res schemas.Resolution, tags []string, ts TimestampLookup, margin int) schemas.Resolution {
	for i := 0; i < margin; i++ {
		if res.Prev != "" {
			if p, ok := PreviousTag(res.Prev, tags, ts); ok {
				res.Prev = p
			} else if n, ok := neighbour(tags, res.Prev, -1); ok {
				res.Prev = n
			}
		}
		if res.Next != "" {
			if n, ok := NextTag(res.Next, tags, ts); ok {
				res.Next = n
			} else if nb, ok := neighbour(tags, res.Next, 1); ok {
				res.Next = nb
			}
		}
	}
	return res
}

func neighbour(tags []string, tag string, dir int) (string, bool) {
	for i, t := range tags {
		if t != tag {
			continue
		}
		if j := i + dir; j >= 0 && j < len(tags) {
			return tags[j], true
		}
		return "", false
	}
	return "", false
}

func numericIndexes(segs []Segment) []int {
	var idx []int
	for i := len(segs) - 1; i >= 0; i-- {
		if segs[i].IsNum {
			idx = append(idx, i)
		}
	}
	return idx
}

func cloneSegs(segs []Segment) []Segment {
	return append([]Segment(nil), segs...)
}

func setOf(tags []string) func(string) bool {
	m := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		m[t] = struct{}{}
	}
	return func(s string) bool {
		_, ok := m[s]
		return ok
	}
}

func lookup(ts TimestampLookup, tag string) (int64, bool) {
	if ts == nil {
		return 0, false
	}
	return ts(tag)
}
