// File: internal/tags/resolve.go
package tags

import (
	"regexp"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/xkilldash9x/fixfinder/api/schemas"
	"github.com/xkilldash9x/fixfinder/internal/errkind"
)

// SuggestionThreshold is the minimum similarity for a tag to be offered as a
// suggestion for an absent bound.
const SuggestionThreshold = 0.8

// zeroRemainder accepts what may follow a label inside a tag without changing
// the version it denotes: "1.2" inside "v1.2.0" or "r1.2-0".
var zeroRemainder = regexp.MustCompile(`^([._-]0)+$`)

var absenceMarkers = map[string]bool{"": true, "None": true, "none": true, "null": true, "-": true, "*": true}

// Step identifies the matching policy step that produced a candidate set.
type Step int

const (
	StepNone Step = iota
	StepExact
	StepSuffix
	StepDigits
	StepSimilarity
)

func (s Step) String() string {
	switch s {
	case StepExact:
		return "exact"
	case StepSuffix:
		return "suffix"
	case StepDigits:
		return "digits"
	case StepSimilarity:
		return "similarity"
	default:
		return "none"
	}
}

// SplitInterval splits the "A:B" wire format. Absence markers yield "".
func SplitInterval(interval string) (string, string, error) {
	parts := strings.Split(interval, ":")
	if len(parts) != 2 {
		return "", "", errkind.Errorf(errkind.InvalidInput, "tags.SplitInterval",
			"version interval %q must have the form A:B", interval)
	}
	return normalizeLabel(parts[0]), normalizeLabel(parts[1]), nil
}

func normalizeLabel(s string) string {
	s = strings.TrimSpace(s)
	if absenceMarkers[s] {
		return ""
	}
	return s
}

// Match returns the tags a version label may denote, using the first policy
// step that yields anything:
//  1. exact equality;
//  2. the tag ends with the label, or contains it followed only by zero segments;
//  3. equality of the digit-only forms;
//  4. the best Ratcliff/Obershelp ratio between digit-only forms.
//
// Steps 1-3 may return several candidates. Step 4 returns at most one.
func Match(label string, tags []string) ([]string, Step) {
	if label == "" || len(tags) == 0 {
		return nil, StepNone
	}

	var exact []string
	for _, t := range tags {
		if t == label {
			exact = append(exact, t)
		}
	}
	if len(exact) > 0 {
		return uniq(exact), StepExact
	}

	var suffix []string
	for _, t := range tags {
		if labelInTag(label, t) {
			suffix = append(suffix, t)
		}
	}
	if len(suffix) > 0 {
		return uniq(suffix), StepSuffix
	}

	digits := DigitsOnly(label)
	if digits == "" {
		return nil, StepNone
	}
	var sameDigits []string
	for _, t := range tags {
		if DigitsOnly(t) == digits {
			sameDigits = append(sameDigits, t)
		}
	}
	if len(sameDigits) > 0 {
		return uniq(sameDigits), StepDigits
	}

	best, bestScore := "", 0.0
	for _, t := range tags {
		if score := Ratio(DigitsOnly(t), digits); score > bestScore {
			best, bestScore = t, score
		}
	}
	if best == "" {
		return nil, StepNone
	}
	return []string{best}, StepSimilarity
}

// labelInTag implements step 2. The label must start at a version boundary,
// so "1.2" does not match "v11.2".
func labelInTag(label, tag string) bool {
	for from := 0; from <= len(tag)-len(label); {
		idx := strings.Index(tag[from:], label)
		if idx < 0 {
			return false
		}
		idx += from
		from = idx + 1
		if idx > 0 && (isDigit(tag[idx-1]) || tag[idx-1] == '.') {
			continue
		}
		rest := tag[idx+len(label):]
		if rest == "" || zeroRemainder.MatchString(rest) {
			return true
		}
	}
	return false
}

// Resolve maps a version interval onto tags.
//
// A side that matches several tags is reported as ambiguous with its
// candidates. When the other side resolved uniquely, candidates equal to or
// contained in it are discarded first. A present label matching nothing is
// ambiguous as well. An absent side gets suggestions but is never filled in.
func Resolve(interval string, tags []string) (schemas.Resolution, error) {
	if len(tags) == 0 {
		return schemas.Resolution{}, errkind.New(errkind.NotFound, "tags.Resolve", "tag list is empty")
	}
	prevLabel, nextLabel, err := SplitInterval(interval)
	if err != nil {
		return schemas.Resolution{}, err
	}

	res := schemas.Resolution{Status: schemas.StatusUnresolved}
	if prevLabel == "" && nextLabel == "" {
		return res, nil
	}

	prevCands, _ := Match(prevLabel, tags)
	nextCands, _ := Match(nextLabel, tags)

	if len(prevCands) == 1 && len(nextCands) > 1 {
		nextCands = excludeOther(nextCands, prevCands[0])
	}
	if len(nextCands) == 1 && len(prevCands) > 1 {
		prevCands = excludeOther(prevCands, nextCands[0])
	}

	ambiguous := false
	if prevLabel != "" {
		if len(prevCands) == 1 {
			res.Prev = prevCands[0]
		} else {
			ambiguous = true
			res.PrevCandidates = prevCands
		}
	}
	if nextLabel != "" {
		if len(nextCands) == 1 {
			res.Next = nextCands[0]
		} else {
			ambiguous = true
			res.NextCandidates = nextCands
		}
	}

	switch {
	case ambiguous:
		res.Status = schemas.StatusAmbiguous
	case res.Prev != "" || res.Next != "":
		res.Status = schemas.StatusResolved
	}

	// Suggest candidates for an absent side from the resolved one.
	if prevLabel == "" && res.Next != "" {
		res.Suggestions = Suggest(res.Next, tags)
	} else if nextLabel == "" && res.Prev != "" {
		res.Suggestions = Suggest(res.Prev, tags)
	}
	return res, nil
}

// excludeOther drops candidates equal to or contained in the other bound.
// When that would leave nothing, the set is returned unchanged.
func excludeOther(cands []string, other string) []string {
	kept := make([]string, 0, len(cands))
	for _, c := range cands {
		if c == other || strings.Contains(other, c) {
			continue
		}
		kept = append(kept, c)
	}
	if len(kept) == 0 {
		return cands
	}
	return kept
}

// Suggest returns tags whose similarity to resolved reaches SuggestionThreshold,
// in tag order, excluding resolved itself.
func Suggest(resolved string, tags []string) []string {
	var out []string
	for _, t := range tags {
		if t == resolved {
			continue
		}
		if Ratio(t, resolved) >= SuggestionThreshold {
			out = append(out, t)
		}
	}
	return out
}

// Ratio is the Ratcliff/Obershelp similarity of two strings, in [0, 1].
func Ratio(a, b string) float64 {
	m := difflib.NewMatcher(strings.Split(a, ""), strings.Split(b, ""))
	return m.Ratio()
}

// DigitsOnly strips every non-digit character.
func DigitsOnly(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if isDigit(s[i]) {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func uniq(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
