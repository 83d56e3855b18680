// File: internal/gitrepo/refs.go
package gitrepo

import (
	"regexp"
	"strings"
)

var (
	vulnIDPattern  = regexp.MustCompile(`\b(?:CVE-\d{4}-\d{4,8}|GHSA(?:-[0-9a-z]{4}){3})\b`)
	ghIssuePattern = regexp.MustCompile(`(?:^|[^\w&])(?:#|gh-|GH-)(\d+)\b`)
	bugPattern     = regexp.MustCompile(`\b([A-Z][A-Z0-9]+-\d+)\b`)
)

// bugPrefixDenylist holds id prefixes that look like tracker keys but are not.
var bugPrefixDenylist = map[string]bool{"CVE": true, "CWE": true, "GHSA": true, "GH": true, "UTF": true, "ISO": true, "SHA": true, "RFC": true}

// MessageRefs are identifiers a commit message mentions.
type MessageRefs struct {
	VulnIDs  []string
	GHIssues []string
	Bugs     []string
}

// ExtractReferences finds vulnerability ids, GitHub issue numbers and tracker
// ticket keys in a commit message. Each list is deduplicated in order of appearance.
func ExtractReferences(msg string) MessageRefs {
	var refs MessageRefs
	refs.VulnIDs = uniq(vulnIDPattern.FindAllString(msg, -1))

	for _, m := range ghIssuePattern.FindAllStringSubmatch(msg, -1) {
		refs.GHIssues = append(refs.GHIssues, m[1])
	}
	refs.GHIssues = uniq(refs.GHIssues)

	for _, m := range bugPattern.FindAllStringSubmatch(msg, -1) {
		prefix := m[1][:strings.IndexByte(m[1], '-')]
		if bugPrefixDenylist[prefix] {
			continue
		}
		refs.Bugs = append(refs.Bugs, m[1])
	}
	refs.Bugs = uniq(refs.Bugs)
	return refs
}

func uniq(in []string) []string {
	if len(in) == 0 {
		return nil
	}
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
