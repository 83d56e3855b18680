// File: internal/advisory/analyze.go
package advisory

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/xkilldash9x/fixfinder/api/schemas"
)

// minKeywordLen excludes short words, which are mostly grammar.
const minKeywordLen = 4

var (
	// Commit link forms: gitweb "a=commit;h=", "/commit/<h>" on forges and
	// cgit "commit/?id=".
	gitwebCommitRegex = regexp.MustCompile(`;h=(\w{6,40})`)
	forgeCommitRegex  = regexp.MustCompile(`(?:commit|commits)/(\w{6,40})`)
	cgitCommitRegex   = regexp.MustCompile(`(?:commit|patch)/\?id=(\w{6,40})`)

	qualifiedNameRegex = regexp.MustCompile(`^(\w+)(?:\.|::)(\w+)$`)
	camelCaseRegex     = regexp.MustCompile(`[a-z]{2,}[A-Z]+[a-z]*`)
	productRegex       = regexp.MustCompile(`[A-Z]+[a-z]+`)
	digitsRegex        = regexp.MustCompile(`^\d+$`)
)

var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`
		about above after again against also although among another because been
		before being below between both cannot could does doing down during each
		either from further have having here however into itself just made make
		many more most much must neither only other over same should since some
		such than that their them then there these they this those through under
		until upon very were what when where whether which while will with within
		without would your allow allows allowed prior version versions via using
		used user users could attacker attackers remote issue issues affected
		affects vulnerability vulnerable`) {
		stopWords[w] = struct{}{}
	}
}

// Analyze derives keywords, files, products and normalized references from
// the advisory description. Values already present are kept. extensions
// lists the file extensions that make a word a file name.
func Analyze(adv *schemas.AdvisoryRecord, extensions []string) {
	if adv == nil {
		return
	}

	adv.Keywords = mergeSorted(adv.Keywords, ExtractKeywords(adv.Description))
	adv.Files = mergeSorted(adv.Files, ExtractFiles(adv.Description, extensions))
	adv.Products = mergeSorted(adv.Products, ExtractProducts(adv.Description))

	refs := make(map[string]int, len(adv.References))
	for ref, count := range adv.References {
		if key := NormalizeReference(ref); key != "" {
			refs[key] += count
		}
	}
	adv.References = refs
}

// ExtractKeywords returns the distinct lower-cased words of text that are
// long enough and not stop words.
func ExtractKeywords(text string) []string {
	seen := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		tok = strings.ToLower(tok)
		if len(tok) < minKeywordLen || digitsRegex.MatchString(tok) {
			continue
		}
		if _, stop := stopWords[tok]; stop {
			continue
		}
		seen[tok] = struct{}{}
	}
	return sortedSet(seen)
}

// ExtractFiles returns file names and code entity tokens mentioned in text:
// "name.ext" with a relevant extension, the class of "Class.method" or
// "Class::method", and camelCase or snake_case identifiers.
func ExtractFiles(text string, extensions []string) []string {
	var fileRegex *regexp.Regexp
	if len(extensions) > 0 {
		quoted := make([]string, len(extensions))
		for i, ext := range extensions {
			quoted[i] = regexp.QuoteMeta(strings.TrimPrefix(ext, "."))
		}
		fileRegex = regexp.MustCompile(`^([\w\-]{2,}\.(?:` + strings.Join(quoted, "|") + `))(?:$|[\s.,:])`)
	}

	seen := make(map[string]struct{})
	for _, word := range strings.Fields(text) {
		word = strings.Trim(word, "_,.:;-+!?()[]'\"")
		if i := strings.LastIndex(word, "/"); i >= 0 {
			word = word[i+1:]
		}
		if word == "" {
			continue
		}
		if name := codeToken(word, fileRegex); name != "" {
			seen[name] = struct{}{}
		}
	}
	return sortedSet(seen)
}

func codeToken(word string, fileRegex *regexp.Regexp) string {
	if fileRegex != nil {
		if m := fileRegex.FindStringSubmatch(word); m != nil {
			return m[1]
		}
	}
	if m := qualifiedNameRegex.FindStringSubmatch(word); m != nil && !digitsRegex.MatchString(m[1]) {
		return m[1]
	}
	if camelCaseRegex.MatchString(word) || strings.Contains(word, "_") {
		return word
	}
	return ""
}

// ExtractProducts returns capitalized words of text, a crude stand-in for
// product names.
func ExtractProducts(text string) []string {
	seen := make(map[string]struct{})
	for _, p := range productRegex.FindAllString(text, -1) {
		if len(p) > 2 {
			seen[p] = struct{}{}
		}
	}
	return sortedSet(seen)
}

// CommitHash returns the hash a commit link points to, or "".
func CommitHash(ref string) string {
	if strings.Contains(ref, "a=commit;") {
		if m := gitwebCommitRegex.FindStringSubmatch(ref); m != nil {
			return m[1]
		}
	}
	for _, re := range []*regexp.Regexp{forgeCommitRegex, cgitCommitRegex} {
		if m := re.FindStringSubmatch(ref); m != nil {
			return m[1]
		}
	}
	return ""
}

// NormalizeReference maps a commit link onto its "commit::<hash>" key and
// keeps other http(s) URLs and existing commit keys as they are. Anything
// else yields "".
func NormalizeReference(ref string) string {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, schemas.CommitReferencePrefix) {
		return ref
	}
	if hash := CommitHash(ref); hash != "" {
		return schemas.CommitReferencePrefix + hash
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	return ""
}

func mergeSorted(existing, extra []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(extra))
	for _, s := range existing {
		if s = strings.TrimSpace(s); s != "" {
			seen[s] = struct{}{}
		}
	}
	for _, s := range extra {
		seen[s] = struct{}{}
	}
	return sortedSet(seen)
}

func sortedSet(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
