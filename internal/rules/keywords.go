// File: internal/rules/keywords.go
package rules

import (
	"strings"
)

// SecurityKeywords is the generic security vocabulary.
var SecurityKeywords = []string{
	"vuln",
	"vulnerable",
	"vulnerability",
	"exploit",
	"attack",
	"security",
	"secure",
	"xxe",
	"xss",
	"cross-site",
	"dos",
	"insecure",
	"inject",
	"injection",
	"unsafe",
	"remote execution",
	"malicious",
	"sanitize",
	"cwe-",
	"rce",
}

const tokenTrim = ".,:;!?()[]{}<>\"'`"

// ExtractSecurityKeywords returns the security keywords present in text.
// Single words must be whole tokens, so "dos" does not match "windows".
// "cwe-" matches any token it prefixes and phrases match as substrings.
func ExtractSecurityKeywords(text string) map[string]struct{} {
	lower := strings.ToLower(text)
	tokens := make(map[string]struct{})
	for _, tok := range strings.Fields(lower) {
		tokens[strings.Trim(tok, tokenTrim)] = struct{}{}
	}

	found := make(map[string]struct{})
	for _, kw := range SecurityKeywords {
		switch {
		case strings.Contains(kw, " "):
			if strings.Contains(lower, kw) {
				found[kw] = struct{}{}
			}
		case strings.HasSuffix(kw, "-"):
			for tok := range tokens {
				if strings.HasPrefix(tok, kw) {
					found[kw] = struct{}{}
					break
				}
			}
		default:
			if _, ok := tokens[kw]; ok {
				found[kw] = struct{}{}
			}
		}
	}
	return found
}
