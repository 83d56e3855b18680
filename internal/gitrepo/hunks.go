// File: internal/gitrepo/hunks.go
package gitrepo

import (
	"strconv"
	"strings"

	godiff "github.com/sourcegraph/go-diff/diff"

	"github.com/xkilldash9x/fixfinder/api/schemas"
)

// ParsedDiff is the structured form of one unified diff.
type ParsedDiff struct {
	// Files lists changed paths in diff order, post-image name for renames.
	Files []string
	// Hunks are half-open ranges over the diff's line indexes.
	Hunks []schemas.Hunk
	// Changes holds the lines covered by Hunks, in order.
	Changes []string
	// Lines is the number of lines of the diff text.
	Lines int
}

// ExtractHunks parses a unified diff in a single pass.
//
// A "diff --git" marker flushes the current file. A maximal run of lines
// starting with '+' or '-' is one hunk. The "+++"/"---" headers between a file
// marker and its first "@@" are not content and never start a hunk; they are
// handed to go-diff to resolve the file name, quoting included.
func ExtractHunks(diff string) ParsedDiff {
	var pd ParsedDiff
	if diff == "" {
		return pd
	}

	text := strings.Split(strings.TrimSuffix(diff, "\n"), "\n")
	pd.Lines = len(text)

	start := -1
	// Anything before the first "@@" is file header.
	inHeader := true
	var header []string
	flush := func(end int) {
		if start >= 0 {
			pd.Hunks = append(pd.Hunks, schemas.Hunk{Start: start, End: end})
			pd.Changes = append(pd.Changes, text[start:end]...)
			start = -1
		}
	}
	closeHeader := func() {
		if header != nil {
			if name := headerPath(header); name != "" {
				pd.Files = append(pd.Files, name)
			}
			header = nil
		}
	}

	for i, line := range text {
		switch {
		case strings.HasPrefix(line, "diff --git "):
			flush(i)
			closeHeader()
			inHeader = true
			header = []string{line}
		case strings.HasPrefix(line, "@@"):
			flush(i)
			closeHeader()
			inHeader = false
		case inHeader:
			// index, mode, rename and ---/+++ lines
			if header != nil {
				header = append(header, line)
			}
		case strings.HasPrefix(line, "+") || strings.HasPrefix(line, "-"):
			if start < 0 {
				start = i
			}
		default:
			flush(i)
		}
	}
	flush(len(text))
	closeHeader()
	return pd
}

// headerPath resolves the post-image path of one file's header block, falling
// back to the pre-image for deletions.
func headerPath(header []string) string {
	r := godiff.NewFileDiffReader(strings.NewReader(strings.Join(header, "\n") + "\n"))
	fd, err := r.ReadAllHeaders()
	if err == nil && fd != nil {
		name := fd.NewName
		if name == "" || name == "/dev/null" {
			name = fd.OrigName
		}
		if name != "" && name != "/dev/null" {
			return cleanPath(name)
		}
	}
	// No ---/+++ pair: only the marker names the file.
	return markerPath(header[0])
}

// markerPath extracts the post-image path from a "diff --git a/x b/y" line.
func markerPath(line string) string {
	args := strings.TrimPrefix(line, "diff --git ")
	if q, err := strconv.QuotedPrefix(args); err == nil {
		args = strings.TrimPrefix(args[len(q):], " ")
	} else if i := strings.Index(args, ` "`); i >= 0 {
		args = args[i+1:]
	} else if n := len(args); n%2 == 1 && args[n/2] == ' ' && cleanPath(args[:n/2]) == cleanPath(args[n/2+1:]) {
		args = args[n/2+1:]
	} else if i := strings.LastIndex(args, " b/"); i >= 0 {
		args = args[i+1:]
	}
	if s, err := strconv.Unquote(args); err == nil {
		args = s
	}
	return cleanPath(args)
}

// cleanPath drops git's a/ or b/ prefix.
func cleanPath(path string) string {
	if strings.HasPrefix(path, "a/") || strings.HasPrefix(path, "b/") {
		return path[2:]
	}
	return path
}
