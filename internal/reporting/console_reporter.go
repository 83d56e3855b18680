// internal/reporting/console_reporter.go
package reporting

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/xkilldash9x/fixfinder/api/schemas"
)

const messageWidth = 72

// ConsoleReporter prints each report as a human readable table as soon as
// it is written.
type ConsoleReporter struct {
	writer        io.WriteCloser
	maxCandidates int
	mu            sync.Mutex
}

// NewConsoleReporter takes ownership of writer.
func NewConsoleReporter(writer io.WriteCloser, maxCandidates int) *ConsoleReporter {
	return &ConsoleReporter{writer: writer, maxCandidates: maxCandidates}
}

func (r *ConsoleReporter) Write(report *schemas.Report) error {
	if report == nil {
		return errors.New("report cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s\n", report.VulnID, report.Repository)
	fmt.Fprintf(&b, "Versions: %s\n", describeResolution(report.Resolution))
	s := report.Stats
	fmt.Fprintf(&b, "Commits: %d retrieved, %d after filtering, %d mined (%d from cache, %d failed) in %s\n",
		s.Candidates, s.Filtered, s.Mined, s.CacheHits, s.MiningFailures, s.Elapsed.Round(time.Millisecond))
	if report.HasFixingCommit {
		b.WriteString("The advisory references fixing commits; candidates are limited to those.\n")
	}
	if report.Partial {
		b.WriteString("WARNING: the mining budget ran out, the ranking covers a subset of the candidates.\n")
	}
	b.WriteString("\n")

	cands := truncate(report.Candidates, r.maxCandidates)
	if len(cands) == 0 {
		b.WriteString("No candidates.\n\n")
		_, err := io.WriteString(r.writer, b.String())
		return err
	}

	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tCOMMIT\tSCORE\tRULES\tMESSAGE")
	for i, c := range cands {
		id, msg := "", ""
		if c.Commit != nil {
			id = c.Commit.ShortID()
			msg = firstLine(c.Commit.Message, messageWidth)
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n", i+1, id, c.Score, ruleList(c.Matches), msg)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	b.WriteString("\n")

	_, err := io.WriteString(r.writer, b.String())
	return err
}

func (r *ConsoleReporter) Close() error {
	return r.writer.Close()
}

func describeResolution(res schemas.Resolution) string {
	bound := func(tag string, cands []string) string {
		switch {
		case tag != "":
			return tag
		case len(cands) > 0:
			return "{" + strings.Join(cands, ", ") + "}"
		default:
			return "?"
		}
	}
	out := fmt.Sprintf("%s .. %s (%s)", bound(res.Prev, res.PrevCandidates), bound(res.Next, res.NextCandidates), res.Status)
	if len(res.Suggestions) > 0 {
		out += ", did you mean " + strings.Join(res.Suggestions, ", ")
	}
	return out
}

func ruleList(matches []schemas.MatchResult) string {
	if len(matches) == 0 {
		return "-"
	}
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.RuleID
	}
	return strings.Join(ids, ",")
}

func firstLine(msg string, width int) string {
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	msg = strings.TrimSpace(msg)
	if r := []rune(msg); len(r) > width {
		msg = string(r[:width-3]) + "..."
	}
	return msg
}
