package results

import (
	"fmt"

	"github.com/xkilldash9x/fixfinder/api/schemas"
)

// Summarize renders a one line description of a report.
func Summarize(r *schemas.Report) string {
	top := "none"
	if len(r.Candidates) > 0 {
		c := r.Candidates[0]
		top = fmt.Sprintf("%s (score %d)", c.Commit.ShortID(), c.Score)
	}
	partial := ""
	if r.Partial {
		partial = ", partial"
	}
	return fmt.Sprintf("%s: %d candidates ranked, top %s%s", r.VulnID, len(r.Candidates), top, partial)
}
