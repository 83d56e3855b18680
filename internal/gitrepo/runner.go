// File: internal/gitrepo/runner.go
package gitrepo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/xkilldash9x/fixfinder/internal/errkind"
	"github.com/xkilldash9x/fixfinder/internal/observability"
	"go.uber.org/zap"
)

// DefaultCommandTimeout bounds a single git invocation when no timeout is configured.
const DefaultCommandTimeout = 5 * time.Minute

// runner executes the git CLI inside one working copy.
type runner struct {
	binary  string
	dir     string
	timeout time.Duration
	logger  *zap.Logger
	metrics *observability.Metrics
}

// run executes git with args and returns its stdout.
// Failures are returned as ExternalToolFailure, or NotFound when git reports
// an unknown revision.
func (r *runner) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// Non-ASCII paths are printed raw; git still quotes control characters.
	cmd := exec.CommandContext(ctx, r.binary, append([]string{"-c", "core.quotePath=false"}, args...)...)
	cmd.Dir = r.dir
	// Pagers, prompts and localized messages all break parsing.
	cmd.Env = append(cmd.Environ(), "GIT_PAGER=cat", "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	r.logger.Debug("git invocation",
		zap.Strings("args", args),
		zap.Duration("elapsed", time.Since(start)),
	)
	if err == nil {
		return stdout.String(), nil
	}

	op := "git " + args[0]
	r.metrics.GitFailure(args[0])
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", errkind.Errorf(errkind.ExternalToolFailure, op, "timed out after %s", r.timeout)
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	msg := strings.TrimSpace(stderr.String())
	if isUnknownRevision(msg) {
		return "", errkind.New(errkind.NotFound, op, msg)
	}
	return "", errkind.Wrap(errkind.ExternalToolFailure, op, fmt.Errorf("%w: %s", err, msg))
}

func isUnknownRevision(stderr string) bool {
	for _, marker := range []string{"unknown revision", "bad object", "bad revision", "Needed a single revision", "invalid object name"} {
		if strings.Contains(stderr, marker) {
			return true
		}
	}
	return false
}

// lines splits command output into trimmed, non-empty lines.
func lines(out string) []string {
	raw := strings.Split(out, "\n")
	res := make([]string, 0, len(raw))
	for _, l := range raw {
		if l = strings.TrimSpace(l); l != "" {
			res = append(res, l)
		}
	}
	return res
}

// pathLines is lines for path listings, undoing git's C-style quoting.
func pathLines(out string) []string {
	res := lines(out)
	for i, l := range res {
		if len(l) > 1 && l[0] == '"' && l[len(l)-1] == '"' {
			if s, err := strconv.Unquote(l); err == nil {
				res[i] = s
			}
		}
	}
	return res
}
