// File: internal/gitrepo/history.go
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"go.uber.org/zap"

	"github.com/xkilldash9x/fixfinder/api/schemas"
	"github.com/xkilldash9x/fixfinder/internal/errkind"
	"github.com/xkilldash9x/fixfinder/internal/observability"
)

// Separators of the batched log format. They never occur in git metadata.
const (
	recordSep = "\x1e"
	fieldSep  = "\x1f"
	bodyEnd   = "\x1d"
)

// logFormat emits one block per commit: a header line (id, author time,
// parents), the raw message, an end-of-message marker, then whatever git
// appends (changed paths for log, the patch for show).
const logFormat = "--format=" + recordSep + "%H" + fieldSep + "%at" + fieldSep + "%P%n%B" + bodyEnd

// Options configures a Reader.
type Options struct {
	// Repository identifies the repository in records, usually its URL.
	// Defaults to the working copy path.
	Repository string
	Binary     string
	Timeout    time.Duration
	// DiffContext is the number of context lines git show emits around changes.
	DiffContext int
}

// RangeQuery selects commits for ResolveRange. Empty fields are ignored.
type RangeQuery struct {
	// AncestorsOf limits the walk to commits reachable from this revision.
	// When empty all refs are walked.
	AncestorsOf string
	// ExcludeAncestorsOf removes commits reachable from this revision.
	ExcludeAncestorsOf string
	// Since and Until bound the commit date, unix seconds.
	Since int64
	Until int64
	// PathFilter restricts the walk to commits touching these paths.
	PathFilter []string
}

// Reader gives read-only access to the history of one working copy.
//
// Commit records are built lazily and memoized by id. A Reader is not safe
// for concurrent use: concurrent miners take a Fork each and Merge the forks
// back when they are done.
type Reader struct {
	repository string
	git        *runner
	diffCtx    int
	logger     *zap.Logger

	memo map[string]*schemas.CommitRecord
}

// Open validates that path holds a git working copy and returns a Reader for it.
// Failure to open is escalated; it is never degraded to an empty history.
func Open(ctx context.Context, path string, opts Options, logger *zap.Logger, metrics *observability.Metrics) (*Reader, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: false}); err != nil {
		return nil, errkind.Wrap(errkind.InvalidInput, "gitrepo.Open", fmt.Errorf("%s is not a git working copy: %w", path, err))
	}

	if opts.Binary == "" {
		opts.Binary = "git"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultCommandTimeout
	}
	if opts.Repository == "" {
		opts.Repository = path
	}
	if opts.DiffContext < 0 {
		opts.DiffContext = 0
	}

	log := logger.Named("gitrepo").With(zap.String("repository", opts.Repository))
	return &Reader{
		repository: opts.Repository,
		diffCtx:    opts.DiffContext,
		logger:     log,
		git: &runner{
			binary:  opts.Binary,
			dir:     path,
			timeout: opts.Timeout,
			logger:  log,
			metrics: metrics,
		},
		memo: make(map[string]*schemas.CommitRecord),
	}, nil
}

// Repository returns the repository identifier stamped on records.
func (r *Reader) Repository() string { return r.repository }

// ResolveRange returns the ids selected by q, newest first.
func (r *Reader) ResolveRange(ctx context.Context, q RangeQuery) ([]string, error) {
	entries, err := r.Log(ctx, q)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids, nil
}

// Log runs one batched `git log` for q and parses its output in a single pass.
// A failed invocation is logged and yields an empty result.
func (r *Reader) Log(ctx context.Context, q RangeQuery) ([]schemas.LogEntry, error) {
	args := []string{"log", "--no-color", "--no-renames", "--name-only", logFormat}
	if q.Since > 0 {
		args = append(args, "--since="+formatGitDate(q.Since))
	}
	if q.Until > 0 {
		args = append(args, "--until="+formatGitDate(q.Until))
	}
	if q.AncestorsOf == "" {
		args = append(args, "--all")
	} else {
		args = append(args, q.AncestorsOf)
	}
	if q.ExcludeAncestorsOf != "" {
		args = append(args, "^"+q.ExcludeAncestorsOf)
	}
	args = append(args, "--")
	args = append(args, q.PathFilter...)

	out, err := r.git.run(ctx, args...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warn("History query failed, treating as empty.", zap.Error(err))
		return nil, nil
	}
	return parseLog(out), nil
}

// parseLog splits the batched log output into entries.
func parseLog(out string) []schemas.LogEntry {
	blocks := strings.Split(out, recordSep)
	entries := make([]schemas.LogEntry, 0, len(blocks))
	for _, block := range blocks {
		if strings.TrimSpace(block) == "" {
			continue
		}
		hdr, msg, tail, ok := splitBlock(block)
		if !ok {
			continue
		}
		entries = append(entries, schemas.LogEntry{
			ID:           hdr.id,
			Timestamp:    hdr.timestamp,
			ParentIDs:    hdr.parents,
			Message:      msg,
			ChangedFiles: pathLines(tail),
		})
	}
	return entries
}

type header struct {
	id        string
	timestamp int64
	parents   []string
}

// splitBlock separates a block into its header, message and trailing payload.
func splitBlock(block string) (header, string, string, bool) {
	var h header
	nl := strings.IndexByte(block, '\n')
	if nl < 0 {
		return h, "", "", false
	}
	fields := strings.Split(block[:nl], fieldSep)
	if len(fields) != 3 || fields[0] == "" {
		return h, "", "", false
	}
	h.id = strings.TrimSpace(fields[0])
	h.timestamp, _ = strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
	h.parents = strings.Fields(fields[2])

	rest := block[nl+1:]
	end := strings.Index(rest, bodyEnd)
	if end < 0 {
		return h, strings.TrimSpace(rest), "", true
	}
	return h, strings.TrimSpace(rest[:end]), strings.TrimPrefix(rest[end+len(bodyEnd):], "\n"), true
}

// GetCommit returns the record for id, building it on first request from
// exactly one `git show` call. Changed files and hunks both come from that
// one diff text. The returned record is a copy; callers may annotate it.
func (r *Reader) GetCommit(ctx context.Context, id string) (*schemas.CommitRecord, error) {
	if rec, ok := r.lookup(id); ok {
		return rec.Clone(), nil
	}

	out, err := r.git.run(ctx, "show", "--no-color", "--no-ext-diff", "--no-renames",
		fmt.Sprintf("--unified=%d", r.diffCtx), "--first-parent", "-m", logFormat, id, "--")
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("Could not read commit.", zap.String("commit", id), zap.Error(err))
		}
		return nil, err
	}

	rec, ok := r.buildRecord(out)
	if !ok {
		return nil, errkind.Errorf(errkind.ExternalToolFailure, "git show", "unparseable output for %s", id)
	}
	r.memo[rec.ID] = rec
	if rec.ID != id {
		// Abbreviated ids and tag names resolve to the same record.
		r.memo[id] = rec
	}
	return rec.Clone(), nil
}

func (r *Reader) lookup(id string) (*schemas.CommitRecord, bool) {
	rec, ok := r.memo[id]
	return rec, ok
}

// buildRecord is the one-shot builder from `git show` output to a record.
func (r *Reader) buildRecord(out string) (*schemas.CommitRecord, bool) {
	block := strings.TrimPrefix(out, recordSep)
	if i := strings.Index(block, recordSep); i >= 0 {
		// -m on a merge repeats the block per parent; --first-parent keeps one,
		// older gits may still emit more.
		block = block[:i]
	}
	hdr, msg, patch, ok := splitBlock(block)
	if !ok {
		return nil, false
	}

	pd := ExtractHunks(patch)
	refs := ExtractReferences(msg)
	return &schemas.CommitRecord{
		ID:           hdr.id,
		Repository:   r.repository,
		ParentIDs:    hdr.parents,
		Timestamp:    hdr.timestamp,
		Message:      msg,
		ChangedFiles: pd.Files,
		Hunks:        pd.Hunks,
		DiffLines:    pd.Lines,
		Diff:         pd.Changes,
		VulnRefs:     refs.VulnIDs,
		GHIssueRefs:  refs.GHIssues,
		BugRefs:      refs.Bugs,
	}, true
}

// Prime seeds the memo with records obtained elsewhere, typically the commit cache.
// Records of other repositories are ignored.
func (r *Reader) Prime(records ...*schemas.CommitRecord) {
	for _, rec := range records {
		if rec == nil || rec.ID == "" {
			continue
		}
		if rec.Repository != "" && rec.Repository != r.repository {
			continue
		}
		c := rec.Clone()
		c.Repository = r.repository
		r.memo[c.ID] = c
	}
}

// Cached reports whether id is already memoized.
func (r *Reader) Cached(id string) bool {
	_, ok := r.memo[id]
	return ok
}

// Len returns the number of memoized records.
func (r *Reader) Len() int { return len(r.memo) }

// Fork returns a Reader over the same working copy with its own memo,
// seeded with a snapshot of the current one.
func (r *Reader) Fork() *Reader {
	f := *r
	f.memo = make(map[string]*schemas.CommitRecord, len(r.memo))
	for id, rec := range r.memo {
		f.memo[id] = rec
	}
	return &f
}

// Merge adds the records memoized by other that r does not have yet.
func (r *Reader) Merge(other *Reader) {
	if other == nil || other == r {
		return
	}
	for id, rec := range other.memo {
		if _, ok := r.memo[id]; !ok {
			r.memo[id] = rec
		}
	}
}

// GetTags returns tag names in the order git reports them.
// A failed invocation is logged and yields an empty list.
func (r *Reader) GetTags(ctx context.Context) ([]string, error) {
	out, err := r.git.run(ctx, "tag")
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warn("Could not list tags.", zap.Error(err))
		return nil, nil
	}
	return lines(out), nil
}

// TagIndex lists every tag with the commit it points at and that commit's
// timestamp, in the same order as GetTags, through one for-each-ref call.
func (r *Reader) TagIndex(ctx context.Context) (schemas.TagIndex, error) {
	format := "--format=%(refname:short)" + fieldSep + "%(objectname)" + fieldSep + "%(*objectname)" +
		fieldSep + "%(committerdate:unix)" + fieldSep + "%(*committerdate:unix)"
	out, err := r.git.run(ctx, "for-each-ref", format, "refs/tags")
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warn("Could not index tags.", zap.Error(err))
		return nil, nil
	}

	var idx schemas.TagIndex
	for _, line := range lines(out) {
		f := strings.Split(line, fieldSep)
		if len(f) != 5 {
			continue
		}
		entry := schemas.TagEntry{Name: f[0], CommitID: f[1]}
		ts := f[3]
		if f[2] != "" {
			// Annotated tag: use the peeled commit.
			entry.CommitID = f[2]
			ts = f[4]
		}
		if ts == "" {
			// Older git peels one level only, so a tag of a tag needs the full walk.
			id, when, err := r.TagCommit(ctx, entry.Name)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				r.logger.Debug("Tag does not resolve to a commit.", zap.String("tag", entry.Name), zap.Error(err))
			} else {
				entry.CommitID, entry.Timestamp = id, when
			}
			idx = append(idx, entry)
			continue
		}
		entry.Timestamp, _ = strconv.ParseInt(ts, 10, 64)
		idx = append(idx, entry)
	}
	return idx, nil
}

// TagCommit resolves a tag to its commit id and commit timestamp.
func (r *Reader) TagCommit(ctx context.Context, tag string) (string, int64, error) {
	out, err := r.git.run(ctx, "log", "-1", "--no-color", "--format=%H"+fieldSep+"%ct", tag, "--")
	if err != nil {
		return "", 0, err
	}
	f := strings.Split(strings.TrimSpace(out), fieldSep)
	if len(f) != 2 || f[0] == "" {
		return "", 0, errkind.Errorf(errkind.NotFound, "git log", "tag %q does not point at a commit", tag)
	}
	ts, _ := strconv.ParseInt(f[1], 10, 64)
	return f[0], ts, nil
}

// ResolveCommit expands a possibly abbreviated hash to a full commit id.
// A revision that does not name a commit yields NotFound.
func (r *Reader) ResolveCommit(ctx context.Context, rev string) (string, error) {
	out, err := r.git.run(ctx, "rev-parse", "--verify", "--quiet", rev+"^{commit}")
	if err != nil {
		if errkind.Is(err, errkind.ExternalToolFailure) && ctx.Err() == nil {
			// --quiet suppresses the message git would use to signal a missing revision.
			return "", errkind.Errorf(errkind.NotFound, "git rev-parse", "%s is not a commit", rev)
		}
		return "", err
	}
	id := strings.TrimSpace(out)
	if id == "" {
		return "", errkind.Errorf(errkind.NotFound, "git rev-parse", "%s is not a commit", rev)
	}
	return id, nil
}

// TagsContaining returns the tags whose history includes id.
// A failed invocation is logged and yields an empty list.
func (r *Reader) TagsContaining(ctx context.Context, id string) ([]string, error) {
	out, err := r.git.run(ctx, "tag", "--contains", id)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warn("Could not list containing tags.", zap.String("commit", id), zap.Error(err))
		return nil, nil
	}
	return lines(out), nil
}

func formatGitDate(unix int64) string {
	return time.Unix(unix, 0).UTC().Format(time.RFC3339)
}
