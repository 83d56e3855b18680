// File: internal/gitrepo/history_test.go
package gitrepo

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/fixfinder/internal/errkind"
	"github.com/xkilldash9x/fixfinder/internal/observability"
	"github.com/xkilldash9x/fixfinder/internal/testutil"
)

type historyFixture struct {
	reader     *Reader
	c1, c2, c3 string
	repo       *testutil.Repo
	metrics    *observability.Metrics
}

func setupHistory(t *testing.T) *historyFixture {
	t.Helper()
	testutil.RequireGit(t)

	repo := testutil.NewRepo(t)
	c1 := repo.Commit("Initial import", map[string]string{
		"src/Parser.java": "class Parser {\n  void parse() {}\n}\n",
	})
	repo.Tag("v1.0", c1)
	c2 := repo.Commit("Fix CVE-2020-1234: reject external entities (#12)\n\nReported as LIB-77.", map[string]string{
		"src/Parser.java": "class Parser {\n  void parse() { reject(); }\n}\n",
	})
	repo.AnnotatedTag("v1.1", c2, "release 1.1")
	c3 := repo.Commit("Update docs", map[string]string{
		"README.md": "parser\n",
	})
	repo.Tag("v1.2", c3)

	metrics := observability.NewMetrics()
	r, err := Open(context.Background(), repo.Dir, Options{Repository: "https://github.com/acme/parser"}, zaptest.NewLogger(t), metrics)
	require.NoError(t, err)
	return &historyFixture{reader: r, c1: c1, c2: c2, c3: c3, repo: repo, metrics: metrics}
}

func TestOpen(t *testing.T) {
	t.Run("rejects a directory without a repository", func(t *testing.T) {
		_, err := Open(context.Background(), t.TempDir(), Options{}, zaptest.NewLogger(t), nil)
		require.Error(t, err)
		assert.True(t, errkind.Is(err, errkind.InvalidInput))
	})

	t.Run("requires a logger", func(t *testing.T) {
		_, err := Open(context.Background(), t.TempDir(), Options{}, nil, nil)
		assert.EqualError(t, err, "logger cannot be nil")
	})
}

func TestReader_ResolveRange(t *testing.T) {
	f := setupHistory(t)
	ctx := context.Background()

	t.Run("all commits newest first", func(t *testing.T) {
		ids, err := f.reader.ResolveRange(ctx, RangeQuery{})
		require.NoError(t, err)
		assert.Equal(t, []string{f.c3, f.c2, f.c1}, ids)
	})

	t.Run("between tags", func(t *testing.T) {
		ids, err := f.reader.ResolveRange(ctx, RangeQuery{AncestorsOf: "v1.2", ExcludeAncestorsOf: "v1.0"})
		require.NoError(t, err)
		assert.Equal(t, []string{f.c3, f.c2}, ids)
	})

	t.Run("time window", func(t *testing.T) {
		since := testutil.Epoch.Add(12 * time.Hour).Unix()
		until := testutil.Epoch.Add(36 * time.Hour).Unix()
		ids, err := f.reader.ResolveRange(ctx, RangeQuery{Since: since, Until: until})
		require.NoError(t, err)
		assert.Equal(t, []string{f.c2}, ids)
	})

	t.Run("path filter", func(t *testing.T) {
		ids, err := f.reader.ResolveRange(ctx, RangeQuery{PathFilter: []string{"README.md"}})
		require.NoError(t, err)
		assert.Equal(t, []string{f.c3}, ids)
	})

	t.Run("unknown revision degrades to empty", func(t *testing.T) {
		ids, err := f.reader.ResolveRange(ctx, RangeQuery{AncestorsOf: "v9.9"})
		require.NoError(t, err)
		assert.Empty(t, ids)
	})
}

func TestReader_Log(t *testing.T) {
	f := setupHistory(t)

	entries, err := f.reader.Log(context.Background(), RangeQuery{})
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, f.c2, entries[1].ID)
	assert.Equal(t, testutil.Epoch.Add(24*time.Hour).Unix(), entries[1].Timestamp)
	assert.Equal(t, []string{f.c1}, entries[1].ParentIDs)
	assert.Contains(t, entries[1].Message, "Fix CVE-2020-1234")
	assert.Contains(t, entries[1].Message, "Reported as LIB-77.")
	assert.Equal(t, []string{"src/Parser.java"}, entries[1].ChangedFiles)
	assert.Empty(t, entries[2].ParentIDs)
}

func TestReader_GetCommit(t *testing.T) {
	f := setupHistory(t)
	ctx := context.Background()

	first, err := f.reader.GetCommit(ctx, f.c2)
	require.NoError(t, err)

	assert.Equal(t, f.c2, first.ID)
	assert.Equal(t, "https://github.com/acme/parser", first.Repository)
	assert.Equal(t, []string{"src/Parser.java"}, first.ChangedFiles)
	assert.Equal(t, []string{"CVE-2020-1234"}, first.VulnRefs)
	assert.Equal(t, []string{"12"}, first.GHIssueRefs)
	assert.Equal(t, []string{"LIB-77"}, first.BugRefs)
	require.NotEmpty(t, first.Hunks)
	assert.Contains(t, first.Diff, "+  void parse() { reject(); }")
	assert.Contains(t, first.Diff, "-  void parse() {}")

	t.Run("memoized and idempotent", func(t *testing.T) {
		assert.True(t, f.reader.Cached(f.c2))
		second, err := f.reader.GetCommit(ctx, f.c2)
		require.NoError(t, err)
		if diff := cmp.Diff(first, second); diff != "" {
			t.Errorf("second call differs (-first +second):\n%s", diff)
		}
	})

	t.Run("callers cannot corrupt the memo", func(t *testing.T) {
		c, err := f.reader.GetCommit(ctx, f.c2)
		require.NoError(t, err)
		c.Tags = append(c.Tags, "mutated")
		c.ChangedFiles[0] = "mutated"

		again, err := f.reader.GetCommit(ctx, f.c2)
		require.NoError(t, err)
		assert.Empty(t, again.Tags)
		assert.Equal(t, "src/Parser.java", again.ChangedFiles[0])
	})

	t.Run("missing commit", func(t *testing.T) {
		_, err := f.reader.GetCommit(ctx, "0123456789abcdef0123456789abcdef01234567")
		require.Error(t, err)
		assert.True(t, errkind.Is(err, errkind.NotFound), "got %v", err)
	})
}

func TestReader_Tags(t *testing.T) {
	f := setupHistory(t)
	ctx := context.Background()

	names, err := f.reader.GetTags(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1.0", "v1.1", "v1.2"}, names)

	idx, err := f.reader.TagIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, names, idx.Names())
	annotated, ok := idx.Lookup("v1.1")
	require.True(t, ok)
	assert.Equal(t, f.c2, annotated.CommitID, "annotated tags are peeled to their commit")
	assert.Equal(t, testutil.Epoch.Add(24*time.Hour).Unix(), annotated.Timestamp)

	id, ts, err := f.reader.TagCommit(ctx, "v1.2")
	require.NoError(t, err)
	assert.Equal(t, f.c3, id)
	assert.Equal(t, testutil.Epoch.Add(48*time.Hour).Unix(), ts)

	containing, err := f.reader.TagsContaining(ctx, f.c2)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1.1", "v1.2"}, containing)
}

func TestReader_TagIndexNestedTag(t *testing.T) {
	f := setupHistory(t)
	ctx := context.Background()

	inner, err := f.repo.Repo.Tag("v1.1")
	require.NoError(t, err)
	f.repo.AnnotatedTag("v1.1-final", inner.Hash().String(), "retag of 1.1")

	idx, err := f.reader.TagIndex(ctx)
	require.NoError(t, err)
	nested, ok := idx.Lookup("v1.1-final")
	require.True(t, ok)
	assert.Equal(t, f.c2, nested.CommitID, "a tag of a tag resolves to the commit")
	assert.Equal(t, testutil.Epoch.Add(24*time.Hour).Unix(), nested.Timestamp)
}

func TestReader_NonASCIIPaths(t *testing.T) {
	f := setupHistory(t)
	ctx := context.Background()
	id := f.repo.Commit("Handle umlauts", map[string]string{
		"src/ü.go": "package src\n",
	})

	entries, err := f.reader.Log(ctx, RangeQuery{AncestorsOf: id, ExcludeAncestorsOf: f.c3})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []string{"src/ü.go"}, entries[0].ChangedFiles)

	rec, err := f.reader.GetCommit(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"src/ü.go"}, rec.ChangedFiles)
}

func TestParseLog_QuotedPaths(t *testing.T) {
	out := recordSep + "abc" + fieldSep + "1" + fieldSep + "\nmsg\n" + bodyEnd + "\n\n" +
		`"\303\274.go"` + "\n" + `"tab\there.go"` + "\nplain.go\n"

	entries := parseLog(out)
	require.Len(t, entries, 1)
	assert.Equal(t, "abc", entries[0].ID)
	assert.Equal(t, "msg", entries[0].Message)
	assert.Equal(t, []string{"ü.go", "tab\there.go", "plain.go"}, entries[0].ChangedFiles)
}

func TestReader_ResolveCommit(t *testing.T) {
	f := setupHistory(t)
	ctx := context.Background()

	full, err := f.reader.ResolveCommit(ctx, f.c1[:8])
	require.NoError(t, err)
	assert.Equal(t, f.c1, full)

	_, err = f.reader.ResolveCommit(ctx, "deadbeef")
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.NotFound))
}

func TestReader_ForkMergePrime(t *testing.T) {
	f := setupHistory(t)
	ctx := context.Background()

	_, err := f.reader.GetCommit(ctx, f.c1)
	require.NoError(t, err)

	fork := f.reader.Fork()
	assert.True(t, fork.Cached(f.c1), "forks start from a snapshot")

	_, err = fork.GetCommit(ctx, f.c3)
	require.NoError(t, err)
	assert.False(t, f.reader.Cached(f.c3), "forks do not write through")

	f.reader.Merge(fork)
	assert.True(t, f.reader.Cached(f.c3))

	primed := f.reader.Fork()
	rec, err := f.reader.GetCommit(ctx, f.c2)
	require.NoError(t, err)
	other := rec.Clone()
	other.Repository = "https://github.com/someone/else"
	other.ID = "ffffffffffffffffffffffffffffffffffffffff"
	primed.Prime(rec, other, nil)
	assert.True(t, primed.Cached(f.c2))
	assert.False(t, primed.Cached(other.ID), "records of other repositories are ignored")
}
