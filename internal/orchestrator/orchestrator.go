// File: internal/orchestrator/orchestrator.go
// Description: Drives one advisory search from candidate retrieval to the final
// report. Every stage is injected through an interface so runs can be tested
// against fixture repositories and fake collaborators.

package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/fixfinder/api/schemas"
	"github.com/xkilldash9x/fixfinder/internal/advisory"
	"github.com/xkilldash9x/fixfinder/internal/config"
	"github.com/xkilldash9x/fixfinder/internal/engine"
	"github.com/xkilldash9x/fixfinder/internal/errkind"
	"github.com/xkilldash9x/fixfinder/internal/gitrepo"
	"github.com/xkilldash9x/fixfinder/internal/observability"
	"github.com/xkilldash9x/fixfinder/internal/provision"
	"github.com/xkilldash9x/fixfinder/internal/results"
	"github.com/xkilldash9x/fixfinder/internal/rules"
	"github.com/xkilldash9x/fixfinder/internal/store"
	"github.com/xkilldash9x/fixfinder/internal/tags"
	"github.com/xkilldash9x/fixfinder/internal/twins"
)

const secondsPerDay = 24 * 60 * 60

// -- Interfaces for Dependency Inversion --

// AdvisorySource builds analyzed advisory records.
type AdvisorySource interface {
	Build(ctx context.Context, opts advisory.Options) (*schemas.AdvisoryRecord, error)
}

// Provisioner turns a clone URL or local path into a working copy.
type Provisioner interface {
	Provision(ctx context.Context, location string) (string, error)
	ProvisionAll(ctx context.Context, locations []string) ([]provision.Result, error)
}

// Miner builds commit records for a candidate set.
type Miner interface {
	Mine(ctx context.Context, pool engine.Pool, ids []string) (*engine.Result, error)
}

// Scorer evaluates the rules over mined commits and ranks them.
type Scorer interface {
	Evaluate(ctx context.Context, commits []*schemas.CommitRecord, rc *rules.Context) ([]*schemas.RankedCandidate, error)
}

// Dependencies are the collaborators of an Orchestrator. Cache, Issues,
// Classifier and Metrics are optional.
type Dependencies struct {
	Advisories AdvisorySource
	Repos      Provisioner
	Miner      Miner
	Scorer     Scorer
	Cache      schemas.CommitCache
	Issues     schemas.IssueFetcher
	Classifier schemas.Classifier
	Metrics    *observability.Metrics
}

// Request describes one search.
type Request struct {
	Advisory advisory.Options
}

// BatchResult is the outcome of one item of RunBatch.
type BatchResult struct {
	Request Request
	Report  *schemas.Report
	Err     error
}

// Orchestrator runs advisory searches.
type Orchestrator struct {
	cfg    config.Interface
	logger *zap.Logger
	deps   Dependencies
}

// New creates an Orchestrator. The advisory source, provisioner, miner and
// scorer are required.
func New(cfg config.Interface, logger *zap.Logger, deps Dependencies) (*Orchestrator, error) {
	if cfg == nil ||
		logger == nil ||
		deps.Advisories == nil ||
		deps.Repos == nil ||
		deps.Miner == nil ||
		deps.Scorer == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	if deps.Cache == nil {
		deps.Cache = store.Noop{}
	}
	return &Orchestrator{
		cfg:    cfg,
		logger: logger.Named("orchestrator"),
		deps:   deps,
	}, nil
}

// Run builds the advisory, provisions its repository and searches it.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*schemas.Report, error) {
	adv, err := o.deps.Advisories.Build(ctx, req.Advisory)
	if err != nil {
		return nil, fmt.Errorf("failed to build advisory: %w", err)
	}
	if adv.RepositoryURL == "" {
		return nil, errkind.Errorf(errkind.InvalidInput, "orchestrator.Run", "no repository given for %s", adv.VulnID)
	}
	path, err := o.deps.Repos.Provision(ctx, adv.RepositoryURL)
	if err != nil {
		return nil, fmt.Errorf("failed to provision %s: %w", adv.RepositoryURL, err)
	}
	return o.Search(ctx, adv, path)
}

// RunBatch runs every request. Advisories are built first, repositories are
// then provisioned concurrently, and the searches run one after the other
// since each already saturates the mining pool. Failures are reported per
// item; the returned error is only set when ctx ends.
func (o *Orchestrator) RunBatch(ctx context.Context, reqs []Request) ([]BatchResult, error) {
	out := make([]BatchResult, len(reqs))
	advs := make([]*schemas.AdvisoryRecord, len(reqs))

	var locations []string
	var slots []int
	for i, req := range reqs {
		out[i].Request = req
		if err := ctx.Err(); err != nil {
			out[i].Err = err
			continue
		}
		adv, err := o.deps.Advisories.Build(ctx, req.Advisory)
		switch {
		case err != nil:
			out[i].Err = fmt.Errorf("failed to build advisory: %w", err)
		case adv.RepositoryURL == "":
			out[i].Err = errkind.Errorf(errkind.InvalidInput, "orchestrator.RunBatch", "no repository given for %s", adv.VulnID)
		default:
			advs[i] = adv
			locations = append(locations, adv.RepositoryURL)
			slots = append(slots, i)
		}
	}

	provisioned, err := o.deps.Repos.ProvisionAll(ctx, locations)
	if err != nil {
		for i := range out {
			if out[i].Err == nil {
				out[i].Err = err
			}
		}
		return out, err
	}

	for k, res := range provisioned {
		i := slots[k]
		if res.Err != nil {
			out[i].Err = fmt.Errorf("failed to provision %s: %w", res.URL, res.Err)
			continue
		}
		if err := ctx.Err(); err != nil {
			out[i].Err = err
			continue
		}
		out[i].Report, out[i].Err = o.Search(ctx, advs[i], res.Path)
		if out[i].Err != nil {
			o.logger.Warn("Search failed", zap.String("vuln_id", advs[i].VulnID), zap.Error(out[i].Err))
		}
	}
	return out, ctx.Err()
}

// Search runs the pipeline for adv over the working copy at path.
func (o *Orchestrator) Search(ctx context.Context, adv *schemas.AdvisoryRecord, path string) (*schemas.Report, error) {
	start := time.Now()
	report, err := o.search(ctx, adv, path, start)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case report.Partial:
		outcome = "partial"
	}
	o.deps.Metrics.ObserveRun(outcome, time.Since(start))
	return report, err
}

// ResolveTags provisions location and maps interval onto its tags, widening
// the result by margin tags on each side.
func (o *Orchestrator) ResolveTags(ctx context.Context, location, interval string, margin int) (schemas.Resolution, error) {
	path, err := o.deps.Repos.Provision(ctx, location)
	if err != nil {
		return schemas.Resolution{}, fmt.Errorf("failed to provision %s: %w", location, err)
	}
	reader, err := o.open(ctx, path, location)
	if err != nil {
		return schemas.Resolution{}, err
	}
	idx, err := reader.TagIndex(ctx)
	if err != nil {
		return schemas.Resolution{}, err
	}
	res, err := tags.Resolve(interval, idx.Names())
	if err != nil {
		return res, err
	}
	return tags.Widen(res, idx.Names(), tags.IndexLookup(idx), margin), nil
}

func (o *Orchestrator) open(ctx context.Context, path, repository string) (*gitrepo.Reader, error) {
	gitCfg := o.cfg.Git()
	return gitrepo.Open(ctx, path, gitrepo.Options{
		Repository: repository,
		Binary:     gitCfg.Binary,
		Timeout:    gitCfg.CommandTimeout,
	}, o.logger, o.deps.Metrics)
}

func (o *Orchestrator) search(ctx context.Context, adv *schemas.AdvisoryRecord, path string, start time.Time) (*schemas.Report, error) {
	logger := o.logger.With(zap.String("vuln_id", adv.VulnID), zap.String("repository", adv.RepositoryURL))
	logger.Info("Starting search")

	reader, err := o.open(ctx, path, adv.RepositoryURL)
	if err != nil {
		return nil, err
	}
	run := results.Run{VulnID: adv.VulnID, Repository: adv.RepositoryURL}

	// 1. Version interval to tags.
	idx, err := reader.TagIndex(ctx)
	if err != nil {
		return nil, err
	}
	run.Resolution = o.resolve(adv, idx, logger)

	// 2. Candidate retrieval: advisory-referenced fixes first, then tags or dates.
	fixing, entries, err := o.fixingCandidates(ctx, reader, adv, logger)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		run.HasFixingCommit = true
		logger.Info("Fixing commit found in the advisory references", zap.Strings("commits", fixing))
	} else {
		entries, err = o.retrieve(ctx, reader, adv, run.Resolution, logger)
		if err != nil {
			return nil, err
		}
	}
	run.Stats.Candidates = len(entries)

	// 3. Filtering and the ceiling.
	mining := o.cfg.Mining()
	ids := filterCandidates(entries, mining.RelevantExtensions, setOf(fixing))
	run.Stats.Filtered = len(ids)
	if dropped := len(entries) - len(ids); dropped > 0 {
		logger.Info("Dropped candidates", zap.Int("dropped", dropped))
	}
	if mining.MaxCandidates > 0 && len(ids) > mining.MaxCandidates {
		return nil, errkind.Errorf(errkind.InvalidInput, "orchestrator.Search",
			"candidate set too large: %d commits exceed the limit of %d", len(ids), mining.MaxCandidates)
	}

	// 4. Cache, then mining under the budget.
	records, partial, err := o.mine(ctx, reader, adv.RepositoryURL, ids, &run.Stats, logger)
	if err != nil {
		return nil, err
	}
	run.Partial = partial
	records = dropOversized(records, mining.MaxDiffLines, setOf(fixing))
	run.Stats.Mined = len(records)

	// 5. Twins, scoring and ranking.
	twinsCfg := o.cfg.Twins()
	index, err := twins.NewIndex(twinsCfg.Threshold, twinsCfg.NumPerm)
	if err != nil {
		return nil, err
	}
	if err := twins.Annotate(twins.NewHasher(twinsCfg.NumPerm, twinsCfg.Seed, twinsCfg.PrefixLength), index, records); err != nil {
		return nil, err
	}

	var issues schemas.IssueFetcher
	if o.cfg.Rules().FetchReferences {
		issues = o.deps.Issues
	}
	ranked, err := o.deps.Scorer.Evaluate(ctx, records, &rules.Context{
		Advisory:   adv,
		Issues:     issues,
		Classifier: o.deps.Classifier,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to score candidates: %w", err)
	}

	// 6. Report.
	annotate := 0
	if mining.AnnotateTags {
		annotate = o.cfg.Rules().TopK
		if annotate <= 0 {
			annotate = rules.DefaultTopK
		}
	}
	run.Stats.Elapsed = time.Since(start)
	pipeline := results.NewPipeline(results.PipelineConfig{
		MaxCandidates: o.cfg.Report().MaxCandidates,
		AnnotateTags:  annotate,
		Tags:          reader,
	}, logger)
	report := pipeline.Process(ctx, run, ranked)
	logger.Info("Search complete", zap.String("summary", results.Summarize(report)))
	return report, nil
}

// resolve maps the advisory interval onto the tag index. Resolution problems
// are reported in the result rather than failing the run.
func (o *Orchestrator) resolve(adv *schemas.AdvisoryRecord, idx schemas.TagIndex, logger *zap.Logger) schemas.Resolution {
	unresolved := schemas.Resolution{Status: schemas.StatusUnresolved}
	if adv.VersionInterval == "" {
		logger.Info("No version interval provided")
		return unresolved
	}
	if len(idx) == 0 {
		logger.Info("Repository has no tags")
		return unresolved
	}
	names := idx.Names()
	res, err := tags.Resolve(adv.VersionInterval, names)
	if err != nil {
		logger.Warn("Could not resolve the version interval", zap.String("interval", adv.VersionInterval), zap.Error(err))
		return unresolved
	}
	res = tags.Widen(res, names, tags.IndexLookup(idx), o.cfg.Mining().TagMargin)
	logger.Info("Resolved version interval",
		zap.String("interval", adv.VersionInterval),
		zap.String("prev", res.Prev),
		zap.String("next", res.Next),
		zap.String("status", string(res.Status)))
	return res
}

// fixingCandidates resolves the commits the advisory references. When at least
// one exists, it returns them together with the commits around each of them
// whose message makes them twins.
func (o *Orchestrator) fixingCandidates(ctx context.Context, reader *gitrepo.Reader, adv *schemas.AdvisoryRecord, logger *zap.Logger) ([]string, []schemas.LogEntry, error) {
	var fixing []string
	seen := make(map[string]bool)
	for _, ref := range advisory.FixingCommits(adv) {
		id, err := reader.ResolveCommit(ctx, ref)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			logger.Debug("Referenced commit is not in the repository", zap.String("ref", ref), zap.Error(err))
			continue
		}
		if !seen[id] {
			seen[id] = true
			fixing = append(fixing, id)
		}
	}
	if len(fixing) == 0 {
		return nil, nil, nil
	}

	mining, twinsCfg := o.cfg.Mining(), o.cfg.Twins()
	hasher := twins.NewHasher(twinsCfg.NumPerm, twinsCfg.Seed, twinsCfg.PrefixLength)
	var entries []schemas.LogEntry
	added := make(map[string]bool)
	for _, id := range fixing {
		rec, err := reader.GetCommit(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			logger.Warn("Could not read referenced commit", zap.String("commit", id), zap.Error(err))
			continue
		}
		if !added[id] {
			added[id] = true
			entries = append(entries, schemas.LogEntry{
				ID: rec.ID, Timestamp: rec.Timestamp, ParentIDs: rec.ParentIDs,
				Message: rec.Message, ChangedFiles: rec.ChangedFiles,
			})
		}

		sig, ok := hasher.Sign(rec.Message)
		if !ok || twins.IsMerge(rec.Message) {
			continue
		}
		around, err := reader.Log(ctx, gitrepo.RangeQuery{
			Since: rec.Timestamp - int64(mining.DaysBefore)*secondsPerDay,
			Until: rec.Timestamp + int64(mining.DaysAfter)*secondsPerDay,
		})
		if err != nil {
			return nil, nil, err
		}
		for _, e := range around {
			if added[e.ID] || twins.IsMerge(e.Message) {
				continue
			}
			if other, ok := hasher.Sign(e.Message); ok && twins.Jaccard(sig, other) >= twinsCfg.Threshold {
				added[e.ID] = true
				entries = append(entries, e)
			}
		}
	}
	return fixing, entries, nil
}

// retrieve lists candidates between the resolved tags. With no usable tag
// range, or an empty one, it falls back to a window around the advisory date.
func (o *Orchestrator) retrieve(ctx context.Context, reader *gitrepo.Reader, adv *schemas.AdvisoryRecord, res schemas.Resolution, logger *zap.Logger) ([]schemas.LogEntry, error) {
	prev, next := res.Bounds()
	if prev != "" || next != "" {
		entries, err := reader.Log(ctx, gitrepo.RangeQuery{AncestorsOf: next, ExcludeAncestorsOf: prev})
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			logger.Info("Found candidates between tags", zap.Int("candidates", len(entries)))
			return entries, nil
		}
		logger.Info("Tag range is empty, using the advisory date window")
	}

	ts := adv.ReferenceTimestamp()
	if ts <= 0 {
		if res.Status == schemas.StatusAmbiguous {
			return nil, errkind.Errorf(errkind.AmbiguousResolution, "orchestrator.retrieve",
				"version interval %q matches several tags: %s", adv.VersionInterval,
				strings.Join(append(append([]string(nil), res.PrevCandidates...), res.NextCandidates...), ", "))
		}
		return nil, errkind.New(errkind.InvalidInput, "orchestrator.retrieve",
			"neither a resolvable version interval nor an advisory date bounds the candidates")
	}
	mining := o.cfg.Mining()
	entries, err := reader.Log(ctx, gitrepo.RangeQuery{
		Since: ts - int64(mining.DaysBefore)*secondsPerDay,
		Until: ts + int64(mining.DaysAfter)*secondsPerDay,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("Found candidates in the date window", zap.Int("candidates", len(entries)))
	return entries, nil
}

// mine returns records for ids in order, taking what it can from the cache and
// mining the rest under the configured budget. Fresh records are saved back.
func (o *Orchestrator) mine(ctx context.Context, reader *gitrepo.Reader, repository string, ids []string, stats *schemas.RunStats, logger *zap.Logger) ([]*schemas.CommitRecord, bool, error) {
	if len(ids) == 0 {
		return nil, false, nil
	}

	cached, err := o.deps.Cache.Lookup(ctx, repository, ids)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		logger.Warn("Commit cache lookup failed, mining everything", zap.Error(err))
		cached = nil
	}
	missing := make([]string, 0, len(ids))
	for _, id := range ids {
		if rec, ok := cached[id]; ok && rec != nil {
			reader.Prime(rec)
			continue
		}
		missing = append(missing, id)
	}
	stats.CacheHits = len(ids) - len(missing)

	mined := &engine.Result{}
	if len(missing) > 0 {
		budgetCtx := ctx
		if budget := o.cfg.Mining().Budget; budget > 0 {
			var cancel context.CancelFunc
			budgetCtx, cancel = context.WithTimeout(ctx, budget)
			defer cancel()
		}
		mined, err = o.deps.Miner.Mine(budgetCtx, engine.ReaderPool{Reader: reader}, missing)
		if err != nil {
			return nil, false, fmt.Errorf("mining failed: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		stats.MiningFailures = mined.Failed

		if len(mined.Records) > 0 {
			if err := o.deps.Cache.Save(ctx, repository, mined.Records); err != nil {
				logger.Warn("Could not save mined commits to the cache", zap.Error(err))
			}
		}
	}

	byID := make(map[string]*schemas.CommitRecord, len(ids))
	for id, rec := range cached {
		if rec != nil {
			byID[id] = rec
		}
	}
	for _, rec := range mined.Records {
		byID[rec.ID] = rec
	}
	records := make([]*schemas.CommitRecord, 0, len(byID))
	for _, id := range ids {
		if rec, ok := byID[id]; ok {
			records = append(records, rec)
		}
	}
	return records, mined.Partial, nil
}

// filterCandidates drops merges and commits that touch no file with a relevant
// extension. Ids in keep always survive. Order is preserved.
func filterCandidates(entries []schemas.LogEntry, extensions []string, keep map[string]bool) []string {
	exts := make(map[string]bool, len(extensions))
	for _, e := range extensions {
		exts[strings.ToLower(strings.TrimPrefix(e, "."))] = true
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if keep[e.ID] {
			ids = append(ids, e.ID)
			continue
		}
		if len(e.ParentIDs) > 1 {
			continue
		}
		if len(exts) > 0 && !touchesRelevant(e.ChangedFiles, exts) {
			continue
		}
		ids = append(ids, e.ID)
	}
	return ids
}

func touchesRelevant(files []string, exts map[string]bool) bool {
	for _, f := range files {
		base := f
		if i := strings.LastIndexByte(base, '/'); i >= 0 {
			base = base[i+1:]
		}
		if i := strings.LastIndexByte(base, '.'); i >= 0 && exts[strings.ToLower(base[i+1:])] {
			return true
		}
	}
	return false
}

// dropOversized removes records whose diff exceeds limit. Ids in keep survive.
func dropOversized(records []*schemas.CommitRecord, limit int, keep map[string]bool) []*schemas.CommitRecord {
	if limit <= 0 {
		return records
	}
	kept := records[:0]
	for _, rec := range records {
		if rec.DiffLines <= limit || keep[rec.ID] {
			kept = append(kept, rec)
		}
	}
	return kept
}

func setOf(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
