// File: internal/advisory/builder.go
package advisory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/fixfinder/api/schemas"
	"github.com/xkilldash9x/fixfinder/internal/errkind"
	"github.com/xkilldash9x/fixfinder/internal/fetch"
)

const (
	// referenceWeight is how much a reference listed by the advisory itself
	// counts, against 1 for a link found on a referenced page.
	referenceWeight = 2
	// MaxFixingCommits bounds how many advisory-referenced commits are tried.
	MaxFixingCommits = 5
)

// NVDSource looks advisories up by id.
type NVDSource interface {
	Lookup(ctx context.Context, id string) (*fetch.NVDEntry, error)
}

// PageSource is the part of the fetch client used for the reference crawl.
type PageSource interface {
	schemas.ContentFetcher
	Allowed(rawURL string) bool
}

// Options are the caller supplied parts of an advisory. Non-empty fields
// win over what the file or NVD provides.
type Options struct {
	VulnID          string
	Description     string
	RepositoryURL   string
	VersionInterval string
	// PublishedAt is an RFC 3339 timestamp or a YYYY-MM-DD date.
	PublishedAt string
	Keywords    []string
	Files       []string
	// File is a YAML or JSON advisory document.
	File string
}

// Builder assembles analyzed advisory records.
type Builder struct {
	nvd        NVDSource
	pages      PageSource
	extensions []string
	logger     *zap.Logger
}

// NewBuilder creates a Builder. Both sources are optional: without nvd only
// files and options feed the record, without pages references are not
// crawled.
func NewBuilder(nvd NVDSource, pages PageSource, extensions []string, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{nvd: nvd, pages: pages, extensions: extensions, logger: logger.Named("advisory")}
}

// Build merges file, NVD and options into a record, analyzes it and crawls
// its references.
func (b *Builder) Build(ctx context.Context, opts Options) (*schemas.AdvisoryRecord, error) {
	adv := &schemas.AdvisoryRecord{VulnID: strings.TrimSpace(opts.VulnID)}

	if opts.File != "" {
		loaded, err := LoadFile(opts.File)
		if err != nil {
			return nil, err
		}
		if adv.VulnID != "" && loaded.VulnID != "" && !strings.EqualFold(adv.VulnID, loaded.VulnID) {
			return nil, errkind.Errorf(errkind.InvalidInput, "advisory.Build", "file describes %s, not %s", loaded.VulnID, adv.VulnID)
		}
		if adv.VulnID != "" {
			loaded.VulnID = adv.VulnID
		}
		adv = loaded
	}
	if adv.VulnID == "" {
		return nil, errkind.New(errkind.InvalidInput, "advisory.Build", "a vulnerability id is required")
	}

	if adv.Description == "" && opts.Description == "" && b.nvd != nil {
		if err := b.fillFromNVD(ctx, adv); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			b.logger.Warn("Advisory lookup failed, continuing with local data",
				zap.String("vuln_id", adv.VulnID), zap.Error(err))
		}
	}

	if err := applyOptions(adv, opts); err != nil {
		return nil, err
	}

	Analyze(adv, b.extensions)
	// Explicit keywords replace the derived ones.
	if len(opts.Keywords) > 0 {
		adv.Keywords = append([]string(nil), opts.Keywords...)
	}
	if err := b.Crawl(ctx, adv); err != nil {
		return nil, err
	}

	b.logger.Debug("Advisory built",
		zap.String("vuln_id", adv.VulnID),
		zap.Int("keywords", len(adv.Keywords)),
		zap.Int("files", len(adv.Files)),
		zap.Int("references", len(adv.References)))
	return adv, nil
}

func (b *Builder) fillFromNVD(ctx context.Context, adv *schemas.AdvisoryRecord) error {
	entry, err := b.nvd.Lookup(ctx, adv.VulnID)
	if err != nil {
		return err
	}
	adv.Description = entry.Description
	if adv.PublishedTimestamp == 0 {
		adv.PublishedTimestamp = entry.Published
	}
	if adv.References == nil {
		adv.References = make(map[string]int)
	}
	for _, ref := range entry.References {
		adv.References[ref] += referenceWeight
	}
	adv.Products = append(adv.Products, entry.Products...)
	if adv.VersionInterval == "" {
		adv.VersionInterval = intervalFrom(entry.Affected, entry.Fixed)
	}
	return nil
}

// intervalFrom turns NVD ranges into "A:B": the last affected version and
// the first fixed one.
func intervalFrom(affected, fixed []string) string {
	var prev, next string
	if len(affected) > 0 {
		prev = affected[len(affected)-1]
	}
	if len(fixed) > 0 {
		next = fixed[0]
	}
	if prev == "" && next == "" {
		return ""
	}
	return prev + ":" + next
}

func applyOptions(adv *schemas.AdvisoryRecord, opts Options) error {
	if opts.Description != "" {
		adv.Description = opts.Description
	}
	if opts.RepositoryURL != "" {
		adv.RepositoryURL = opts.RepositoryURL
	}
	if opts.VersionInterval != "" {
		adv.VersionInterval = opts.VersionInterval
	}
	if opts.PublishedAt != "" {
		ts, err := ParseDate(opts.PublishedAt)
		if err != nil {
			return err
		}
		adv.PublishedTimestamp = ts
	}
	adv.Files = append(adv.Files, opts.Files...)
	return nil
}

// ParseDate accepts RFC 3339 timestamps and plain dates.
func ParseDate(s string) (int64, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t.Unix(), nil
		}
	}
	return 0, errkind.Errorf(errkind.InvalidInput, "advisory.ParseDate", "unrecognized date %q", s)
}

// LoadFile reads an advisory from YAML or JSON.
func LoadFile(path string) (*schemas.AdvisoryRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errkind.Wrap(errkind.NotFound, "advisory.LoadFile", err)
		}
		return nil, fmt.Errorf("failed to read advisory file: %w", err)
	}
	var adv schemas.AdvisoryRecord
	if err := yaml.Unmarshal(data, &adv); err != nil {
		return nil, errkind.Wrap(errkind.InvalidInput, "advisory.LoadFile", fmt.Errorf("parse %s: %w", path, err))
	}
	return &adv, nil
}

// Crawl fetches every allowed URL reference and counts the commit links on
// it. Fetch failures only cost the links of that page.
func (b *Builder) Crawl(ctx context.Context, adv *schemas.AdvisoryRecord) error {
	if b.pages == nil {
		return nil
	}
	for _, ref := range adv.ReferenceURLs() {
		if strings.HasPrefix(ref, schemas.CommitReferencePrefix) || !b.pages.Allowed(ref) {
			continue
		}
		links, err := b.pages.FetchLinks(ctx, ref)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Debug("Skipping reference", zap.String("url", ref), zap.Error(err))
			continue
		}
		for _, link := range links {
			if hash := CommitHash(link); hash != "" {
				adv.References[schemas.CommitReferencePrefix+hash]++
			}
		}
	}
	return nil
}

// FixingCommits returns the most mentioned commit references, at most
// MaxFixingCommits of them.
func FixingCommits(adv *schemas.AdvisoryRecord) []string {
	refs := adv.CommitReferences()
	if len(refs) > MaxFixingCommits {
		refs = refs[:MaxFixingCommits]
	}
	return refs
}
