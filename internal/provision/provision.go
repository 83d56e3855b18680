// File: internal/provision/provision.go

// Package provision keeps local working copies of the repositories that are
// mined, cloning them on first use and fetching them afterwards.
package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	ffconfig "github.com/xkilldash9x/fixfinder/internal/config"
	"github.com/xkilldash9x/fixfinder/internal/errkind"
)

var unsafeDirChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Result is the outcome of provisioning one repository.
type Result struct {
	URL  string
	Path string
	Err  error
}

// Pool provisions working copies under one directory with a bounded number
// of concurrent clones.
type Pool struct {
	dir         string
	skipFetch   bool
	concurrency int
	auth        transport.AuthMethod
	logger      *zap.Logger
	group       singleflight.Group
}

// New prepares the repositories directory. token, when set, authenticates
// https remotes.
func New(cfg ffconfig.GitConfig, concurrency int, token string, logger *zap.Logger) (*Pool, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	dir, err := homedir.Expand(cfg.ReposDir)
	if err != nil {
		return nil, fmt.Errorf("failed to expand repos dir: %w", err)
	}
	if dir == "" {
		return nil, errors.New("repos dir cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create repos dir: %w", err)
	}
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}

	p := &Pool{
		dir:         dir,
		skipFetch:   cfg.SkipFetch,
		concurrency: concurrency,
		logger:      logger.Named("provision"),
	}
	if token != "" {
		p.auth = &http.BasicAuth{
			Username: "x-access-token", // GitHub/GitLab convention
			Password: token,
		}
	}
	return p, nil
}

// IsRemote reports whether location names a remote repository rather than
// a local working copy.
func IsRemote(location string) bool {
	return strings.Contains(location, "://") || strings.HasPrefix(location, "git@")
}

// Dir returns the working copy directory used for a remote url.
func (p *Pool) Dir(url string) string {
	name := url
	if i := strings.Index(name, "://"); i >= 0 {
		name = name[i+3:]
	}
	name = strings.TrimPrefix(name, "git@")
	name = strings.TrimSuffix(strings.TrimRight(name, "/"), ".git")
	name = strings.Trim(unsafeDirChars.ReplaceAllString(name, "_"), "_.")
	return filepath.Join(p.dir, name)
}

// Provision returns a local working copy of location. Local paths are
// returned as they are; remote urls are cloned on first use and fetched on
// later calls unless fetching is disabled.
func (p *Pool) Provision(ctx context.Context, location string) (string, error) {
	if !IsRemote(location) {
		return p.local(location)
	}
	dir := p.Dir(location)
	_, err, _ := p.group.Do(dir, func() (interface{}, error) {
		return nil, p.provisionRemote(ctx, location, dir)
	})
	if err != nil {
		return "", err
	}
	return dir, nil
}

func (p *Pool) local(location string) (string, error) {
	path, err := homedir.Expand(location)
	if err != nil {
		return "", errkind.Wrap(errkind.InvalidInput, "provision", err)
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return "", errkind.Errorf(errkind.InvalidInput, "provision", "%s is neither a url nor a directory", location)
	}
	return filepath.Abs(path)
}

func (p *Pool) provisionRemote(ctx context.Context, url, dir string) error {
	logger := p.logger.With(zap.String("repository", url), zap.String("dir", dir))

	repo, err := git.PlainOpen(dir)
	switch {
	case err == nil:
		if p.skipFetch {
			logger.Debug("Reusing working copy without fetching")
			return nil
		}
		logger.Info("Fetching repository")
		err = repo.FetchContext(ctx, &git.FetchOptions{
			RemoteName: git.DefaultRemoteName,
			RefSpecs:   []config.RefSpec{"+refs/heads/*:refs/remotes/origin/*"},
			Tags:       git.AllTags,
			Auth:       p.authFor(url),
			Force:      true,
		})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			return errkind.Wrap(errkind.ExternalToolFailure, "git fetch", fmt.Errorf("failed to fetch %s: %w", url, err))
		}
		return nil

	case errors.Is(err, git.ErrRepositoryNotExists):
		if _, statErr := os.Stat(dir); statErr == nil {
			return errkind.Errorf(errkind.InvalidInput, "provision", "%s exists but holds no git repository", dir)
		}

	default:
		return errkind.Wrap(errkind.ExternalToolFailure, "git open", err)
	}

	logger.Info("Cloning repository")
	_, err = git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:        url,
		Auth:       p.authFor(url),
		Tags:       git.AllTags,
		NoCheckout: true,
	})
	if err != nil {
		// Never leave a half-cloned directory behind; it would block the next attempt.
		_ = os.RemoveAll(dir)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errkind.Wrap(errkind.ExternalToolFailure, "git clone", fmt.Errorf("failed to clone %s: %w", url, err))
	}
	return nil
}

func (p *Pool) authFor(url string) transport.AuthMethod {
	if p.auth != nil && strings.HasPrefix(url, "https://") {
		return p.auth
	}
	return nil
}

// ProvisionAll provisions every location with at most the configured number
// of clones in flight. Failures are reported per item; the returned error is
// only set when ctx ends.
func (p *Pool) ProvisionAll(ctx context.Context, locations []string) ([]Result, error) {
	results := make([]Result, len(locations))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for i, loc := range locations {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = Result{URL: loc, Err: err}
				return nil
			}
			path, err := p.Provision(gctx, loc)
			if err != nil {
				p.logger.Warn("Failed to provision repository", zap.String("repository", loc), zap.Error(err))
			}
			results[i] = Result{URL: loc, Path: path, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results, ctx.Err()
}
