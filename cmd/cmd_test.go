// File: cmd/cmd_test.go
package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/fixfinder/internal/config"
	"github.com/xkilldash9x/fixfinder/internal/orchestrator"
	"github.com/xkilldash9x/fixfinder/internal/service"
)

// MockComponentFactory is a mock implementation of service.ComponentFactory.
type MockComponentFactory struct {
	mock.Mock
}

func (m *MockComponentFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*service.Components, error) {
	args := m.Called(ctx, cfg, logger)
	var c *service.Components
	if args.Get(0) != nil {
		c = args.Get(0).(*service.Components)
	}
	return c, args.Error(1)
}

// executeCommand runs a fresh command tree with factory and returns its output.
func executeCommand(t *testing.T, factory service.ComponentFactory, args ...string) (string, error) {
	t.Helper()
	rootCmd := newRootCommand(factory)
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

// writeTempFile writes content to a file in a per-test directory.
func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRootCmd_VersionFlag(t *testing.T) {
	out, err := executeCommand(t, nil, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "fixfinder version "+Version)
}

func TestVersionCmd(t *testing.T) {
	out, err := executeCommand(t, nil, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "fixfinder "+Version)
}

func TestRootCmd_Subcommands(t *testing.T) {
	rootCmd := NewRootCommand()
	var names []string
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"find", "tags", "batch", "version"})
}

func TestConfigLoading(t *testing.T) {
	configFile := writeTempFile(t, "fixfinder.yaml", `
engine:
  worker_concurrency: 3
mining:
  days_before: 30
rules:
  enabled: ["ALL", "-COMMIT_IS_MERGE"]
`)
	t.Setenv("FIXFINDER_REPORT_FORMAT", "json")

	opts := &rootOptions{cfgFile: configFile, logLevel: "debug"}
	require.NoError(t, opts.load())

	cfg := opts.cfg
	assert.Equal(t, 3, cfg.Engine().WorkerConcurrency)
	assert.Equal(t, 30, cfg.Mining().DaysBefore)
	assert.Equal(t, []string{"ALL", "-COMMIT_IS_MERGE"}, cfg.Rules().Enabled)
	assert.Equal(t, "json", cfg.Report().Format, "environment overrides defaults")
	assert.Equal(t, "debug", cfg.Logger().Level, "flag overrides config")
}

func TestConfigLoading_Errors(t *testing.T) {
	t.Run("invalid values", func(t *testing.T) {
		configFile := writeTempFile(t, "fixfinder.yaml", "engine:\n  worker_concurrency: 0\n")
		opts := &rootOptions{cfgFile: configFile}
		assert.ErrorContains(t, opts.load(), "engine.worker_concurrency must be a positive integer")
	})

	t.Run("unreadable file", func(t *testing.T) {
		opts := &rootOptions{cfgFile: filepath.Join(t.TempDir(), "missing.yaml")}
		assert.ErrorContains(t, opts.load(), "error reading config file")
	})
}

func TestFindCmd_RequiresIDOrFile(t *testing.T) {
	factory := new(MockComponentFactory)
	_, err := executeCommand(t, factory, "find", "--repository", "/tmp")
	assert.EqualError(t, err, "a vulnerability id or --advisory-file is required")
	factory.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
}

func TestFindCmd_TooManyArgs(t *testing.T) {
	_, err := executeCommand(t, nil, "find", "CVE-1", "CVE-2")
	assert.ErrorContains(t, err, "accepts at most 1 arg(s), received 2")
}

func TestTagsCmd_RequiredFlags(t *testing.T) {
	_, err := executeCommand(t, nil, "tags")
	assert.ErrorContains(t, err, `required flag(s) "repository", "versions" not set`)
}

func TestBatchCmd_RequiredArgs(t *testing.T) {
	_, err := executeCommand(t, nil, "batch")
	assert.ErrorContains(t, err, "accepts 1 arg(s), received 0")
}

func TestApplyFindFlagOverrides(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		verify func(t *testing.T, cfg *config.Config)
	}{
		{
			name: "No flags keeps the config",
			args: []string{},
			verify: func(t *testing.T, cfg *config.Config) {
				def := config.NewDefaultConfig()
				assert.Equal(t, def.Engine().WorkerConcurrency, cfg.Engine().WorkerConcurrency)
				assert.Equal(t, def.Rules().Enabled, cfg.Rules().Enabled)
				assert.Equal(t, def.Report().Format, cfg.Report().Format)
			},
		},
		{
			name: "Concurrency and rules",
			args: []string{"-j", "7", "--rules", "ALL, -COMMIT_IS_MERGE,"},
			verify: func(t *testing.T, cfg *config.Config) {
				assert.Equal(t, 7, cfg.Engine().WorkerConcurrency)
				assert.Equal(t, []string{"ALL", "-COMMIT_IS_MERGE"}, cfg.Rules().Enabled)
			},
		},
		{
			name: "Non-positive concurrency is ignored",
			args: []string{"--concurrency", "0"},
			verify: func(t *testing.T, cfg *config.Config) {
				assert.Equal(t, config.NewDefaultConfig().Engine().WorkerConcurrency, cfg.Engine().WorkerConcurrency)
			},
		},
		{
			name: "Output and format",
			args: []string{"--format", "JSON", "-o", "report.json", "--no-phase2"},
			verify: func(t *testing.T, cfg *config.Config) {
				assert.Equal(t, "json", cfg.Report().Format)
				assert.Equal(t, "report.json", cfg.Report().Output)
				assert.False(t, cfg.Rules().Phase2Enabled)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.NewDefaultConfig()
			cfg.SetRulesPhase2Enabled(true)
			findCmd := newFindCmd(&rootOptions{cfg: cfg}, nil)
			require.NoError(t, findCmd.ParseFlags(tt.args))

			applyFindFlagOverrides(findCmd, cfg)
			tt.verify(t, cfg)
		})
	}
}

func TestRunFind_FactoryError(t *testing.T) {
	factory := new(MockComponentFactory)
	cfg := config.NewDefaultConfig()
	factory.On("Create", mock.Anything, cfg, mock.Anything).Return(nil, errors.New("cache unreachable"))

	_, err := runFind(context.Background(), cfg, factory, orchestrator.Request{}, zap.NewNop())
	assert.ErrorContains(t, err, "failed to initialize components: cache unreachable")
	factory.AssertExpectations(t)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b,"))
	assert.Nil(t, splitList(""))
}

func TestLoadBatch(t *testing.T) {
	t.Run("top-level list", func(t *testing.T) {
		path := writeTempFile(t, "batch.yaml", `
- vuln_id: CVE-2020-1
  repository: https://github.com/acme/a
  versions: "1.0:1.1"
  keywords: [parser]
- advisory_file: adv.yaml
`)
		reqs, err := loadBatch(path)
		require.NoError(t, err)
		require.Len(t, reqs, 2)
		assert.Equal(t, "CVE-2020-1", reqs[0].Advisory.VulnID)
		assert.Equal(t, "1.0:1.1", reqs[0].Advisory.VersionInterval)
		assert.Equal(t, []string{"parser"}, reqs[0].Advisory.Keywords)
		assert.Equal(t, "adv.yaml", reqs[1].Advisory.File)
	})

	t.Run("items key", func(t *testing.T) {
		path := writeTempFile(t, "batch.yaml", "items:\n  - vuln_id: CVE-2020-2\n    repository: /src/b\n")
		reqs, err := loadBatch(path)
		require.NoError(t, err)
		require.Len(t, reqs, 1)
		assert.Equal(t, "/src/b", reqs[0].Advisory.RepositoryURL)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := loadBatch(writeTempFile(t, "batch.yaml", "- repository: x\n"))
		assert.ErrorContains(t, err, "batch item 1: vuln_id or advisory_file is required")

		_, err = loadBatch(writeTempFile(t, "batch.yaml", "[]\n"))
		assert.ErrorContains(t, err, "lists no items")

		_, err = loadBatch(filepath.Join(t.TempDir(), "none.yaml"))
		assert.ErrorContains(t, err, "failed to read batch file")
	})
}

// findSubcommand returns the named child of root.
func findSubcommand(root *cobra.Command, name string) *cobra.Command {
	for _, c := range root.Commands() {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

func TestFindCmd_FlagsRegistered(t *testing.T) {
	findCmd := findSubcommand(newRootCommand(nil), "find")
	require.NotNil(t, findCmd)
	for _, name := range []string{"repository", "versions", "description", "advisory-file", "rules", "output", "format", "concurrency", "no-phase2"} {
		assert.NotNil(t, findCmd.Flags().Lookup(name), "flag %s", name)
	}
}
