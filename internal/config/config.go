package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config holds the effective run configuration. A snapshot of it is frozen
// into the RunState at run start so resumed runs keep the options they
// started with.
type Config struct {
	Review              bool   `toml:"review" json:"review"`
	Commit              bool   `toml:"commit" json:"commit"`
	PullRequest         bool   `toml:"pullRequest" json:"pullRequest"`
	PullRequestDraft    bool   `toml:"pullRequestDraft" json:"pullRequestDraft"`
	Worktree            bool   `toml:"worktree" json:"worktree"`
	WorktreePathPattern string `toml:"worktreePathPattern" json:"worktreePathPattern"`
	WorktreeCleanup     bool   `toml:"worktreeCleanup" json:"worktreeCleanup"`
	AllPermissions      bool   `toml:"allPermissions" json:"allPermissions"`
	MaxStoryIterations  int    `toml:"maxStoryIterations" json:"maxStoryIterations"`
	MaxReviewIterations int    `toml:"maxReviewIterations" json:"maxReviewIterations"`
}

const (
	DefaultWorktreePathPattern = "{repo}-wt-{branch}"
	DefaultMaxStoryIterations  = 10
	DefaultMaxReviewIterations = 3
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Review:              true,
		Commit:              true,
		PullRequest:         true,
		WorktreePathPattern: DefaultWorktreePathPattern,
		MaxStoryIterations:  DefaultMaxStoryIterations,
		MaxReviewIterations: DefaultMaxReviewIterations,
	}
}

// Home returns the autom8 config home: $XDG_CONFIG_HOME/autom8 or
// ~/.config/autom8.
func Home() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "autom8"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving config home: %w", err)
	}
	return filepath.Join(home, ".config", "autom8"), nil
}

// ProjectDir returns the per-project config directory under the config home.
func ProjectDir(project string) (string, error) {
	home, err := Home()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, project), nil
}

// Load reads the global config and overlays the project config field-wise.
// Missing files are not errors: defaults apply.
func Load(project string) (Config, error) {
	home, err := Home()
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := applyFile(&cfg, filepath.Join(home, "config.toml")); err != nil {
		return Config{}, err
	}
	if err := applyFile(&cfg, filepath.Join(home, project, "config.toml")); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	return cfg, nil
}

// LoadFiles reads the given global and project config paths in order. Used
// by tests and by Load.
func LoadFiles(paths ...string) (Config, error) {
	cfg := Default()
	for _, p := range paths {
		if err := applyFile(&cfg, p); err != nil {
			return Config{}, err
		}
	}
	cfg.normalize()
	return cfg, nil
}

// applyFile overlays the fields present in path onto cfg. Only keys that are
// actually defined in the file override; absent keys keep the prior value.
func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading config %s: %w", path, err)
	}

	var overlay Config
	meta, err := toml.Decode(string(data), &overlay)
	if err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}

	if meta.IsDefined("review") {
		cfg.Review = overlay.Review
	}
	if meta.IsDefined("commit") {
		cfg.Commit = overlay.Commit
	}
	if meta.IsDefined("pullRequest") {
		cfg.PullRequest = overlay.PullRequest
	}
	if meta.IsDefined("pullRequestDraft") {
		cfg.PullRequestDraft = overlay.PullRequestDraft
	}
	if meta.IsDefined("worktree") {
		cfg.Worktree = overlay.Worktree
	}
	if meta.IsDefined("worktreePathPattern") {
		cfg.WorktreePathPattern = overlay.WorktreePathPattern
	}
	if meta.IsDefined("worktreeCleanup") {
		cfg.WorktreeCleanup = overlay.WorktreeCleanup
	}
	if meta.IsDefined("allPermissions") {
		cfg.AllPermissions = overlay.AllPermissions
	}
	if meta.IsDefined("maxStoryIterations") {
		cfg.MaxStoryIterations = overlay.MaxStoryIterations
	}
	if meta.IsDefined("maxReviewIterations") {
		cfg.MaxReviewIterations = overlay.MaxReviewIterations
	}
	return nil
}

// normalize fills zero values that have required defaults. A pullRequest
// without commit cannot run, so it is forced off.
func (c *Config) normalize() {
	if c.WorktreePathPattern == "" {
		c.WorktreePathPattern = DefaultWorktreePathPattern
	}
	if c.MaxStoryIterations <= 0 {
		c.MaxStoryIterations = DefaultMaxStoryIterations
	}
	if c.MaxReviewIterations <= 0 {
		c.MaxReviewIterations = DefaultMaxReviewIterations
	}
	if !c.Commit {
		c.PullRequest = false
	}
}
