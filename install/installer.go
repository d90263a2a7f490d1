// Package install materializes discovered candidates into runnable
// tool-server installations on disk. It is deliberately thin: fetching is
// delegated to the external package tool (npm), git, or a plain copy, and
// everything under the install root is an incidental artifact, never
// authoritative state.
package install

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/viable-systems/vsm-mcp-sub004/core"
)

// Runner executes one external command in dir. The seam keeps subprocess
// execution out of tests.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// execRunner is the production Runner.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// lookPath is a seam over exec.LookPath so verification does not require
// node/npm on test machines.
var lookPath = exec.LookPath

// Installer materializes candidates under a root directory, one directory
// per name@version. Installation is idempotent: an existing directory that
// passes verification is returned as-is unless forced.
type Installer struct {
	root    string
	runner  Runner
	timeout time.Duration
	logger  core.Logger
}

// Option customizes an Installer.
type Option func(*Installer)

// WithRunner replaces the subprocess runner (tests).
func WithRunner(r Runner) Option {
	return func(i *Installer) { i.runner = r }
}

// WithCommandTimeout bounds each external command (default 90s).
func WithCommandTimeout(d time.Duration) Option {
	return func(i *Installer) {
		if d > 0 {
			i.timeout = d
		}
	}
}

// WithLogger sets the installer logger.
func WithLogger(l core.Logger) Option {
	return func(i *Installer) { i.logger = l }
}

// New creates an installer rooted at root.
func New(root string, opts ...Option) *Installer {
	inst := &Installer{
		root:    root,
		runner:  execRunner{},
		timeout: 90 * time.Second,
		logger:  &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(inst)
	}
	return inst
}

// Install materializes candidate into its install directory and derives
// the run spec to spawn it. Partial installations are removed before an
// error is returned; errors name the failing stage (prepare, fetch,
// verify).
func (i *Installer) Install(ctx context.Context, candidate core.Candidate, force bool) (*core.Installation, error) {
	dir := filepath.Join(i.root, sanitize(candidate.Name)+"@"+sanitize(candidate.Version))

	if !force {
		if existing, err := i.verify(candidate, dir); err == nil {
			i.logger.Debug("reusing existing installation", map[string]interface{}{
				"candidate": candidate.Name,
				"path":      dir,
			})
			return existing, nil
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, core.NewError(core.CodeFetchFailed, "install.prepare", err)
	}

	if err := i.fetch(ctx, candidate, dir); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	installation, err := i.verify(candidate, dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	i.logger.Info("candidate installed", map[string]interface{}{
		"candidate": candidate.Name,
		"version":   candidate.Version,
		"source":    string(candidate.Source),
		"path":      dir,
	})
	return installation, nil
}

// fetch materializes the candidate by source mechanism.
func (i *Installer) fetch(ctx context.Context, candidate core.Candidate, dir string) error {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	switch candidate.Source {
	case core.SourceRegistry:
		spec := candidate.Name
		if candidate.Version != "" {
			spec += "@" + candidate.Version
		}
		out, err := i.runner.Run(ctx, "", "npm", "install", "--prefix", dir, spec)
		if err != nil {
			return core.NewError(core.CodeFetchFailed, "install.fetch",
				fmt.Errorf("npm install %s: %v: %s", spec, err, tail(out)))
		}
		return nil
	case core.SourceGit:
		out, err := i.runner.Run(ctx, "", "git", "clone", "--depth", "1", candidate.Name, dir)
		if err != nil {
			return core.NewError(core.CodeFetchFailed, "install.fetch",
				fmt.Errorf("git clone %s: %v: %s", candidate.Name, err, tail(out)))
		}
		return nil
	case core.SourceLocal:
		if err := copyTree(candidate.Name, dir); err != nil {
			return core.NewError(core.CodeFetchFailed, "install.fetch",
				fmt.Errorf("copy %s: %w", candidate.Name, err))
		}
		return nil
	default:
		return core.NewError(core.CodeFetchFailed, "install.fetch",
			fmt.Errorf("unknown source %q", candidate.Source))
	}
}

// verify checks the install directory and derives the run spec. For
// registry installs the entry point comes from the installed package's
// package.json (first bin entry, falling back to main); git and local
// installs read the package.json at the tree root.
func (i *Installer) verify(candidate core.Candidate, dir string) (*core.Installation, error) {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, core.NewError(core.CodeVerifyFailed, "install.verify",
			fmt.Errorf("install directory %s missing", dir))
	}

	var pkgDir string
	switch candidate.Source {
	case core.SourceRegistry:
		pkgDir = filepath.Join(dir, "node_modules", filepath.FromSlash(candidate.Name))
	default:
		pkgDir = dir
	}

	entry, err := resolveEntry(pkgDir)
	if err != nil {
		return nil, core.NewError(core.CodeVerifyFailed, "install.verify", err)
	}
	if _, err := os.Stat(entry); err != nil {
		return nil, core.NewError(core.CodeVerifyFailed, "install.verify",
			fmt.Errorf("entry point %s: %w", entry, err))
	}
	if _, err := lookPath("node"); err != nil {
		return nil, core.NewError(core.CodeVerifyFailed, "install.verify",
			fmt.Errorf("node runtime not found: %w", err))
	}

	return &core.Installation{
		Candidate:   candidate,
		InstallPath: dir,
		Status:      core.InstallReady,
		InstalledAt: time.Now(),
		Run: core.RunSpec{
			Command: "node",
			Args:    []string{entry},
			Dir:     dir,
		},
	}, nil
}

// packageJSON is the subset of npm metadata the installer reads.
type packageJSON struct {
	Name string          `json:"name"`
	Bin  json.RawMessage `json:"bin"`
	Main string          `json:"main"`
}

// resolveEntry finds the runnable script for the package at pkgDir.
func resolveEntry(pkgDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(pkgDir, "package.json"))
	if err != nil {
		return "", fmt.Errorf("read package.json: %w", err)
	}
	var pkg packageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return "", fmt.Errorf("parse package.json: %w", err)
	}

	if len(pkg.Bin) > 0 {
		// bin is either a single path or a name→path map.
		var single string
		if err := json.Unmarshal(pkg.Bin, &single); err == nil && single != "" {
			return filepath.Join(pkgDir, filepath.FromSlash(single)), nil
		}
		var many map[string]string
		if err := json.Unmarshal(pkg.Bin, &many); err == nil {
			names := make([]string, 0, len(many))
			for name := range many {
				names = append(names, name)
			}
			if len(names) > 0 {
				// Deterministic pick: first bin name in sorted order.
				first := names[0]
				for _, n := range names[1:] {
					if n < first {
						first = n
					}
				}
				return filepath.Join(pkgDir, filepath.FromSlash(many[first])), nil
			}
		}
	}
	if pkg.Main != "" {
		return filepath.Join(pkgDir, filepath.FromSlash(pkg.Main)), nil
	}
	return "", fmt.Errorf("package.json declares neither bin nor main")
}

// copyTree recursively copies src into dst.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.Create(target)
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	})
}

// sanitize keeps directory names shell- and filesystem-safe.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

// tail trims command output to its last line for error messages.
func tail(out []byte) string {
	s := strings.TrimSpace(string(out))
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:]
	}
	if len(s) > 200 {
		s = s[len(s)-200:]
	}
	return s
}
