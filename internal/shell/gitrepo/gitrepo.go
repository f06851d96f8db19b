// Package gitrepo clones source repositories into scratch workspaces and
// packages working directories into uploadable archives. This is part of
// the Imperative Shell.
package gitrepo

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
)

// Workspace is a scratch clone of one repository. Callers must Cleanup.
type Workspace struct {
	Dir       string
	CommitSHA string
}

// Cleanup removes the scratch directory. Best effort.
func (w *Workspace) Cleanup() {
	if w.Dir != "" {
		os.RemoveAll(w.Dir)
	}
}

// Cloner clones repositories with the git CLI.
type Cloner struct {
	logger *slog.Logger
}

// NewCloner creates a cloner.
func NewCloner(logger *slog.Logger) *Cloner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cloner{logger: logger.With("component", "gitrepo")}
}

// Clone checks out the branch (and commit, when pinned) into a fresh
// scratch directory and resolves the deployed commit.
func (c *Cloner) Clone(ctx context.Context, repoURL, branch, commitSHA string) (*Workspace, error) {
	if repoURL == "" {
		return nil, fmt.Errorf("repository URL cannot be empty")
	}

	dir, err := os.MkdirTemp("", "skylift-clone-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}

	args := []string{"clone"}
	if commitSHA == "" {
		// A pinned commit may be outside a shallow history.
		args = append(args, "--depth", "1")
	}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, repoURL, ".")

	if _, err := c.run(ctx, dir, args...); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("git clone failed: %w", err)
	}

	if commitSHA != "" {
		if _, err := c.run(ctx, dir, "checkout", commitSHA); err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("git checkout %s failed: %w", commitSHA, err)
		}
	}

	resolved, err := c.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("git rev-parse failed: %w", err)
	}

	c.logger.Info("repository cloned", "repo", repoURL, "commit", resolved)
	return &Workspace{Dir: dir, CommitSHA: resolved}, nil
}

func (c *Cloner) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	out := string(output)
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, out)
	}
	return trimOutput(out), nil
}

func trimOutput(out string) string {
	for len(out) > 0 && (out[len(out)-1] == '\n' || out[len(out)-1] == '\r') {
		out = out[:len(out)-1]
	}
	return out
}

// =============================================================================
// Shell Runner
// =============================================================================

// ShellRunner executes build commands in a working directory, streaming
// combined output line by line.
type ShellRunner struct{}

// Run executes command with the shell, forwarding each output line.
func (ShellRunner) Run(ctx context.Context, dir, command string, onOutput func(string)) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	pipeR, pipeW, err := os.Pipe()
	if err != nil {
		return err
	}
	cmd.Stdout = pipeW
	cmd.Stderr = pipeW
	if err := cmd.Start(); err != nil {
		pipeR.Close()
		pipeW.Close()
		return fmt.Errorf("failed to start %q: %w", command, err)
	}
	pipeW.Close()
	defer pipeR.Close()

	scanner := bufio.NewScanner(pipeR)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if onOutput != nil {
			onOutput(scanner.Text())
		}
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%q exited: %w", command, err)
	}
	return nil
}

// skipDirs are never packaged into archives.
var skipDirs = map[string]bool{".git": true, "node_modules": true}

func shouldSkip(entry os.DirEntry) bool {
	return entry.IsDir() && skipDirs[entry.Name()]
}

func relPath(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}
