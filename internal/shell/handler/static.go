package handler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/skylift/skylift/internal/core/domain"
	"github.com/skylift/skylift/internal/shell/cloud"
)

// staticCloud is the provisioning surface the static handler depends on.
// Satisfied by *cloud.Provisioner.
type staticCloud interface {
	EnsureWebsiteBucket(ctx context.Context, name string) (string, error)
	SyncDirectory(ctx context.Context, bucket, dir string) (int, error)
}

var _ staticCloud = (*cloud.Provisioner)(nil)

// Runner executes a shell command in a directory, streaming output lines.
type Runner interface {
	Run(ctx context.Context, dir, command string, onOutput func(string)) error
}

// =============================================================================
// Static Handler
// =============================================================================

// Static builds the site locally and publishes the artifact directory to a
// website-hosting bucket.
type Static struct {
	cloud  staticCloud
	runner Runner
	logger *slog.Logger
}

// NewStatic creates the static-site handler.
func NewStatic(api staticCloud, runner Runner, logger *slog.Logger) *Static {
	if logger == nil {
		logger = slog.Default()
	}
	return &Static{cloud: api, runner: runner, logger: logger.With("component", "static-handler")}
}

const (
	stepBuild   = "build"
	stepPublish = "publish"
)

// Steps announces the build-then-publish rollout.
func (h *Static) Steps(Input) []domain.DeployStep {
	return []domain.DeployStep{
		{ID: stepBuild, Label: "Build site", Status: domain.StepPending},
		{ID: stepPublish, Label: "Publish artifacts", Status: domain.StepPending},
	}
}

// Deploy builds the site and syncs the artifact directory.
func (h *Static) Deploy(ctx context.Context, in Input) (*Outcome, error) {
	refs := in.Record.Refs
	repo := in.Request.RepoName()

	in.Progress.BeginStep(stepBuild)
	for _, command := range []string{in.Request.InstallCommand, in.Request.BuildCommand} {
		if command == "" {
			continue
		}
		in.Progress.Log(stepBuild, "$ %s", command)
		err := h.runner.Run(ctx, in.WorkDir, command, func(line string) {
			in.Progress.Log(stepBuild, "%s", line)
		})
		if err != nil {
			in.Progress.EndStep(stepBuild, domain.StepError)
			return nil, fmt.Errorf("command %q failed: %w", command, err)
		}
	}
	artifacts := artifactDir(in.WorkDir)
	in.Progress.Log(stepBuild, "publishing from %s", artifacts)
	in.Progress.EndStep(stepBuild, domain.StepSuccess)

	in.Progress.BeginStep(stepPublish)
	bucket := domain.ResourceName(repo, "site")
	url, err := h.cloud.EnsureWebsiteBucket(ctx, bucket)
	if err != nil {
		in.Progress.EndStep(stepPublish, domain.StepError)
		return nil, err
	}
	refs.BucketName = bucket

	count, err := h.cloud.SyncDirectory(ctx, bucket, artifacts)
	if err != nil {
		in.Progress.EndStep(stepPublish, domain.StepError)
		return nil, err
	}
	in.Progress.Log(stepPublish, "%d files uploaded", count)
	in.Progress.EndStep(stepPublish, domain.StepSuccess)

	return &Outcome{Success: true, URL: url, Refs: refs}, nil
}

// artifactDirs are the conventional build output directories, tried in
// order.
var artifactDirs = []string{"dist", "build", "out", "public", "_site"}

// artifactDir picks the build output directory, falling back to the
// repository root when no conventional directory exists.
func artifactDir(workDir string) string {
	for _, name := range artifactDirs {
		candidate := filepath.Join(workDir, name)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
	}
	return workDir
}
