package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/skylift/skylift/internal/core/domain"
	"github.com/skylift/skylift/internal/core/poll"
	"github.com/skylift/skylift/internal/shell/cloud"
)

// paasCloud is the provisioning surface the PaaS handler depends on.
// Satisfied by *cloud.Provisioner.
type paasCloud interface {
	EnsureBucket(ctx context.Context, name string) error
	UploadObject(ctx context.Context, bucket, key string, body io.Reader) (string, error)

	EnsureApplication(ctx context.Context, name string) error
	CreateAppVersion(ctx context.Context, appName, label, bucket, key string) error
	DeployEnvironment(ctx context.Context, appName, envName, stack, versionLabel string, env map[string]string) error
	WaitEnvironmentReady(ctx context.Context, appName, envName string, cfg poll.Config) (*cloud.EnvironmentState, error)
}

var _ paasCloud = (*cloud.Provisioner)(nil)

// =============================================================================
// PaaS Handler
// =============================================================================

// PaaS deploys onto the managed application platform: archive the app with
// a generated process-start descriptor, upload it, create an application
// version and converge the environment.
type PaaS struct {
	cloud    paasCloud
	packager Packager
	config   Config
	logger   *slog.Logger
}

// NewPaaS creates the platform-as-a-service handler.
func NewPaaS(api paasCloud, packager Packager, cfg Config, logger *slog.Logger) *PaaS {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaaS{cloud: api, packager: packager, config: cfg, logger: logger.With("component", "paas-handler")}
}

const (
	stepPackage  = "package"
	stepUpload   = "upload"
	stepDeploy   = "deploy"
	stepConverge = "await-healthy"
)

// Steps announces the archive-upload rollout.
func (h *PaaS) Steps(Input) []domain.DeployStep {
	return []domain.DeployStep{
		{ID: stepPackage, Label: "Package application", Status: domain.StepPending},
		{ID: stepUpload, Label: "Upload bundle", Status: domain.StepPending},
		{ID: stepDeploy, Label: "Deploy application version", Status: domain.StepPending},
		{ID: stepConverge, Label: "Wait for environment", Status: domain.StepPending},
	}
}

// Deploy runs the rollout. When the platform's own control loop is still
// converging after the polling budget, the attempt reports success with
// the environment still in progress rather than failing outright.
func (h *PaaS) Deploy(ctx context.Context, in Input) (*Outcome, error) {
	refs := in.Record.Refs
	repo := in.Request.RepoName()

	stack, ok := cloud.StackForLanguage(in.Profile.Language)
	if !ok {
		return nil, fmt.Errorf("language %q has no platform stack", in.Profile.Language)
	}

	in.Progress.BeginStep(stepPackage)
	if err := h.writeProcfile(in); err != nil {
		in.Progress.EndStep(stepPackage, domain.StepError)
		return nil, err
	}
	bundle, err := h.packager.Zip(in.WorkDir)
	if err != nil {
		in.Progress.EndStep(stepPackage, domain.StepError)
		return nil, fmt.Errorf("failed to package application: %w", err)
	}
	in.Progress.Log(stepPackage, "bundle is %d bytes", len(bundle))
	in.Progress.EndStep(stepPackage, domain.StepSuccess)

	in.Progress.BeginStep(stepUpload)
	bucket := domain.ResourceName(repo, domain.KindBucket)
	if err := h.cloud.EnsureBucket(ctx, bucket); err != nil {
		in.Progress.EndStep(stepUpload, domain.StepError)
		return nil, err
	}
	refs.BucketName = bucket

	label := fmt.Sprintf("r%d", in.Record.Revision+1)
	key := fmt.Sprintf("bundles/%s.zip", label)
	if _, err := h.cloud.UploadObject(ctx, bucket, key, bytes.NewReader(bundle)); err != nil {
		in.Progress.EndStep(stepUpload, domain.StepError)
		return nil, err
	}
	in.Progress.EndStep(stepUpload, domain.StepSuccess)

	in.Progress.BeginStep(stepDeploy)
	appName := domain.ResourceName(repo, domain.KindApp)
	envName := appName + "-env"
	if err := h.cloud.EnsureApplication(ctx, appName); err != nil {
		in.Progress.EndStep(stepDeploy, domain.StepError)
		return nil, err
	}
	refs.AppName = appName

	if err := h.cloud.CreateAppVersion(ctx, appName, label, bucket, key); err != nil {
		in.Progress.EndStep(stepDeploy, domain.StepError)
		return nil, err
	}

	env := mergeEnv(in.Request.Env, nil)
	if in.Database != nil && in.Database.ConnectionString != "" {
		env["DATABASE_URL"] = in.Database.ConnectionString
	}
	if err := h.cloud.DeployEnvironment(ctx, appName, envName, stack, label, env); err != nil {
		in.Progress.EndStep(stepDeploy, domain.StepError)
		return nil, err
	}
	refs.EnvName = envName
	in.Progress.Log(stepDeploy, "version %s submitted to %s", label, envName)
	in.Progress.EndStep(stepDeploy, domain.StepSuccess)

	in.Progress.BeginStep(stepConverge)
	state, err := h.cloud.WaitEnvironmentReady(ctx, appName, envName, h.config.PlatformPoll)
	if err != nil {
		if errors.Is(err, poll.ErrExhausted) {
			in.Progress.Log(stepConverge, "environment still converging; the platform will finish on its own")
			in.Progress.EndStep(stepConverge, domain.StepSuccess)
			return &Outcome{Success: true, URL: "", Refs: refs, Reason: "environment still in progress"}, nil
		}
		in.Progress.EndStep(stepConverge, domain.StepError)
		return nil, err
	}

	url := hostURL(state.URL, false)
	in.Progress.Log(stepConverge, "environment healthy at %s", url)
	in.Progress.EndStep(stepConverge, domain.StepSuccess)
	return &Outcome{Success: true, URL: url, Refs: refs}, nil
}

// writeProcfile generates the process-start descriptor from the declared
// run command when the repository does not carry one.
func (h *PaaS) writeProcfile(in Input) error {
	path := filepath.Join(in.WorkDir, "Procfile")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if in.Request.RunCommand == "" {
		return nil
	}
	content := fmt.Sprintf("web: %s\n", in.Request.RunCommand)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write Procfile: %w", err)
	}
	in.Progress.Log(stepPackage, "generated Procfile from run command")
	return nil
}
