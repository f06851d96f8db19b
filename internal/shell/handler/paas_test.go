package handler

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylift/skylift/internal/core/domain"
	"github.com/skylift/skylift/internal/core/poll"
	"github.com/skylift/skylift/internal/shell/cloud"
)

type fakePaaSCloud struct {
	paasCloud

	versions  []string
	env       map[string]string
	exhausted bool
}

func (f *fakePaaSCloud) EnsureBucket(context.Context, string) error { return nil }

func (f *fakePaaSCloud) UploadObject(_ context.Context, bucket, key string, _ io.Reader) (string, error) {
	return bucket + "/" + key, nil
}

func (f *fakePaaSCloud) EnsureApplication(context.Context, string) error { return nil }

func (f *fakePaaSCloud) CreateAppVersion(_ context.Context, _, label, _, _ string) error {
	f.versions = append(f.versions, label)
	return nil
}

func (f *fakePaaSCloud) DeployEnvironment(_ context.Context, _, _, _, _ string, env map[string]string) error {
	f.env = env
	return nil
}

func (f *fakePaaSCloud) WaitEnvironmentReady(_ context.Context, _, _ string, _ poll.Config) (*cloud.EnvironmentState, error) {
	if f.exhausted {
		return nil, poll.ErrExhausted
	}
	return &cloud.EnvironmentState{Exists: true, Status: "Ready", Health: "Green", URL: "skylift-shop-app-env.elasticbeanstalk.com"}, nil
}

func paasInput(t *testing.T, progress Progress) Input {
	t.Helper()
	req := domain.DeploymentRequest{
		RepoURL:    "https://github.com/acme/shop.git",
		Branch:     "main",
		RunCommand: "node server.js",
		Region:     "us-east-1",
	}
	return Input{
		Request:  req,
		Profile:  domain.ProjectProfile{Language: "node"},
		Record:   domain.NewDeploymentRecord("user-1", req, domain.TargetPaaS),
		WorkDir:  t.TempDir(),
		Progress: progress,
	}
}

func TestPaaSDeploy(t *testing.T) {
	api := &fakePaaSCloud{}
	h := NewPaaS(api, fakePackager{}, DefaultConfig(), nil)

	in := paasInput(t, newRecorder())
	out, err := h.Deploy(context.Background(), in)
	require.NoError(t, err)

	assert.True(t, out.Success)
	assert.Equal(t, "http://skylift-shop-app-env.elasticbeanstalk.com", out.URL)
	assert.Equal(t, []string{"r1"}, api.versions)

	// The process descriptor is generated from the run command.
	procfile, err := os.ReadFile(filepath.Join(in.WorkDir, "Procfile"))
	require.NoError(t, err)
	assert.Equal(t, "web: node server.js\n", string(procfile))
}

func TestPaaSSkipsEmptyDatabaseURL(t *testing.T) {
	api := &fakePaaSCloud{}
	h := NewPaaS(api, fakePackager{}, DefaultConfig(), nil)

	// A reused database instance carries no recoverable credential.
	in := paasInput(t, newRecorder())
	in.Database = &ProvisionedDatabase{InstanceID: "skylift-shop-db", Endpoint: "db.example.com"}

	_, err := h.Deploy(context.Background(), in)
	require.NoError(t, err)
	assert.NotContains(t, api.env, "DATABASE_URL")
}

func TestPaaSReportsInProgressOnBudgetExhaustion(t *testing.T) {
	api := &fakePaaSCloud{exhausted: true}
	h := NewPaaS(api, fakePackager{}, DefaultConfig(), nil)

	out, err := h.Deploy(context.Background(), paasInput(t, newRecorder()))
	require.NoError(t, err, "a converging platform is not a failure")
	assert.True(t, out.Success)
	assert.Equal(t, "environment still in progress", out.Reason)
}

func TestPaaSRejectsUnsupportedLanguage(t *testing.T) {
	h := NewPaaS(&fakePaaSCloud{}, fakePackager{}, DefaultConfig(), nil)
	in := paasInput(t, newRecorder())
	in.Profile.Language = "cobol"

	_, err := h.Deploy(context.Background(), in)
	require.Error(t, err)
}
