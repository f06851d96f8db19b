package handler

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylift/skylift/internal/core/domain"
	"github.com/skylift/skylift/internal/core/poll"
	"github.com/skylift/skylift/internal/shell/cloud"
)

type fakeContainerCloud struct {
	containerCloud

	builds   []string
	tasks    []cloud.TaskSpec
	services []cloud.ServiceSpec
}

func (f *fakeContainerCloud) EnsureNetwork(context.Context) (*cloud.Network, error) {
	return &cloud.Network{VPCID: "vpc-1", SubnetIDs: []string{"subnet-1"}}, nil
}

func (f *fakeContainerCloud) EnsureSecurityGroup(_ context.Context, name, _ string, _ []cloud.IngressRule) (string, error) {
	return "sg-" + name, nil
}

func (f *fakeContainerCloud) EnsureBucket(context.Context, string) error { return nil }

func (f *fakeContainerCloud) UploadObject(_ context.Context, bucket, key string, _ io.Reader) (string, error) {
	return bucket + "/" + key, nil
}

func (f *fakeContainerCloud) EnsureRegistry(_ context.Context, name string) (string, error) {
	return "123456789.dkr.example.com/" + name, nil
}

func (f *fakeContainerCloud) EnsureBuildRole(_ context.Context, name string) (string, error) {
	return "arn:role/" + name, nil
}

func (f *fakeContainerCloud) EnsureBuildProject(context.Context, cloud.BuildProjectSpec) error {
	return nil
}

func (f *fakeContainerCloud) StartImageBuild(_ context.Context, project, _, _, _ string) (string, error) {
	f.builds = append(f.builds, project)
	return fmt.Sprintf("build-%d", len(f.builds)), nil
}

func (f *fakeContainerCloud) WaitBuild(context.Context, string, poll.Config) error { return nil }

func (f *fakeContainerCloud) EnsureCluster(context.Context, string) error { return nil }

func (f *fakeContainerCloud) RegisterTask(_ context.Context, spec cloud.TaskSpec) (string, error) {
	f.tasks = append(f.tasks, spec)
	return fmt.Sprintf("arn:task/%s:%d", spec.Family, len(f.tasks)), nil
}

func (f *fakeContainerCloud) CreateOrUpdateService(_ context.Context, spec cloud.ServiceSpec) error {
	f.services = append(f.services, spec)
	return nil
}

func (f *fakeContainerCloud) WaitServiceRunning(context.Context, string, string, poll.Config) error {
	return nil
}

func (f *fakeContainerCloud) EnsureLoadBalancer(_ context.Context, name string, _ []string, _ string) (*cloud.LoadBalancer, error) {
	return &cloud.LoadBalancer{ARN: "arn:lb/" + name, DNSName: name + ".elb.example.com"}, nil
}

func (f *fakeContainerCloud) EnsureIPTargetGroup(_ context.Context, name, _ string, _ int) (string, error) {
	return "arn:tg/" + name, nil
}

func (f *fakeContainerCloud) EnsureListener(_ context.Context, _ string, port int, _ string) (string, error) {
	return fmt.Sprintf("arn:listener/%d", port), nil
}

func (f *fakeContainerCloud) EnsureHostRule(_ context.Context, _, hostname, _ string) (string, error) {
	return "arn:rule/" + hostname, nil
}

type fakePackager struct{}

func (fakePackager) TarGz(string) ([]byte, error) { return []byte("targz"), nil }
func (fakePackager) Zip(string) ([]byte, error)   { return []byte("zip"), nil }

func containerInput(profile domain.ProjectProfile, progress Progress) Input {
	req := domain.DeploymentRequest{
		RepoURL:   "https://github.com/acme/shop.git",
		Branch:    "main",
		CommitSHA: "0123456789abcdef0123",
		Region:    "us-east-1",
		Env:       map[string]string{"NODE_ENV": "production"},
	}
	return Input{
		Request:  req,
		Profile:  profile,
		Record:   domain.NewDeploymentRecord("user-1", req, domain.TargetContainer),
		WorkDir:  "/tmp/clone",
		Progress: progress,
	}
}

func TestContainerSingleService(t *testing.T) {
	api := &fakeContainerCloud{}
	cfg := DefaultConfig()
	cfg.BaseDomain = "apps.example.com"
	h := NewContainer(api, fakePackager{}, cfg, nil)

	in := containerInput(domain.ProjectProfile{Language: "node", HasContainerFile: true, Port: 3000}, newRecorder())
	out, err := h.Deploy(context.Background(), in)
	require.NoError(t, err)

	assert.True(t, out.Success)
	assert.Equal(t, "http://shop.apps.example.com", out.URL)
	require.Len(t, api.tasks, 1)
	assert.Equal(t, "0123456789ab", api.tasks[0].Image[len(api.tasks[0].Image)-12:], "image tag pinned to the commit")
	assert.Equal(t, "3000", api.tasks[0].Env["PORT"])
}

func TestContainerMultiServiceSiblingLinking(t *testing.T) {
	api := &fakeContainerCloud{}
	cfg := DefaultConfig()
	cfg.BaseDomain = "apps.example.com"
	h := NewContainer(api, fakePackager{}, cfg, nil)

	profile := domain.ProjectProfile{
		Language:       "node",
		IsMultiService: true,
		Services: []domain.ServiceDescriptor{
			{Name: "api", WorkDir: "api", Port: 4000},
			{Name: "web", WorkDir: "web", Port: 3000},
		},
	}
	in := containerInput(profile, newRecorder())
	out, err := h.Deploy(context.Background(), in)
	require.NoError(t, err)
	require.True(t, out.Success)

	// Sequential rollout in detection order.
	require.Len(t, api.tasks, 2)
	assert.Contains(t, api.tasks[0].Family, "api")
	assert.Contains(t, api.tasks[1].Family, "web")

	// Only already-deployed siblings are linked.
	assert.NotContains(t, api.tasks[0].Env, "WEB_URL")
	assert.Equal(t, "http://shop.apps.example.com", api.tasks[1].Env["API_URL"])
	assert.Equal(t, "production", api.tasks[1].Env["NODE_ENV"])

	// The first service owns the bare repo hostname.
	assert.Equal(t, "http://shop.apps.example.com", out.URL)
	assert.Len(t, out.Refs.ServiceNames, 2)

	// Each routed service records its own rule and target group.
	assert.Len(t, out.Refs.ServiceTargetGroups, 2)
	assert.Equal(t, "arn:rule/shop.apps.example.com", out.Refs.ServiceRuleARNs["api"])
	assert.Equal(t, "arn:rule/shop-web.apps.example.com", out.Refs.ServiceRuleARNs["web"])
}

func TestContainerDatabaseURLInjection(t *testing.T) {
	tests := []struct {
		name     string
		database *ProvisionedDatabase
		wantEnv  bool
	}{
		{
			name:     "fresh credential injected",
			database: &ProvisionedDatabase{InstanceID: "skylift-shop-db", Endpoint: "db.example.com", ConnectionString: "postgres://u:p@db.example.com:5432/app"},
			wantEnv:  true,
		},
		{
			name:     "reused instance without credential leaves env alone",
			database: &ProvisionedDatabase{InstanceID: "skylift-shop-db", Endpoint: "db.example.com"},
			wantEnv:  false,
		},
		{
			name:     "no database",
			database: nil,
			wantEnv:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeContainerCloud{}
			cfg := DefaultConfig()
			cfg.BaseDomain = "apps.example.com"
			h := NewContainer(api, fakePackager{}, cfg, nil)

			in := containerInput(domain.ProjectProfile{Language: "node", HasContainerFile: true, Port: 3000}, newRecorder())
			in.Database = tt.database
			_, err := h.Deploy(context.Background(), in)
			require.NoError(t, err)

			require.Len(t, api.tasks, 1)
			if tt.wantEnv {
				assert.Equal(t, tt.database.ConnectionString, api.tasks[0].Env["DATABASE_URL"])
			} else {
				assert.NotContains(t, api.tasks[0].Env, "DATABASE_URL")
			}
		})
	}
}

func TestContainerDedicatedBalancerWithoutBaseDomain(t *testing.T) {
	api := &fakeContainerCloud{}
	h := NewContainer(api, fakePackager{}, DefaultConfig(), nil)

	in := containerInput(domain.ProjectProfile{Language: "go", HasContainerFile: true, Port: 8080}, newRecorder())
	out, err := h.Deploy(context.Background(), in)
	require.NoError(t, err)

	assert.True(t, out.Success)
	assert.Equal(t, "http://skylift-shop-app-lb.elb.example.com", out.URL)
}
