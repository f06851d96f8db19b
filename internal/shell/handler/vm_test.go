package handler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylift/skylift/internal/core/domain"
	"github.com/skylift/skylift/internal/core/poll"
	"github.com/skylift/skylift/internal/shell/cloud"
)

// =============================================================================
// Fakes
// =============================================================================

// recorder captures progress traffic for assertions.
type recorder struct {
	begun []string
	ended map[string]domain.StepStatus
	lines map[string][]string
}

func newRecorder() *recorder {
	return &recorder{ended: map[string]domain.StepStatus{}, lines: map[string][]string{}}
}

func (r *recorder) BeginStep(id string) { r.begun = append(r.begun, id) }
func (r *recorder) Log(id, format string, args ...any) {
	r.lines[id] = append(r.lines[id], fmt.Sprintf(format, args...))
}
func (r *recorder) EndStep(id string, status domain.StepStatus) { r.ended[id] = status }

// fakeVMCloud records every mutating call in order.
type fakeVMCloud struct {
	vmCloud

	events     []string
	launched   []string
	terminated []string
	agentOK    bool
	commandOK  bool
}

func (f *fakeVMCloud) record(event string) { f.events = append(f.events, event) }

func (f *fakeVMCloud) EnsureNetwork(context.Context) (*cloud.Network, error) {
	return &cloud.Network{VPCID: "vpc-1", SubnetIDs: []string{"subnet-1", "subnet-2"}}, nil
}

func (f *fakeVMCloud) EnsureSecurityGroup(_ context.Context, name, _ string, _ []cloud.IngressRule) (string, error) {
	return "sg-" + name, nil
}

func (f *fakeVMCloud) EnsureInstanceProfile(_ context.Context, name string) (string, error) {
	return name, nil
}

func (f *fakeVMCloud) LaunchInstance(_ context.Context, spec cloud.LaunchSpec) (string, error) {
	id := fmt.Sprintf("i-new-%d", len(f.launched))
	f.launched = append(f.launched, id)
	f.record("launch " + id)
	return id, nil
}

func (f *fakeVMCloud) WaitInstanceRunning(_ context.Context, instanceID string, _ poll.Config) (*cloud.Instance, error) {
	return &cloud.Instance{ID: instanceID, PublicIP: "203.0.113.10"}, nil
}

func (f *fakeVMCloud) TerminateInstance(_ context.Context, instanceID string) error {
	f.terminated = append(f.terminated, instanceID)
	f.record("terminate " + instanceID)
	return nil
}

func (f *fakeVMCloud) EnsureLoadBalancer(_ context.Context, name string, _ []string, _ string) (*cloud.LoadBalancer, error) {
	return &cloud.LoadBalancer{ARN: "arn:lb/" + name, DNSName: name + ".elb.example.com"}, nil
}

func (f *fakeVMCloud) EnsureTargetGroup(_ context.Context, name, _ string, _ int) (string, error) {
	return "arn:tg/" + name, nil
}

func (f *fakeVMCloud) EnsureListener(_ context.Context, lbARN string, port int, _ string) (string, error) {
	return fmt.Sprintf("arn:listener/%d", port), nil
}

func (f *fakeVMCloud) EnsureHostRule(_ context.Context, _, hostname, _ string) (string, error) {
	f.record("host-rule " + hostname)
	return "arn:rule/" + hostname, nil
}

func (f *fakeVMCloud) RegisterInstanceTarget(_ context.Context, _, instanceID string, _ int) error {
	f.record("register " + instanceID)
	return nil
}

func (f *fakeVMCloud) DeregisterInstanceTarget(_ context.Context, _, instanceID string) error {
	f.record("deregister " + instanceID)
	return nil
}

func (f *fakeVMCloud) TargetRegistered(context.Context, string, string) (bool, error) {
	f.record("confirm-registration")
	return true, nil
}

func (f *fakeVMCloud) AttachInstanceProfile(_ context.Context, instanceID, _ string) error {
	f.record("attach-profile " + instanceID)
	return nil
}

func (f *fakeVMCloud) AgentRegistered(context.Context, string) (bool, error) {
	return f.agentOK, nil
}

func (f *fakeVMCloud) RunRemoteScript(_ context.Context, instanceID, _ string) (string, error) {
	f.record("remote-script " + instanceID)
	return "cmd-1", nil
}

func (f *fakeVMCloud) WaitRemoteCommand(_ context.Context, _, _ string, _ poll.Config, onOutput func(string)) (*cloud.RemoteCommandStatus, error) {
	onOutput("pulling latest revision")
	return &cloud.RemoteCommandStatus{Done: true, Success: f.commandOK}, nil
}

func (f *fakeVMCloud) RebootInstance(_ context.Context, instanceID string) error {
	f.record("reboot " + instanceID)
	return nil
}

// fakeProber marks (ip, port) pairs healthy.
type fakeProber struct {
	healthy map[string]bool
}

func (p fakeProber) Probe(_ context.Context, ip string, port int) bool {
	return p.healthy[fmt.Sprintf("%s:%d", ip, port)]
}

// =============================================================================
// Helpers
// =============================================================================

func fastVMConfig() Config {
	cfg := DefaultConfig()
	cfg.Warmup = 0
	fast := poll.Config{Interval: time.Millisecond, MaxAttempts: 3}
	cfg.InstancePoll, cfg.ProbePoll, cfg.CommandPoll, cfg.RoutingPoll = fast, fast, fast, fast
	cfg.BaseDomain = ""
	return cfg
}

func vmInput(record *domain.DeploymentRecord, progress Progress) Input {
	return Input{
		Request: domain.DeploymentRequest{
			RepoURL:    "https://github.com/acme/shop.git",
			Branch:     "main",
			RunCommand: "npm start",
			Region:     "us-east-1",
		},
		Profile:  domain.ProjectProfile{Language: "node", Port: 8080},
		Record:   record,
		Progress: progress,
	}
}

func freshRecord() *domain.DeploymentRecord {
	return domain.NewDeploymentRecord("user-1", domain.DeploymentRequest{
		RepoURL: "https://github.com/acme/shop.git",
		Region:  "us-east-1",
	}, domain.TargetVM)
}

// =============================================================================
// Tests
// =============================================================================

func TestVMFreshDeployServesDirectly(t *testing.T) {
	api := &fakeVMCloud{}
	h := NewVM(api, fastVMConfig(), nil)
	h.prober = fakeProber{healthy: map[string]bool{"203.0.113.10:8080": true}}

	progress := newRecorder()
	in := vmInput(freshRecord(), progress)

	steps := h.Steps(in)
	for _, step := range steps {
		assert.NotEqual(t, stepRetire, step.ID, "no retirement step without an old instance")
		assert.NotEqual(t, stepRedeploy, step.ID)
	}

	out, err := h.Deploy(context.Background(), in)
	require.NoError(t, err)

	assert.True(t, out.Success)
	assert.Equal(t, "http://203.0.113.10:8080", out.URL)
	assert.Equal(t, "i-new-0", out.Refs.InstanceID)
	assert.Equal(t, 8080, out.Refs.InstancePort)
	assert.Empty(t, api.terminated)
}

func TestVMFallbackKeepsOldInstanceServing(t *testing.T) {
	api := &fakeVMCloud{}
	h := NewVM(api, fastVMConfig(), nil)
	h.prober = fakeProber{healthy: map[string]bool{}} // candidate never responds

	record := freshRecord()
	record.Status = domain.StatusFailed
	record.URL = "http://198.51.100.5:3000"
	record.Refs = domain.ResourceRefs{
		VPCID:           "vpc-1",
		SubnetIDs:       []string{"subnet-1"},
		SecurityGroupID: "sg-old",
		InstanceID:      "i-old",
		PublicIP:        "198.51.100.5",
		InstancePort:    3000,
		InstanceProfile: "profile-old",
	}

	progress := newRecorder()
	out, err := h.Deploy(context.Background(), vmInput(record, progress))
	require.NoError(t, err, "an old instance makes probe failure non-fatal")

	assert.False(t, out.Success)
	assert.Equal(t, "i-old", out.Refs.InstanceID, "prior instance reference must be unchanged")
	assert.Equal(t, "http://198.51.100.5:3000", out.URL, "last confirmed-good URL is returned")
	assert.Equal(t, []string{"i-new-0"}, api.terminated, "only the candidate is terminated")
}

func TestVMFreshDeployProbeFailureIsFatal(t *testing.T) {
	api := &fakeVMCloud{}
	h := NewVM(api, fastVMConfig(), nil)
	h.prober = fakeProber{healthy: map[string]bool{}}

	progress := newRecorder()
	_, err := h.Deploy(context.Background(), vmInput(freshRecord(), progress))
	require.Error(t, err)
	assert.Equal(t, []string{"i-new-0"}, api.terminated)
}

func TestVMZeroDowntimeOrdering(t *testing.T) {
	api := &fakeVMCloud{}
	cfg := fastVMConfig()
	cfg.BaseDomain = "apps.example.com"
	h := NewVM(api, cfg, nil)
	h.prober = fakeProber{healthy: map[string]bool{"203.0.113.10:8080": true}}

	record := freshRecord()
	record.Status = domain.StatusFailed // forces the full blue-green path
	record.URL = "http://old.example.com"
	record.Refs = domain.ResourceRefs{
		VPCID:           "vpc-1",
		SubnetIDs:       []string{"subnet-1"},
		SecurityGroupID: "sg-old",
		InstanceID:      "i-old",
		InstanceProfile: "profile-old",
	}

	progress := newRecorder()
	out, err := h.Deploy(context.Background(), vmInput(record, progress))
	require.NoError(t, err)
	require.True(t, out.Success)
	assert.Equal(t, "http://shop.apps.example.com", out.URL)
	assert.Equal(t, "i-new-0", out.Refs.InstanceID)

	// The old instance must never be removed before the candidate's routing
	// is confirmed.
	confirmIdx, terminateOldIdx := -1, -1
	for i, event := range api.events {
		switch event {
		case "confirm-registration":
			if confirmIdx < 0 {
				confirmIdx = i
			}
		case "terminate i-old":
			terminateOldIdx = i
		}
	}
	require.GreaterOrEqual(t, confirmIdx, 0)
	require.GreaterOrEqual(t, terminateOldIdx, 0)
	assert.Less(t, confirmIdx, terminateOldIdx)
	assert.Equal(t, domain.StepSuccess, progress.ended[stepRetire])
}

func TestVMInPlaceRedeploy(t *testing.T) {
	api := &fakeVMCloud{agentOK: true, commandOK: true}
	h := NewVM(api, fastVMConfig(), nil)
	h.prober = fakeProber{healthy: map[string]bool{"198.51.100.5:3000": true}}

	record := freshRecord()
	record.Status = domain.StatusRunning
	record.URL = "http://198.51.100.5:3000"
	record.Refs = domain.ResourceRefs{
		VPCID:           "vpc-1",
		SubnetIDs:       []string{"subnet-1"},
		SecurityGroupID: "sg-old",
		InstanceID:      "i-old",
		PublicIP:        "198.51.100.5",
		InstancePort:    3000,
		InstanceProfile: "profile-old",
	}

	progress := newRecorder()
	in := vmInput(record, progress)

	steps := h.Steps(in)
	require.Equal(t, stepRedeploy, steps[0].ID)

	out, err := h.Deploy(context.Background(), in)
	require.NoError(t, err)

	assert.True(t, out.Success)
	assert.Equal(t, "i-old", out.Refs.InstanceID)
	assert.Empty(t, api.launched, "in-place redeploy must not launch an instance")
	assert.Equal(t, domain.StepSuccess, progress.ended[stepRedeploy])
}
