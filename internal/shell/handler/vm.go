package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/skylift/skylift/internal/core/bootstrap"
	"github.com/skylift/skylift/internal/core/domain"
	"github.com/skylift/skylift/internal/core/poll"
	"github.com/skylift/skylift/internal/shell/cloud"
)

// =============================================================================
// Cloud Surface
// =============================================================================

// vmCloud is the provisioning surface the VM handler depends on. Satisfied
// by *cloud.Provisioner; substituted with fakes in tests.
type vmCloud interface {
	EnsureNetwork(ctx context.Context) (*cloud.Network, error)
	EnsureSecurityGroup(ctx context.Context, name, vpcID string, ingress []cloud.IngressRule) (string, error)
	EnsureInstanceProfile(ctx context.Context, name string) (string, error)
	EnsureKeyPair(ctx context.Context, name string) (string, []byte, error)

	LaunchInstance(ctx context.Context, spec cloud.LaunchSpec) (string, error)
	WaitInstanceRunning(ctx context.Context, instanceID string, cfg poll.Config) (*cloud.Instance, error)
	DescribeInstance(ctx context.Context, instanceID string) (*cloud.Instance, error)
	TerminateInstance(ctx context.Context, instanceID string) error
	RebootInstance(ctx context.Context, instanceID string) error
	AttachInstanceProfile(ctx context.Context, instanceID, profileName string) error

	AgentRegistered(ctx context.Context, instanceID string) (bool, error)
	RunRemoteScript(ctx context.Context, instanceID, script string) (string, error)
	WaitRemoteCommand(ctx context.Context, instanceID, commandID string, cfg poll.Config, onOutput func(string)) (*cloud.RemoteCommandStatus, error)

	EnsureLoadBalancer(ctx context.Context, name string, subnetIDs []string, securityGroupID string) (*cloud.LoadBalancer, error)
	EnsureTargetGroup(ctx context.Context, name, vpcID string, port int) (string, error)
	EnsureListener(ctx context.Context, lbARN string, port int, certificateARN string) (string, error)
	EnsureHostRule(ctx context.Context, listenerARN, hostname, targetGroupARN string) (string, error)
	RegisterInstanceTarget(ctx context.Context, targetGroupARN, instanceID string, port int) error
	DeregisterInstanceTarget(ctx context.Context, targetGroupARN, instanceID string) error
	TargetRegistered(ctx context.Context, targetGroupARN, instanceID string) (bool, error)
}

var _ vmCloud = (*cloud.Provisioner)(nil)

// prober checks application reachability over the data plane.
type prober interface {
	Probe(ctx context.Context, ip string, port int) bool
}

type httpProber struct {
	client *http.Client
}

func (p httpProber) Probe(ctx context.Context, ip string, port int) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, directURL(ip, port), nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 400
}

// =============================================================================
// VM Handler
// =============================================================================

// VM deploys onto a single virtual machine using blue-green instance
// replacement behind the shared host-routed load balancer, with an in-place
// redeploy path over the remote command channel when only code changed.
type VM struct {
	cloud  vmCloud
	config Config
	prober prober
	logger *slog.Logger
}

// NewVM creates the virtual-machine handler.
func NewVM(api vmCloud, cfg Config, logger *slog.Logger) *VM {
	if logger == nil {
		logger = slog.Default()
	}
	return &VM{
		cloud:  api,
		config: cfg,
		prober: httpProber{client: &http.Client{Timeout: 5 * time.Second}},
		logger: logger.With("component", "vm-handler"),
	}
}

const (
	stepRedeploy = "redeploy"
	stepNetwork  = "network"
	stepLaunch   = "launch"
	stepAwait    = "await-running"
	stepProbe    = "probe"
	stepRouting  = "routing"
	stepRetire   = "retire-old"
)

// inPlaceEligible reports whether the cheap redeploy path is worth trying:
// a live instance reference exists from a prior successful attempt.
func inPlaceEligible(record *domain.DeploymentRecord) bool {
	return record.Refs.HasInstance() &&
		record.Status == domain.StatusRunning &&
		record.Refs.PublicIP != "" &&
		record.Refs.InstancePort > 0
}

// Steps announces the attempt's step list. The blue-green steps are always
// present; they are the fallback whenever the in-place path cannot be
// confirmed healthy. Retirement only appears when there is an old instance
// to retire.
func (h *VM) Steps(in Input) []domain.DeployStep {
	steps := []domain.DeployStep{}
	if inPlaceEligible(in.Record) {
		steps = append(steps, domain.DeployStep{ID: stepRedeploy, Label: "Redeploy in place", Status: domain.StepPending})
	}
	steps = append(steps,
		domain.DeployStep{ID: stepNetwork, Label: "Provision network", Status: domain.StepPending},
		domain.DeployStep{ID: stepLaunch, Label: "Launch instance", Status: domain.StepPending},
		domain.DeployStep{ID: stepAwait, Label: "Wait for instance", Status: domain.StepPending},
		domain.DeployStep{ID: stepProbe, Label: "Probe application health", Status: domain.StepPending},
		domain.DeployStep{ID: stepRouting, Label: "Configure routing", Status: domain.StepPending},
	)
	if in.Record.Refs.HasInstance() {
		steps = append(steps, domain.DeployStep{ID: stepRetire, Label: "Retire old instance", Status: domain.StepPending})
	}
	return steps
}

// Deploy runs the rollout. The old instance, if any, keeps serving until
// the candidate has passed its health probe and routing is confirmed; no
// traffic is ever cut before a successful probe.
func (h *VM) Deploy(ctx context.Context, in Input) (*Outcome, error) {
	if inPlaceEligible(in.Record) {
		out, done := h.redeployInPlace(ctx, in)
		if done {
			h.skipFallbackSteps(in)
			return out, nil
		}
		in.Progress.Log(stepRedeploy, "falling back to full instance replacement")
	}
	return h.blueGreen(ctx, in)
}

// -----------------------------------------------------------------------------
// In-place redeploy
// -----------------------------------------------------------------------------

// redeployInPlace rebuilds the application on the existing instance over
// the remote command channel. Returns done=false when the path could not
// be taken or confirmed healthy, in which case blue-green runs instead.
func (h *VM) redeployInPlace(ctx context.Context, in Input) (*Outcome, bool) {
	refs := in.Record.Refs
	in.Progress.BeginStep(stepRedeploy)

	if !h.prober.Probe(ctx, refs.PublicIP, refs.InstancePort) {
		in.Progress.Log(stepRedeploy, "existing instance is not healthy; replacing it")
		in.Progress.EndStep(stepRedeploy, domain.StepError)
		return nil, false
	}

	if err := h.ensureAgent(ctx, in, stepRedeploy, refs.InstanceID); err != nil {
		in.Progress.Log(stepRedeploy, "remote command channel unavailable: %v", err)
		in.Progress.EndStep(stepRedeploy, domain.StepError)
		return nil, false
	}

	script, err := bootstrap.RedeployScript(h.bootstrapSpec(in))
	if err != nil {
		in.Progress.Log(stepRedeploy, "failed to render redeploy script: %v", err)
		in.Progress.EndStep(stepRedeploy, domain.StepError)
		return nil, false
	}

	commandID, err := h.cloud.RunRemoteScript(ctx, refs.InstanceID, script)
	if err != nil {
		in.Progress.Log(stepRedeploy, "failed to dispatch redeploy command: %v", err)
		in.Progress.EndStep(stepRedeploy, domain.StepError)
		return nil, false
	}
	in.Progress.Log(stepRedeploy, "redeploy command %s dispatched", commandID)

	status, err := h.cloud.WaitRemoteCommand(ctx, refs.InstanceID, commandID, h.config.CommandPoll, func(line string) {
		in.Progress.Log(stepRedeploy, "%s", line)
	})
	if err != nil || !status.Success {
		in.Progress.Log(stepRedeploy, "redeploy command did not succeed")
		in.Progress.EndStep(stepRedeploy, domain.StepError)
		return nil, false
	}

	if !h.probeOnPorts(ctx, refs.PublicIP, []int{refs.InstancePort}) {
		in.Progress.Log(stepRedeploy, "application did not come back healthy after redeploy")
		in.Progress.EndStep(stepRedeploy, domain.StepError)
		return nil, false
	}

	in.Progress.Log(stepRedeploy, "application healthy on port %d", refs.InstancePort)
	in.Progress.EndStep(stepRedeploy, domain.StepSuccess)
	return &Outcome{Success: true, URL: in.Record.URL, Refs: refs}, true
}

// ensureAgent makes sure the remote-execution agent on the instance is
// registered: attaches the managed profile if needed and waits, allowing
// one reboot when the agent never shows up on its own.
func (h *VM) ensureAgent(ctx context.Context, in Input, stepID, instanceID string) error {
	profile := in.Record.Refs.InstanceProfile
	if profile == "" {
		name, err := h.cloud.EnsureInstanceProfile(ctx, domain.ResourceName(in.Request.RepoName(), domain.KindInstanceProfile))
		if err != nil {
			return err
		}
		profile = name
	}
	if err := h.cloud.AttachInstanceProfile(ctx, instanceID, profile); err != nil {
		return err
	}

	rebooted := false
	err := poll.Until(ctx, h.config.CommandPoll, func(ctx context.Context) (bool, error) {
		ok, err := h.cloud.AgentRegistered(ctx, instanceID)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if !rebooted {
			rebooted = true
			in.Progress.Log(stepID, "agent not registered; rebooting instance once")
			if err := h.cloud.RebootInstance(ctx, instanceID); err != nil {
				return false, err
			}
		}
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("remote agent never registered on %s: %w", instanceID, err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Blue-green replacement
// -----------------------------------------------------------------------------

func (h *VM) blueGreen(ctx context.Context, in Input) (*Outcome, error) {
	refs := in.Record.Refs
	repo := in.Request.RepoName()
	oldInstance := refs.InstanceID

	// Network. Prior references are reused so unrelated infrastructure is
	// never re-provisioned on redeploy.
	in.Progress.BeginStep(stepNetwork)
	if refs.HasNetwork() {
		in.Progress.Log(stepNetwork, "reusing network %s", refs.VPCID)
	} else {
		network, err := h.cloud.EnsureNetwork(ctx)
		if err != nil {
			return h.fail(in, stepNetwork, err)
		}
		refs.VPCID = network.VPCID
		refs.SubnetIDs = network.SubnetIDs

		sgID, err := h.cloud.EnsureSecurityGroup(ctx, domain.ResourceName(repo, domain.KindSecurityGroup), network.VPCID, h.instanceIngress(in.Profile))
		if err != nil {
			return h.fail(in, stepNetwork, err)
		}
		refs.SecurityGroupID = sgID
	}
	if refs.InstanceProfile == "" {
		profile, err := h.cloud.EnsureInstanceProfile(ctx, domain.ResourceName(repo, domain.KindInstanceProfile))
		if err != nil {
			return h.fail(in, stepNetwork, err)
		}
		refs.InstanceProfile = profile
	}
	in.Progress.EndStep(stepNetwork, domain.StepSuccess)

	// Launch the candidate. The old instance keeps serving.
	in.Progress.BeginStep(stepLaunch)
	userData, err := bootstrap.UserData(h.bootstrapSpec(in))
	if err != nil {
		return h.fail(in, stepLaunch, err)
	}
	launch := cloud.LaunchSpec{
		Name:            domain.ResourceName(repo, "vm"),
		InstanceType:    h.config.InstanceType,
		SubnetID:        refs.SubnetIDs[0],
		SecurityGroupID: refs.SecurityGroupID,
		InstanceProfile: refs.InstanceProfile,
		UserData:        userData,
	}
	if h.config.KeyPairName != "" {
		keyName, _, err := h.cloud.EnsureKeyPair(ctx, h.config.KeyPairName)
		if err != nil {
			return h.fail(in, stepLaunch, err)
		}
		launch.KeyName = keyName
	}
	candidateID, err := h.cloud.LaunchInstance(ctx, launch)
	if err != nil {
		return h.fail(in, stepLaunch, err)
	}
	in.Progress.Log(stepLaunch, "candidate instance %s launched", candidateID)
	in.Progress.EndStep(stepLaunch, domain.StepSuccess)

	// Wait for running, then allow the bootstrap warm-up before probing.
	in.Progress.BeginStep(stepAwait)
	candidate, err := h.cloud.WaitInstanceRunning(ctx, candidateID, h.config.InstancePoll)
	if err != nil {
		h.terminateCandidate(ctx, in, stepAwait, candidateID)
		return h.candidateFailed(in, stepAwait, refs, oldInstance, err)
	}
	in.Progress.Log(stepAwait, "instance running at %s; warming up", candidate.PublicIP)
	if err := h.warmup(ctx); err != nil {
		h.terminateCandidate(ctx, in, stepAwait, candidateID)
		return h.fail(in, stepAwait, err)
	}
	in.Progress.EndStep(stepAwait, domain.StepSuccess)

	// Probe candidate ports in order; the first responsive port wins. No
	// response within the budget is a hard failure of the candidate.
	in.Progress.BeginStep(stepProbe)
	ports := probePorts(in.Profile)
	detectedPort, ok := h.detectPort(ctx, candidate.PublicIP, ports, in)
	if !ok {
		in.Progress.Log(stepProbe, "no response on any candidate port %v", ports)
		h.terminateCandidate(ctx, in, stepProbe, candidateID)
		return h.candidateFailed(in, stepProbe, refs, oldInstance, fmt.Errorf("candidate never became healthy"))
	}
	in.Progress.Log(stepProbe, "application healthy on port %d", detectedPort)
	in.Progress.EndStep(stepProbe, domain.StepSuccess)

	// Routing. Only after the rule is confirmed does the old instance go.
	in.Progress.BeginStep(stepRouting)
	url := directURL(candidate.PublicIP, detectedPort)
	if h.config.BaseDomain != "" {
		routedURL, err := h.configureRouting(ctx, in, &refs, repo, candidateID, detectedPort)
		if err != nil {
			h.terminateCandidate(ctx, in, stepRouting, candidateID)
			return h.candidateFailed(in, stepRouting, refs, oldInstance, err)
		}
		url = routedURL
	} else {
		in.Progress.Log(stepRouting, "no base domain configured; serving directly at %s", url)
	}
	in.Progress.EndStep(stepRouting, domain.StepSuccess)

	refs.InstanceID = candidateID
	refs.PublicIP = candidate.PublicIP
	refs.InstancePort = detectedPort

	// Retire the old instance last. Routing for the candidate is already
	// confirmed, so traffic never drops.
	if oldInstance != "" {
		in.Progress.BeginStep(stepRetire)
		if refs.TargetGroupARN != "" {
			if err := h.cloud.DeregisterInstanceTarget(ctx, refs.TargetGroupARN, oldInstance); err != nil {
				in.Progress.Log(stepRetire, "failed to deregister old instance: %v", err)
			}
		}
		if err := h.cloud.TerminateInstance(ctx, oldInstance); err != nil {
			in.Progress.Log(stepRetire, "failed to terminate old instance %s: %v", oldInstance, err)
		} else {
			in.Progress.Log(stepRetire, "old instance %s terminated", oldInstance)
		}
		in.Progress.EndStep(stepRetire, domain.StepSuccess)
	}

	return &Outcome{Success: true, URL: url, Refs: refs}, nil
}

// configureRouting registers the candidate with the shared balancer and
// confirms the registration before returning.
func (h *VM) configureRouting(ctx context.Context, in Input, refs *domain.ResourceRefs, repo, instanceID string, port int) (string, error) {
	lbSG, err := h.cloud.EnsureSecurityGroup(ctx, h.config.SharedBalancer+"-sg", refs.VPCID, []cloud.IngressRule{
		{Port: 80, Description: "http"},
		{Port: 443, Description: "https"},
	})
	if err != nil {
		return "", err
	}
	lb, err := h.cloud.EnsureLoadBalancer(ctx, h.config.SharedBalancer, refs.SubnetIDs, lbSG)
	if err != nil {
		return "", err
	}
	refs.LoadBalancerARN = lb.ARN
	refs.LoadBalancerDNS = lb.DNSName

	tgARN, err := h.cloud.EnsureTargetGroup(ctx, domain.ResourceName(repo, domain.KindTargetGroup), refs.VPCID, port)
	if err != nil {
		return "", err
	}
	refs.TargetGroupARN = tgARN

	if err := h.cloud.RegisterInstanceTarget(ctx, tgARN, instanceID, port); err != nil {
		return "", err
	}

	listenerPort := 80
	if h.config.CertificateARN != "" {
		listenerPort = 443
	}
	listenerARN, err := h.cloud.EnsureListener(ctx, lb.ARN, listenerPort, h.config.CertificateARN)
	if err != nil {
		return "", err
	}
	refs.ListenerARN = listenerARN

	hostname := domain.HostnameFor(repo, h.config.BaseDomain)
	ruleARN, err := h.cloud.EnsureHostRule(ctx, listenerARN, hostname, tgARN)
	if err != nil {
		return "", err
	}
	refs.RuleARN = ruleARN

	err = poll.Until(ctx, h.config.RoutingPoll, func(ctx context.Context) (bool, error) {
		return h.cloud.TargetRegistered(ctx, tgARN, instanceID)
	})
	if err != nil {
		return "", fmt.Errorf("candidate registration never confirmed: %w", err)
	}
	in.Progress.Log(stepRouting, "host rule for %s confirmed", hostname)
	in.Record.Hostname = hostname
	return hostURL(hostname, h.config.CertificateARN != ""), nil
}

// -----------------------------------------------------------------------------
// Shared pieces
// -----------------------------------------------------------------------------

func (h *VM) bootstrapSpec(in Input) bootstrap.Spec {
	spec := bootstrap.Spec{Request: in.Request, Profile: in.Profile}
	if in.Database != nil {
		spec.DatabaseURL = in.Database.ConnectionString
	}
	return spec
}

// instanceIngress opens ssh plus every candidate application port.
func (h *VM) instanceIngress(profile domain.ProjectProfile) []cloud.IngressRule {
	rules := []cloud.IngressRule{{Port: 22, Description: "ssh"}}
	for _, port := range probePorts(profile) {
		rules = append(rules, cloud.IngressRule{Port: port, Description: "app"})
	}
	return rules
}

func (h *VM) warmup(ctx context.Context) error {
	if h.config.Warmup <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(h.config.Warmup):
		return nil
	}
}

// detectPort probes the candidate ports in order within the probe budget
// and returns the first responsive port.
func (h *VM) detectPort(ctx context.Context, ip string, ports []int, in Input) (int, bool) {
	detected := 0
	err := poll.Until(ctx, h.config.ProbePoll, func(ctx context.Context) (bool, error) {
		for _, port := range ports {
			if h.prober.Probe(ctx, ip, port) {
				detected = port
				return true, nil
			}
		}
		in.Progress.Log(stepProbe, "no response yet; retrying")
		return false, nil
	})
	return detected, err == nil
}

// probeOnPorts is detectPort restricted to known ports, reporting only
// success.
func (h *VM) probeOnPorts(ctx context.Context, ip string, ports []int) bool {
	err := poll.Until(ctx, h.config.ProbePoll, func(ctx context.Context) (bool, error) {
		for _, port := range ports {
			if h.prober.Probe(ctx, ip, port) {
				return true, nil
			}
		}
		return false, nil
	})
	return err == nil
}

func (h *VM) terminateCandidate(ctx context.Context, in Input, stepID, instanceID string) {
	in.Progress.Log(stepID, "terminating failed candidate %s", instanceID)
	if err := h.cloud.TerminateInstance(ctx, instanceID); err != nil {
		in.Progress.Log(stepID, "failed to terminate candidate: %v", err)
	}
}

// candidateFailed resolves a dead candidate: with an old instance still
// serving, the failure is non-fatal and the prior references are returned
// untouched with the last confirmed-good URL; without one it is fatal.
func (h *VM) candidateFailed(in Input, stepID string, refs domain.ResourceRefs, oldInstance string, cause error) (*Outcome, error) {
	in.Progress.EndStep(stepID, domain.StepError)
	if oldInstance == "" {
		return nil, cause
	}
	in.Progress.Log(stepID, "previous instance %s keeps serving", oldInstance)
	return &Outcome{
		Success: false,
		URL:     in.Record.URL,
		Refs:    refs,
		Reason:  cause.Error(),
	}, nil
}

// fail resolves a fatal provisioning error.
func (h *VM) fail(in Input, stepID string, err error) (*Outcome, error) {
	in.Progress.EndStep(stepID, domain.StepError)
	return nil, err
}

// skipFallbackSteps marks the announced fallback steps as skipped after a
// successful in-place redeploy.
func (h *VM) skipFallbackSteps(in Input) {
	all := []string{stepNetwork, stepLaunch, stepAwait, stepProbe, stepRouting}
	if in.Record.Refs.HasInstance() {
		all = append(all, stepRetire)
	}
	for _, id := range all {
		in.Progress.BeginStep(id)
		in.Progress.Log(id, "skipped; redeployed in place")
		in.Progress.EndStep(id, domain.StepSuccess)
	}
}
