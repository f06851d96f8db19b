package handler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/skylift/skylift/internal/core/domain"
	"github.com/skylift/skylift/internal/core/poll"
	"github.com/skylift/skylift/internal/shell/cloud"
)

// =============================================================================
// Cloud Surface
// =============================================================================

// containerCloud is the provisioning surface the container handler depends
// on. Satisfied by *cloud.Provisioner.
type containerCloud interface {
	EnsureNetwork(ctx context.Context) (*cloud.Network, error)
	EnsureSecurityGroup(ctx context.Context, name, vpcID string, ingress []cloud.IngressRule) (string, error)

	EnsureBucket(ctx context.Context, name string) error
	UploadObject(ctx context.Context, bucket, key string, body io.Reader) (string, error)

	EnsureRegistry(ctx context.Context, name string) (string, error)
	EnsureBuildRole(ctx context.Context, name string) (string, error)
	EnsureBuildProject(ctx context.Context, spec cloud.BuildProjectSpec) error
	StartImageBuild(ctx context.Context, project, sourceLocation, registryURI, tag string) (string, error)
	WaitBuild(ctx context.Context, buildID string, cfg poll.Config) error

	EnsureCluster(ctx context.Context, name string) error
	RegisterTask(ctx context.Context, spec cloud.TaskSpec) (string, error)
	CreateOrUpdateService(ctx context.Context, spec cloud.ServiceSpec) error
	WaitServiceRunning(ctx context.Context, cluster, name string, cfg poll.Config) error

	EnsureLoadBalancer(ctx context.Context, name string, subnetIDs []string, securityGroupID string) (*cloud.LoadBalancer, error)
	EnsureIPTargetGroup(ctx context.Context, name, vpcID string, port int) (string, error)
	EnsureListener(ctx context.Context, lbARN string, port int, certificateARN string) (string, error)
	EnsureHostRule(ctx context.Context, listenerARN, hostname, targetGroupARN string) (string, error)
}

var _ containerCloud = (*cloud.Provisioner)(nil)

// Packager turns a working directory into an uploadable archive. The git
// repository layer implements it.
type Packager interface {
	TarGz(dir string) ([]byte, error)
	Zip(dir string) ([]byte, error)
}

// =============================================================================
// Container Handler
// =============================================================================

// Container deploys one image per service through the remote build service
// and a managed container runtime. The deploying process itself needs no
// container engine. Services are deployed sequentially; each later service
// receives the URLs of already-deployed siblings in its environment.
type Container struct {
	cloud    containerCloud
	packager Packager
	config   Config
	logger   *slog.Logger
}

// NewContainer creates the container-platform handler.
func NewContainer(api containerCloud, packager Packager, cfg Config, logger *slog.Logger) *Container {
	if logger == nil {
		logger = slog.Default()
	}
	return &Container{cloud: api, packager: packager, config: cfg, logger: logger.With("component", "container-handler")}
}

const (
	stepCtrNetwork = "network"
	stepCtrRouting = "routing"
)

func buildStepID(svc string) string   { return "build-" + svc }
func serviceStepID(svc string) string { return "service-" + svc }

// serviceList normalizes the profile into at least one descriptor.
func serviceList(in Input) []domain.ServiceDescriptor {
	if in.Profile.IsMultiService && len(in.Profile.Services) > 0 {
		return in.Profile.Services
	}
	return []domain.ServiceDescriptor{{
		Name:     "app",
		WorkDir:  in.Request.WorkDir,
		Language: in.Profile.Language,
		Port:     in.Profile.Port,
	}}
}

// Steps announces network setup, then a build and rollout step per service
// in detection order, then routing.
func (h *Container) Steps(in Input) []domain.DeployStep {
	steps := []domain.DeployStep{
		{ID: stepCtrNetwork, Label: "Provision cluster infrastructure", Status: domain.StepPending},
	}
	for _, svc := range serviceList(in) {
		steps = append(steps,
			domain.DeployStep{ID: buildStepID(svc.Name), Label: fmt.Sprintf("Build image for %s", svc.Name), Status: domain.StepPending},
			domain.DeployStep{ID: serviceStepID(svc.Name), Label: fmt.Sprintf("Roll out %s", svc.Name), Status: domain.StepPending},
		)
	}
	steps = append(steps, domain.DeployStep{ID: stepCtrRouting, Label: "Configure routing", Status: domain.StepPending})
	return steps
}

// Deploy rolls out every service. Order encodes dependency resolution:
// only already-deployed siblings are linked into a service's environment.
func (h *Container) Deploy(ctx context.Context, in Input) (*Outcome, error) {
	refs := in.Record.Refs
	repo := in.Request.RepoName()
	services := serviceList(in)

	in.Progress.BeginStep(stepCtrNetwork)
	if err := h.ensureInfra(ctx, in, &refs, repo); err != nil {
		in.Progress.EndStep(stepCtrNetwork, domain.StepError)
		return nil, err
	}
	in.Progress.EndStep(stepCtrNetwork, domain.StepSuccess)

	if refs.ServiceNames == nil {
		refs.ServiceNames = map[string]string{}
	}
	siblingURLs := map[string]string{}
	tag := h.imageTag(in)
	primaryURL := ""

	for _, svc := range services {
		image, err := h.buildService(ctx, in, &refs, repo, svc, tag)
		if err != nil {
			return nil, err
		}

		url, err := h.rolloutService(ctx, in, &refs, repo, svc, image, siblingURLs)
		if err != nil {
			return nil, err
		}

		siblingURLs[envVarName(svc.Name)+"_URL"] = url
		if primaryURL == "" {
			primaryURL = url
		}
	}

	in.Progress.BeginStep(stepCtrRouting)
	in.Progress.Log(stepCtrRouting, "%d service(s) routed", len(services))
	in.Progress.EndStep(stepCtrRouting, domain.StepSuccess)

	return &Outcome{Success: true, URL: primaryURL, Refs: refs}, nil
}

// ensureInfra provisions everything shared by all services of the repo.
func (h *Container) ensureInfra(ctx context.Context, in Input, refs *domain.ResourceRefs, repo string) error {
	if !refs.HasNetwork() {
		network, err := h.cloud.EnsureNetwork(ctx)
		if err != nil {
			return err
		}
		refs.VPCID = network.VPCID
		refs.SubnetIDs = network.SubnetIDs

		ingress := []cloud.IngressRule{{Port: 80, Description: "http"}, {Port: 443, Description: "https"}}
		for _, svc := range serviceList(in) {
			if svc.Port > 0 {
				ingress = append(ingress, cloud.IngressRule{Port: svc.Port, Description: "app"})
			}
		}
		sgID, err := h.cloud.EnsureSecurityGroup(ctx, domain.ResourceName(repo, domain.KindSecurityGroup), network.VPCID, ingress)
		if err != nil {
			return err
		}
		refs.SecurityGroupID = sgID
	} else {
		in.Progress.Log(stepCtrNetwork, "reusing network %s", refs.VPCID)
	}

	cluster := domain.ResourceName(repo, domain.KindCluster)
	if err := h.cloud.EnsureCluster(ctx, cluster); err != nil {
		return err
	}
	refs.ClusterName = cluster

	bucket := domain.ResourceName(repo, domain.KindBucket)
	if err := h.cloud.EnsureBucket(ctx, bucket); err != nil {
		return err
	}
	refs.BucketName = bucket
	return nil
}

// buildService archives the service directory, uploads it and drives the
// remote build to a terminal state. A non-success terminal status is fatal
// for the service.
func (h *Container) buildService(ctx context.Context, in Input, refs *domain.ResourceRefs, repo string, svc domain.ServiceDescriptor, tag string) (string, error) {
	stepID := buildStepID(svc.Name)
	in.Progress.BeginStep(stepID)

	dir := filepath.Join(in.WorkDir, svc.WorkDir)
	archive, err := h.packager.TarGz(dir)
	if err != nil {
		in.Progress.EndStep(stepID, domain.StepError)
		return "", fmt.Errorf("failed to archive %s: %w", svc.Name, err)
	}

	key := fmt.Sprintf("source/%s/%s.tar.gz", svc.Name, tag)
	location, err := h.cloud.UploadObject(ctx, refs.BucketName, key, bytes.NewReader(archive))
	if err != nil {
		in.Progress.EndStep(stepID, domain.StepError)
		return "", err
	}
	in.Progress.Log(stepID, "source archive uploaded to %s", location)

	registryURI, err := h.cloud.EnsureRegistry(ctx, domain.ServiceResourceName(repo, svc.Name, domain.KindRegistry))
	if err != nil {
		in.Progress.EndStep(stepID, domain.StepError)
		return "", err
	}
	refs.RegistryURI = registryURI

	roleARN, err := h.cloud.EnsureBuildRole(ctx, domain.ResourceName(repo, domain.KindBuildRole))
	if err != nil {
		in.Progress.EndStep(stepID, domain.StepError)
		return "", err
	}

	project := domain.ServiceResourceName(repo, svc.Name, domain.KindBuildProject)
	err = h.cloud.EnsureBuildProject(ctx, cloud.BuildProjectSpec{
		Name:        project,
		RoleARN:     roleARN,
		SourceS3:    location,
		RegistryURI: registryURI,
	})
	if err != nil {
		in.Progress.EndStep(stepID, domain.StepError)
		return "", err
	}

	buildID, err := h.cloud.StartImageBuild(ctx, project, location, registryURI, tag)
	if err != nil {
		in.Progress.EndStep(stepID, domain.StepError)
		return "", err
	}
	in.Progress.Log(stepID, "remote build %s started", buildID)

	if err := h.cloud.WaitBuild(ctx, buildID, h.config.BuildPoll); err != nil {
		in.Progress.EndStep(stepID, domain.StepError)
		return "", fmt.Errorf("image build for %s failed: %w", svc.Name, err)
	}
	in.Progress.Log(stepID, "image %s:%s pushed", registryURI, tag)
	in.Progress.EndStep(stepID, domain.StepSuccess)
	return registryURI + ":" + tag, nil
}

// rolloutService registers the task revision, converges the managed
// service and wires routing, returning the service's public URL.
func (h *Container) rolloutService(ctx context.Context, in Input, refs *domain.ResourceRefs, repo string, svc domain.ServiceDescriptor, image string, siblingURLs map[string]string) (string, error) {
	stepID := serviceStepID(svc.Name)
	in.Progress.BeginStep(stepID)

	port := svc.Port
	if port == 0 {
		port = 80
	}

	env := mergeEnv(in.Request.Env, siblingURLs)
	env["PORT"] = fmt.Sprintf("%d", port)
	if in.Database != nil && in.Database.ConnectionString != "" {
		env["DATABASE_URL"] = in.Database.ConnectionString
	}

	family := domain.ServiceResourceName(repo, svc.Name, "task")
	taskARN, err := h.cloud.RegisterTask(ctx, cloud.TaskSpec{
		Family:   family,
		Image:    image,
		Port:     port,
		Env:      env,
		LogGroup: "/skylift/" + domain.Slugify(repo),
	})
	if err != nil {
		in.Progress.EndStep(stepID, domain.StepError)
		return "", err
	}

	hostname, tgARN, url, err := h.serviceRouting(ctx, in, refs, repo, svc, port)
	if err != nil {
		in.Progress.EndStep(stepID, domain.StepError)
		return "", err
	}

	serviceName := domain.ServiceResourceName(repo, svc.Name, "svc")
	err = h.cloud.CreateOrUpdateService(ctx, cloud.ServiceSpec{
		Cluster:         refs.ClusterName,
		Name:            serviceName,
		TaskARN:         taskARN,
		DesiredCount:    1,
		SubnetIDs:       refs.SubnetIDs,
		SecurityGroupID: refs.SecurityGroupID,
		TargetGroupARN:  tgARN,
		ContainerName:   family,
		ContainerPort:   port,
	})
	if err != nil {
		in.Progress.EndStep(stepID, domain.StepError)
		return "", err
	}
	refs.ServiceNames[svc.Name] = serviceName
	if h.config.BaseDomain != "" && h.serviceHost(repo, svc, in) == repo {
		in.Record.Hostname = hostname
	}

	if err := h.cloud.WaitServiceRunning(ctx, refs.ClusterName, serviceName, h.config.ServicePoll); err != nil {
		in.Progress.EndStep(stepID, domain.StepError)
		return "", fmt.Errorf("service %s never stabilized: %w", svc.Name, err)
	}
	in.Progress.Log(stepID, "service %s running at %s", svc.Name, hostname)
	in.Progress.EndStep(stepID, domain.StepSuccess)
	return url, nil
}

// serviceRouting attaches the service to the shared balancer via a host
// rule, or provisions a dedicated balancer when no base domain is
// configured. The dedicated balancer's host rule is keyed by its own DNS
// name.
func (h *Container) serviceRouting(ctx context.Context, in Input, refs *domain.ResourceRefs, repo string, svc domain.ServiceDescriptor, port int) (hostname, tgARN, url string, err error) {
	stepID := serviceStepID(svc.Name)

	tgARN, err = h.cloud.EnsureIPTargetGroup(ctx, domain.ServiceResourceName(repo, svc.Name, domain.KindTargetGroup), refs.VPCID, port)
	if err != nil {
		return "", "", "", err
	}
	refs.TargetGroupARN = tgARN
	if refs.ServiceTargetGroups == nil {
		refs.ServiceTargetGroups = map[string]string{}
	}
	refs.ServiceTargetGroups[svc.Name] = tgARN

	var lb *cloud.LoadBalancer
	if h.config.BaseDomain != "" {
		lbSG, sgErr := h.cloud.EnsureSecurityGroup(ctx, h.config.SharedBalancer+"-sg", refs.VPCID, []cloud.IngressRule{
			{Port: 80, Description: "http"},
			{Port: 443, Description: "https"},
		})
		if sgErr != nil {
			return "", "", "", sgErr
		}
		lb, err = h.cloud.EnsureLoadBalancer(ctx, h.config.SharedBalancer, refs.SubnetIDs, lbSG)
		if err != nil {
			return "", "", "", err
		}
		hostname = domain.HostnameFor(h.serviceHost(repo, svc, in), h.config.BaseDomain)
	} else {
		name := domain.ServiceResourceName(repo, svc.Name, "lb")
		lb, err = h.cloud.EnsureLoadBalancer(ctx, name, refs.SubnetIDs, refs.SecurityGroupID)
		if err != nil {
			return "", "", "", err
		}
		hostname = lb.DNSName
		in.Progress.Log(stepID, "dedicated balancer %s provisioned", name)
	}
	refs.LoadBalancerARN = lb.ARN
	refs.LoadBalancerDNS = lb.DNSName

	listenerPort := 80
	cert := ""
	if h.config.BaseDomain != "" && h.config.CertificateARN != "" {
		listenerPort = 443
		cert = h.config.CertificateARN
	}
	listenerARN, err := h.cloud.EnsureListener(ctx, lb.ARN, listenerPort, cert)
	if err != nil {
		return "", "", "", err
	}
	refs.ListenerARN = listenerARN

	ruleARN, err := h.cloud.EnsureHostRule(ctx, listenerARN, hostname, tgARN)
	if err != nil {
		return "", "", "", err
	}
	refs.RuleARN = ruleARN
	if refs.ServiceRuleARNs == nil {
		refs.ServiceRuleARNs = map[string]string{}
	}
	refs.ServiceRuleARNs[svc.Name] = ruleARN

	return hostname, tgARN, hostURL(hostname, cert != ""), nil
}

// serviceHost names the routed host: the bare repo slug for the single or
// first service, repo-service otherwise.
func (h *Container) serviceHost(repo string, svc domain.ServiceDescriptor, in Input) string {
	services := serviceList(in)
	if len(services) == 1 || svc.Name == services[0].Name {
		return repo
	}
	return repo + "-" + svc.Name
}

// imageTag pins images to the deployed commit when one is known.
func (h *Container) imageTag(in Input) string {
	if in.Request.CommitSHA != "" {
		sha := in.Request.CommitSHA
		if len(sha) > 12 {
			sha = sha[:12]
		}
		return sha
	}
	return fmt.Sprintf("r%d", in.Record.Revision+1)
}

// envVarName uppercases a service name for environment injection.
func envVarName(name string) string {
	return strings.ToUpper(strings.ReplaceAll(domain.Slugify(name), "-", "_"))
}
