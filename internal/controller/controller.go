// Package controller drives the deployment lifecycle: clone, analyze,
// select a target, provision supporting infrastructure, run the platform
// handler and persist the result. This is part of the Imperative Shell.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/skylift/skylift/internal/core/domain"
	"github.com/skylift/skylift/internal/core/poll"
	"github.com/skylift/skylift/internal/core/selector"
	"github.com/skylift/skylift/internal/shell/cloud"
	"github.com/skylift/skylift/internal/shell/database"
	"github.com/skylift/skylift/internal/shell/dns"
	"github.com/skylift/skylift/internal/shell/gitrepo"
	"github.com/skylift/skylift/internal/shell/handler"
	"github.com/skylift/skylift/internal/shell/store"
)

// =============================================================================
// Collaborator Interfaces
// =============================================================================

// Introspector examines a checked-out repository and describes what it found.
type Introspector interface {
	Analyze(ctx context.Context, dir string) (domain.ProjectProfile, error)
}

// Cloner checks out a repository into a scratch workspace.
type Cloner interface {
	Clone(ctx context.Context, repoURL, branch, commitSHA string) (*gitrepo.Workspace, error)
}

// DatabaseProvisioner converges a managed database instance.
type DatabaseProvisioner interface {
	Provision(ctx context.Context, spec database.Spec) (*database.Database, error)
}

// NetworkProvisioner prepares the network a database instance attaches to.
// Satisfied by *cloud.Provisioner.
type NetworkProvisioner interface {
	EnsureNetwork(ctx context.Context) (*cloud.Network, error)
	EnsureSecurityGroup(ctx context.Context, name, vpcID string, ingress []cloud.IngressRule) (string, error)
}

// DNSClient publishes hostname records for finished deployments.
type DNSClient interface {
	Enabled() bool
	UpsertHostRecord(ctx context.Context, hostname, target string) (*dns.UpsertResult, error)
	DeleteHostRecord(ctx context.Context, hostname string) error
}

// Deprovisioner tears down the compute and routing a deployment owns.
// Satisfied by *cloud.Provisioner.
type Deprovisioner interface {
	TerminateInstance(ctx context.Context, instanceID string) error
	DeregisterInstanceTarget(ctx context.Context, targetGroupARN, instanceID string) error
	DeleteContainerService(ctx context.Context, cluster, name string) error
	TerminateEnvironment(ctx context.Context, envName string) error
	DeleteHostRule(ctx context.Context, ruleARN string) error
	DeleteTargetGroup(ctx context.Context, targetGroupARN string) error
}

var _ NetworkProvisioner = (*cloud.Provisioner)(nil)
var _ Deprovisioner = (*cloud.Provisioner)(nil)
var _ DNSClient = (*dns.Client)(nil)

// =============================================================================
// Controller
// =============================================================================

// Controller-owned step IDs. Handler step IDs are announced by the handler.
const (
	stepClone    = "clone"
	stepAnalyze  = "analyze"
	stepDatabase = "database"
	stepDNS      = "dns"
)

var controllerStepLabels = map[string]string{
	stepClone:    "Clone repository",
	stepAnalyze:  "Analyze project",
	stepDatabase: "Provision database",
	stepDNS:      "Publish hostname",
}

// Deps are the collaborators a Controller is wired with. Network, Databases,
// DNS and Deprovisioner may be nil; the matching lifecycle phases are
// skipped.
type Deps struct {
	Store         store.Store
	Hub           Publisher
	Cloner        Cloner
	Introspector  Introspector
	Handlers      map[domain.TargetPlatform]handler.Handler
	Network       NetworkProvisioner
	Databases     DatabaseProvisioner
	DNS           DNSClient
	Deprovisioner Deprovisioner
	Logger        *slog.Logger
}

// Controller owns the deployment lifecycle for all target platforms. After
// target selection it dispatches to exactly one handler and never branches
// on the target again, except to tear resources down.
type Controller struct {
	store         store.Store
	hub           Publisher
	cloner        Cloner
	introspector  Introspector
	handlers      map[domain.TargetPlatform]handler.Handler
	network       NetworkProvisioner
	databases     DatabaseProvisioner
	dns           DNSClient
	deprovisioner Deprovisioner
	logger        *slog.Logger
}

// NewController creates a controller from its collaborators.
func NewController(deps Deps) *Controller {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:         deps.Store,
		hub:           deps.Hub,
		cloner:        deps.Cloner,
		introspector:  deps.Introspector,
		handlers:      deps.Handlers,
		network:       deps.Network,
		databases:     deps.Databases,
		dns:           deps.DNS,
		deprovisioner: deps.Deprovisioner,
		logger:        logger.With("component", "controller"),
	}
}

// =============================================================================
// Deploy
// =============================================================================

// Prepare validates a request and returns the record the attempt will run
// against: the user's existing record for the repository, or a fresh
// pending one. The record is persisted before any history is written
// against it.
func (c *Controller) Prepare(ctx context.Context, userID string, req domain.DeploymentRequest) (*domain.DeploymentRecord, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	rec, err := c.store.GetDeploymentByRepo(ctx, userID, req.RepoURL)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up deployment: %w", err)
	}
	if rec == nil {
		rec = domain.NewDeploymentRecord(userID, req, req.Target)
	}
	if err := c.store.UpsertDeployment(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to persist deployment record: %w", err)
	}
	return rec, nil
}

// Deploy runs one deployment attempt end to end. Redeploys of a repository
// the user already deployed update the existing record in place. The
// returned record reflects the attempt's terminal state; a non-nil error
// means the attempt failed fatally. A blue-green fallback reports through
// the record's status with a nil error, because the prior deployment is
// intact and still serving.
func (c *Controller) Deploy(ctx context.Context, userID string, req domain.DeploymentRequest) (*domain.DeploymentRecord, error) {
	rec, err := c.Prepare(ctx, userID, req)
	if err != nil {
		return nil, err
	}
	return c.Run(ctx, rec, req)
}

// Run executes a prepared attempt.
func (c *Controller) Run(ctx context.Context, rec *domain.DeploymentRecord, req domain.DeploymentRequest) (*domain.DeploymentRecord, error) {
	c.logger.Info("starting deployment attempt",
		"deployment_id", rec.ID,
		"repo", req.RepoURL,
		"revision", rec.Revision,
	)

	tr := newTracker(ctx, rec.ID, c.store, c.hub, controllerStepLabels, c.logger)

	outcome, url, err := c.attempt(ctx, tr, rec, req)
	if err != nil {
		rec.TransitionToFailed(err.Error())
		if uerr := c.store.UpsertDeployment(ctx, rec); uerr != nil {
			c.logger.Warn("failed to persist failed attempt", "deployment_id", rec.ID, "error", uerr)
		}
		tr.Result(false, rec.URL, rec.Refs, err.Error())
		return rec, err
	}

	rec.Refs = outcome.Refs
	if outcome.Success {
		rec.MarkDeployed(url)
	} else {
		rec.TransitionToFailed(outcome.Reason)
	}
	if uerr := c.store.UpsertDeployment(ctx, rec); uerr != nil {
		c.logger.Warn("failed to persist attempt result", "deployment_id", rec.ID, "error", uerr)
	}
	tr.Result(outcome.Success, url, rec.Refs, outcome.Reason)

	c.logger.Info("deployment attempt finished",
		"deployment_id", rec.ID,
		"success", outcome.Success,
		"url", url,
		"revision", rec.Revision,
	)
	return rec, nil
}

// attempt runs the lifecycle phases. It mutates rec's refs and hostname as
// phases converge but leaves status transitions and persistence to Deploy.
func (c *Controller) attempt(ctx context.Context, tr *tracker, rec *domain.DeploymentRecord, req domain.DeploymentRequest) (*handler.Outcome, string, error) {
	tr.BeginStep(stepClone)
	ws, err := c.cloner.Clone(ctx, req.RepoURL, req.Branch, req.CommitSHA)
	if err != nil {
		tr.EndStep(stepClone, domain.StepError)
		return nil, "", fmt.Errorf("clone failed: %w", err)
	}
	defer ws.Cleanup()
	tr.Log(stepClone, "checked out %s", ws.CommitSHA)
	tr.EndStep(stepClone, domain.StepSuccess)

	workDir := ws.Dir
	if req.WorkDir != "" {
		workDir = filepath.Join(ws.Dir, req.WorkDir)
	}
	if req.CommitSHA == "" {
		req.CommitSHA = ws.CommitSHA
	}

	tr.BeginStep(stepAnalyze)
	profile, err := c.introspector.Analyze(ctx, workDir)
	if err != nil {
		tr.EndStep(stepAnalyze, domain.StepError)
		return nil, "", fmt.Errorf("analysis failed: %w", err)
	}
	tr.Log(stepAnalyze, "detected %s", describeProfile(profile))
	decision := selector.Select(req, profile)
	tr.Log(stepAnalyze, "target %s: %s", decision.Target, decision.Reason)
	for _, w := range decision.Warnings {
		tr.Log(stepAnalyze, "warning: %s", w)
	}
	tr.EndStep(stepAnalyze, domain.StepSuccess)

	if rec.Target != "" && rec.Target != decision.Target {
		c.logger.Warn("selected target changed across redeploys",
			"deployment_id", rec.ID, "previous", rec.Target, "selected", decision.Target)
	}
	rec.Target = decision.Target

	h, ok := c.handlers[decision.Target]
	if !ok {
		return nil, "", fmt.Errorf("no handler registered for target %q", decision.Target)
	}

	in := handler.Input{
		Request:  req,
		Profile:  profile,
		Record:   rec,
		WorkDir:  workDir,
		Progress: tr,
	}

	provisionDB := profile.UsesDatabase && c.databases != nil && c.network != nil
	publishDNS := c.dns != nil && c.dns.Enabled()

	steps := []domain.DeployStep{
		{ID: stepClone, Label: controllerStepLabels[stepClone]},
		{ID: stepAnalyze, Label: controllerStepLabels[stepAnalyze]},
	}
	if provisionDB {
		steps = append(steps, domain.DeployStep{ID: stepDatabase, Label: controllerStepLabels[stepDatabase]})
	}
	steps = append(steps, h.Steps(in)...)
	if publishDNS {
		steps = append(steps, domain.DeployStep{ID: stepDNS, Label: controllerStepLabels[stepDNS]})
	}
	tr.Announce(steps)

	if provisionDB {
		in.Database = c.provisionDatabase(ctx, tr, rec, profile)
	}

	outcome, err := h.Deploy(ctx, in)
	if err != nil {
		return nil, "", err
	}

	url := outcome.URL
	if publishDNS {
		if resolved := c.publishHostname(ctx, tr, rec, outcome); resolved != "" {
			url = resolved
		}
	}
	return outcome, url, nil
}

// provisionDatabase converges the deployment's database instance. Failure,
// including a convergence timeout, is fatal to the step only: the attempt
// continues without an injected connection string and surfaces a warning.
func (c *Controller) provisionDatabase(ctx context.Context, tr *tracker, rec *domain.DeploymentRecord, profile domain.ProjectProfile) *handler.ProvisionedDatabase {
	tr.BeginStep(stepDatabase)

	engine := database.ParseEngine(profile.DatabaseEngine)
	if rec.Refs.VPCID == "" || len(rec.Refs.SubnetIDs) == 0 {
		net, err := c.network.EnsureNetwork(ctx)
		if err != nil {
			tr.Log(stepDatabase, "network discovery failed: %v; continuing without a database", err)
			tr.EndStep(stepDatabase, domain.StepError)
			return nil
		}
		rec.Refs.VPCID = net.VPCID
		rec.Refs.SubnetIDs = net.SubnetIDs
	}

	instanceID := domain.ResourceName(rec.RepoName, domain.KindDatabase)
	sgID, err := c.network.EnsureSecurityGroup(ctx, instanceID+"-sg", rec.Refs.VPCID, []cloud.IngressRule{
		{Port: engine.Port(), Description: "database"},
	})
	if err != nil {
		tr.Log(stepDatabase, "security group failed: %v; continuing without a database", err)
		tr.EndStep(stepDatabase, domain.StepError)
		return nil
	}

	db, err := c.databases.Provision(ctx, database.Spec{
		InstanceID:      instanceID,
		Engine:          engine,
		SubnetIDs:       rec.Refs.SubnetIDs,
		SecurityGroupID: sgID,
	})
	if err != nil {
		if errors.Is(err, poll.ErrExhausted) {
			tr.Log(stepDatabase, "database %s not available in time; continuing without it", instanceID)
		} else {
			tr.Log(stepDatabase, "database provisioning failed: %v; continuing without it", err)
		}
		tr.EndStep(stepDatabase, domain.StepError)
		return nil
	}

	rec.Refs.DBInstanceID = db.InstanceID
	rec.Refs.DBEndpoint = db.Endpoint
	if db.ConnectionString != "" {
		rec.Refs.DBConnection = db.ConnectionString
	}
	tr.Log(stepDatabase, "database %s available at %s", db.InstanceID, db.Endpoint)
	tr.EndStep(stepDatabase, domain.StepSuccess)
	return &handler.ProvisionedDatabase{
		InstanceID:       db.InstanceID,
		Endpoint:         db.Endpoint,
		ConnectionString: rec.Refs.DBConnection,
	}
}

// publishHostname upserts the DNS record for a routed deployment. Returns
// the resolved URL when the resolver reports one. Record publication is
// best effort; the deployment already serves at its direct URL.
func (c *Controller) publishHostname(ctx context.Context, tr *tracker, rec *domain.DeploymentRecord, outcome *handler.Outcome) string {
	tr.BeginStep(stepDNS)

	if !outcome.Success {
		tr.Log(stepDNS, "skipped; rollout did not complete")
		tr.EndStep(stepDNS, domain.StepSuccess)
		return ""
	}
	if rec.Hostname == "" {
		tr.Log(stepDNS, "no hostname assigned; nothing to publish")
		tr.EndStep(stepDNS, domain.StepSuccess)
		return ""
	}
	target := rec.Refs.LoadBalancerDNS
	if target == "" {
		target = rec.Refs.PublicIP
	}
	if target == "" {
		tr.Log(stepDNS, "no routable address for %s; nothing to publish", rec.Hostname)
		tr.EndStep(stepDNS, domain.StepSuccess)
		return ""
	}

	res, err := c.dns.UpsertHostRecord(ctx, rec.Hostname, target)
	if err != nil {
		tr.Log(stepDNS, "record upsert failed: %v", err)
		tr.EndStep(stepDNS, domain.StepError)
		return ""
	}
	tr.Log(stepDNS, "published %s -> %s", rec.Hostname, target)
	tr.EndStep(stepDNS, domain.StepSuccess)
	return res.ResolvedURL
}

// =============================================================================
// Select Target
// =============================================================================

// SelectTarget runs the pre-flight selection for a request without
// deploying: clone, analyze, select, clean up.
func (c *Controller) SelectTarget(ctx context.Context, req domain.DeploymentRequest) (domain.TargetDecision, domain.ProjectProfile, error) {
	if err := req.Validate(); err != nil {
		return domain.TargetDecision{}, domain.ProjectProfile{}, err
	}
	ws, err := c.cloner.Clone(ctx, req.RepoURL, req.Branch, req.CommitSHA)
	if err != nil {
		return domain.TargetDecision{}, domain.ProjectProfile{}, fmt.Errorf("clone failed: %w", err)
	}
	defer ws.Cleanup()

	workDir := ws.Dir
	if req.WorkDir != "" {
		workDir = filepath.Join(ws.Dir, req.WorkDir)
	}
	profile, err := c.introspector.Analyze(ctx, workDir)
	if err != nil {
		return domain.TargetDecision{}, domain.ProjectProfile{}, fmt.Errorf("analysis failed: %w", err)
	}
	return selector.Select(req, profile), profile, nil
}

// =============================================================================
// Delete
// =============================================================================

// DeleteDeployment tears a deployment down: compute, routing, the published
// hostname, then the record. De-provisioning is best effort; individual
// failures are collected as warnings and never block record deletion.
func (c *Controller) DeleteDeployment(ctx context.Context, userID, id string) ([]string, error) {
	rec, err := c.store.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, store.ErrNotFound
	}

	var warnings []string
	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		warnings = append(warnings, msg)
		c.logger.Warn("de-provisioning incomplete", "deployment_id", id, "detail", msg)
	}

	if c.deprovisioner != nil {
		c.deprovision(ctx, rec, warn)
	}
	if c.dns != nil && c.dns.Enabled() && rec.Hostname != "" {
		if err := c.dns.DeleteHostRecord(ctx, rec.Hostname); err != nil {
			warn("hostname %s: %v", rec.Hostname, err)
		}
	}

	if err := c.store.DeleteDeployment(ctx, id); err != nil {
		return warnings, fmt.Errorf("failed to delete deployment record: %w", err)
	}
	c.logger.Info("deployment deleted", "deployment_id", id, "warnings", len(warnings))
	return warnings, nil
}

func (c *Controller) deprovision(ctx context.Context, rec *domain.DeploymentRecord, warn func(string, ...any)) {
	refs := rec.Refs
	switch rec.Target {
	case domain.TargetVM:
		if refs.TargetGroupARN != "" && refs.InstanceID != "" {
			if err := c.deprovisioner.DeregisterInstanceTarget(ctx, refs.TargetGroupARN, refs.InstanceID); err != nil {
				warn("deregister instance %s: %v", refs.InstanceID, err)
			}
		}
		if refs.InstanceID != "" {
			if err := c.deprovisioner.TerminateInstance(ctx, refs.InstanceID); err != nil {
				warn("terminate instance %s: %v", refs.InstanceID, err)
			}
		}
	case domain.TargetContainer:
		for _, logical := range sortedKeys(refs.ServiceNames) {
			if err := c.deprovisioner.DeleteContainerService(ctx, refs.ClusterName, refs.ServiceNames[logical]); err != nil {
				warn("delete service %s: %v", logical, err)
			}
		}
	case domain.TargetPaaS:
		if refs.EnvName != "" {
			if err := c.deprovisioner.TerminateEnvironment(ctx, refs.EnvName); err != nil {
				warn("terminate environment %s: %v", refs.EnvName, err)
			}
		}
	case domain.TargetStaticSite:
		// The website bucket holds the user's content and is retained.
	}

	// Single-routed targets record one rule and one target group on the
	// flat fields; multi-service container deployments own one pair per
	// routed service and every pair must go.
	rules := refs.ServiceRuleARNs
	if len(rules) == 0 && refs.RuleARN != "" {
		rules = map[string]string{"": refs.RuleARN}
	}
	for _, logical := range sortedKeys(rules) {
		if err := c.deprovisioner.DeleteHostRule(ctx, rules[logical]); err != nil {
			warn("delete host rule%s: %v", forService(logical), err)
		}
	}
	groups := refs.ServiceTargetGroups
	if len(groups) == 0 && refs.TargetGroupARN != "" {
		groups = map[string]string{"": refs.TargetGroupARN}
	}
	for _, logical := range sortedKeys(groups) {
		if err := c.deprovisioner.DeleteTargetGroup(ctx, groups[logical]); err != nil {
			warn("delete target group%s: %v", forService(logical), err)
		}
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func forService(logical string) string {
	if logical == "" {
		return ""
	}
	return " for " + logical
}

// describeProfile renders a one-line summary of an analysis result.
func describeProfile(p domain.ProjectProfile) string {
	desc := p.Language
	if desc == "" {
		desc = "unknown language"
	}
	if p.Framework != "" {
		desc += "/" + p.Framework
	}
	if p.IsMultiService {
		desc += fmt.Sprintf(", %d services", len(p.Services))
	}
	if p.UsesDatabase {
		desc += ", database"
	}
	return desc
}
