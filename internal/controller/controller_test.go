package controller

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylift/skylift/internal/core/domain"
	"github.com/skylift/skylift/internal/core/poll"
	"github.com/skylift/skylift/internal/shell/cloud"
	"github.com/skylift/skylift/internal/shell/database"
	"github.com/skylift/skylift/internal/shell/dns"
	"github.com/skylift/skylift/internal/shell/gitrepo"
	"github.com/skylift/skylift/internal/shell/handler"
	"github.com/skylift/skylift/internal/shell/store"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeStore struct {
	mu      sync.Mutex
	records map[string]*domain.DeploymentRecord
	history map[string][]domain.ProgressEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records: map[string]*domain.DeploymentRecord{},
		history: map[string][]domain.ProgressEvent{},
	}
}

func (s *fakeStore) GetDeployment(ctx context.Context, id string) (*domain.DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *fakeStore) GetDeploymentByRepo(ctx context.Context, userID, repoURL string) (*domain.DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.UserID == userID && rec.RepoURL == repoURL {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *fakeStore) UpsertDeployment(ctx context.Context, rec *domain.DeploymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.ID] = &cp
	return nil
}

func (s *fakeStore) DeleteDeployment(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.records, id)
	delete(s.history, id)
	return nil
}

func (s *fakeStore) ListForUser(ctx context.Context, userID string) ([]domain.DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DeploymentRecord
	for _, rec := range s.records {
		if rec.UserID == userID {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (s *fakeStore) AppendHistory(ctx context.Context, deploymentID string, event domain.ProgressEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[deploymentID] = append(s.history[deploymentID], event)
	return nil
}

func (s *fakeStore) GetHistory(ctx context.Context, deploymentID string, limit int) ([]domain.ProgressEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history[deploymentID], nil
}

func (s *fakeStore) Close() error { return nil }

type fakeHub struct {
	mu     sync.Mutex
	events []domain.ProgressEvent
}

func (h *fakeHub) Publish(deploymentID string, event domain.ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func (h *fakeHub) all() []domain.ProgressEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]domain.ProgressEvent, len(h.events))
	copy(out, h.events)
	return out
}

func (h *fakeHub) results() []domain.ProgressEvent {
	var out []domain.ProgressEvent
	for _, ev := range h.all() {
		if ev.Kind == domain.EventResult {
			out = append(out, ev)
		}
	}
	return out
}

type fakeCloner struct {
	sha string
	err error
}

func (c *fakeCloner) Clone(ctx context.Context, repoURL, branch, commitSHA string) (*gitrepo.Workspace, error) {
	if c.err != nil {
		return nil, c.err
	}
	return &gitrepo.Workspace{Dir: "/tmp/skylift-test", CommitSHA: c.sha}, nil
}

type fakeIntrospector struct {
	profile domain.ProjectProfile
	err     error
}

func (i *fakeIntrospector) Analyze(ctx context.Context, dir string) (domain.ProjectProfile, error) {
	return i.profile, i.err
}

// fakeHandler deploys by echoing back a configured outcome, optionally
// mutating the record the way real handlers do.
type fakeHandler struct {
	outcome  *handler.Outcome
	err      error
	hostname string
	inputs   []handler.Input
}

func (h *fakeHandler) Steps(in handler.Input) []domain.DeployStep {
	return []domain.DeployStep{{ID: "deploy", Label: "Deploy", Status: domain.StepPending}}
}

func (h *fakeHandler) Deploy(ctx context.Context, in handler.Input) (*handler.Outcome, error) {
	h.inputs = append(h.inputs, in)
	if h.err != nil {
		return nil, h.err
	}
	in.Progress.BeginStep("deploy")
	in.Progress.Log("deploy", "deploying")
	in.Progress.EndStep("deploy", domain.StepSuccess)
	if h.hostname != "" {
		in.Record.Hostname = h.hostname
	}
	out := *h.outcome
	// Handlers extend the record's refs rather than replacing them.
	refs := in.Record.Refs
	if out.Refs.InstanceID != "" {
		refs.InstanceID = out.Refs.InstanceID
		refs.PublicIP = out.Refs.PublicIP
		refs.InstancePort = out.Refs.InstancePort
	}
	out.Refs = refs
	return &out, nil
}

type fakeNetwork struct{}

func (fakeNetwork) EnsureNetwork(ctx context.Context) (*cloud.Network, error) {
	return &cloud.Network{VPCID: "vpc-1", SubnetIDs: []string{"subnet-a", "subnet-b"}}, nil
}

func (fakeNetwork) EnsureSecurityGroup(ctx context.Context, name, vpcID string, ingress []cloud.IngressRule) (string, error) {
	return "sg-db", nil
}

type fakeDatabases struct {
	db    *database.Database
	err   error
	calls int
}

func (d *fakeDatabases) Provision(ctx context.Context, spec database.Spec) (*database.Database, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	db := *d.db
	if d.calls > 1 {
		// An existing instance is reused and its credential cannot be
		// recovered from the API.
		db.ConnectionString = ""
	}
	return &db, nil
}

type fakeDNS struct {
	enabled  bool
	resolved string
	upserts  map[string]string
	deleted  []string
}

func (d *fakeDNS) Enabled() bool { return d.enabled }

func (d *fakeDNS) UpsertHostRecord(ctx context.Context, hostname, target string) (*dns.UpsertResult, error) {
	if d.upserts == nil {
		d.upserts = map[string]string{}
	}
	d.upserts[hostname] = target
	return &dns.UpsertResult{Success: true, ResolvedURL: d.resolved}, nil
}

func (d *fakeDNS) DeleteHostRecord(ctx context.Context, hostname string) error {
	d.deleted = append(d.deleted, hostname)
	return nil
}

type fakeDeprovisioner struct {
	calls []string
	fail  map[string]error
}

func (d *fakeDeprovisioner) record(call string) error {
	d.calls = append(d.calls, call)
	if d.fail != nil {
		return d.fail[call]
	}
	return nil
}

func (d *fakeDeprovisioner) TerminateInstance(ctx context.Context, instanceID string) error {
	return d.record("terminate " + instanceID)
}

func (d *fakeDeprovisioner) DeregisterInstanceTarget(ctx context.Context, targetGroupARN, instanceID string) error {
	return d.record("deregister " + instanceID)
}

func (d *fakeDeprovisioner) DeleteContainerService(ctx context.Context, cluster, name string) error {
	return d.record("delete-service " + name)
}

func (d *fakeDeprovisioner) TerminateEnvironment(ctx context.Context, envName string) error {
	return d.record("terminate-env " + envName)
}

func (d *fakeDeprovisioner) DeleteHostRule(ctx context.Context, ruleARN string) error {
	return d.record("delete-rule " + ruleARN)
}

func (d *fakeDeprovisioner) DeleteTargetGroup(ctx context.Context, targetGroupARN string) error {
	return d.record("delete-tg " + targetGroupARN)
}

// =============================================================================
// Fixtures
// =============================================================================

func testRequest() domain.DeploymentRequest {
	return domain.DeploymentRequest{
		RepoURL: "https://github.com/acme/shop.git",
		Branch:  "main",
		Region:  "us-east-1",
		Target:  domain.TargetVM,
	}
}

type testRig struct {
	store     *fakeStore
	hub       *fakeHub
	handler   *fakeHandler
	databases *fakeDatabases
	dns       *fakeDNS
	deprov    *fakeDeprovisioner
	ctrl      *Controller
}

func newTestRig(t *testing.T, mutate func(*Deps)) *testRig {
	t.Helper()
	rig := &testRig{
		store: newFakeStore(),
		hub:   &fakeHub{},
		handler: &fakeHandler{outcome: &handler.Outcome{
			Success: true,
			URL:     "http://203.0.113.10:8080",
			Refs:    domain.ResourceRefs{InstanceID: "i-new", PublicIP: "203.0.113.10", InstancePort: 8080},
		}},
		databases: &fakeDatabases{db: &database.Database{InstanceID: "skylift-shop-db", Endpoint: "db.example.com", Port: 5432, ConnectionString: "postgres://u:p@db.example.com:5432/app"}},
		dns:       &fakeDNS{},
		deprov:    &fakeDeprovisioner{},
	}
	deps := Deps{
		Store:        rig.store,
		Hub:          rig.hub,
		Cloner:       &fakeCloner{sha: "abc123def456"},
		Introspector: &fakeIntrospector{profile: domain.ProjectProfile{Language: "node", Framework: "express", Port: 8080}},
		Handlers: map[domain.TargetPlatform]handler.Handler{
			domain.TargetVM: rig.handler,
		},
		Network:       fakeNetwork{},
		Databases:     rig.databases,
		DNS:           rig.dns,
		Deprovisioner: rig.deprov,
	}
	if mutate != nil {
		mutate(&deps)
	}
	rig.ctrl = NewController(deps)
	return rig
}

// =============================================================================
// Deploy Tests
// =============================================================================

func TestDeployFreshSuccess(t *testing.T) {
	rig := newTestRig(t, nil)

	rec, err := rig.ctrl.Deploy(context.Background(), "user-1", testRequest())
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, domain.StatusRunning, rec.Status)
	assert.Equal(t, 1, rec.Revision)
	assert.Equal(t, "http://203.0.113.10:8080", rec.URL)
	assert.Equal(t, "i-new", rec.Refs.InstanceID)

	stored, err := rig.store.GetDeployment(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, stored.Status)

	events := rig.hub.all()
	require.NotEmpty(t, events)
	assert.Equal(t, domain.EventSteps, events[0].Kind)

	var ids []string
	for _, s := range events[0].Steps {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"clone", "analyze", "deploy"}, ids)

	results := rig.hub.results()
	require.Len(t, results, 1)
	assert.True(t, *results[0].Success)
	assert.Equal(t, "http://203.0.113.10:8080", results[0].URL)

	history, err := rig.store.GetHistory(context.Background(), rec.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, len(events), len(history))
}

func TestDeployRedeployUpdatesRecordInPlace(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	first, err := rig.ctrl.Deploy(ctx, "user-1", testRequest())
	require.NoError(t, err)
	require.Equal(t, 1, first.Revision)

	second, err := rig.ctrl.Deploy(ctx, "user-1", testRequest())
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Revision)
	assert.Equal(t, first.Refs.InstanceID, second.Refs.InstanceID)

	all, err := rig.store.ListForUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDeployFallbackPersistsFailureWithOldRefs(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.handler.outcome = &handler.Outcome{
		Success: false,
		URL:     "http://198.51.100.1:8080",
		Refs:    domain.ResourceRefs{InstanceID: "i-old", PublicIP: "198.51.100.1", InstancePort: 8080},
		Reason:  "candidate failed health probes",
	}

	rec, err := rig.ctrl.Deploy(context.Background(), "user-1", testRequest())
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, "i-old", rec.Refs.InstanceID)
	assert.Equal(t, 0, rec.Revision)

	results := rig.hub.results()
	require.Len(t, results, 1)
	assert.False(t, *results[0].Success)
	assert.Equal(t, "http://198.51.100.1:8080", results[0].URL)
	assert.Equal(t, "i-old", results[0].Refs.InstanceID)
}

func TestDeployFatalErrorEmitsSingleResult(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.handler.err = fmt.Errorf("target group belongs to another deployment")

	rec, err := rig.ctrl.Deploy(context.Background(), "user-1", testRequest())
	require.Error(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "target group")

	results := rig.hub.results()
	require.Len(t, results, 1)
	assert.False(t, *results[0].Success)
	assert.Contains(t, results[0].Error, "target group")
}

func TestDeployCloneFailureStillReportsResult(t *testing.T) {
	rig := newTestRig(t, func(d *Deps) {
		d.Cloner = &fakeCloner{err: fmt.Errorf("authentication required")}
	})

	_, err := rig.ctrl.Deploy(context.Background(), "user-1", testRequest())
	require.Error(t, err)

	events := rig.hub.all()
	require.NotEmpty(t, events)
	assert.Equal(t, domain.EventSteps, events[0].Kind)
	results := rig.hub.results()
	require.Len(t, results, 1)
	assert.False(t, *results[0].Success)
}

func TestDeployDatabaseTimeoutContinuesWithoutIt(t *testing.T) {
	rig := newTestRig(t, func(d *Deps) {
		d.Introspector = &fakeIntrospector{profile: domain.ProjectProfile{
			Language:       "node",
			Port:           8080,
			UsesDatabase:   true,
			DatabaseEngine: "postgres",
		}}
		d.Databases = &fakeDatabases{err: fmt.Errorf("db never became available: %w", poll.ErrExhausted)}
	})

	rec, err := rig.ctrl.Deploy(context.Background(), "user-1", testRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, rec.Status)

	require.Len(t, rig.handler.inputs, 1)
	assert.Nil(t, rig.handler.inputs[0].Database)
}

func TestDeployDatabaseProvisioned(t *testing.T) {
	rig := newTestRig(t, func(d *Deps) {
		d.Introspector = &fakeIntrospector{profile: domain.ProjectProfile{
			Language:       "node",
			Port:           8080,
			UsesDatabase:   true,
			DatabaseEngine: "postgres",
		}}
	})

	rec, err := rig.ctrl.Deploy(context.Background(), "user-1", testRequest())
	require.NoError(t, err)

	require.Len(t, rig.handler.inputs, 1)
	db := rig.handler.inputs[0].Database
	require.NotNil(t, db)
	assert.Equal(t, "skylift-shop-db", db.InstanceID)
	assert.Equal(t, "skylift-shop-db", rec.Refs.DBInstanceID)
	assert.Equal(t, "db.example.com", rec.Refs.DBEndpoint)
	assert.Equal(t, "postgres://u:p@db.example.com:5432/app", rec.Refs.DBConnection)
}

func TestRedeployReusesStoredDatabaseCredential(t *testing.T) {
	rig := newTestRig(t, func(d *Deps) {
		d.Introspector = &fakeIntrospector{profile: domain.ProjectProfile{
			Language:       "node",
			Port:           8080,
			UsesDatabase:   true,
			DatabaseEngine: "postgres",
		}}
	})
	ctx := context.Background()

	_, err := rig.ctrl.Deploy(ctx, "user-1", testRequest())
	require.NoError(t, err)

	rec, err := rig.ctrl.Deploy(ctx, "user-1", testRequest())
	require.NoError(t, err)
	require.Equal(t, 2, rig.databases.calls)

	// The reused instance yields no credential; the handler sees the one
	// captured at create time, never an empty connection string.
	require.Len(t, rig.handler.inputs, 2)
	db := rig.handler.inputs[1].Database
	require.NotNil(t, db)
	assert.Equal(t, "postgres://u:p@db.example.com:5432/app", db.ConnectionString)
	assert.Equal(t, "postgres://u:p@db.example.com:5432/app", rec.Refs.DBConnection)
}

func TestDeployPublishesHostname(t *testing.T) {
	rig := newTestRig(t, func(d *Deps) {
		d.DNS = &fakeDNS{enabled: true, resolved: "https://shop.apps.example.com"}
	})
	rig.handler.hostname = "shop.apps.example.com"
	rig.handler.outcome.Refs.LoadBalancerDNS = "edge.elb.example.com"

	rec, err := rig.ctrl.Deploy(context.Background(), "user-1", testRequest())
	require.NoError(t, err)

	fdns := rig.ctrl.dns.(*fakeDNS)
	assert.Equal(t, "edge.elb.example.com", fdns.upserts["shop.apps.example.com"])
	assert.Equal(t, "https://shop.apps.example.com", rec.URL)
}

func TestDeployUnknownTargetFails(t *testing.T) {
	rig := newTestRig(t, nil)
	req := testRequest()
	req.Target = domain.TargetPaaS

	_, err := rig.ctrl.Deploy(context.Background(), "user-1", req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no handler")
}

// =============================================================================
// SelectTarget Tests
// =============================================================================

func TestSelectTargetPreflight(t *testing.T) {
	rig := newTestRig(t, func(d *Deps) {
		d.Introspector = &fakeIntrospector{profile: domain.ProjectProfile{
			Language:  "python",
			Framework: "flask",
			Port:      5000,
		}}
	})
	req := testRequest()
	req.Target = ""

	decision, profile, err := rig.ctrl.SelectTarget(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "python", profile.Language)
	assert.True(t, decision.Target.Valid())

	// Pre-flight never creates a record.
	all, err := rig.store.ListForUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, all)
}

// =============================================================================
// Delete Tests
// =============================================================================

func seedRecord(t *testing.T, s *fakeStore, target domain.TargetPlatform, refs domain.ResourceRefs) *domain.DeploymentRecord {
	t.Helper()
	rec := domain.NewDeploymentRecord("user-1", testRequest(), target)
	rec.Refs = refs
	rec.Hostname = "shop.apps.example.com"
	require.NoError(t, s.UpsertDeployment(context.Background(), rec))
	return rec
}

func TestDeleteDeploymentVM(t *testing.T) {
	rig := newTestRig(t, func(d *Deps) {
		d.DNS = &fakeDNS{enabled: true}
	})
	rec := seedRecord(t, rig.store, domain.TargetVM, domain.ResourceRefs{
		InstanceID:     "i-1",
		TargetGroupARN: "tg-arn",
		RuleARN:        "rule-arn",
	})

	warnings, err := rig.ctrl.DeleteDeployment(context.Background(), "user-1", rec.ID)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	assert.Equal(t, []string{
		"deregister i-1",
		"terminate i-1",
		"delete-rule rule-arn",
		"delete-tg tg-arn",
	}, rig.deprov.calls)
	assert.Equal(t, []string{"shop.apps.example.com"}, rig.ctrl.dns.(*fakeDNS).deleted)

	_, err = rig.store.GetDeployment(context.Background(), rec.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteDeploymentContainerServices(t *testing.T) {
	rig := newTestRig(t, nil)
	rec := seedRecord(t, rig.store, domain.TargetContainer, domain.ResourceRefs{
		ClusterName:  "skylift-shop-cluster",
		ServiceNames: map[string]string{"app": "skylift-shop-app-svc"},
	})

	warnings, err := rig.ctrl.DeleteDeployment(context.Background(), "user-1", rec.ID)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Contains(t, rig.deprov.calls, "delete-service skylift-shop-app-svc")
}

func TestDeleteDeploymentRemovesAllServiceRouting(t *testing.T) {
	rig := newTestRig(t, nil)
	rec := seedRecord(t, rig.store, domain.TargetContainer, domain.ResourceRefs{
		ClusterName:         "skylift-shop-cluster",
		ServiceNames:        map[string]string{"api": "skylift-shop-api-svc", "web": "skylift-shop-web-svc"},
		ServiceTargetGroups: map[string]string{"api": "arn:tg/api", "web": "arn:tg/web"},
		ServiceRuleARNs:     map[string]string{"api": "arn:rule/api", "web": "arn:rule/web"},
		// The flat fields hold whichever service routed last.
		TargetGroupARN: "arn:tg/web",
		RuleARN:        "arn:rule/web",
	})

	warnings, err := rig.ctrl.DeleteDeployment(context.Background(), "user-1", rec.ID)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	// Every routed service loses its rule and target group exactly once.
	assert.Equal(t, []string{
		"delete-service skylift-shop-api-svc",
		"delete-service skylift-shop-web-svc",
		"delete-rule arn:rule/api",
		"delete-rule arn:rule/web",
		"delete-tg arn:tg/api",
		"delete-tg arn:tg/web",
	}, rig.deprov.calls)
}

func TestDeleteDeploymentWarnsButDeletesRecord(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.deprov.fail = map[string]error{"terminate i-1": fmt.Errorf("instance is protected")}
	rec := seedRecord(t, rig.store, domain.TargetVM, domain.ResourceRefs{InstanceID: "i-1"})

	warnings, err := rig.ctrl.DeleteDeployment(context.Background(), "user-1", rec.ID)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "instance is protected")

	_, err = rig.store.GetDeployment(context.Background(), rec.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteDeploymentWrongUser(t *testing.T) {
	rig := newTestRig(t, nil)
	rec := seedRecord(t, rig.store, domain.TargetVM, domain.ResourceRefs{})

	_, err := rig.ctrl.DeleteDeployment(context.Background(), "someone-else", rec.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
