package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Record Errors
// =============================================================================

var (
	ErrInvalidTransition = errors.New("invalid status transition")
)

// =============================================================================
// Deployment Status
// =============================================================================

type DeploymentStatus string

const (
	StatusPending DeploymentStatus = "pending"
	StatusRunning DeploymentStatus = "running"
	StatusStopped DeploymentStatus = "stopped"
	StatusFailed  DeploymentStatus = "failed"
)

// validTransitions defines the allowed state transitions.
var validTransitions = map[DeploymentStatus][]DeploymentStatus{
	StatusPending: {StatusRunning, StatusFailed},
	StatusRunning: {StatusRunning, StatusStopped, StatusFailed},
	StatusStopped: {StatusRunning, StatusFailed},
	StatusFailed:  {StatusRunning},
}

// ValidateTransition checks if a status transition is valid.
func ValidateTransition(from, to DeploymentStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return ErrInvalidTransition
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return ErrInvalidTransition
}

// =============================================================================
// Resource References
// =============================================================================

// ResourceRefs holds the named handles to cloud resources created for one
// deployment. Each ref is owned by exactly one DeploymentRecord and is
// referenced, never duplicated, across redeploys.
type ResourceRefs struct {
	VPCID           string   `json:"vpc_id,omitempty"`
	SubnetIDs       []string `json:"subnet_ids,omitempty"`
	SecurityGroupID string   `json:"security_group_id,omitempty"`

	LoadBalancerARN string `json:"load_balancer_arn,omitempty"`
	LoadBalancerDNS string `json:"load_balancer_dns,omitempty"`
	TargetGroupARN  string `json:"target_group_arn,omitempty"`
	ListenerARN     string `json:"listener_arn,omitempty"`
	RuleARN         string `json:"rule_arn,omitempty"`

	InstanceID      string `json:"instance_id,omitempty"`
	InstancePort    int    `json:"instance_port,omitempty"`
	PublicIP        string `json:"public_ip,omitempty"`
	InstanceProfile string `json:"instance_profile,omitempty"`

	RegistryURI  string            `json:"registry_uri,omitempty"`
	ClusterName  string            `json:"cluster_name,omitempty"`
	ServiceNames map[string]string `json:"service_names,omitempty"` // logical name -> container service name
	// Per-service routing handles; every routed service owns one rule and
	// one target group and teardown must remove each of them.
	ServiceTargetGroups map[string]string `json:"service_target_groups,omitempty"` // logical name -> target group ARN
	ServiceRuleARNs     map[string]string `json:"service_rule_arns,omitempty"`     // logical name -> host rule ARN

	BucketName string `json:"bucket_name,omitempty"`
	AppName    string `json:"app_name,omitempty"`
	EnvName    string `json:"env_name,omitempty"`

	DBInstanceID string `json:"db_instance_id,omitempty"`
	DBEndpoint   string `json:"db_endpoint,omitempty"`
	// DBConnection is captured at create time; the managed database API
	// never returns the credential again, so reuse reads it from here.
	DBConnection string `json:"db_connection,omitempty"`
}

// HasInstance reports whether a prior compute instance is recorded.
func (r ResourceRefs) HasInstance() bool {
	return r.InstanceID != ""
}

// HasNetwork reports whether network infrastructure is already recorded.
func (r ResourceRefs) HasNetwork() bool {
	return r.VPCID != "" && len(r.SubnetIDs) > 0 && r.SecurityGroupID != ""
}

// =============================================================================
// Deployment Record
// =============================================================================

// DeploymentRecord is the durable state of one logical deployment. It is
// created on first successful provisioning and updated in place on redeploy.
type DeploymentRecord struct {
	ID       string           `json:"id"`
	UserID   string           `json:"user_id"`
	RepoURL  string           `json:"repo_url"`
	RepoName string           `json:"repo_name"`
	Target   TargetPlatform   `json:"target"`
	Status   DeploymentStatus `json:"status"`
	Revision int              `json:"revision"`
	Hostname string           `json:"hostname,omitempty"`
	URL      string           `json:"url,omitempty"`
	Refs     ResourceRefs     `json:"refs"`

	ErrorMessage    string     `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	FirstDeployedAt *time.Time `json:"first_deployed_at,omitempty"`
	LastDeployedAt  *time.Time `json:"last_deployed_at,omitempty"`
}

// NewDeploymentRecord creates a record for a first deployment attempt.
func NewDeploymentRecord(userID string, req DeploymentRequest, target TargetPlatform) *DeploymentRecord {
	now := time.Now().UTC()
	return &DeploymentRecord{
		ID:        uuid.New().String(),
		UserID:    userID,
		RepoURL:   req.RepoURL,
		RepoName:  req.RepoName(),
		Target:    target,
		Status:    StatusPending,
		Revision:  0,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition attempts to transition the record to a new status.
func (d *DeploymentRecord) Transition(to DeploymentStatus) error {
	if err := ValidateTransition(d.Status, to); err != nil {
		return err
	}
	d.Status = to
	d.UpdatedAt = time.Now().UTC()
	if to == StatusRunning {
		d.ErrorMessage = ""
	}
	return nil
}

// TransitionToFailed transitions to failed status with an error message.
func (d *DeploymentRecord) TransitionToFailed(errorMessage string) {
	d.Status = StatusFailed
	d.ErrorMessage = errorMessage
	d.UpdatedAt = time.Now().UTC()
}

// MarkDeployed records a successful attempt: bumps the revision counter
// and stamps first/last deployment times.
func (d *DeploymentRecord) MarkDeployed(url string) {
	now := time.Now().UTC()
	d.Revision++
	d.Status = StatusRunning
	d.ErrorMessage = ""
	d.URL = url
	d.LastDeployedAt = &now
	if d.FirstDeployedAt == nil {
		d.FirstDeployedAt = &now
	}
	d.UpdatedAt = now
}
