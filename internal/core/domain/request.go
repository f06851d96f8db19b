// Package domain contains the core domain types and validation logic.
// This is part of the Functional Core - all functions are pure with no I/O.
package domain

import (
	"errors"
	"strings"
)

// =============================================================================
// Request Errors
// =============================================================================

var (
	ErrRepoURLRequired = errors.New("repository URL is required")
	ErrRegionRequired  = errors.New("region is required")
	ErrInvalidTarget   = errors.New("invalid target platform")
)

// =============================================================================
// Deployment Request
// =============================================================================

// DeploymentRequest is the immutable input to one deployment attempt.
type DeploymentRequest struct {
	RepoURL        string            `json:"repo_url"`
	Branch         string            `json:"branch"`
	CommitSHA      string            `json:"commit_sha,omitempty"`
	InstallCommand string            `json:"install_command,omitempty"`
	BuildCommand   string            `json:"build_command,omitempty"`
	RunCommand     string            `json:"run_command,omitempty"`
	WorkDir        string            `json:"work_dir,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Region         string            `json:"region"`

	// Target, when set, skips selection and forces the named platform.
	Target TargetPlatform `json:"target,omitempty"`
}

// Validate checks the request for required fields.
func (r DeploymentRequest) Validate() error {
	if strings.TrimSpace(r.RepoURL) == "" {
		return ErrRepoURLRequired
	}
	if strings.TrimSpace(r.Region) == "" {
		return ErrRegionRequired
	}
	if r.Target != "" && !r.Target.Valid() {
		return ErrInvalidTarget
	}
	return nil
}

// RepoName derives the short repository name from the URL, used as the
// stable prefix for deterministic resource naming.
func (r DeploymentRequest) RepoName() string {
	name := strings.TrimSuffix(r.RepoURL, ".git")
	name = strings.TrimSuffix(name, "/")
	if idx := strings.LastIndexAny(name, "/:"); idx >= 0 {
		name = name[idx+1:]
	}
	return Slugify(name)
}

// =============================================================================
// Project Profile
// =============================================================================

// ProjectProfile describes what repository introspection detected.
// Produced by the external introspection collaborator; consumed by the
// target selector.
type ProjectProfile struct {
	Language         string              `json:"language"`
	Framework        string              `json:"framework"`
	HasContainerFile bool                `json:"has_container_file"`
	Port             int                 `json:"port,omitempty"`
	UsesWebsockets   bool                `json:"uses_websockets"`
	UsesDatabase     bool                `json:"uses_database"`
	IsMultiService   bool                `json:"is_multi_service"`
	DatabaseEngine   string              `json:"database_engine,omitempty"`
	Services         []ServiceDescriptor `json:"services,omitempty"`
}

// ServiceDescriptor describes one logical service in a multi-service repo.
type ServiceDescriptor struct {
	Name              string   `json:"name"`
	WorkDir           string   `json:"work_dir"`
	Language          string   `json:"language"`
	Port              int      `json:"port"`
	ContainerFilePath string   `json:"container_file_path,omitempty"`
	DependsOn         []string `json:"depends_on,omitempty"`
}
