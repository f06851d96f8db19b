package api

import "github.com/skylift/skylift/internal/core/domain"

// =============================================================================
// Response Types
// =============================================================================

// ErrorResponse is the error body for all non-2xx responses.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is the health check response.
type HealthResponse struct {
	Status string `json:"status"`
}

// CreateDeploymentResponse is returned when an attempt is accepted. The
// attempt runs in the background; progress streams on the events path.
type CreateDeploymentResponse struct {
	Deployment *domain.DeploymentRecord `json:"deployment"`
	EventsPath string                   `json:"events_path"`
}

// ListDeploymentsResponse wraps the user's deployments.
type ListDeploymentsResponse struct {
	Deployments []domain.DeploymentRecord `json:"deployments"`
	Count       int                       `json:"count"`
}

// SelectTargetResponse is the pre-flight selection result.
type SelectTargetResponse struct {
	Decision domain.TargetDecision `json:"decision"`
	Profile  domain.ProjectProfile `json:"profile"`
}

// DeleteDeploymentResponse reports best-effort de-provisioning results.
type DeleteDeploymentResponse struct {
	Deleted  bool     `json:"deleted"`
	Warnings []string `json:"warnings,omitempty"`
}

// HistoryResponse wraps a deployment's persisted progress events.
type HistoryResponse struct {
	Events []domain.ProgressEvent `json:"events"`
}
