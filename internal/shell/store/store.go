// Package store provides persistence for deployment records and their
// step history.
package store

import (
	"context"

	"github.com/skylift/skylift/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface consumed by the lifecycle
// controller and the API surface.
type Store interface {
	// Deployment records
	GetDeployment(ctx context.Context, id string) (*domain.DeploymentRecord, error)
	GetDeploymentByRepo(ctx context.Context, userID, repoURL string) (*domain.DeploymentRecord, error)
	UpsertDeployment(ctx context.Context, record *domain.DeploymentRecord) error
	DeleteDeployment(ctx context.Context, id string) error
	ListForUser(ctx context.Context, userID string) ([]domain.DeploymentRecord, error)

	// Step history. Every streamed progress event is also appended here so
	// a failed attempt remains fully inspectable afterwards.
	AppendHistory(ctx context.Context, deploymentID string, event domain.ProgressEvent) error
	GetHistory(ctx context.Context, deploymentID string, limit int) ([]domain.ProgressEvent, error)

	Close() error
}
