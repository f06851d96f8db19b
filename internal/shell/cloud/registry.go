package cloud

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
)

// =============================================================================
// Container Registry
// =============================================================================

// EnsureRegistry looks up the named image repository, creating it if
// absent, and returns its URI.
func (p *Provisioner) EnsureRegistry(ctx context.Context, name string) (string, error) {
	out, err := p.clients.ECR.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{
		RepositoryNames: []string{name},
	})
	if err != nil && !isNotFound(err) {
		return "", fmt.Errorf("failed to look up registry %s: %w", name, err)
	}
	if out != nil && len(out.Repositories) > 0 {
		return aws.ToString(out.Repositories[0].RepositoryUri), nil
	}

	created, err := p.clients.ECR.CreateRepository(ctx, &ecr.CreateRepositoryInput{
		RepositoryName: aws.String(name),
	})
	if err != nil {
		if !isAlreadyExists(err) {
			return "", fmt.Errorf("failed to create registry %s: %w", name, err)
		}
		again, err := p.clients.ECR.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{
			RepositoryNames: []string{name},
		})
		if err != nil || len(again.Repositories) == 0 {
			return "", fmt.Errorf("failed to re-look up registry %s: %w", name, err)
		}
		return aws.ToString(again.Repositories[0].RepositoryUri), nil
	}

	uri := aws.ToString(created.Repository.RepositoryUri)
	p.logger.Info("registry created", "name", name, "uri", uri)
	return uri, nil
}
