package cloud

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/skylift/skylift/internal/core/poll"
)

// =============================================================================
// Managed Container Service
// =============================================================================

// EnsureCluster looks up the named cluster, creating it if absent.
func (p *Provisioner) EnsureCluster(ctx context.Context, name string) error {
	out, err := p.clients.ECS.DescribeClusters(ctx, &ecs.DescribeClustersInput{
		Clusters: []string{name},
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to look up cluster %s: %w", name, err)
	}
	if out != nil {
		for _, c := range out.Clusters {
			if aws.ToString(c.Status) == "ACTIVE" {
				return nil
			}
		}
	}

	if _, err := p.clients.ECS.CreateCluster(ctx, &ecs.CreateClusterInput{
		ClusterName: aws.String(name),
	}); err != nil {
		return fmt.Errorf("failed to create cluster %s: %w", name, err)
	}
	p.logger.Info("cluster created", "name", name)
	return nil
}

// TaskSpec describes one service's container specification.
type TaskSpec struct {
	Family   string
	Image    string
	Port     int
	Env      map[string]string
	LogGroup string
	CPU      string
	Memory   string
}

// RegisterTask registers a task definition revision for the spec and
// returns its ARN. Registration is additive; prior revisions are kept.
func (p *Provisioner) RegisterTask(ctx context.Context, spec TaskSpec) (string, error) {
	if spec.CPU == "" {
		spec.CPU = "256"
	}
	if spec.Memory == "" {
		spec.Memory = "512"
	}

	env := make([]ecstypes.KeyValuePair, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, ecstypes.KeyValuePair{Name: aws.String(k), Value: aws.String(v)})
	}

	out, err := p.clients.ECS.RegisterTaskDefinition(ctx, &ecs.RegisterTaskDefinitionInput{
		Family:                  aws.String(spec.Family),
		RequiresCompatibilities: []ecstypes.Compatibility{ecstypes.CompatibilityFargate},
		NetworkMode:             ecstypes.NetworkModeAwsvpc,
		Cpu:                     aws.String(spec.CPU),
		Memory:                  aws.String(spec.Memory),
		ContainerDefinitions: []ecstypes.ContainerDefinition{
			{
				Name:      aws.String(spec.Family),
				Image:     aws.String(spec.Image),
				Essential: aws.Bool(true),
				PortMappings: []ecstypes.PortMapping{
					{ContainerPort: aws.Int32(int32(spec.Port)), Protocol: ecstypes.TransportProtocolTcp},
				},
				Environment: env,
				LogConfiguration: &ecstypes.LogConfiguration{
					LogDriver: ecstypes.LogDriverAwslogs,
					Options: map[string]string{
						"awslogs-group":         spec.LogGroup,
						"awslogs-region":        p.region,
						"awslogs-stream-prefix": spec.Family,
						"awslogs-create-group":  "true",
					},
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to register task %s: %w", spec.Family, err)
	}
	return aws.ToString(out.TaskDefinition.TaskDefinitionArn), nil
}

// ServiceSpec describes one managed container service deployment.
type ServiceSpec struct {
	Cluster         string
	Name            string
	TaskARN         string
	DesiredCount    int
	SubnetIDs       []string
	SecurityGroupID string
	TargetGroupARN  string
	ContainerName   string
	ContainerPort   int
}

// CreateOrUpdateService creates the named service if absent, otherwise
// points the existing service at the new task definition revision.
func (p *Provisioner) CreateOrUpdateService(ctx context.Context, spec ServiceSpec) error {
	existing, err := p.clients.ECS.DescribeServices(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(spec.Cluster),
		Services: []string{spec.Name},
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to look up service %s: %w", spec.Name, err)
	}

	active := false
	if existing != nil {
		for _, svc := range existing.Services {
			if aws.ToString(svc.Status) == "ACTIVE" {
				active = true
			}
		}
	}

	if active {
		_, err := p.clients.ECS.UpdateService(ctx, &ecs.UpdateServiceInput{
			Cluster:            aws.String(spec.Cluster),
			Service:            aws.String(spec.Name),
			TaskDefinition:     aws.String(spec.TaskARN),
			DesiredCount:       aws.Int32(int32(spec.DesiredCount)),
			ForceNewDeployment: true,
		})
		if err != nil {
			return fmt.Errorf("failed to update service %s: %w", spec.Name, err)
		}
		p.logger.Info("service updated", "name", spec.Name)
		return nil
	}

	input := &ecs.CreateServiceInput{
		Cluster:        aws.String(spec.Cluster),
		ServiceName:    aws.String(spec.Name),
		TaskDefinition: aws.String(spec.TaskARN),
		DesiredCount:   aws.Int32(int32(spec.DesiredCount)),
		LaunchType:     ecstypes.LaunchTypeFargate,
		NetworkConfiguration: &ecstypes.NetworkConfiguration{
			AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
				Subnets:        spec.SubnetIDs,
				SecurityGroups: []string{spec.SecurityGroupID},
				AssignPublicIp: ecstypes.AssignPublicIpEnabled,
			},
		},
	}
	if spec.TargetGroupARN != "" {
		input.LoadBalancers = []ecstypes.LoadBalancer{
			{
				TargetGroupArn: aws.String(spec.TargetGroupARN),
				ContainerName:  aws.String(spec.ContainerName),
				ContainerPort:  aws.Int32(int32(spec.ContainerPort)),
			},
		}
	}
	if _, err := p.clients.ECS.CreateService(ctx, input); err != nil {
		return fmt.Errorf("failed to create service %s: %w", spec.Name, err)
	}
	p.logger.Info("service created", "name", spec.Name)
	return nil
}

// WaitServiceRunning polls until the service reports at least one running
// task.
func (p *Provisioner) WaitServiceRunning(ctx context.Context, cluster, name string, cfg poll.Config) error {
	return poll.Until(ctx, cfg, func(ctx context.Context) (bool, error) {
		out, err := p.clients.ECS.DescribeServices(ctx, &ecs.DescribeServicesInput{
			Cluster:  aws.String(cluster),
			Services: []string{name},
		})
		if err != nil {
			return false, fmt.Errorf("failed to describe service %s: %w", name, err)
		}
		for _, svc := range out.Services {
			if svc.RunningCount >= 1 {
				return true, nil
			}
		}
		return false, nil
	})
}

// DeleteContainerService scales the service to zero and force-deletes it.
// Missing services are success.
func (p *Provisioner) DeleteContainerService(ctx context.Context, cluster, name string) error {
	_, err := p.clients.ECS.DeleteService(ctx, &ecs.DeleteServiceInput{
		Cluster: aws.String(cluster),
		Service: aws.String(name),
		Force:   aws.Bool(true),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete service %s: %w", name, err)
	}
	return nil
}
