package cloud

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/codebuild"
	buildtypes "github.com/aws/aws-sdk-go-v2/service/codebuild/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"

	"github.com/skylift/skylift/internal/core/poll"
)

// =============================================================================
// Remote Build Service
// =============================================================================

// buildTrustPolicy lets the build service assume the role.
const buildTrustPolicy = `{
  "Version": "2012-10-17",
  "Statement": [
    {
      "Effect": "Allow",
      "Principal": {"Service": "codebuild.amazonaws.com"},
      "Action": "sts:AssumeRole"
    }
  ]
}`

// buildRolePolicy grants the registry push, archive read and log write
// permissions the remote build needs.
const buildRolePolicy = `{
  "Version": "2012-10-17",
  "Statement": [
    {"Effect": "Allow", "Action": ["ecr:GetAuthorizationToken"], "Resource": "*"},
    {"Effect": "Allow", "Action": ["ecr:BatchCheckLayerAvailability", "ecr:PutImage", "ecr:InitiateLayerUpload", "ecr:UploadLayerPart", "ecr:CompleteLayerUpload"], "Resource": "*"},
    {"Effect": "Allow", "Action": ["s3:GetObject", "s3:GetObjectVersion"], "Resource": "*"},
    {"Effect": "Allow", "Action": ["logs:CreateLogGroup", "logs:CreateLogStream", "logs:PutLogEvents"], "Resource": "*"}
  ]
}`

// EnsureBuildRole looks up the build service role, creating it with the
// registry/archive/log policy if absent. Returns the role ARN.
func (p *Provisioner) EnsureBuildRole(ctx context.Context, name string) (string, error) {
	got, err := p.clients.IAM.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(name)})
	if err == nil {
		return aws.ToString(got.Role.Arn), nil
	}
	if !isNotFound(err) {
		return "", fmt.Errorf("failed to look up build role %s: %w", name, err)
	}

	created, err := p.clients.IAM.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 aws.String(name),
		AssumeRolePolicyDocument: aws.String(buildTrustPolicy),
	})
	if err != nil && !isAlreadyExists(err) {
		return "", fmt.Errorf("failed to create build role %s: %w", name, err)
	}

	_, err = p.clients.IAM.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
		RoleName:       aws.String(name),
		PolicyName:     aws.String(name + "-policy"),
		PolicyDocument: aws.String(buildRolePolicy),
	})
	if err != nil {
		return "", fmt.Errorf("failed to attach build role policy: %w", err)
	}

	if created != nil && created.Role != nil {
		p.logger.Info("build role created", "name", name)
		return aws.ToString(created.Role.Arn), nil
	}
	again, err := p.clients.IAM.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(name)})
	if err != nil {
		return "", fmt.Errorf("failed to re-look up build role %s: %w", name, err)
	}
	return aws.ToString(again.Role.Arn), nil
}

// BuildProjectSpec parameterizes one remote build project.
type BuildProjectSpec struct {
	Name        string
	RoleARN     string
	SourceS3    string // bucket/key of the uploaded source archive
	RegistryURI string
}

// EnsureBuildProject looks up the named remote build project, creating it
// if absent. The project builds the uploaded archive into an image and
// pushes it to the registry; image tag and registry are passed per build.
func (p *Provisioner) EnsureBuildProject(ctx context.Context, spec BuildProjectSpec) error {
	got, err := p.clients.Build.BatchGetProjects(ctx, &codebuild.BatchGetProjectsInput{
		Names: []string{spec.Name},
	})
	if err != nil {
		return fmt.Errorf("failed to look up build project %s: %w", spec.Name, err)
	}
	if len(got.Projects) > 0 {
		return nil
	}

	_, err = p.clients.Build.CreateProject(ctx, &codebuild.CreateProjectInput{
		Name:        aws.String(spec.Name),
		ServiceRole: aws.String(spec.RoleARN),
		Source: &buildtypes.ProjectSource{
			Type:     buildtypes.SourceTypeS3,
			Location: aws.String(spec.SourceS3),
		},
		Artifacts: &buildtypes.ProjectArtifacts{
			Type: buildtypes.ArtifactsTypeNoArtifacts,
		},
		Environment: &buildtypes.ProjectEnvironment{
			Type:           buildtypes.EnvironmentTypeLinuxContainer,
			ComputeType:    buildtypes.ComputeTypeBuildGeneral1Small,
			Image:          aws.String("aws/codebuild/standard:7.0"),
			PrivilegedMode: aws.Bool(true), // image builds need the docker daemon
		},
	})
	if err != nil {
		if isAlreadyExists(err) {
			return nil
		}
		return fmt.Errorf("failed to create build project %s: %w", spec.Name, err)
	}
	p.logger.Info("build project created", "name", spec.Name)
	return nil
}

// StartImageBuild starts a remote build parameterized with registry
// coordinates and image tag, returning the build ID.
func (p *Provisioner) StartImageBuild(ctx context.Context, project, sourceLocation, registryURI, tag string) (string, error) {
	out, err := p.clients.Build.StartBuild(ctx, &codebuild.StartBuildInput{
		ProjectName:             aws.String(project),
		SourceLocationOverride:  aws.String(sourceLocation),
		SourceTypeOverride:      buildtypes.SourceTypeS3,
		BuildspecOverride:       aws.String(imageBuildSpec),
		EnvironmentVariablesOverride: []buildtypes.EnvironmentVariable{
			{Name: aws.String("REGISTRY_URI"), Value: aws.String(registryURI)},
			{Name: aws.String("IMAGE_TAG"), Value: aws.String(tag)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to start build on %s: %w", project, err)
	}
	buildID := aws.ToString(out.Build.Id)
	p.logger.Info("remote build started", "project", project, "build_id", buildID, "tag", tag)
	return buildID, nil
}

// imageBuildSpec logs into the registry, builds the archive's container
// file and pushes the tagged image.
const imageBuildSpec = `version: 0.2
phases:
  pre_build:
    commands:
      - aws ecr get-login-password | docker login --username AWS --password-stdin $REGISTRY_URI
  build:
    commands:
      - docker build -t $REGISTRY_URI:$IMAGE_TAG .
  post_build:
    commands:
      - docker push $REGISTRY_URI:$IMAGE_TAG
`

// WaitBuild polls the build until it reaches a terminal status. A non-success
// terminal status returns an error carrying the status name.
func (p *Provisioner) WaitBuild(ctx context.Context, buildID string, cfg poll.Config) error {
	var terminal buildtypes.StatusType

	err := poll.Until(ctx, cfg, func(ctx context.Context) (bool, error) {
		out, err := p.clients.Build.BatchGetBuilds(ctx, &codebuild.BatchGetBuildsInput{
			Ids: []string{buildID},
		})
		if err != nil {
			return false, fmt.Errorf("failed to get build %s: %w", buildID, err)
		}
		if len(out.Builds) == 0 {
			return false, nil
		}
		switch status := out.Builds[0].BuildStatus; status {
		case buildtypes.StatusTypeInProgress:
			return false, nil
		default:
			terminal = status
			return true, nil
		}
	})
	if err != nil {
		return err
	}
	if terminal != buildtypes.StatusTypeSucceeded {
		return fmt.Errorf("remote build %s finished with status %s", buildID, terminal)
	}
	return nil
}
