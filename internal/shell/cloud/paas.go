package cloud

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	eb "github.com/aws/aws-sdk-go-v2/service/elasticbeanstalk"
	ebtypes "github.com/aws/aws-sdk-go-v2/service/elasticbeanstalk/types"

	"github.com/skylift/skylift/internal/core/poll"
)

// =============================================================================
// Managed Application Platform
// =============================================================================

// Platform stacks by language, newest supported branch per language.
var paasStacks = map[string]string{
	"node":   "64bit Amazon Linux 2023 v6.1.0 running Node.js 20",
	"python": "64bit Amazon Linux 2023 v4.0.0 running Python 3.12",
	"ruby":   "64bit Amazon Linux 2023 v4.0.0 running Ruby 3.2",
	"go":     "64bit Amazon Linux 2023 v4.0.0 running Go 1",
	"java":   "64bit Amazon Linux 2023 v4.1.0 running Corretto 21",
	"php":    "64bit Amazon Linux 2023 v4.0.0 running PHP 8.2",
}

// StackForLanguage resolves the platform stack for a language.
func StackForLanguage(language string) (string, bool) {
	stack, ok := paasStacks[language]
	return stack, ok
}

// EnsureApplication looks up the named platform application, creating it
// if absent.
func (p *Provisioner) EnsureApplication(ctx context.Context, name string) error {
	out, err := p.clients.PaaS.DescribeApplications(ctx, &eb.DescribeApplicationsInput{
		ApplicationNames: []string{name},
	})
	if err != nil {
		return fmt.Errorf("failed to look up application %s: %w", name, err)
	}
	if len(out.Applications) > 0 {
		return nil
	}

	if _, err := p.clients.PaaS.CreateApplication(ctx, &eb.CreateApplicationInput{
		ApplicationName: aws.String(name),
		Description:     aws.String("skylift managed"),
	}); err != nil {
		return fmt.Errorf("failed to create application %s: %w", name, err)
	}
	p.logger.Info("platform application created", "name", name)
	return nil
}

// CreateAppVersion registers an uploaded archive as a new application
// version labelled by the deployment revision.
func (p *Provisioner) CreateAppVersion(ctx context.Context, appName, label, bucket, key string) error {
	_, err := p.clients.PaaS.CreateApplicationVersion(ctx, &eb.CreateApplicationVersionInput{
		ApplicationName: aws.String(appName),
		VersionLabel:    aws.String(label),
		SourceBundle: &ebtypes.S3Location{
			S3Bucket: aws.String(bucket),
			S3Key:    aws.String(key),
		},
		Process: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create app version %s: %w", label, err)
	}
	return nil
}

// EnvironmentState is a point-in-time view of a platform environment.
type EnvironmentState struct {
	Exists bool
	Status string
	Health string
	URL    string
}

// DescribeEnvironment returns the current environment state.
func (p *Provisioner) DescribeEnvironment(ctx context.Context, appName, envName string) (*EnvironmentState, error) {
	out, err := p.clients.PaaS.DescribeEnvironments(ctx, &eb.DescribeEnvironmentsInput{
		ApplicationName:  aws.String(appName),
		EnvironmentNames: []string{envName},
		IncludeDeleted:   aws.Bool(false),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe environment %s: %w", envName, err)
	}
	for _, env := range out.Environments {
		return &EnvironmentState{
			Exists: true,
			Status: string(env.Status),
			Health: string(env.Health),
			URL:    "http://" + aws.ToString(env.CNAME),
		}, nil
	}
	return &EnvironmentState{}, nil
}

// DeployEnvironment creates the environment on the given stack if absent,
// otherwise rolls it forward to the labelled version.
func (p *Provisioner) DeployEnvironment(ctx context.Context, appName, envName, stack, versionLabel string, env map[string]string) error {
	state, err := p.DescribeEnvironment(ctx, appName, envName)
	if err != nil {
		return err
	}

	if state.Exists {
		if _, err := p.clients.PaaS.UpdateEnvironment(ctx, &eb.UpdateEnvironmentInput{
			ApplicationName: aws.String(appName),
			EnvironmentName: aws.String(envName),
			VersionLabel:    aws.String(versionLabel),
		}); err != nil {
			return fmt.Errorf("failed to update environment %s: %w", envName, err)
		}
		return nil
	}

	settings := make([]ebtypes.ConfigurationOptionSetting, 0, len(env)+1)
	for k, v := range env {
		settings = append(settings, ebtypes.ConfigurationOptionSetting{
			Namespace:  aws.String("aws:elasticbeanstalk:application:environment"),
			OptionName: aws.String(k),
			Value:      aws.String(v),
		})
	}
	settings = append(settings, ebtypes.ConfigurationOptionSetting{
		Namespace:  aws.String("aws:elasticbeanstalk:environment"),
		OptionName: aws.String("EnvironmentType"),
		Value:      aws.String("SingleInstance"),
	})

	if _, err := p.clients.PaaS.CreateEnvironment(ctx, &eb.CreateEnvironmentInput{
		ApplicationName:   aws.String(appName),
		EnvironmentName:   aws.String(envName),
		SolutionStackName: aws.String(stack),
		VersionLabel:      aws.String(versionLabel),
		OptionSettings:    settings,
	}); err != nil {
		return fmt.Errorf("failed to create environment %s: %w", envName, err)
	}
	p.logger.Info("platform environment created", "name", envName, "stack", stack)
	return nil
}

// WaitEnvironmentReady polls until the environment is Ready with Green
// health. Exhausting the budget returns poll.ErrExhausted; the platform's
// own control loop may still finish afterwards, so callers report
// "in progress" rather than failure.
func (p *Provisioner) WaitEnvironmentReady(ctx context.Context, appName, envName string, cfg poll.Config) (*EnvironmentState, error) {
	var last *EnvironmentState
	err := poll.Until(ctx, cfg, func(ctx context.Context) (bool, error) {
		state, err := p.DescribeEnvironment(ctx, appName, envName)
		if err != nil {
			return false, err
		}
		last = state
		return state.Exists && state.Status == "Ready" && state.Health == "Green", nil
	})
	return last, err
}

// TerminateEnvironment tears down a platform environment.
func (p *Provisioner) TerminateEnvironment(ctx context.Context, envName string) error {
	_, err := p.clients.PaaS.TerminateEnvironment(ctx, &eb.TerminateEnvironmentInput{
		EnvironmentName: aws.String(envName),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to terminate environment %s: %w", envName, err)
	}
	return nil
}
