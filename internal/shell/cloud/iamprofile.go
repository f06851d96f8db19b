package cloud

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
)

// =============================================================================
// Managed Identity Instance Profile
// =============================================================================

// instanceTrustPolicy lets instances assume the role.
const instanceTrustPolicy = `{
  "Version": "2012-10-17",
  "Statement": [
    {
      "Effect": "Allow",
      "Principal": {"Service": "ec2.amazonaws.com"},
      "Action": "sts:AssumeRole"
    }
  ]
}`

// ssmCorePolicyARN is the managed policy granting the remote-execution
// agent its channel.
const ssmCorePolicyARN = "arn:aws:iam::aws:policy/AmazonSSMManagedInstanceCore"

// EnsureInstanceProfile looks up the managed-identity instance profile,
// creating the role and profile if absent, and returns the profile name.
// Every instance the VM handler launches carries it so the remote command
// channel is available.
func (p *Provisioner) EnsureInstanceProfile(ctx context.Context, name string) (string, error) {
	got, err := p.clients.IAM.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{
		InstanceProfileName: aws.String(name),
	})
	if err == nil && len(got.InstanceProfile.Roles) > 0 {
		return name, nil
	}
	if err != nil && !isNotFound(err) {
		return "", fmt.Errorf("failed to look up instance profile %s: %w", name, err)
	}

	if _, err := p.clients.IAM.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 aws.String(name),
		AssumeRolePolicyDocument: aws.String(instanceTrustPolicy),
	}); err != nil && !isAlreadyExists(err) {
		return "", fmt.Errorf("failed to create instance role %s: %w", name, err)
	}

	if _, err := p.clients.IAM.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
		RoleName:  aws.String(name),
		PolicyArn: aws.String(ssmCorePolicyARN),
	}); err != nil && !isAlreadyExists(err) {
		return "", fmt.Errorf("failed to attach agent policy to %s: %w", name, err)
	}

	if _, err := p.clients.IAM.CreateInstanceProfile(ctx, &iam.CreateInstanceProfileInput{
		InstanceProfileName: aws.String(name),
	}); err != nil && !isAlreadyExists(err) {
		return "", fmt.Errorf("failed to create instance profile %s: %w", name, err)
	}

	if _, err := p.clients.IAM.AddRoleToInstanceProfile(ctx, &iam.AddRoleToInstanceProfileInput{
		InstanceProfileName: aws.String(name),
		RoleName:            aws.String(name),
	}); err != nil && !isAlreadyExists(err) {
		// LimitExceeded here means the role is already in the profile.
		if apiErrorCode(err) != "LimitExceeded" {
			return "", fmt.Errorf("failed to add role to instance profile %s: %w", name, err)
		}
	}

	p.logger.Info("instance profile ensured", "name", name)
	return name, nil
}
