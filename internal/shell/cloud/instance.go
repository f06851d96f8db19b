package cloud

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"golang.org/x/crypto/ssh"

	"github.com/skylift/skylift/internal/core/poll"
)

// =============================================================================
// Instance Launch
// =============================================================================

// LaunchSpec describes one candidate instance.
type LaunchSpec struct {
	Name            string
	InstanceType    string
	SubnetID        string
	SecurityGroupID string
	InstanceProfile string
	UserData        string
	KeyName         string
}

// Instance is a launched instance handle.
type Instance struct {
	ID       string
	PublicIP string
}

// LaunchInstance launches one instance from the latest Ubuntu LTS image
// with the given bootstrap user data. The user data is base64-encoded for
// the instance metadata service.
func (p *Provisioner) LaunchInstance(ctx context.Context, spec LaunchSpec) (string, error) {
	imageID, err := p.latestUbuntuImage(ctx)
	if err != nil {
		return "", err
	}

	input := &ec2.RunInstancesInput{
		ImageId:          aws.String(imageID),
		InstanceType:     ec2types.InstanceType(spec.InstanceType),
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		SubnetId:         aws.String(spec.SubnetID),
		SecurityGroupIds: []string{spec.SecurityGroupID},
		UserData:         aws.String(base64.StdEncoding.EncodeToString([]byte(spec.UserData))),
		TagSpecifications: []ec2types.TagSpecification{
			{
				ResourceType: ec2types.ResourceTypeInstance,
				Tags: []ec2types.Tag{
					{Key: aws.String("Name"), Value: aws.String(spec.Name)},
					{Key: aws.String("ManagedBy"), Value: aws.String("skylift")},
				},
			},
		},
	}
	if spec.InstanceProfile != "" {
		input.IamInstanceProfile = &ec2types.IamInstanceProfileSpecification{
			Name: aws.String(spec.InstanceProfile),
		}
	}
	if spec.KeyName != "" {
		input.KeyName = aws.String(spec.KeyName)
	}

	out, err := p.clients.EC2.RunInstances(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to launch instance %s: %w", spec.Name, err)
	}
	if len(out.Instances) == 0 {
		return "", errors.New("no instance returned from launch")
	}

	instanceID := aws.ToString(out.Instances[0].InstanceId)
	p.logger.Info("instance launched", "name", spec.Name, "instance_id", instanceID)
	return instanceID, nil
}

// latestUbuntuImage finds the most recent Ubuntu 22.04 server image.
func (p *Provisioner) latestUbuntuImage(ctx context.Context) (string, error) {
	out, err := p.clients.EC2.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("name"), Values: []string{"ubuntu/images/hvm-ssd/ubuntu-jammy-22.04-amd64-server-*"}},
			{Name: aws.String("state"), Values: []string{"available"}},
		},
		Owners: []string{"099720109477"}, // Canonical
	})
	if err != nil {
		return "", fmt.Errorf("failed to find base image: %w", err)
	}
	if len(out.Images) == 0 {
		return "", errors.New("no base image found")
	}
	img := out.Images[0]
	for _, candidate := range out.Images[1:] {
		if aws.ToString(candidate.CreationDate) > aws.ToString(img.CreationDate) {
			img = candidate
		}
	}
	return aws.ToString(img.ImageId), nil
}

// WaitInstanceRunning polls until the instance reports a running state with
// a public IP.
func (p *Provisioner) WaitInstanceRunning(ctx context.Context, instanceID string, cfg poll.Config) (*Instance, error) {
	inst := &Instance{ID: instanceID}

	err := poll.Until(ctx, cfg, func(ctx context.Context) (bool, error) {
		out, err := p.clients.EC2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: []string{instanceID},
		})
		if err != nil {
			// Just-launched instances can briefly describe as missing.
			if isNotFound(err) {
				return false, nil
			}
			return false, fmt.Errorf("failed to describe instance %s: %w", instanceID, err)
		}
		for _, res := range out.Reservations {
			for _, i := range res.Instances {
				if i.State != nil && i.State.Name == ec2types.InstanceStateNameRunning && i.PublicIpAddress != nil {
					inst.PublicIP = aws.ToString(i.PublicIpAddress)
					return true, nil
				}
			}
		}
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("instance %s never reached running: %w", instanceID, err)
	}
	return inst, nil
}

// DescribeInstance returns the instance handle, or nil if it no longer
// exists.
func (p *Provisioner) DescribeInstance(ctx context.Context, instanceID string) (*Instance, error) {
	out, err := p.clients.EC2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to describe instance %s: %w", instanceID, err)
	}
	for _, res := range out.Reservations {
		for _, i := range res.Instances {
			if i.State != nil && (i.State.Name == ec2types.InstanceStateNameTerminated || i.State.Name == ec2types.InstanceStateNameShuttingDown) {
				return nil, nil
			}
			return &Instance{ID: instanceID, PublicIP: aws.ToString(i.PublicIpAddress)}, nil
		}
	}
	return nil, nil
}

// TerminateInstance terminates an instance. Already-terminated instances
// are treated as success.
func (p *Provisioner) TerminateInstance(ctx context.Context, instanceID string) error {
	_, err := p.clients.EC2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		if isNotFound(err) {
			p.logger.Info("instance already terminated", "instance_id", instanceID)
			return nil
		}
		return fmt.Errorf("failed to terminate instance %s: %w", instanceID, err)
	}
	p.logger.Info("instance terminated", "instance_id", instanceID)
	return nil
}

// RebootInstance reboots an instance.
func (p *Provisioner) RebootInstance(ctx context.Context, instanceID string) error {
	_, err := p.clients.EC2.RebootInstances(ctx, &ec2.RebootInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return fmt.Errorf("failed to reboot instance %s: %w", instanceID, err)
	}
	return nil
}

// =============================================================================
// Break-Glass Key Pair
// =============================================================================

// EnsureKeyPair generates an ed25519 key pair and imports the public half
// under the deterministic name, returning the key name and the private key
// in OpenSSH PEM form. An existing key under the name is reused.
func (p *Provisioner) EnsureKeyPair(ctx context.Context, name string) (string, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode public key: %w", err)
	}

	_, err = p.clients.EC2.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
		KeyName:           aws.String(name),
		PublicKeyMaterial: ssh.MarshalAuthorizedKey(sshPub),
	})
	if err != nil {
		if apiErrorCode(err) == "InvalidKeyPair.Duplicate" {
			return name, nil, nil
		}
		return "", nil, fmt.Errorf("failed to import key pair %s: %w", name, err)
	}

	block, err := ssh.MarshalPrivateKey(priv, "skylift break-glass")
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return name, pem.EncodeToMemory(block), nil
}

// =============================================================================
// Instance Profile Attachment
// =============================================================================

// AttachInstanceProfile associates the managed-identity profile with a
// running instance so the remote command channel becomes available. An
// existing association with the same profile is a no-op.
func (p *Provisioner) AttachInstanceProfile(ctx context.Context, instanceID, profileName string) error {
	assoc, err := p.clients.EC2.DescribeIamInstanceProfileAssociations(ctx, &ec2.DescribeIamInstanceProfileAssociationsInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("instance-id"), Values: []string{instanceID}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to describe profile associations: %w", err)
	}
	for _, a := range assoc.IamInstanceProfileAssociations {
		if a.State == ec2types.IamInstanceProfileAssociationStateAssociated {
			return nil
		}
	}

	_, err = p.clients.EC2.AssociateIamInstanceProfile(ctx, &ec2.AssociateIamInstanceProfileInput{
		InstanceId: aws.String(instanceID),
		IamInstanceProfile: &ec2types.IamInstanceProfileSpecification{
			Name: aws.String(profileName),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to attach instance profile to %s: %w", instanceID, err)
	}
	p.logger.Info("instance profile attached", "instance_id", instanceID, "profile", profileName)
	return nil
}
