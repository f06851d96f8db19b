package cloud

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// =============================================================================
// Security Groups
// =============================================================================

// IngressRule describes one TCP ingress rule.
type IngressRule struct {
	Port        int
	Description string
}

// EnsureSecurityGroup looks up the named security group, creating it if
// absent, and reconciles only the passed ingress rules: missing rules are
// added, existing rules and unrelated attributes are left untouched.
func (p *Provisioner) EnsureSecurityGroup(ctx context.Context, name, vpcID string, ingress []IngressRule) (string, error) {
	groupID, err := p.findSecurityGroup(ctx, name, vpcID)
	if err != nil {
		return "", err
	}

	if groupID == "" {
		out, err := p.clients.EC2.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
			GroupName:   aws.String(name),
			Description: aws.String("skylift managed - " + name),
			VpcId:       aws.String(vpcID),
		})
		if err != nil {
			if !isAlreadyExists(err) {
				return "", fmt.Errorf("failed to create security group %s: %w", name, err)
			}
			// Lost a race with a concurrent attempt; re-lookup.
			if groupID, err = p.findSecurityGroup(ctx, name, vpcID); err != nil {
				return "", err
			}
		} else {
			groupID = aws.ToString(out.GroupId)
			p.logger.Info("security group created", "name", name, "group_id", groupID)
		}
	}

	if len(ingress) > 0 {
		permissions := make([]ec2types.IpPermission, 0, len(ingress))
		for _, rule := range ingress {
			permissions = append(permissions, ec2types.IpPermission{
				IpProtocol: aws.String("tcp"),
				FromPort:   aws.Int32(int32(rule.Port)),
				ToPort:     aws.Int32(int32(rule.Port)),
				IpRanges: []ec2types.IpRange{
					{CidrIp: aws.String("0.0.0.0/0"), Description: aws.String(rule.Description)},
				},
			})
		}
		_, err := p.clients.EC2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId:       aws.String(groupID),
			IpPermissions: permissions,
		})
		if err != nil && !isAlreadyExists(err) {
			return "", fmt.Errorf("failed to authorize ingress on %s: %w", name, err)
		}
	}

	return groupID, nil
}

func (p *Provisioner) findSecurityGroup(ctx context.Context, name, vpcID string) (string, error) {
	out, err := p.clients.EC2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("group-name"), Values: []string{name}},
			{Name: aws.String("vpc-id"), Values: []string{vpcID}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to look up security group %s: %w", name, err)
	}
	if len(out.SecurityGroups) == 0 {
		return "", nil
	}
	return aws.ToString(out.SecurityGroups[0].GroupId), nil
}
