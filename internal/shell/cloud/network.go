package cloud

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// =============================================================================
// Network Discovery
// =============================================================================

// Network holds the discovered default network and its subnets.
type Network struct {
	VPCID     string
	SubnetIDs []string
}

// EnsureNetwork discovers the region's default network and subnets.
// Deployments share the default network; it is never created or mutated.
func (p *Provisioner) EnsureNetwork(ctx context.Context) (*Network, error) {
	vpcs, err := p.clients.EC2.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("is-default"), Values: []string{"true"}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe default network: %w", err)
	}
	if len(vpcs.Vpcs) == 0 {
		return nil, ErrNoDefaultNetwork
	}
	vpcID := aws.ToString(vpcs.Vpcs[0].VpcId)

	subnets, err := p.clients.EC2.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("vpc-id"), Values: []string{vpcID}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe subnets for %s: %w", vpcID, err)
	}

	ids := make([]string, 0, len(subnets.Subnets))
	for _, s := range subnets.Subnets {
		ids = append(ids, aws.ToString(s.SubnetId))
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("default network %s has no subnets", vpcID)
	}

	p.logger.Debug("default network resolved", "vpc_id", vpcID, "subnets", len(ids))
	return &Network{VPCID: vpcID, SubnetIDs: ids}, nil
}
