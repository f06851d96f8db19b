package cloud

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
)

// =============================================================================
// Load Balancer
// =============================================================================

// LoadBalancer holds the resolved shared balancer handles.
type LoadBalancer struct {
	ARN     string
	DNSName string
}

// EnsureLoadBalancer looks up the named balancer, creating an
// internet-facing one across the given subnets if absent. Multiple
// deployments register distinct host rules against one shared balancer.
func (p *Provisioner) EnsureLoadBalancer(ctx context.Context, name string, subnetIDs []string, securityGroupID string) (*LoadBalancer, error) {
	out, err := p.clients.ELB.DescribeLoadBalancers(ctx, &elbv2.DescribeLoadBalancersInput{
		Names: []string{name},
	})
	if err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("failed to look up load balancer %s: %w", name, err)
	}
	if out != nil && len(out.LoadBalancers) > 0 {
		lb := out.LoadBalancers[0]
		return &LoadBalancer{ARN: aws.ToString(lb.LoadBalancerArn), DNSName: aws.ToString(lb.DNSName)}, nil
	}

	created, err := p.clients.ELB.CreateLoadBalancer(ctx, &elbv2.CreateLoadBalancerInput{
		Name:           aws.String(name),
		Subnets:        subnetIDs,
		SecurityGroups: []string{securityGroupID},
		Scheme:         elbtypes.LoadBalancerSchemeEnumInternetFacing,
		Type:           elbtypes.LoadBalancerTypeEnumApplication,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create load balancer %s: %w", name, err)
	}
	lb := created.LoadBalancers[0]
	p.logger.Info("load balancer created", "name", name, "dns", aws.ToString(lb.DNSName))
	return &LoadBalancer{ARN: aws.ToString(lb.LoadBalancerArn), DNSName: aws.ToString(lb.DNSName)}, nil
}

// EnsureTargetGroup looks up the named target group, creating it for the
// given port if absent. Instance targets; HTTP health checks on "/".
func (p *Provisioner) EnsureTargetGroup(ctx context.Context, name, vpcID string, port int) (string, error) {
	return p.ensureTargetGroup(ctx, name, vpcID, port, elbtypes.TargetTypeEnumInstance)
}

// EnsureIPTargetGroup is the IP-target variant used for container services,
// whose tasks register by address rather than instance id.
func (p *Provisioner) EnsureIPTargetGroup(ctx context.Context, name, vpcID string, port int) (string, error) {
	return p.ensureTargetGroup(ctx, name, vpcID, port, elbtypes.TargetTypeEnumIp)
}

func (p *Provisioner) ensureTargetGroup(ctx context.Context, name, vpcID string, port int, targetType elbtypes.TargetTypeEnum) (string, error) {
	out, err := p.clients.ELB.DescribeTargetGroups(ctx, &elbv2.DescribeTargetGroupsInput{
		Names: []string{name},
	})
	if err != nil && !isNotFound(err) {
		return "", fmt.Errorf("failed to look up target group %s: %w", name, err)
	}
	if out != nil && len(out.TargetGroups) > 0 {
		return aws.ToString(out.TargetGroups[0].TargetGroupArn), nil
	}

	created, err := p.clients.ELB.CreateTargetGroup(ctx, &elbv2.CreateTargetGroupInput{
		Name:                       aws.String(name),
		VpcId:                      aws.String(vpcID),
		Protocol:                   elbtypes.ProtocolEnumHttp,
		Port:                       aws.Int32(int32(port)),
		TargetType:                 targetType,
		HealthCheckPath:            aws.String("/"),
		HealthyThresholdCount:      aws.Int32(2),
		UnhealthyThresholdCount:    aws.Int32(5),
		HealthCheckIntervalSeconds: aws.Int32(15),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create target group %s: %w", name, err)
	}
	arn := aws.ToString(created.TargetGroups[0].TargetGroupArn)
	p.logger.Info("target group created", "name", name, "port", port)
	return arn, nil
}

// EnsureListener looks up the listener on the given port, creating it if
// absent. When certificateARN is set the listener terminates TLS; otherwise
// it is plain HTTP. New listeners default to a 404 fixed response so only
// host rules route traffic.
func (p *Provisioner) EnsureListener(ctx context.Context, lbARN string, port int, certificateARN string) (string, error) {
	out, err := p.clients.ELB.DescribeListeners(ctx, &elbv2.DescribeListenersInput{
		LoadBalancerArn: aws.String(lbARN),
	})
	if err != nil {
		return "", fmt.Errorf("failed to list listeners: %w", err)
	}
	for _, l := range out.Listeners {
		if aws.ToInt32(l.Port) == int32(port) {
			return aws.ToString(l.ListenerArn), nil
		}
	}

	input := &elbv2.CreateListenerInput{
		LoadBalancerArn: aws.String(lbARN),
		Port:            aws.Int32(int32(port)),
		Protocol:        elbtypes.ProtocolEnumHttp,
		DefaultActions: []elbtypes.Action{
			{
				Type: elbtypes.ActionTypeEnumFixedResponse,
				FixedResponseConfig: &elbtypes.FixedResponseActionConfig{
					StatusCode:  aws.String("404"),
					ContentType: aws.String("text/plain"),
					MessageBody: aws.String("no such deployment"),
				},
			},
		},
	}
	if certificateARN != "" {
		input.Protocol = elbtypes.ProtocolEnumHttps
		input.Certificates = []elbtypes.Certificate{{CertificateArn: aws.String(certificateARN)}}
	}

	created, err := p.clients.ELB.CreateListener(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to create listener on port %d: %w", port, err)
	}
	p.logger.Info("listener created", "port", port, "tls", certificateARN != "")
	return aws.ToString(created.Listeners[0].ListenerArn), nil
}

// EnsureHostRule registers a host-based routing rule mapping hostname to
// the caller's target group. Re-registering the same mapping is a no-op;
// a hostname already pointing at a different target group is a conflict
// surfaced to the caller, never silently overwritten.
func (p *Provisioner) EnsureHostRule(ctx context.Context, listenerARN, hostname, targetGroupARN string) (string, error) {
	rules, err := p.clients.ELB.DescribeRules(ctx, &elbv2.DescribeRulesInput{
		ListenerArn: aws.String(listenerARN),
	})
	if err != nil {
		return "", fmt.Errorf("failed to list rules: %w", err)
	}

	maxPriority := 0
	for _, rule := range rules.Rules {
		if pr, err := strconv.Atoi(aws.ToString(rule.Priority)); err == nil && pr > maxPriority {
			maxPriority = pr
		}
		if !ruleMatchesHost(rule, hostname) {
			continue
		}
		for _, action := range rule.Actions {
			if action.Type != elbtypes.ActionTypeEnumForward {
				continue
			}
			if aws.ToString(action.TargetGroupArn) == targetGroupARN {
				return aws.ToString(rule.RuleArn), nil
			}
			return "", fmt.Errorf("%w: %s", ErrHostRuleConflict, hostname)
		}
	}

	created, err := p.clients.ELB.CreateRule(ctx, &elbv2.CreateRuleInput{
		ListenerArn: aws.String(listenerARN),
		Priority:    aws.Int32(int32(maxPriority + 1)),
		Conditions: []elbtypes.RuleCondition{
			{
				Field:            aws.String("host-header"),
				HostHeaderConfig: &elbtypes.HostHeaderConditionConfig{Values: []string{hostname}},
			},
		},
		Actions: []elbtypes.Action{
			{
				Type:           elbtypes.ActionTypeEnumForward,
				TargetGroupArn: aws.String(targetGroupARN),
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create host rule for %s: %w", hostname, err)
	}
	p.logger.Info("host rule registered", "hostname", hostname)
	return aws.ToString(created.Rules[0].RuleArn), nil
}

// ruleMatchesHost reports whether a rule's host-header condition includes
// the hostname.
func ruleMatchesHost(rule elbtypes.Rule, hostname string) bool {
	for _, cond := range rule.Conditions {
		if aws.ToString(cond.Field) != "host-header" {
			continue
		}
		if cond.HostHeaderConfig != nil {
			for _, v := range cond.HostHeaderConfig.Values {
				if v == hostname {
					return true
				}
			}
		}
		for _, v := range cond.Values {
			if v == hostname {
				return true
			}
		}
	}
	return false
}

// =============================================================================
// Target Registration
// =============================================================================

// RegisterInstanceTarget adds an instance to a target group.
func (p *Provisioner) RegisterInstanceTarget(ctx context.Context, targetGroupARN, instanceID string, port int) error {
	_, err := p.clients.ELB.RegisterTargets(ctx, &elbv2.RegisterTargetsInput{
		TargetGroupArn: aws.String(targetGroupARN),
		Targets: []elbtypes.TargetDescription{
			{Id: aws.String(instanceID), Port: aws.Int32(int32(port))},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to register instance %s: %w", instanceID, err)
	}
	return nil
}

// DeregisterInstanceTarget removes an instance from a target group. A
// missing target group or instance is treated as success.
func (p *Provisioner) DeregisterInstanceTarget(ctx context.Context, targetGroupARN, instanceID string) error {
	_, err := p.clients.ELB.DeregisterTargets(ctx, &elbv2.DeregisterTargetsInput{
		TargetGroupArn: aws.String(targetGroupARN),
		Targets:        []elbtypes.TargetDescription{{Id: aws.String(instanceID)}},
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to deregister instance %s: %w", instanceID, err)
	}
	return nil
}

// TargetRegistered reports whether an instance is registered and not
// draining in the target group.
func (p *Provisioner) TargetRegistered(ctx context.Context, targetGroupARN, instanceID string) (bool, error) {
	out, err := p.clients.ELB.DescribeTargetHealth(ctx, &elbv2.DescribeTargetHealthInput{
		TargetGroupArn: aws.String(targetGroupARN),
	})
	if err != nil {
		return false, fmt.Errorf("failed to describe target health: %w", err)
	}
	for _, desc := range out.TargetHealthDescriptions {
		if desc.Target == nil || aws.ToString(desc.Target.Id) != instanceID {
			continue
		}
		state := desc.TargetHealth.State
		return state != elbtypes.TargetHealthStateEnumDraining && state != elbtypes.TargetHealthStateEnumUnused, nil
	}
	return false, nil
}

// =============================================================================
// Teardown
// =============================================================================

// DeleteHostRule removes a routing rule. Missing rules are success.
func (p *Provisioner) DeleteHostRule(ctx context.Context, ruleARN string) error {
	_, err := p.clients.ELB.DeleteRule(ctx, &elbv2.DeleteRuleInput{RuleArn: aws.String(ruleARN)})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	return nil
}

// DeleteTargetGroup removes a target group. Missing groups are success.
func (p *Provisioner) DeleteTargetGroup(ctx context.Context, targetGroupARN string) error {
	_, err := p.clients.ELB.DeleteTargetGroup(ctx, &elbv2.DeleteTargetGroupInput{TargetGroupArn: aws.String(targetGroupARN)})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete target group: %w", err)
	}
	return nil
}
