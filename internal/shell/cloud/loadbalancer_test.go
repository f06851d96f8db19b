package cloud

import (
	"context"
	"log/slog"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeELB implements the subset of ELBAPI the rule primitives touch.
// Unimplemented methods panic via the embedded nil interface.
type fakeELB struct {
	ELBAPI

	rules           []elbtypes.Rule
	createRuleCalls int
}

func (f *fakeELB) DescribeRules(ctx context.Context, params *elbv2.DescribeRulesInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeRulesOutput, error) {
	return &elbv2.DescribeRulesOutput{Rules: f.rules}, nil
}

func (f *fakeELB) CreateRule(ctx context.Context, params *elbv2.CreateRuleInput, optFns ...func(*elbv2.Options)) (*elbv2.CreateRuleOutput, error) {
	f.createRuleCalls++
	rule := elbtypes.Rule{
		RuleArn:  aws.String("arn:rule/new"),
		Priority: aws.String("1"),
		Conditions: []elbtypes.RuleCondition{
			{
				Field:            aws.String("host-header"),
				HostHeaderConfig: &elbtypes.HostHeaderConditionConfig{Values: params.Conditions[0].HostHeaderConfig.Values},
			},
		},
		Actions: params.Actions,
	}
	f.rules = append(f.rules, rule)
	return &elbv2.CreateRuleOutput{Rules: []elbtypes.Rule{rule}}, nil
}

func hostRule(arn, hostname, tgARN string) elbtypes.Rule {
	return elbtypes.Rule{
		RuleArn:  aws.String(arn),
		Priority: aws.String("1"),
		Conditions: []elbtypes.RuleCondition{
			{
				Field:            aws.String("host-header"),
				HostHeaderConfig: &elbtypes.HostHeaderConditionConfig{Values: []string{hostname}},
			},
		},
		Actions: []elbtypes.Action{
			{Type: elbtypes.ActionTypeEnumForward, TargetGroupArn: aws.String(tgARN)},
		},
	}
}

func testProvisioner(elb ELBAPI) *Provisioner {
	return NewProvisioner(&Clients{ELB: elb}, "us-east-1", slog.Default())
}

func TestEnsureHostRule_CreatesWhenAbsent(t *testing.T) {
	elb := &fakeELB{}
	p := testProvisioner(elb)

	arn, err := p.EnsureHostRule(context.Background(), "arn:listener", "app.example.com", "arn:tg/app")

	require.NoError(t, err)
	assert.Equal(t, "arn:rule/new", arn)
	assert.Equal(t, 1, elb.createRuleCalls)
}

func TestEnsureHostRule_SecondCallIsNoOp(t *testing.T) {
	elb := &fakeELB{}
	p := testProvisioner(elb)

	first, err := p.EnsureHostRule(context.Background(), "arn:listener", "app.example.com", "arn:tg/app")
	require.NoError(t, err)

	second, err := p.EnsureHostRule(context.Background(), "arn:listener", "app.example.com", "arn:tg/app")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, elb.createRuleCalls, "no duplicate create on the second invocation")
}

func TestEnsureHostRule_ConflictSurfaced(t *testing.T) {
	elb := &fakeELB{
		rules: []elbtypes.Rule{hostRule("arn:rule/theirs", "app.example.com", "arn:tg/theirs")},
	}
	p := testProvisioner(elb)

	_, err := p.EnsureHostRule(context.Background(), "arn:listener", "app.example.com", "arn:tg/mine")

	assert.ErrorIs(t, err, ErrHostRuleConflict)
	assert.Zero(t, elb.createRuleCalls, "a colliding hostname is never overwritten")
	// The existing rule is untouched.
	assert.Equal(t, "arn:tg/theirs", aws.ToString(elb.rules[0].Actions[0].TargetGroupArn))
}

func TestEnsureHostRule_DistinctHostnamesShareListener(t *testing.T) {
	elb := &fakeELB{
		rules: []elbtypes.Rule{hostRule("arn:rule/other", "other.example.com", "arn:tg/other")},
	}
	p := testProvisioner(elb)

	_, err := p.EnsureHostRule(context.Background(), "arn:listener", "app.example.com", "arn:tg/app")

	require.NoError(t, err)
	assert.Equal(t, 1, elb.createRuleCalls)
	assert.Len(t, elb.rules, 2)
}

func TestRuleMatchesHost(t *testing.T) {
	rule := hostRule("arn:rule/x", "app.example.com", "arn:tg/x")
	assert.True(t, ruleMatchesHost(rule, "app.example.com"))
	assert.False(t, ruleMatchesHost(rule, "other.example.com"))
}
