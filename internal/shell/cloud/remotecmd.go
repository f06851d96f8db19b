package cloud

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/skylift/skylift/internal/core/poll"
)

// =============================================================================
// Remote Command Channel
// =============================================================================

// AgentRegistered reports whether the remote-execution agent on the
// instance has registered with the command channel.
func (p *Provisioner) AgentRegistered(ctx context.Context, instanceID string) (bool, error) {
	out, err := p.clients.SSM.DescribeInstanceInformation(ctx, &ssm.DescribeInstanceInformationInput{
		Filters: []ssmtypes.InstanceInformationStringFilter{
			{Key: aws.String("InstanceIds"), Values: []string{instanceID}},
		},
	})
	if err != nil {
		return false, fmt.Errorf("failed to query agent registration: %w", err)
	}
	for _, info := range out.InstanceInformationList {
		if info.PingStatus == ssmtypes.PingStatusOnline {
			return true, nil
		}
	}
	return false, nil
}

// RunRemoteScript sends a shell script to the instance over the remote
// command channel and returns the command ID for status polling.
func (p *Provisioner) RunRemoteScript(ctx context.Context, instanceID, script string) (string, error) {
	out, err := p.clients.SSM.SendCommand(ctx, &ssm.SendCommandInput{
		InstanceIds:  []string{instanceID},
		DocumentName: aws.String("AWS-RunShellScript"),
		Parameters: map[string][]string{
			"commands": strings.Split(script, "\n"),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to send remote command: %w", err)
	}
	commandID := aws.ToString(out.Command.CommandId)
	p.logger.Info("remote command sent", "instance_id", instanceID, "command_id", commandID)
	return commandID, nil
}

// RemoteCommandStatus is a point-in-time view of a remote command.
type RemoteCommandStatus struct {
	Done    bool
	Success bool
	Output  string
}

// WaitRemoteCommand polls the command until it reaches a terminal status,
// invoking onOutput with incremental output as it accumulates.
func (p *Provisioner) WaitRemoteCommand(ctx context.Context, instanceID, commandID string, cfg poll.Config, onOutput func(string)) (*RemoteCommandStatus, error) {
	status := &RemoteCommandStatus{}
	seen := 0

	err := poll.Until(ctx, cfg, func(ctx context.Context) (bool, error) {
		out, err := p.clients.SSM.GetCommandInvocation(ctx, &ssm.GetCommandInvocationInput{
			CommandId:  aws.String(commandID),
			InstanceId: aws.String(instanceID),
		})
		if err != nil {
			// The invocation takes a moment to materialize after SendCommand.
			if isNotFound(err) {
				return false, nil
			}
			return false, fmt.Errorf("failed to get command invocation: %w", err)
		}

		output := aws.ToString(out.StandardOutputContent)
		if errOut := aws.ToString(out.StandardErrorContent); errOut != "" {
			output += errOut
		}
		if onOutput != nil && len(output) > seen {
			onOutput(output[seen:])
			seen = len(output)
		}
		status.Output = output

		switch out.Status {
		case ssmtypes.CommandInvocationStatusSuccess:
			status.Done, status.Success = true, true
			return true, nil
		case ssmtypes.CommandInvocationStatusFailed,
			ssmtypes.CommandInvocationStatusCancelled,
			ssmtypes.CommandInvocationStatusTimedOut:
			status.Done = true
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}
