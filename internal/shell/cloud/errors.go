package cloud

import (
	"errors"

	smithy "github.com/aws/smithy-go"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrHostRuleConflict is returned when a hostname's routing rule already
	// points at a different deployment's target group. Never auto-resolved.
	ErrHostRuleConflict = errors.New("hostname already routed to a different target group")

	// ErrNoDefaultNetwork is returned when the account has no default
	// network to deploy into.
	ErrNoDefaultNetwork = errors.New("no default network found in region")
)

// apiErrorCode extracts the cloud API error code, or "" for non-API errors.
func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// alreadyExistsCodes are "create on existing resource" conflicts that the
// primitives treat as success after a re-lookup.
var alreadyExistsCodes = map[string]bool{
	"InvalidGroup.Duplicate":           true, // security group
	"InvalidPermission.Duplicate":      true, // ingress rule
	"DuplicateLoadBalancerName":        true,
	"DuplicateTargetGroupName":         true,
	"DuplicateListener":                true,
	"RepositoryAlreadyExistsException": true,
	"EntityAlreadyExists":              true, // IAM role / instance profile
	"BucketAlreadyOwnedByYou":          true,
	"DBInstanceAlreadyExists":          true,
	"DBSubnetGroupAlreadyExists":       true,
	"ResourceAlreadyExistsException":   true, // codebuild project, log group
}

// isAlreadyExists reports whether err is an "already exists" conflict.
func isAlreadyExists(err error) bool {
	return alreadyExistsCodes[apiErrorCode(err)]
}

// notFoundCodes are "resource gone" errors that deletes treat as success.
var notFoundCodes = map[string]bool{
	"InvalidInstanceID.NotFound":  true,
	"LoadBalancerNotFound":        true,
	"TargetGroupNotFound":         true,
	"ListenerNotFound":            true,
	"RuleNotFound":                true,
	"RepositoryNotFoundException": true,
	"NoSuchEntity":                true,
	"NoSuchBucket":                true,
	"DBInstanceNotFound":          true,
	"ClusterNotFoundException":    true,
	"ServiceNotFoundException":    true,
	"ResourceNotFoundException":   true,
	"InvocationDoesNotExist":      true,
}

// isNotFound reports whether err means the resource does not exist.
func isNotFound(err error) bool {
	return notFoundCodes[apiErrorCode(err)]
}
