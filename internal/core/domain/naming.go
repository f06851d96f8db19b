package domain

import "fmt"

// =============================================================================
// Slug Generation
// =============================================================================

// Slugify converts a name to a URL-safe slug: lowercase letters, digits and
// hyphens are kept, uppercase is lowered, spaces become hyphens, everything
// else is dropped.
func Slugify(name string) string {
	slug := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-':
			slug = append(slug, r)
		case r >= 'A' && r <= 'Z':
			slug = append(slug, r+32)
		case r == ' ' || r == '_' || r == '.':
			slug = append(slug, '-')
		}
	}
	return string(slug)
}

// =============================================================================
// Deterministic Resource Naming
// =============================================================================

// Resource kinds used in deterministic names. The name of a resource is a
// pure function of the repository name and the kind, so lookups on redeploy
// find the same resource that a previous attempt created.
const (
	KindSecurityGroup   = "sg"
	KindTargetGroup     = "tg"
	KindRegistry        = "registry"
	KindBuildProject    = "build"
	KindBuildRole       = "build-role"
	KindBucket          = "artifacts"
	KindInstanceProfile = "instance-profile"
	KindDatabase        = "db"
	KindCluster         = "cluster"
	KindApp             = "app"
)

// ResourceName derives the deterministic cloud resource name for a
// repository and resource kind. Stable across redeploys.
func ResourceName(repoName, kind string) string {
	return fmt.Sprintf("skylift-%s-%s", Slugify(repoName), kind)
}

// ServiceResourceName derives the name for a per-service resource in a
// multi-service deployment.
func ServiceResourceName(repoName, serviceName, kind string) string {
	return fmt.Sprintf("skylift-%s-%s-%s", Slugify(repoName), Slugify(serviceName), kind)
}

// HostnameFor derives the routed hostname for a deployment under the
// configured base domain. Host-based load balancer rules are keyed by it.
func HostnameFor(name, baseDomain string) string {
	return fmt.Sprintf("%s.%s", Slugify(name), baseDomain)
}
