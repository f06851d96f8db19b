package domain

// =============================================================================
// Target Platforms
// =============================================================================

// TargetPlatform identifies a hosting platform, ranked simplest to most
// capable. Redeploys must reselect the same target for the same profile.
type TargetPlatform string

const (
	TargetStaticSite TargetPlatform = "static-site"
	TargetPaaS       TargetPlatform = "paas"
	TargetContainer  TargetPlatform = "container-platform"
	TargetVM         TargetPlatform = "virtual-machine"
)

// Rank returns the platform's position in the simplest-first ordering.
func (t TargetPlatform) Rank() int {
	switch t {
	case TargetStaticSite:
		return 0
	case TargetPaaS:
		return 1
	case TargetContainer:
		return 2
	case TargetVM:
		return 3
	}
	return -1
}

// Valid reports whether t names a known platform.
func (t TargetPlatform) Valid() bool {
	return t.Rank() >= 0
}

// =============================================================================
// Target Decision
// =============================================================================

// TargetDecision is the immutable result of target selection: exactly one
// platform, a human-readable reason, and zero or more advisory warnings.
type TargetDecision struct {
	Target   TargetPlatform `json:"target"`
	Reason   string         `json:"reason"`
	Warnings []string       `json:"warnings,omitempty"`
}
