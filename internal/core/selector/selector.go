// Package selector implements the deployment target selection policy.
// This is part of the Functional Core - selection is pure and deterministic,
// so redeploys of the same profile always reselect the same target.
package selector

import (
	"fmt"

	"github.com/skylift/skylift/internal/core/domain"
)

// Languages with managed application-server support on the PaaS target.
var paasLanguages = map[string]bool{
	"node":   true,
	"python": true,
	"ruby":   true,
	"go":     true,
	"java":   true,
	"php":    true,
}

// Frameworks whose builds are long enough that a remote image build beats
// an in-place application-server deploy.
var longBuildFrameworks = map[string]bool{
	"nextjs":  true,
	"nuxt":    true,
	"remix":   true,
	"angular": true,
}

// Select maps project characteristics to exactly one target platform.
//
// Hard overrides are evaluated first: multi-service layouts and database
// dependencies force the container platform (only it models independently
// scaled services and managed database wiring); realtime sockets exclude
// the static and PaaS targets, which cannot hold long-lived duplex
// connections. Absent an override, the simplest compatible platform wins.
func Select(req domain.DeploymentRequest, profile domain.ProjectProfile) domain.TargetDecision {
	var warnings []string

	// Caller-pinned target bypasses policy entirely.
	if req.Target != "" {
		return domain.TargetDecision{
			Target: req.Target,
			Reason: "target pinned by request",
		}
	}

	switch {
	case profile.IsMultiService:
		return domain.TargetDecision{
			Target: domain.TargetContainer,
			Reason: fmt.Sprintf("multi-service layout (%d services) requires independently scaled container services", len(profile.Services)),
		}

	case profile.UsesDatabase:
		return domain.TargetDecision{
			Target: domain.TargetContainer,
			Reason: "database dependency requires managed database wiring on the container platform",
		}

	case profile.UsesWebsockets:
		// Static and PaaS targets cannot hold long-lived duplex connections.
		if profile.HasContainerFile {
			return domain.TargetDecision{
				Target: domain.TargetContainer,
				Reason: "realtime sockets with a container build file",
			}
		}
		return domain.TargetDecision{
			Target:   domain.TargetVM,
			Reason:   "realtime sockets without a container build file need full instance control",
			Warnings: warnings,
		}
	}

	// No overrides: rank simplest-first.
	if req.BuildCommand != "" && req.RunCommand == "" && !profile.HasContainerFile {
		return domain.TargetDecision{
			Target: domain.TargetStaticSite,
			Reason: "build command with no run command produces a static artifact",
		}
	}

	if profile.HasContainerFile || longBuildFrameworks[profile.Framework] {
		reason := "container build file present"
		if !profile.HasContainerFile {
			reason = fmt.Sprintf("framework %q requires a long build", profile.Framework)
		}
		return domain.TargetDecision{Target: domain.TargetContainer, Reason: reason}
	}

	if paasLanguages[profile.Language] {
		return domain.TargetDecision{
			Target: domain.TargetPaaS,
			Reason: fmt.Sprintf("supported language %q with no container build file", profile.Language),
		}
	}

	if profile.Language == "" {
		warnings = append(warnings, "no language detected; defaulting to full VM control")
	} else {
		warnings = append(warnings, fmt.Sprintf("language %q has no managed platform support", profile.Language))
	}
	return domain.TargetDecision{
		Target:   domain.TargetVM,
		Reason:   "no managed platform matches the detected project",
		Warnings: warnings,
	}
}
