// Package handler contains the per-platform rollout protocols. Each target
// platform has one Handler implementation; the lifecycle controller selects
// exactly one per attempt and never branches on the target again downstream.
// This is part of the Imperative Shell.
package handler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/skylift/skylift/internal/core/domain"
	"github.com/skylift/skylift/internal/core/poll"
)

// =============================================================================
// Handler Interface
// =============================================================================

// Progress receives step transitions and log lines while a handler runs.
// The lifecycle controller implements it; every line is both streamed to
// the caller and written into the persisted step ledger.
type Progress interface {
	BeginStep(id string)
	Log(id, format string, args ...any)
	EndStep(id string, status domain.StepStatus)
}

// Input is everything a handler needs for one deployment attempt. Record
// carries the resource references from prior attempts of the same logical
// deployment; handlers reuse them instead of re-provisioning.
type Input struct {
	Request  domain.DeploymentRequest
	Profile  domain.ProjectProfile
	Record   *domain.DeploymentRecord
	WorkDir  string
	Database *ProvisionedDatabase
	Progress Progress
}

// ProvisionedDatabase is the connection handle produced by the database
// provisioner, injected into the application environment.
type ProvisionedDatabase struct {
	InstanceID       string
	Endpoint         string
	ConnectionString string
}

// Outcome is the result of one handler attempt. Success=false with a nil
// error is a non-fatal failure: the prior deployment is intact and still
// serving (the blue-green fallback path). Refs always carries the last
// known resource references, even on failure.
type Outcome struct {
	Success bool
	URL     string
	Refs    domain.ResourceRefs
	Reason  string
}

// Handler is the common rollout contract. Steps announces the ordered step
// list for an attempt before any work happens, so a caller can render
// determinate progress; Deploy then runs them.
type Handler interface {
	Steps(in Input) []domain.DeployStep
	Deploy(ctx context.Context, in Input) (*Outcome, error)
}

// =============================================================================
// Configuration
// =============================================================================

// Config carries the rollout tuning shared by all handlers.
type Config struct {
	// BaseDomain is the domain host rules are keyed under. When empty no
	// shared balancer is used and deployments are served directly.
	BaseDomain string
	// SharedBalancer names the one balancer all deployments register host
	// rules against.
	SharedBalancer string
	// CertificateARN, when set, terminates TLS on the shared listener.
	CertificateARN string

	InstanceType string
	KeyPairName  string

	// Warmup is the fixed delay between an instance reporting running and
	// the first health probe. Bootstrap takes minutes.
	Warmup time.Duration

	InstancePoll poll.Config
	ProbePoll    poll.Config
	CommandPoll  poll.Config
	BuildPoll    poll.Config
	ServicePoll  poll.Config
	PlatformPoll poll.Config
	RoutingPoll  poll.Config
}

// DefaultConfig returns production poll budgets.
func DefaultConfig() Config {
	return Config{
		SharedBalancer: "skylift-edge",
		InstanceType:   "t3.small",
		Warmup:         90 * time.Second,
		InstancePoll:   poll.Config{Interval: 5 * time.Second, MaxAttempts: 60},
		ProbePoll:      poll.Config{Interval: 10 * time.Second, MaxAttempts: 30},
		CommandPoll:    poll.Config{Interval: 5 * time.Second, MaxAttempts: 120},
		BuildPoll:      poll.Config{Interval: 10 * time.Second, MaxAttempts: 90},
		ServicePoll:    poll.Config{Interval: 10 * time.Second, MaxAttempts: 60},
		PlatformPoll:   poll.Config{Interval: 15 * time.Second, MaxAttempts: 40},
		RoutingPoll:    poll.Config{Interval: 5 * time.Second, MaxAttempts: 24},
	}
}

// =============================================================================
// Shared Helpers
// =============================================================================

// defaultProbePorts are tried in order when probing a fresh instance.
var defaultProbePorts = []int{80, 8080, 3000, 5000}

// probePorts returns the ordered candidate ports for a profile: the fixed
// defaults first, then any service-declared ports not already present.
func probePorts(profile domain.ProjectProfile) []int {
	ports := make([]int, len(defaultProbePorts))
	copy(ports, defaultProbePorts)
	seen := map[int]bool{80: true, 8080: true, 3000: true, 5000: true}

	declared := []int{}
	if profile.Port > 0 && !seen[profile.Port] {
		declared = append(declared, profile.Port)
		seen[profile.Port] = true
	}
	for _, svc := range profile.Services {
		if svc.Port > 0 && !seen[svc.Port] {
			declared = append(declared, svc.Port)
			seen[svc.Port] = true
		}
	}
	sort.Ints(declared)
	return append(ports, declared...)
}

// directURL formats the URL for an instance served without a balancer.
func directURL(ip string, port int) string {
	if port == 80 {
		return fmt.Sprintf("http://%s", ip)
	}
	return fmt.Sprintf("http://%s:%d", ip, port)
}

// hostURL formats the URL for a host-routed deployment.
func hostURL(hostname string, tls bool) string {
	if tls {
		return fmt.Sprintf("https://%s", hostname)
	}
	return fmt.Sprintf("http://%s", hostname)
}

// mergeEnv copies the request environment and overlays extra values.
func mergeEnv(base map[string]string, extra map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
