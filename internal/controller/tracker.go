package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/skylift/skylift/internal/core/domain"
	"github.com/skylift/skylift/internal/shell/store"
)

// =============================================================================
// Progress Tracker
// =============================================================================

// Publisher fans one deployment's progress events out to live subscribers.
type Publisher interface {
	Publish(deploymentID string, event domain.ProgressEvent)
}

// tracker implements handler.Progress. It maintains the ordered step ledger
// for one attempt and forwards every event both to the publisher and to the
// persisted history, so a failed attempt stays inspectable after the fact.
//
// Events recorded before Announce are buffered: the wire contract is one
// steps event first, then log events, then exactly one result event, but the
// full step list is only known after repository analysis.
type tracker struct {
	deploymentID string
	store        store.Store
	hub          Publisher
	logger       *slog.Logger
	ctx          context.Context

	mu        sync.Mutex
	announced bool
	buffered  []domain.ProgressEvent
	steps     []domain.DeployStep
	index     map[string]int
	labels    map[string]string
	done      bool
}

func newTracker(ctx context.Context, deploymentID string, s store.Store, hub Publisher, labels map[string]string, logger *slog.Logger) *tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &tracker{
		deploymentID: deploymentID,
		store:        s,
		hub:          hub,
		logger:       logger,
		ctx:          ctx,
		index:        map[string]int{},
		labels:       labels,
	}
}

// Announce fixes the canonical step list and flushes buffered events.
// Steps already begun keep their recorded status and lines.
func (t *tracker) Announce(steps []domain.DeployStep) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.announceLocked(steps)
}

func (t *tracker) announceLocked(steps []domain.DeployStep) {
	if t.announced {
		return
	}

	merged := make([]domain.DeployStep, 0, len(steps))
	index := make(map[string]int, len(steps))
	for _, s := range steps {
		if prev, ok := t.index[s.ID]; ok {
			s.Status = t.steps[prev].Status
			s.Lines = t.steps[prev].Lines
		}
		index[s.ID] = len(merged)
		merged = append(merged, s)
	}
	for _, s := range t.steps {
		if _, ok := index[s.ID]; !ok {
			index[s.ID] = len(merged)
			merged = append(merged, s)
		}
	}
	t.steps = merged
	t.index = index
	t.announced = true

	t.emitLocked(domain.StepsEvent(t.steps))
	for _, ev := range t.buffered {
		t.emitLocked(ev)
	}
	t.buffered = nil
}

// BeginStep marks a step in progress, creating it if it was not announced.
func (t *tracker) BeginStep(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.ensureStepLocked(id)
	t.steps[idx].Status = domain.StepInProgress
}

// Log records one formatted line against a step and streams it.
func (t *tracker) Log(id, format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.ensureStepLocked(id)
	t.steps[idx].Lines = append(t.steps[idx].Lines, line)
	t.recordLocked(domain.LogEvent(id, line))
}

// EndStep records a step's terminal status.
func (t *tracker) EndStep(id string, status domain.StepStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.ensureStepLocked(id)
	t.steps[idx].Status = status
}

// Result emits the single terminal event for the attempt. If the step list
// was never announced (a failure before analysis) whatever steps were begun
// are announced first so the wire contract holds.
func (t *tracker) Result(success bool, url string, refs domain.ResourceRefs, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.done = true
	if !t.announced {
		t.announceLocked(t.steps)
	}
	t.emitLocked(domain.ResultEvent(success, url, refs, errMsg))
}

// Steps returns a copy of the current ledger.
func (t *tracker) Steps() []domain.DeployStep {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.DeployStep, len(t.steps))
	copy(out, t.steps)
	return out
}

func (t *tracker) ensureStepLocked(id string) int {
	if idx, ok := t.index[id]; ok {
		return idx
	}
	label := t.labels[id]
	if label == "" {
		label = id
	}
	t.index[id] = len(t.steps)
	t.steps = append(t.steps, domain.DeployStep{ID: id, Label: label, Status: domain.StepPending})
	return t.index[id]
}

func (t *tracker) recordLocked(ev domain.ProgressEvent) {
	if !t.announced {
		t.buffered = append(t.buffered, ev)
		return
	}
	t.emitLocked(ev)
}

func (t *tracker) emitLocked(ev domain.ProgressEvent) {
	if t.hub != nil {
		t.hub.Publish(t.deploymentID, ev)
	}
	// History must survive attempt cancellation.
	if err := t.store.AppendHistory(context.WithoutCancel(t.ctx), t.deploymentID, ev); err != nil {
		t.logger.Warn("failed to append history", "deployment_id", t.deploymentID, "error", err)
	}
}
