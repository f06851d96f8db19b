package controller

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylift/skylift/internal/core/domain"
)

func newTestTracker(hub *fakeHub) (*tracker, *fakeStore) {
	s := newFakeStore()
	return newTracker(context.Background(), "dep-1", s, hub, controllerStepLabels, nil), s
}

func TestTrackerBuffersEventsUntilAnnounce(t *testing.T) {
	hub := &fakeHub{}
	tr, _ := newTestTracker(hub)

	tr.BeginStep(stepClone)
	tr.Log(stepClone, "checked out %s", "abc123")
	tr.EndStep(stepClone, domain.StepSuccess)
	assert.Empty(t, hub.all())

	tr.Announce([]domain.DeployStep{
		{ID: stepClone, Label: "Clone repository"},
		{ID: "deploy", Label: "Deploy"},
	})

	events := hub.all()
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventSteps, events[0].Kind)
	assert.Equal(t, domain.EventLog, events[1].Kind)
	assert.Equal(t, stepClone, events[1].StepID)
	assert.Equal(t, "checked out abc123", events[1].Line)
}

func TestTrackerAnnounceKeepsRecordedStatus(t *testing.T) {
	hub := &fakeHub{}
	tr, _ := newTestTracker(hub)

	tr.BeginStep(stepClone)
	tr.Log(stepClone, "done")
	tr.EndStep(stepClone, domain.StepSuccess)
	tr.Announce([]domain.DeployStep{
		{ID: stepClone, Label: "Clone repository"},
		{ID: "deploy", Label: "Deploy"},
	})

	steps := tr.Steps()
	require.Len(t, steps, 2)
	assert.Equal(t, domain.StepSuccess, steps[0].Status)
	assert.Equal(t, []string{"done"}, steps[0].Lines)
	assert.Equal(t, domain.StepPending, steps[1].Status)
}

func TestTrackerResultWithoutAnnounceStillOrdersEvents(t *testing.T) {
	hub := &fakeHub{}
	tr, _ := newTestTracker(hub)

	tr.BeginStep(stepClone)
	tr.Log(stepClone, "cloning")
	tr.EndStep(stepClone, domain.StepError)
	tr.Result(false, "", domain.ResourceRefs{}, "clone failed")

	events := hub.all()
	require.Len(t, events, 3)
	assert.Equal(t, domain.EventSteps, events[0].Kind)
	assert.Equal(t, domain.EventLog, events[1].Kind)
	assert.Equal(t, domain.EventResult, events[2].Kind)
}

func TestTrackerEmitsExactlyOneResult(t *testing.T) {
	hub := &fakeHub{}
	tr, _ := newTestTracker(hub)

	tr.Announce(nil)
	tr.Result(true, "http://example.com", domain.ResourceRefs{}, "")
	tr.Result(false, "", domain.ResourceRefs{}, "duplicate")

	results := hub.results()
	require.Len(t, results, 1)
	assert.True(t, *results[0].Success)
}

func TestTrackerPersistsHistory(t *testing.T) {
	hub := &fakeHub{}
	tr, s := newTestTracker(hub)

	tr.Announce([]domain.DeployStep{{ID: "deploy", Label: "Deploy"}})
	tr.BeginStep("deploy")
	tr.Log("deploy", "working")
	tr.EndStep("deploy", domain.StepSuccess)
	tr.Result(true, "http://example.com", domain.ResourceRefs{}, "")

	history, err := s.GetHistory(context.Background(), "dep-1", 0)
	require.NoError(t, err)
	// steps + log + result
	require.Len(t, history, 3)
	assert.Equal(t, domain.EventSteps, history[0].Kind)
	assert.Equal(t, domain.EventResult, history[2].Kind)
}
