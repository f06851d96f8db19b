package domain

import "time"

// =============================================================================
// Deploy Steps
// =============================================================================

// StepStatus tracks the lifecycle of a single deployment step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in-progress"
	StepSuccess    StepStatus = "success"
	StepError      StepStatus = "error"
)

// DeployStep is one entry in the ordered progress ledger for an attempt.
// The accumulated log lines are streamed live and persisted as history.
type DeployStep struct {
	ID     string     `json:"id"`
	Label  string     `json:"label"`
	Status StepStatus `json:"status"`
	Lines  []string   `json:"lines,omitempty"`
}

// =============================================================================
// Progress Events
// =============================================================================

// EventKind discriminates progress events on the wire.
type EventKind string

const (
	EventSteps  EventKind = "steps"
	EventLog    EventKind = "log"
	EventResult EventKind = "result"
)

// StepInfo is the announced shape of a step before it runs.
type StepInfo struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// ProgressEvent is one message on the progress channel. Per attempt the
// caller receives one steps event, any number of log events, then exactly
// one result event.
type ProgressEvent struct {
	Kind      EventKind     `json:"kind"`
	Steps     []StepInfo    `json:"steps,omitempty"`
	StepID    string        `json:"step_id,omitempty"`
	Line      string        `json:"line,omitempty"`
	Success   *bool         `json:"success,omitempty"`
	URL       string        `json:"url,omitempty"`
	Refs      *ResourceRefs `json:"refs,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"ts"`
}

// StepsEvent builds the announcement event for an attempt.
func StepsEvent(steps []DeployStep) ProgressEvent {
	infos := make([]StepInfo, 0, len(steps))
	for _, s := range steps {
		infos = append(infos, StepInfo{ID: s.ID, Label: s.Label})
	}
	return ProgressEvent{Kind: EventSteps, Steps: infos, Timestamp: time.Now().UTC()}
}

// LogEvent builds a per-step log line event.
func LogEvent(stepID, line string) ProgressEvent {
	return ProgressEvent{Kind: EventLog, StepID: stepID, Line: line, Timestamp: time.Now().UTC()}
}

// ResultEvent builds the terminal event for an attempt. On failure the last
// known resource refs are included so an operator can clean up manually.
func ResultEvent(success bool, url string, refs ResourceRefs, errMsg string) ProgressEvent {
	return ProgressEvent{
		Kind:      EventResult,
		Success:   &success,
		URL:       url,
		Refs:      &refs,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	}
}
