// Package runlog provides structured run-event logging: a persistent
// journal of everything a run did (phase transitions, node lifecycle,
// link realization, teardown) independent of the process logger, so a
// run's history survives after the driver process exits.
package runlog

import (
	"fmt"
	"time"
)

// Event records one occurrence in a run's lifecycle.
type Event struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	RunID     string        `json:"run_id"`
	Phase     string        `json:"phase"`
	Node      string        `json:"node,omitempty"`
	Link      string        `json:"link,omitempty"`
	Operation string        `json:"operation"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Type categorizes run events.
type Type string

const (
	TypeDeployStart Type = "deploy_start"
	TypePhase       Type = "phase"
	TypeNodeStart   Type = "node_start"
	TypeNodeStop    Type = "node_stop"
	TypeLinkUp      Type = "link_up"
	TypeTeardown    Type = "teardown"
	TypeCleanupCmd  Type = "cleanup_cmd"
)

// Filter selects a subset of events from Query.
type Filter struct {
	RunID       string
	Node        string
	Phase       string
	Operation   string
	StartTime   time.Time
	EndTime     time.Time
	SuccessOnly bool
	FailureOnly bool
	Limit       int
	Offset      int
}

// NewEvent creates a new run event for the given run and phase.
func NewEvent(runID, phase, operation string) *Event {
	return &Event{
		ID:        generateID(),
		Timestamp: time.Now(),
		RunID:     runID,
		Phase:     phase,
		Operation: operation,
	}
}

// WithNode sets the node the event concerns.
func (e *Event) WithNode(node string) *Event {
	e.Node = node
	return e
}

// WithLink sets the link the event concerns (endpoint pair description).
func (e *Event) WithLink(link string) *Event {
	e.Link = link
	return e
}

// WithSuccess marks the event as successful.
func (e *Event) WithSuccess() *Event {
	e.Success = true
	return e
}

// WithError marks the event as failed, recording err's message if present.
func (e *Event) WithError(err error) *Event {
	e.Success = false
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WithDuration sets how long the recorded operation took.
func (e *Event) WithDuration(d time.Duration) *Event {
	e.Duration = d
	return e
}

func generateID() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
