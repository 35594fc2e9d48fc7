// Package events provides event types and in-process publishing for
// tenant and workflow lifecycle changes. Programs embedding the service
// pass a MemoryPublisher and subscribe to it; the CLI does the same for
// --events.
package events

import (
	"time"
)

// EventType defines the type of event.
type EventType string

const (
	// Tenant lifecycle

	// EventProjectCreated indicates a project row was created and its
	// tenant database provisioned.
	EventProjectCreated EventType = "project_created"
	// EventProjectDeleted indicates a project and its database were removed.
	EventProjectDeleted EventType = "project_deleted"
	// EventProvisioningFailed indicates project creation was rolled back.
	EventProvisioningFailed EventType = "provisioning_failed"

	// Task events

	// EventTaskCreated indicates a new task was created.
	EventTaskCreated EventType = "task_created"
	// EventTransitionApplied indicates a task changed status.
	EventTransitionApplied EventType = "transition_applied"
	// EventTaskArchived indicates a task was archived.
	EventTaskArchived EventType = "task_archived"

	// EventSprintUpdated indicates a sprint was created or changed state.
	EventSprintUpdated EventType = "sprint_updated"
)

// Event represents a published event.
type Event struct {
	Type      EventType `json:"type"`
	ProjectID string    `json:"project_id"`
	Namespace string    `json:"namespace,omitempty"`
	Data      any       `json:"data,omitempty"`
	Time      time.Time `json:"time"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType, projectID, namespace string, data any) Event {
	return Event{
		Type:      eventType,
		ProjectID: projectID,
		Namespace: namespace,
		Data:      data,
		Time:      time.Now(),
	}
}

// TransitionData describes an applied status change.
type TransitionData struct {
	TaskID     int64  `json:"task_id"`
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status"`
	ActorID    string `json:"actor_id"`
}

// TaskData identifies a task.
type TaskData struct {
	TaskID int64  `json:"task_id"`
	Title  string `json:"title,omitempty"`
}

// SprintData describes a sprint change.
type SprintData struct {
	SprintID int64  `json:"sprint_id"`
	State    string `json:"state"`
}

// ErrorData carries a failure description.
type ErrorData struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
