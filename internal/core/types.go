package core

import (
	"time"
)

// AutomationRecord is a single Automation object as returned by the platform API.
type AutomationRecord struct {
	Name           string
	Description    string
	CustomerKey    string
	IsActive       bool
	CreatedDate    *time.Time
	ModifiedDate   *time.Time
	Status         int
	ProgramID      string
	CategoryID     string
	LastRunTime    *time.Time
	ScheduledTime  *time.Time
	LastSaveDate   *time.Time
	ModifiedBy     string
	LastSavedBy    string
	CreatedBy      string
	AutomationType string
	RecurrenceID   string
}

// StatusRow is the persisted destination record for one automation.
type StatusRow struct {
	Name         string
	Status       string
	ModifiedDate *time.Time
	LastRunTime  *time.Time
	LastSaveDate *time.Time
	CustomerKey  string
}

// Fields returns the row as a column name to value mapping for the table API.
func (r StatusRow) Fields() map[string]any {
	return map[string]any{
		"Name":         r.Name,
		"Status":       r.Status,
		"ModifiedDate": r.ModifiedDate,
		"LastRunTime":  r.LastRunTime,
		"LastSaveDate": r.LastSaveDate,
		"CustomerKey":  r.CustomerKey,
	}
}

// NewStatusRow projects an automation record onto the destination row shape.
func NewStatusRow(rec AutomationRecord) StatusRow {
	return StatusRow{
		Name:         rec.Name,
		Status:       StatusLabel(rec.Status),
		ModifiedDate: rec.ModifiedDate,
		LastRunTime:  rec.LastRunTime,
		LastSaveDate: rec.LastSaveDate,
		CustomerKey:  rec.CustomerKey,
	}
}

// RunStatus describes the state of an individual scheduler run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
	RunStatusSkipped   RunStatus = "skipped"
)

// RunTrigger records what started a run.
type RunTrigger string

const (
	RunTriggerSchedule RunTrigger = "schedule"
	RunTriggerManual   RunTrigger = "manual"
)

// Run captures a single synchronization attempt.
type Run struct {
	ID          string
	Trigger     RunTrigger
	Status      RunStatus
	ScheduledAt time.Time
	StartedAt   *time.Time
	EndedAt     *time.Time
	Retrieved   int
	Written     int
	Failed      int
	FailedKeys  []string
	Error       *string
	CreatedAt   time.Time
}

// Finished reports whether the run reached a terminal status.
func (r *Run) Finished() bool {
	switch r.Status {
	case RunStatusQueued, RunStatusRunning:
		return false
	default:
		return true
	}
}
