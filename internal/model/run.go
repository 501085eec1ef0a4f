package model

import "time"

// Step labels written to PipelineRun.CurrentStep.
const (
	StepQueued         = "Queued"
	StepAuthenticating = "Authenticating with Google"
	StepSyncProperties = "Syncing properties"
	StepAnalysis       = "Running visibility analysis"
	StepDetection      = "Detecting alerts"
	StepFinished       = "Pipeline finished"
	StepFinishedEmpty  = "Pipeline finished (no properties ingested successfully)"
	StepFailed         = "Pipeline failed"
)

// PipelineRun is one ingest, analyze and detect attempt for an account.
// At most one run per account has IsRunning set.
type PipelineRun struct {
	ID              string     `json:"id" yaml:"id"`
	AccountID       string     `json:"account_id" yaml:"account_id"`
	IsRunning       bool       `json:"is_running" yaml:"is_running"`
	CurrentStep     string     `json:"current_step" yaml:"current_step"`
	ProgressCurrent int        `json:"progress_current" yaml:"progress_current"`
	ProgressTotal   int        `json:"progress_total" yaml:"progress_total"`
	Error           string     `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt       time.Time  `json:"started_at" yaml:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at" yaml:"updated_at"`
}

// RunProgress is the polled progress counter pair.
type RunProgress struct {
	Current int `json:"current" yaml:"current"`
	Total   int `json:"total" yaml:"total"`
}

// RunStatus is the read model exposed to pollers.
type RunStatus struct {
	RunID       string      `json:"run_id" yaml:"run_id"`
	IsRunning   bool        `json:"is_running" yaml:"is_running"`
	CurrentStep string      `json:"current_step" yaml:"current_step"`
	Progress    RunProgress `json:"progress" yaml:"progress"`
	Error       string      `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt   time.Time   `json:"started_at" yaml:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// Status projects the run onto its read model.
func (r *PipelineRun) Status() RunStatus {
	return RunStatus{
		RunID:       r.ID,
		IsRunning:   r.IsRunning,
		CurrentStep: r.CurrentStep,
		Progress:    RunProgress{Current: r.ProgressCurrent, Total: r.ProgressTotal},
		Error:       r.Error,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
}

// RunUpdate carries the optional fields of a guarded run update. Nil fields
// are left untouched. Finish closes the run.
type RunUpdate struct {
	Step            *string
	ProgressCurrent *int
	ProgressTotal   *int
	Error           *string
	Finish          bool
}

// StepUpdate is a convenience constructor for a step-only update.
func StepUpdate(step string) RunUpdate {
	return RunUpdate{Step: &step}
}

// ProgressUpdate sets both counters and the step label.
func ProgressUpdate(step string, current, total int) RunUpdate {
	return RunUpdate{Step: &step, ProgressCurrent: &current, ProgressTotal: &total}
}
