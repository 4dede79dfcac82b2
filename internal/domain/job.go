package domain

import (
	"fmt"
	"slices"
	"time"
)

type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransition reports whether a job may move from s to next.
// A job must pass through processing before it can complete; the only
// shortcut is queued -> failed, used when dispatch is rejected. A job is
// claimed at most once, so processing -> processing is refused.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusQueued:
		return next == JobStatusProcessing || next == JobStatusFailed
	case JobStatusProcessing:
		return next.IsTerminal()
	default:
		return false
	}
}

var jobStatuses = []JobStatus{JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed}

type Job struct {
	ID        string
	ReceiptID int64
	Status    JobStatus
	Progress  int
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobView is the status snapshot served to clients, whether it came from the
// registry or the store.
type JobView struct {
	JobID     string    `json:"job_id"`
	ReceiptID int64     `json:"lr_id"`
	Status    JobStatus `json:"status"`
	Progress  int       `json:"progress"`
	Error     *string   `json:"error"`
}

func (j Job) View() JobView {
	view := JobView{
		JobID:     j.ID,
		ReceiptID: j.ReceiptID,
		Status:    j.Status,
		Progress:  j.Progress,
	}
	if j.Error != "" {
		msg := j.Error
		view.Error = &msg
	}
	return view
}

func (v JobView) ErrorMessage() string {
	if v.Error == nil {
		return ""
	}
	return *v.Error
}

// JobUpdate carries a partial change to a job. Nil fields are left as-is.
type JobUpdate struct {
	Status   *JobStatus
	Progress *int
	Error    *string
}

// Validate checks the fields of u without looking at any current state.
func (u JobUpdate) Validate() error {
	if u.Status != nil && !u.Status.Valid() {
		return fmt.Errorf("unknown job status: %s", *u.Status)
	}
	if u.Progress != nil && (*u.Progress < 0 || *u.Progress > 100) {
		return fmt.Errorf("progress out of range: %d", *u.Progress)
	}
	return nil
}

// AllowedFrom lists the statuses a job may hold for u to apply. Updates
// without a status only touch jobs that are still running.
func (u JobUpdate) AllowedFrom() []JobStatus {
	out := make([]JobStatus, 0, len(jobStatuses))
	for _, s := range jobStatuses {
		allowed := !s.IsTerminal()
		if u.Status != nil {
			allowed = s.CanTransition(*u.Status)
		}
		if allowed {
			out = append(out, s)
		}
	}
	return out
}

// Apply returns view with u applied. It fails with ErrInvalidTransition when
// the job's current status does not admit the update.
func (u JobUpdate) Apply(view JobView) (JobView, error) {
	if err := u.Validate(); err != nil {
		return view, err
	}
	if !slices.Contains(u.AllowedFrom(), view.Status) {
		to := view.Status
		if u.Status != nil {
			to = *u.Status
		}
		return view, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, view.Status, to)
	}
	if u.Status != nil {
		view.Status = *u.Status
	}
	if u.Progress != nil {
		view.Progress = *u.Progress
	}
	if u.Error != nil {
		if *u.Error == "" {
			view.Error = nil
		} else {
			msg := *u.Error
			view.Error = &msg
		}
	}
	return view, nil
}

func StatusUpdate(status JobStatus) JobUpdate {
	return JobUpdate{Status: &status}
}

func ProgressUpdate(progress int) JobUpdate {
	return JobUpdate{Progress: &progress}
}

func CompletedUpdate() JobUpdate {
	status := JobStatusCompleted
	progress := 100
	return JobUpdate{Status: &status, Progress: &progress}
}

func FailedUpdate(message string) JobUpdate {
	status := JobStatusFailed
	return JobUpdate{Status: &status, Error: &message}
}
