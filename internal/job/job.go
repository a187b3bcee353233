package job

import (
	"errors"
	"time"
)

type Status string

const (
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
)

// InitialProgress is the progress value of a freshly registered job.
const InitialProgress = "0%"

var (
	ErrNotFound      = errors.New("job not found")
	ErrAlreadyExists = errors.New("job already exists")
	ErrTerminal      = errors.New("job already reached a terminal state")
)

// Job is a snapshot of one download's lifecycle. Values are copied in and
// out of the registry, so a Job held by a caller never changes underneath it.
type Job struct {
	ID        string
	Status    Status
	Progress  string
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Mutation changes a job in place. Returning an error discards the change.
type Mutation func(j *Job) error

// SetProgress records a new progress display value for a downloading job.
func SetProgress(progress string) Mutation {
	return func(j *Job) error {
		if j.Status.IsTerminal() {
			return ErrTerminal
		}

		j.Progress = progress

		return nil
	}
}

// Complete moves a downloading job to completed.
func Complete() Mutation {
	return func(j *Job) error {
		if j.Status.IsTerminal() {
			return ErrTerminal
		}

		j.Status = StatusCompleted

		return nil
	}
}

// Fail moves a downloading job to error. An empty message is replaced so that
// a failed job always carries a cause.
func Fail(msg string) Mutation {
	return func(j *Job) error {
		if j.Status.IsTerminal() {
			return ErrTerminal
		}

		if msg == "" {
			msg = "download failed"
		}

		j.Status = StatusError
		j.Error = msg

		return nil
	}
}
