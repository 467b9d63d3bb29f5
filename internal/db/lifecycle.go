package db

import "time"

// RunState is one of QueuedRun, RunningRun, SucceededRun or FailedRun.
// Transitions are only available as methods on the source state, so a queued
// run cannot reach a terminal state without passing through running.
type RunState interface {
	RunID() string
	Status() RunStatus
	runState()
}

// QueuedRun is waiting for an executor
type QueuedRun struct {
	ID           string
	TaskID       string
	ScheduledFor time.Time
	Trigger      RunTrigger
	Attempt      int
}

func (q QueuedRun) RunID() string { return q.ID }
func (q QueuedRun) Status() RunStatus { return RunStatusQueued }
func (QueuedRun) runState() {}

// Start claims the run for one executor.
func (q QueuedRun) Start(at time.Time) RunningRun {
	return RunningRun{
		ID:           q.ID,
		TaskID:       q.TaskID,
		ScheduledFor: q.ScheduledFor,
		Trigger:      q.Trigger,
		StartedAt:    at.UTC(),
		Attempt:      q.Attempt + 1,
	}
}

// RunningRun is owned by the executor that claimed it. Attempt fences every
// later transition against a concurrent reclaim.
type RunningRun struct {
	ID           string
	TaskID       string
	ScheduledFor time.Time
	Trigger      RunTrigger
	StartedAt    time.Time
	Attempt      int
}

func (r RunningRun) RunID() string { return r.ID }
func (r RunningRun) Status() RunStatus { return RunStatusRunning }
func (RunningRun) runState() {}

// Outcome is what a successful model call reports
type Outcome struct {
	LLMModel     string
	TokenUsage   TokenUsage
	CostEstimate *float64
}

// Succeed finishes the run successfully.
func (r RunningRun) Succeed(at time.Time, out Outcome) SucceededRun {
	return SucceededRun{from: r, finishedAt: at.UTC(), outcome: out}
}

// Fail finishes the run with an error message.
func (r RunningRun) Fail(at time.Time, message string) FailedRun {
	return FailedRun{from: r, finishedAt: at.UTC(), message: message}
}

// Requeue hands an orphaned run back to the queue.
func (r RunningRun) Requeue() QueuedRun {
	return QueuedRun{
		ID:           r.ID,
		TaskID:       r.TaskID,
		ScheduledFor: r.ScheduledFor,
		Trigger:      r.Trigger,
		Attempt:      r.Attempt,
	}
}

// SucceededRun is terminal
type SucceededRun struct {
	from       RunningRun
	finishedAt time.Time
	outcome    Outcome
}

func (s SucceededRun) RunID() string { return s.from.ID }
func (s SucceededRun) Status() RunStatus { return RunStatusSuccess }
func (SucceededRun) runState() {}
func (s SucceededRun) FinishedAt() time.Time { return s.finishedAt }
func (s SucceededRun) Outcome() Outcome { return s.outcome }

// FailedRun is terminal
type FailedRun struct {
	from       RunningRun
	finishedAt time.Time
	message    string
}

func (f FailedRun) RunID() string { return f.from.ID }
func (f FailedRun) Status() RunStatus { return RunStatusFailed }
func (FailedRun) runState() {}
func (f FailedRun) FinishedAt() time.Time { return f.finishedAt }
func (f FailedRun) Message() string { return f.message }
