package db

import "time"

// TaskStatus controls whether a task is scheduled
type TaskStatus string

const (
	TaskStatusEnabled  TaskStatus = "enabled"
	TaskStatusDisabled TaskStatus = "disabled"
)

// Valid reports whether s is a known task status
func (s TaskStatus) Valid() bool {
	return s == TaskStatusEnabled || s == TaskStatusDisabled
}

// Task is a recurring prompt
type Task struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Prompt           string     `json:"prompt"`
	CronExpr         string     `json:"cron_expression"`
	Timezone         string     `json:"timezone"`
	WebSearchEnabled bool       `json:"web_search_enabled"`
	Status           TaskStatus `json:"status"`
	NextRunAt        *time.Time `json:"next_run_at"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Enabled reports whether the task is scheduled
func (t *Task) Enabled() bool {
	return t.Status == TaskStatusEnabled
}

// RunStatus represents the status of a run
type RunStatus string

const (
	RunStatusQueued  RunStatus = "queued"
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// Terminal reports whether no further transition is possible
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed
}

// RunTrigger records what created a run
type RunTrigger string

const (
	TriggerSchedule RunTrigger = "schedule"
	TriggerManual   RunTrigger = "manual"
)

// TokenUsage is the model's token accounting for a run
type TokenUsage map[string]int64

// Run is one execution of a task for one due occurrence
type Run struct {
	ID           string     `json:"id"`
	TaskID       string     `json:"task_id"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	StartedAt    *time.Time `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at"`
	Status       RunStatus  `json:"status"`
	ErrorMessage *string    `json:"error_message"`
	LLMModel     *string    `json:"llm_model"`
	TokenUsage   TokenUsage `json:"token_usage"`
	CostEstimate *float64   `json:"cost_estimate"`
	Trigger      RunTrigger `json:"trigger"`
	Attempt      int        `json:"attempt"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ColumnType is the declared type of a result column
type ColumnType string

const (
	ColumnString  ColumnType = "string"
	ColumnNumber  ColumnType = "number"
	ColumnDate    ColumnType = "date"
	ColumnURL     ColumnType = "url"
	ColumnBoolean ColumnType = "boolean"
)

// Column describes one result column
type Column struct {
	Key   string     `json:"key"`
	Label string     `json:"label"`
	Type  ColumnType `json:"type"`
}

// Row maps column keys to values
type Row map[string]any

// Result is the structured table produced by a successful run
type Result struct {
	ID            string    `json:"id"`
	RunID         string    `json:"run_id"`
	SchemaVersion int       `json:"schema_version"`
	Columns       []Column  `json:"columns"`
	Rows          []Row     `json:"rows"`
	Summary       *string   `json:"summary"`
	CreatedAt     time.Time `json:"created_at"`
}

// SnapshotStatus reports whether the web search succeeded
type SnapshotStatus string

const (
	SnapshotOK     SnapshotStatus = "ok"
	SnapshotFailed SnapshotStatus = "failed"
)

// SearchItem is one normalized web search hit
type SearchItem struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Snapshot is the web search performed for a run
type Snapshot struct {
	ID           string         `json:"id"`
	RunID        string         `json:"run_id"`
	Query        string         `json:"query"`
	Status       SnapshotStatus `json:"status"`
	Results      []SearchItem   `json:"results"`
	ErrorMessage *string        `json:"error_message"`
	CreatedAt    time.Time      `json:"created_at"`
}
