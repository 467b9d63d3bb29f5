package api

import (
	"github.com/kylemclaren/promptoncron/internal/db"
)

// TaskRequest is the body of POST and PATCH /api/tasks. Absent fields are
// left unchanged on PATCH and defaulted on POST.
type TaskRequest struct {
	Name             *string `json:"name"`
	Prompt           *string `json:"prompt"`
	CronExpr         *string `json:"cron_expression"`
	Timezone         *string `json:"timezone"`
	WebSearchEnabled *bool   `json:"web_search_enabled"`
	Status           *string `json:"status"`
}

// TaskResponse is a task with the status of its most recent run
type TaskResponse struct {
	*db.Task
	LastRunStatus db.RunStatus `json:"last_run_status,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// OKResponse is returned by deletes
type OKResponse struct {
	OK bool `json:"ok"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version,omitempty"`
	Database string `json:"database"`
}

// Error codes
const (
	codeInvalidRequest    = "invalid_request"
	codeInvalidExpression = "invalid_expression"
	codeInvalidTimezone   = "invalid_timezone"
	codeIntervalTooShort  = "interval_too_short"
	codeNotFound          = "not_found"
	codeInternal          = "internal_error"
)
