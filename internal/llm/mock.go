package llm

import (
	"context"
	"encoding/json"
	"time"
)

// Mock returns a fixed two-column table without calling any provider. It is
// the default provider so a fresh install can run end to end offline.
type Mock struct {
	now func() time.Time
}

// NewMock creates a mock provider using now as its clock
func NewMock(now func() time.Time) *Mock {
	if now == nil {
		now = time.Now
	}
	return &Mock{now: now}
}

func (m *Mock) Name() string {
	return "mock"
}

func (m *Mock) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, CapabilityError(m.Name(), err)
	}
	summary := "mock result"
	table := Table{
		Columns: []Column{
			{Key: "timestamp", Label: "Timestamp", Type: TypeDate},
			{Key: "task", Label: "Task", Type: TypeString},
		},
		Rows: []map[string]any{{
			"timestamp": m.now().UTC().Format(time.RFC3339),
			"task":      req.TaskName,
		}},
		Summary: &summary,
	}
	raw, err := json.Marshal(table)
	if err != nil {
		return nil, err
	}
	return &Response{Model: "mock", Text: string(raw)}, nil
}
