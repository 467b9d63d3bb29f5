package llm

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Column types a table may declare
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeDate    = "date"
	TypeURL     = "url"
	TypeBoolean = "boolean"
)

var columnTypes = map[string]bool{
	TypeString: true, TypeNumber: true, TypeDate: true, TypeURL: true, TypeBoolean: true,
}

// Column is one declared table column
type Column struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Type  string `json:"type"`
}

// Table is the structured output contract requested from the model
type Table struct {
	Columns []Column         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
	Summary *string          `json:"summary,omitempty"`
}

// ParseTable extracts and validates a table from model output. Every row is
// normalized to carry exactly the declared keys (missing ones as null) and
// values are coerced to their column type where that is lossless.
func ParseTable(text string) (*Table, error) {
	raw := extractJSON(text)
	if raw == "" {
		return nil, fmt.Errorf("%w: response contains no JSON object", ErrMalformedOutput)
	}

	var table Table
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&table); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if err := table.normalize(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return &table, nil
}

func (t *Table) normalize() error {
	if len(t.Columns) == 0 || len(t.Rows) == 0 {
		return fmt.Errorf("empty table (no columns or no rows)")
	}

	seen := make(map[string]bool, len(t.Columns))
	for i := range t.Columns {
		c := &t.Columns[i]
		c.Key = strings.TrimSpace(c.Key)
		c.Label = strings.TrimSpace(c.Label)
		c.Type = strings.ToLower(strings.TrimSpace(c.Type))
		if c.Key == "" || c.Label == "" {
			return fmt.Errorf("column %d has an empty key or label", i)
		}
		if !columnTypes[c.Type] {
			return fmt.Errorf("column %q has unsupported type %q", c.Key, c.Type)
		}
		if seen[c.Key] {
			return fmt.Errorf("duplicate column key %q", c.Key)
		}
		seen[c.Key] = true
	}

	empty := true
	rows := make([]map[string]any, len(t.Rows))
	for i, row := range t.Rows {
		out := make(map[string]any, len(t.Columns))
		for _, c := range t.Columns {
			v, err := coerce(c.Type, row[c.Key])
			if err != nil {
				return fmt.Errorf("row %d column %q: %v", i, c.Key, err)
			}
			out[c.Key] = v
			if v != nil && v != "" {
				empty = false
			}
		}
		rows[i] = out
	}
	if empty {
		return fmt.Errorf("empty table (all cells were null or empty)")
	}
	t.Rows = rows

	if t.Summary != nil {
		s := strings.TrimSpace(*t.Summary)
		if s == "" {
			t.Summary = nil
		} else {
			t.Summary = &s
		}
	}
	return nil
}

func coerce(typ string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch typ {
	case TypeNumber:
		switch n := v.(type) {
		case json.Number:
			f, err := n.Float64()
			if err != nil {
				return nil, err
			}
			return f, nil
		case float64:
			return n, nil
		case string:
			s := strings.TrimSpace(strings.ReplaceAll(n, ",", ""))
			if s == "" {
				return nil, nil
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
				return nil, fmt.Errorf("%q is not a number", n)
			}
			return f, nil
		}
	case TypeBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(b))
			if err != nil {
				return nil, fmt.Errorf("%q is not a boolean", b)
			}
			return parsed, nil
		}
	case TypeDate:
		if s, ok := v.(string); ok {
			s = strings.TrimSpace(s)
			if s == "" || isDate(s) {
				return s, nil
			}
			return nil, fmt.Errorf("%q is not an ISO-8601 date", s)
		}
	case TypeString, TypeURL:
		switch s := v.(type) {
		case string:
			return s, nil
		case json.Number:
			return s.String(), nil
		case bool:
			return strconv.FormatBool(s), nil
		}
	}
	return nil, fmt.Errorf("value %v does not fit type %s", v, typ)
}

var dateLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02", "2006-01"}

func isDate(s string) bool {
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

// extractJSON returns the outermost JSON object in text, tolerating markdown
// code fences and prose around it.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
	}
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}
