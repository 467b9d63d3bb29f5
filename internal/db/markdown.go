package db

import (
	"fmt"
	"strconv"
	"strings"
)

// Markdown renders the result as a markdown table followed by its summary.
// maxRows <= 0 renders every row.
func (r *Result) Markdown(maxRows int) string {
	if r == nil || len(r.Columns) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("|")
	for _, c := range r.Columns {
		b.WriteString(" " + escapeCell(c.Label) + " |")
	}
	b.WriteString("\n|")
	for _, c := range r.Columns {
		if c.Type == ColumnNumber {
			b.WriteString(" ---: |")
		} else {
			b.WriteString(" --- |")
		}
	}
	b.WriteString("\n")

	rows := r.Rows
	if maxRows > 0 && len(rows) > maxRows {
		rows = rows[:maxRows]
	}
	for _, row := range rows {
		b.WriteString("|")
		for _, c := range r.Columns {
			b.WriteString(" " + escapeCell(formatCell(c.Type, row[c.Key])) + " |")
		}
		b.WriteString("\n")
	}
	if hidden := len(r.Rows) - len(rows); hidden > 0 {
		fmt.Fprintf(&b, "\n_%d more rows_\n", hidden)
	}
	if r.Summary != nil {
		b.WriteString("\n" + *r.Summary + "\n")
	}
	return b.String()
}

func formatCell(typ ColumnType, v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		if typ == ColumnURL && val != "" {
			return "[" + val + "](" + val + ")"
		}
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", `\|`)
}
