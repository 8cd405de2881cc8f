package util

import (
	"fmt"
	"io"
	"strings"
)

// TableColumn is one column of a rendered table
type TableColumn struct {
	Header string
	Key    string // key to extract from the row map
	width  int
}

// RenderTable writes rows as an aligned text table. Column widths ignore ANSI
// color codes so colored cells stay aligned.
func RenderTable(w io.Writer, columns []TableColumn, rows []map[string]interface{}) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No data to display")
		return
	}

	for i := range columns {
		columns[i].width = displayWidth(columns[i].Header)
		for _, row := range rows {
			if v, ok := row[columns[i].Key]; ok {
				if n := displayWidth(fmt.Sprintf("%v", v)); n > columns[i].width {
					columns[i].width = n
				}
			}
		}
	}

	parts := make([]string, len(columns))
	for i, col := range columns {
		parts[i] = padToWidth(col.Header, col.width)
	}
	fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))

	for i, col := range columns {
		parts[i] = strings.Repeat("-", col.width)
	}
	fmt.Fprintln(w, strings.Join(parts, "  "))

	for _, row := range rows {
		for i, col := range columns {
			value := ""
			if v, ok := row[col.Key]; ok {
				value = fmt.Sprintf("%v", v)
			}
			parts[i] = padToWidth(value, col.width)
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
	}
}

func stripANSI(s string) string {
	for {
		start := strings.Index(s, "\033[")
		if start == -1 {
			return s
		}
		end := strings.Index(s[start:], "m")
		if end == -1 {
			return s
		}
		s = s[:start] + s[start+end+1:]
	}
}

func displayWidth(s string) int {
	return len([]rune(stripANSI(s)))
}

func padToWidth(s string, width int) string {
	if n := displayWidth(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}
