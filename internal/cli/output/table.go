package output

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"
)

// Tabular is implemented by results that know their table layout. Wide
// asks for the extra columns of -w.
type Tabular interface {
	Table(wide bool) *Table
}

// TableFormatter formats data as an aligned text table.
type TableFormatter struct {
	Wide      bool
	NoHeaders bool
}

// Format renders a *Table or a Tabular value. Anything else falls back to
// indented JSON.
func (f *TableFormatter) Format(w io.Writer, data any) error {
	switch v := data.(type) {
	case nil:
		return nil
	case *Table:
		return v.RenderWithOptions(w, f.NoHeaders)
	case Table:
		return v.RenderWithOptions(w, f.NoHeaders)
	case Tabular:
		return v.Table(f.Wide).RenderWithOptions(w, f.NoHeaders)
	}
	return (&JSONFormatter{}).Format(w, data)
}

// Table represents tabular data.
type Table struct {
	Headers []string
	Rows    [][]string
}

// NewTable creates a table with headers.
func NewTable(headers ...string) *Table {
	return &Table{Headers: headers}
}

// Render renders the table to the writer.
func (t *Table) Render(w io.Writer) error {
	return t.RenderWithOptions(w, false)
}

// RenderWithOptions renders the table, optionally without the header row.
func (t *Table) RenderWithOptions(w io.Writer, noHeaders bool) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if !noHeaders && len(t.Headers) > 0 {
		fmt.Fprintln(tw, strings.Join(t.Headers, "\t"))
	}
	for _, row := range t.Rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

// AddRow adds a row to the table. Empty cells print as "-".
func (t *Table) AddRow(cells ...string) {
	row := make([]string, len(cells))
	for i, c := range cells {
		if c == "" {
			c = "-"
		}
		row[i] = c
	}
	t.Rows = append(t.Rows, row)
}

// KV is a two-column FIELD/VALUE table for single objects.
func KV(pairs ...string) *Table {
	t := NewTable("FIELD", "VALUE")
	for i := 0; i+1 < len(pairs); i += 2 {
		t.AddRow(pairs[i], pairs[i+1])
	}
	return t
}

// Time formats a timestamp for a table cell. The zero time prints as "-".
func Time(ts time.Time) string {
	if ts.IsZero() {
		return "-"
	}
	return ts.Local().Format("2006-01-02 15:04:05")
}

// Bytes formats a byte count in binary units.
func Bytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

// ShortID shortens an id for narrow tables.
func ShortID(id string, wide bool) string {
	if wide || len(id) <= 8 {
		return id
	}
	return id[:8]
}
