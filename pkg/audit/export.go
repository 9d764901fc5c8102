package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Export formats
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// Export renders events in [since, until] as a JSON array or CSV.
// Zero bounds are open.
func (t *Trail) Export(format string, since, until time.Time) ([]byte, error) {
	if format != FormatJSON && format != FormatCSV {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	t.mu.Lock()
	events, err := t.readAll()
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	// since is inclusive for exports.
	if !since.IsZero() {
		since = since.Add(-time.Nanosecond)
	}
	events = filterEvents(events, since, until)

	if format == FormatCSV {
		return formatCSV(events)
	}
	if events == nil {
		events = []Event{}
	}
	return json.MarshalIndent(events, "", "  ")
}

func formatCSV(events []Event) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write([]string{"timestamp", "operation", "source", "result", "subject"}); err != nil {
		return nil, err
	}
	for _, event := range events {
		subject := event.Subject
		if len(subject) > 16 {
			subject = subject[:16] + "..."
		}
		row := []string{
			csvSafe(event.Timestamp),
			csvSafe(event.Operation),
			csvSafe(event.Source),
			csvSafe(event.Result),
			csvSafe(subject),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("audit: failed to write csv: %w", err)
	}
	return buf.Bytes(), nil
}

// csvSafe neutralizes cells that spreadsheet applications would evaluate as
// formulas. Quoting is left to encoding/csv.
func csvSafe(field string) string {
	if field != "" && strings.ContainsRune("=+-@", rune(field[0])) {
		return "'" + field
	}
	return field
}
