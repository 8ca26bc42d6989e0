// Package export writes cached result rows to a minimal CSV file.
package export

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/keo571/netquery-insight-chat/internal/protocol"
)

// ErrNoRows is returned when there is nothing to export.
var ErrNoRows = errors.New("export: no rows")

// Filename names a client-side export taken at t.
func Filename(t time.Time) string {
	return fmt.Sprintf("cached_results_%d.csv", t.UnixMilli())
}

// WriteCSV writes rows as a header line of the first row's columns followed
// by one line per row of JSON-encoded cells joined by commas. Cells are not
// quoted beyond JSON string escaping; columns missing from a row are null.
func WriteCSV(w io.Writer, rows []protocol.Row) error {
	if len(rows) == 0 {
		return ErrNoRows
	}
	bw := bufio.NewWriter(w)
	cols := rows[0].Columns()

	if _, err := bw.WriteString(strings.Join(cols, ",") + "\n"); err != nil {
		return err
	}

	cells := make([]string, len(cols))
	for i, row := range rows {
		for j, col := range cols {
			v, _ := row.Get(col)
			b, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("export row %d column %q: %w", i, col, err)
			}
			cells[j] = string(b)
		}
		if _, err := bw.WriteString(strings.Join(cells, ",") + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}
