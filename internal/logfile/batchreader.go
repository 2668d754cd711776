package logfile

import (
	"io"

	"github.com/IBM/couchbackup-sub000/internal/linef"
)

// Batch is one fully-parsed :t record read off the log, tagged with the
// docs it carried at spool time.
type Batch struct {
	Number uint32
	Docs   []PendingID
}

// ReadBatches streams r with the full parse and calls fn, in log order,
// for every :t line whose batch number is present in want. A :t line
// whose JSON payload fails to parse is skipped silently (the line is
// already invalidated by ParseFull), matching §4.3's "invalidate the
// whole line" rule.
func ReadBatches(r io.Reader, want map[uint32]bool, fn func(Batch) error) error {
	return linef.ForEach(r, false, func(line linef.Line) error {
		rec, ok := ParseFull(line.Text)
		if !ok || rec.Command != CommandPending {
			return nil
		}
		if !want[rec.Batch] {
			return nil
		}
		return fn(Batch{Number: rec.Batch, Docs: rec.Docs})
	})
}
