package logfile

import (
	"io"

	"github.com/IBM/couchbackup-sub000/internal/linef"
)

// Summary is the result of scanning a log file once: whether the changes
// spool finished, and which batch numbers still have a :t but no
// matching :d (and so must be (re)downloaded), in the order their :t
// lines appear in the log.
type Summary struct {
	ChangesComplete bool
	LastSeq         string
	PendingBatches  []uint32
}

// Summarise streams r with the cheap metadata-only parse and returns the
// set of pending batches, per §4.5. Order of :t lines is preserved so
// resume downloads batches in the order they were originally spooled.
func Summarise(r io.Reader) (Summary, error) {
	seen := map[uint32]bool{}
	var order []uint32
	var summary Summary

	err := linef.ForEach(r, false, func(line linef.Line) error {
		rec, ok := ParseMetadata(line.Text)
		if !ok {
			return nil
		}
		switch rec.Command {
		case CommandPending:
			if !seen[rec.Batch] {
				seen[rec.Batch] = true
				order = append(order, rec.Batch)
			}
		case CommandDone:
			if seen[rec.Batch] {
				delete(seen, rec.Batch)
			}
		case CommandComplete:
			summary.ChangesComplete = true
			summary.LastSeq = rec.LastSeq
		}
		return nil
	})
	if err != nil {
		return Summary{}, err
	}

	for _, batch := range order {
		if seen[batch] {
			summary.PendingBatches = append(summary.PendingBatches, batch)
		}
	}
	return summary, nil
}
