package backup

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/IBM/couchbackup-sub000/internal/cberrors"
	"github.com/IBM/couchbackup-sub000/internal/couchclient"
)

// runShallow implements §4.8: a single sequential loop over postAllDocs,
// no log file, no resume.
func runShallow(ctx context.Context, cl couchclient.Client, target io.Writer, opts Options, sink Sink) (Result, error) {
	var total int64
	startKey := ""
	batch := uint32(0)

	for {
		resp, err := cl.PostAllDocs(ctx, opts.BufferSize, startKey, true, opts.Attachments)
		if err != nil {
			return Result{}, err
		}

		if len(resp.Rows) == 0 {
			break
		}

		start := time.Now()
		docs := make([]json.RawMessage, 0, len(resp.Rows))
		for _, row := range resp.Rows {
			if row.Doc != nil {
				docs = append(docs, row.Doc)
			}
		}

		line, err := json.Marshal(docs)
		if err != nil {
			return Result{}, cberrors.NewSpoolChangesError(err)
		}
		if _, err := target.Write(append(line, '\n')); err != nil {
			return Result{}, cberrors.NewSpoolChangesError(err)
		}
		if f, ok := target.(*os.File); ok {
			if err := f.Sync(); err != nil {
				return Result{}, cberrors.NewSpoolChangesError(err)
			}
		}

		total += int64(len(docs))
		sink.written(batch, total, time.Since(start))
		batch++

		if len(resp.Rows) < opts.BufferSize {
			break
		}
		startKey = resp.Rows[len(resp.Rows)-1].ID + "\x00"
	}

	sink.finished(total)
	return Result{Total: total}, nil
}
