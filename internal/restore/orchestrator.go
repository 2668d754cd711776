// Package restore implements the restore orchestrator of §4.9: a
// streaming, line-oriented reader that classifies each line, packs JSON
// arrays into batches, and drives a bounded-parallel bulk-docs worker
// pool.
package restore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/IBM/couchbackup-sub000/internal/backupfmt"
	"github.com/IBM/couchbackup-sub000/internal/cberrors"
	"github.com/IBM/couchbackup-sub000/internal/couchclient"
	"github.com/IBM/couchbackup-sub000/internal/linef"
	"github.com/IBM/couchbackup-sub000/internal/logutil"
)

// Options configures a restore run.
type Options struct {
	Parallelism int
}

// Result summarises a finished run.
type Result struct {
	Total int64
}

// Run restores documents read from source into the database reachable
// through cl. Preconditions (target exists, is reachable, and is empty
// unless it is a system database) are the caller's responsibility, per
// §4.9.
func Run(ctx context.Context, cl couchclient.Client, source io.Reader, opts Options, sink Sink) (Result, error) {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 5
	}

	wp := newPool(ctx, opts.Parallelism)
	var total int64
	var packer Packer
	sawHeader := false
	firstLine := true

	err := linef.ForEach(source, true, func(line linef.Line) error {
		if firstLine {
			firstLine = false
			if _, ok := backupfmt.DecodeHeader([]byte(line.Text)); ok {
				sawHeader = true
				return nil
			}
			// Not a header: fall through and classify it as data below.
		}

		if line.Text == "" {
			return nil
		}
		if backupfmt.IsResumeMarker([]byte(line.Text)) {
			return nil
		}

		var docs []json.RawMessage
		if err := json.Unmarshal([]byte(line.Text), &docs); err == nil {
			batch := packer.Pack(docs)
			wp.submit(func(workCtx context.Context) error {
				return processBatch(workCtx, cl, batch, &total, sink)
			})
			return nil
		}

		switch {
		case sawHeader && backupfmt.HasTrailingResumeMarker(line.Text):
			logutil.Debug("skipping broken line after resume marker", "line", line.Number)
			return nil
		case !sawHeader:
			logutil.Debug("skipping unparsable line in legacy backup file", "line", line.Number)
			return nil
		default:
			return cberrors.NewBackupFileJSONError(line.Number, fmt.Errorf("not a JSON array"))
		}
	})
	if err != nil {
		wp.cancel()
		wp.wait()
		return Result{}, err
	}

	if err := wp.wait(); err != nil {
		return Result{}, err
	}

	finalTotal := atomic.LoadInt64(&total)
	sink.finished(finalTotal)
	return Result{Total: finalTotal}, nil
}

func processBatch(ctx context.Context, cl couchclient.Client, batch Batch, total *int64, sink Sink) error {
	start := time.Now()

	var newEdits *bool
	if hasRev(batch.Docs) {
		f := false
		newEdits = &f
	}

	results, err := cl.PostBulkDocs(ctx, batch.Docs, newEdits)
	if err != nil {
		return err
	}

	if newEdits != nil && !*newEdits {
		for _, r := range results {
			if r.Error != "" {
				logutil.Debug("bulk_docs per-doc error", "id", r.ID, "error", r.Error, "reason", r.Reason)
			}
		}
	}

	n := atomic.AddInt64(total, int64(len(batch.Docs)))
	sink.restored(batch.Number, len(batch.Docs), n, time.Since(start))
	return nil
}

func hasRev(docs []json.RawMessage) bool {
	if len(docs) == 0 {
		return false
	}
	var probe struct {
		Rev string `json:"_rev"`
	}
	if err := json.Unmarshal(docs[0], &probe); err != nil {
		return false
	}
	return probe.Rev != ""
}
