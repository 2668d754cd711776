// Package backup implements the full- and shallow-mode backup
// orchestrators of §4.7-4.8: composing the spooler, the log summariser
// and batch reader, a bounded-parallel bulk-get worker pool, and the
// backup-file/log writers, with idempotent resume.
package backup

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/IBM/couchbackup-sub000/internal/backupfmt"
	"github.com/IBM/couchbackup-sub000/internal/cberrors"
	"github.com/IBM/couchbackup-sub000/internal/config"
	"github.com/IBM/couchbackup-sub000/internal/couchclient"
	"github.com/IBM/couchbackup-sub000/internal/logfile"
	"github.com/IBM/couchbackup-sub000/internal/logutil"
)

// sessionSize bounds a single download session's in-memory working set
// to at most this many batches, per §5's memory bound.
const sessionSize = 50

// Options configures a backup run.
type Options struct {
	Parallelism int
	BufferSize  int
	Mode        config.Mode
	Resume      bool
	LogPath     string
	Attachments bool
	ToolName    string
	ToolVersion string
}

// Result summarises a finished run.
type Result struct {
	Total int64
}

// Run executes a backup of the database reachable through cl into
// target, per Options. target has already had its first line written by
// the caller (the metadata header for a new backup, or the resume marker
// for a resumed one), matching §4.7's stated precondition.
func Run(ctx context.Context, cl couchclient.Client, target io.Writer, opts Options, sink Sink) (Result, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 500
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 5
	}

	if opts.Mode == config.ModeShallow {
		return runShallow(ctx, cl, target, opts, sink)
	}
	return runFull(ctx, cl, target, opts, sink)
}

func runFull(ctx context.Context, cl couchclient.Client, target io.Writer, opts Options, sink Sink) (Result, error) {
	if opts.LogPath == "" {
		return Result{}, cberrors.NewNoLogFileName()
	}

	// Step 1: validate_bulk_get probe, per §4.7 step 1.
	if _, err := cl.PostBulkGet(ctx, nil, true); err != nil {
		return Result{}, err
	}

	var summary logfile.Summary

	if !opts.Resume {
		logW, err := os.OpenFile(opts.LogPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return Result{}, cberrors.NewSpoolChangesError(err)
		}
		spoolResult, err := logfile.Spool(ctx, cl, logW, opts.BufferSize)
		closeErr := logW.Close()
		if err != nil {
			return Result{}, err
		}
		if closeErr != nil {
			return Result{}, cberrors.NewSpoolChangesError(closeErr)
		}

		for n := uint32(0); n < spoolResult.FinalBatch; n++ {
			sink.changes(n)
		}

		summary, err = readSummary(opts.LogPath)
		if err != nil {
			return Result{}, err
		}
	} else {
		if _, err := os.Stat(opts.LogPath); err != nil {
			return Result{}, cberrors.NewLogDoesNotExist(opts.LogPath)
		}
		var err error
		summary, err = readSummary(opts.LogPath)
		if err != nil {
			return Result{}, err
		}
		if !summary.ChangesComplete {
			return Result{}, cberrors.NewIncompleteChangesInLogFile()
		}
	}

	var total int64
	var mu sync.Mutex // guards target/log writers and serialises per-batch commit

	logAppend, err := os.OpenFile(opts.LogPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return Result{}, cberrors.NewSpoolChangesError(err)
	}
	defer logAppend.Close()

	pending := summary.PendingBatches
	for len(pending) > 0 {
		session := pending
		if len(session) > sessionSize {
			session = session[:sessionSize]
		}
		pending = pending[len(session):]

		want := make(map[uint32]bool, len(session))
		for _, n := range session {
			want[n] = true
		}

		var batches []logfile.Batch
		if err := withReadLog(opts.LogPath, func(r io.Reader) error {
			return logfile.ReadBatches(r, want, func(b logfile.Batch) error {
				batches = append(batches, b)
				return nil
			})
		}); err != nil {
			return Result{}, cberrors.NewSpoolChangesError(err)
		}

		wp := newPool(ctx, opts.Parallelism)
		for _, b := range batches {
			b := b
			wp.submit(func(workCtx context.Context) error {
				return processBatch(workCtx, cl, target, logAppend, &mu, &total, b, opts, sink)
			})
		}
		if err := wp.wait(); err != nil {
			return Result{}, err
		}
	}

	sink.finished(total)
	return Result{Total: total}, nil
}

func processBatch(ctx context.Context, cl couchclient.Client, target io.Writer, logW io.Writer, mu *sync.Mutex, total *int64, b logfile.Batch, opts Options, sink Sink) error {
	start := time.Now()

	ids := make([]string, len(b.Docs))
	for i, d := range b.Docs {
		ids[i] = d.ID
	}

	resp, err := cl.PostBulkGet(ctx, ids, true)
	if err != nil {
		return err
	}

	var docs []json.RawMessage
	for _, result := range resp.Results {
		for _, d := range result.Docs {
			if d.Error != nil {
				logutil.Debug("dropping bulk_get error result", "id", result.ID, "reason", d.Error.Reason)
				continue
			}
			if d.OK != nil {
				docs = append(docs, d.OK)
			}
		}
	}

	line, err := backupfmt.EncodeBatch(docs)
	if err != nil {
		return cberrors.NewSpoolChangesError(err)
	}

	mu.Lock()
	defer mu.Unlock()

	if _, err := target.Write(append(line, '\n')); err != nil {
		return cberrors.NewSpoolChangesError(fmt.Errorf("writing backup line: %w", err))
	}
	if f, ok := target.(*os.File); ok {
		if err := f.Sync(); err != nil {
			return cberrors.NewSpoolChangesError(err)
		}
	}

	if _, err := logW.Write([]byte(logfile.FormatDone(b.Number) + "\n")); err != nil {
		return cberrors.NewSpoolChangesError(err)
	}
	if f, ok := logW.(*os.File); ok {
		if err := f.Sync(); err != nil {
			return cberrors.NewSpoolChangesError(err)
		}
	}

	*total += int64(len(docs))
	sink.written(b.Number, *total, time.Since(start))
	return nil
}

func readSummary(path string) (logfile.Summary, error) {
	var summary logfile.Summary
	err := withReadLog(path, func(r io.Reader) error {
		var err error
		summary, err = logfile.Summarise(r)
		return err
	})
	return summary, err
}

func withReadLog(path string, fn func(io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return fn(bufio.NewReaderSize(f, 64*1024))
}
