package logfile

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/IBM/couchbackup-sub000/internal/cberrors"
	"github.com/IBM/couchbackup-sub000/internal/couchclient"
	"github.com/IBM/couchbackup-sub000/internal/logutil"
)

// ChangesSource is the subset of couchclient.Client the spooler needs.
type ChangesSource interface {
	PostChanges(ctx context.Context, seqInterval int) (io.ReadCloser, error)
}

// SpoolResult summarises a completed spool: the number of :t batches
// written (one more than the last batch number, 0 when none) and the
// feed's last_seq token.
type SpoolResult struct {
	FinalBatch uint32
	LastSeq    string
}

// SeqInterval is the server hint passed to the changes feed so
// intermediate last_seq rows are suppressed, per §4.4 step 2.
const SeqInterval = 10000

// Spool requests a bounded (feed=normal) changes response and writes its
// results to w as a sequence of :t batch lines followed by a
// :changes_complete line, per §4.4. feed=normal, rather than continuous,
// is what makes this a snapshot: a continuous feed only emits its closing
// last_seq after an idle timeout (60s by default, never on a database
// with ongoing writes), which is the live-tail behaviour spec.md's
// Non-goals explicitly excludes. bufferSize is the number of document IDs
// accumulated per batch before it is flushed. w is flushed (if it
// supports it) after every batch so a resume reading the file never
// observes a batch whose bytes are still sitting in a kernel buffer.
func Spool(ctx context.Context, source ChangesSource, w io.Writer, bufferSize int) (SpoolResult, error) {
	if bufferSize <= 0 {
		bufferSize = 500
	}

	body, err := source.PostChanges(ctx, SeqInterval)
	if err != nil {
		return SpoolResult{}, cberrors.NewSpoolChangesError(err)
	}
	defer body.Close()

	bw := bufio.NewWriterSize(toWriter(w), 64*1024)

	var (
		batch   []PendingID
		batchNo uint32
		lastSeq string
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		line, err := FormatPending(batchNo, batch)
		if err != nil {
			return cberrors.NewSpoolChangesError(fmt.Errorf("encoding batch %d: %w", batchNo, err))
		}
		if _, err := bw.WriteString(line + "\n"); err != nil {
			return cberrors.NewSpoolChangesError(err)
		}
		if err := bw.Flush(); err != nil {
			return cberrors.NewSpoolChangesError(err)
		}
		if err := syncIfPossible(w); err != nil {
			return cberrors.NewSpoolChangesError(err)
		}
		logutil.Debug("spooled batch", "batch", batchNo, "docs", len(batch))
		batchNo++
		batch = batch[:0]
		return nil
	}

	dec := json.NewDecoder(body)

	if err := expectDelim(dec, '{'); err != nil {
		return SpoolResult{}, cberrors.NewSpoolChangesError(fmt.Errorf("decoding changes response: %w", err))
	}

	for dec.More() {
		if err := ctx.Err(); err != nil {
			return SpoolResult{}, err
		}

		keyTok, err := dec.Token()
		if err != nil {
			return SpoolResult{}, cberrors.NewSpoolChangesError(err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return SpoolResult{}, cberrors.NewSpoolChangesError(fmt.Errorf("unexpected token %v in changes response", keyTok))
		}

		switch key {
		case "results":
			if err := expectDelim(dec, '['); err != nil {
				return SpoolResult{}, cberrors.NewSpoolChangesError(err)
			}
			for dec.More() {
				var row couchclient.ChangeRow
				if err := dec.Decode(&row); err != nil {
					return SpoolResult{}, cberrors.NewSpoolChangesError(fmt.Errorf("decoding changes row: %w", err))
				}
				if len(row.Changes) == 0 {
					continue
				}
				batch = append(batch, PendingID{ID: row.ID})
				if len(batch) >= bufferSize {
					if err := flush(); err != nil {
						return SpoolResult{}, err
					}
				}
			}
			if _, err := dec.Token(); err != nil { // closing ']'
				return SpoolResult{}, cberrors.NewSpoolChangesError(err)
			}
		case "last_seq":
			var raw json.RawMessage
			if err := dec.Decode(&raw); err != nil {
				return SpoolResult{}, cberrors.NewSpoolChangesError(err)
			}
			lastSeq = decodeSeqToken(raw)
		default:
			var discard json.RawMessage
			if err := dec.Decode(&discard); err != nil {
				return SpoolResult{}, cberrors.NewSpoolChangesError(err)
			}
		}
	}

	if _, err := dec.Token(); err != nil { // closing '}'
		return SpoolResult{}, cberrors.NewSpoolChangesError(err)
	}

	if err := flush(); err != nil {
		return SpoolResult{}, err
	}

	if lastSeq == "" {
		return SpoolResult{}, cberrors.NewSpoolChangesError(fmt.Errorf("changes feed ended without a last_seq"))
	}

	completeLine := FormatComplete(lastSeq)
	if _, err := bw.WriteString(completeLine + "\n"); err != nil {
		return SpoolResult{}, cberrors.NewSpoolChangesError(err)
	}
	if err := bw.Flush(); err != nil {
		return SpoolResult{}, cberrors.NewSpoolChangesError(err)
	}
	if err := syncIfPossible(w); err != nil {
		return SpoolResult{}, cberrors.NewSpoolChangesError(err)
	}

	return SpoolResult{FinalBatch: batchNo, LastSeq: lastSeq}, nil
}

// expectDelim reads the next token from dec and fails unless it is the
// given JSON delimiter.
func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	d, ok := tok.(json.Delim)
	if !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

func decodeSeqToken(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// toWriter narrows w to io.Writer; present so Spool can accept an
// *os.File directly without an import cycle concern at call sites.
func toWriter(w io.Writer) io.Writer { return w }

// syncIfPossible fsyncs w when it is an *os.File, so a crash after a
// batch is written can never leave it only partially durable.
func syncIfPossible(w io.Writer) error {
	if f, ok := w.(*os.File); ok {
		return f.Sync()
	}
	return nil
}
