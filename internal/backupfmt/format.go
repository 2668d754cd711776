// Package backupfmt is the on-disk format of a backup file (§3, §6.1): a
// metadata header line, a stream of batch lines each holding a JSON array
// of documents, and one resume marker line at the start of each resumed
// run's output.
package backupfmt

import (
	"encoding/json"
	"strings"
)

// ResumeMarkerValue is the sentinel written, instead of the header, as the
// first line a resumed backup appends to an existing backup file, so a
// later restore can recognise (and skip) the boundary between runs.
const ResumeMarkerValue = "@cloudant/couchbackup:resume"

// Header is the first line of a backup file.
type Header struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Mode        string `json:"mode"`
	Attachments bool   `json:"attachments"`
}

// ResumeMarker is the line a resumed backup writes before its batch lines.
type ResumeMarker struct {
	Marker string `json:"marker"`
}

// IsResumeMarker reports whether line decodes as the resume marker.
func IsResumeMarker(line []byte) bool {
	var m ResumeMarker
	if err := json.Unmarshal(line, &m); err != nil {
		return false
	}
	return m.Marker == ResumeMarkerValue
}

var resumeMarkerSuffix = mustEncodeResumeMarker()

func mustEncodeResumeMarker() string {
	b, err := EncodeResumeMarker()
	if err != nil {
		panic(err)
	}
	return string(b)
}

// HasTrailingResumeMarker reports whether line ends with the resume
// marker's exact JSON encoding, even when line as a whole fails to parse
// as JSON. This is the one-broken-line-per-resume tolerance of §4.9: a
// pre-abort write can leave garbage bytes immediately followed, with no
// separating newline, by the marker bytes of the next write.
func HasTrailingResumeMarker(line string) bool {
	return strings.HasSuffix(line, resumeMarkerSuffix)
}

// EncodeHeader renders h as a backup file's first line (no trailing
// newline).
func EncodeHeader(h Header) ([]byte, error) {
	return json.Marshal(h)
}

// EncodeBatch renders one completed batch's documents as a backup file
// body line: a bare JSON array, per §6.1. The batch number itself is not
// recorded in the file; lines appear in the order batches complete, which
// need not be batch-number order.
func EncodeBatch(docs []json.RawMessage) ([]byte, error) {
	if docs == nil {
		docs = []json.RawMessage{}
	}
	return json.Marshal(docs)
}

// EncodeResumeMarker renders the resume-marker line (no trailing newline).
func EncodeResumeMarker() ([]byte, error) {
	return json.Marshal(ResumeMarker{Marker: ResumeMarkerValue})
}

// DecodeHeader attempts to parse line as a Header. It returns ok=false
// (never an error) when line isn't a recognisable header, so callers can
// fall back to legacy no-header tolerance per §9.
func DecodeHeader(line []byte) (Header, bool) {
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return Header{}, false
	}
	if h.Name == "" && h.Version == "" && h.Mode == "" {
		return Header{}, false
	}
	return h, true
}

// DecodeBatch parses a backup body line into its document array.
func DecodeBatch(line []byte) ([]json.RawMessage, error) {
	var docs []json.RawMessage
	if err := json.Unmarshal(line, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}
