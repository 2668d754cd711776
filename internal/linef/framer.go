// Package linef splits a byte stream into UTF-8 lines, tolerating \r\n,
// and optionally tags each line with its 1-based position. It is used by
// both the log-file mapper and the restore orchestrator's backup-file
// reader, so it has to be restartable across arbitrary chunk boundaries
// rather than assuming a single in-memory buffer.
package linef

import (
	"bufio"
	"io"
)

// Line is one framed line, optionally carrying its 1-based line number.
type Line struct {
	Number int // 0 when line numbering is disabled
	Text   string
}

// Framer reads lines from an underlying reader one at a time.
type Framer struct {
	r           *bufio.Reader
	withNumbers bool
	next        int
	done        bool
}

// New creates a Framer over r. Pass withLineNumbers to have Next populate
// Line.Number (1-based); otherwise Number is always 0.
func New(r io.Reader, withLineNumbers bool) *Framer {
	return &Framer{
		r:           bufio.NewReaderSize(r, 256*1024),
		withNumbers: withLineNumbers,
		next:        1,
	}
}

// Next returns the next line, or io.EOF when the stream is exhausted. A
// final line with no trailing newline is still returned (with err=nil);
// the next call returns io.EOF. Empty lines, including an empty last
// line ("a\n\n"), are returned as a blank Line so callers that need to
// detect them (restore's blank-line skip) can; a stream that simply ends
// with \n yields no extra blank Line after its last line.
func (f *Framer) Next() (Line, error) {
	if f.done {
		return Line{}, io.EOF
	}

	raw, err := f.r.ReadString('\n')
	if err != nil && err != io.EOF {
		return Line{}, err
	}
	if err == io.EOF {
		f.done = true
		if raw == "" {
			return Line{}, io.EOF
		}
	}

	text := trimNewline(raw)
	line := Line{Text: text}
	if f.withNumbers {
		line.Number = f.next
		f.next++
	}
	return line, nil
}

func trimNewline(s string) string {
	if n := len(s); n > 0 && s[n-1] == '\n' {
		s = s[:n-1]
		if n := len(s); n > 0 && s[n-1] == '\r' {
			s = s[:n-1]
		}
	}
	return s
}

// ForEach calls fn for every line in r until EOF or fn returns an error.
// A non-nil error returned by fn stops iteration and is propagated.
func ForEach(r io.Reader, withLineNumbers bool, fn func(Line) error) error {
	f := New(r, withLineNumbers)
	for {
		line, err := f.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(line); err != nil {
			return err
		}
	}
}
