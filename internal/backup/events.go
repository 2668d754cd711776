package backup

import "time"

// Sink receives progress events during a backup run, per §9's
// "structured progress callback" replacement for the reference's event
// emitter. Any field left nil is simply not called; Quiet returns a Sink
// whose fields are all nil.
type Sink struct {
	OnChanges  func(batch uint32)
	OnWritten  func(batch uint32, total int64, elapsed time.Duration)
	OnFinished func(total int64)
}

// Quiet is a Sink that drops every event, for the --quiet CLI option.
func Quiet() Sink { return Sink{} }

func (s Sink) changes(batch uint32) {
	if s.OnChanges != nil {
		s.OnChanges(batch)
	}
}

func (s Sink) written(batch uint32, total int64, elapsed time.Duration) {
	if s.OnWritten != nil {
		s.OnWritten(batch, total, elapsed)
	}
}

func (s Sink) finished(total int64) {
	if s.OnFinished != nil {
		s.OnFinished(total)
	}
}
