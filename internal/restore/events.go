package restore

import "time"

// Sink receives progress events during a restore run.
type Sink struct {
	OnRestored func(batch uint32, documents int, total int64, elapsed time.Duration)
	OnFinished func(total int64)
}

func Quiet() Sink { return Sink{} }

func (s Sink) restored(batch uint32, documents int, total int64, elapsed time.Duration) {
	if s.OnRestored != nil {
		s.OnRestored(batch, documents, total, elapsed)
	}
}

func (s Sink) finished(total int64) {
	if s.OnFinished != nil {
		s.OnFinished(total)
	}
}
