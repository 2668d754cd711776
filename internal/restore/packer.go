package restore

import "encoding/json"

// Packer assigns each array read from the backup stream a strictly
// increasing batch counter, starting at 0 in line order, per §3's
// RestoreBatch definition.
type Packer struct {
	next uint32
}

// Pack wraps docs as the next RestoreBatch.
func (p *Packer) Pack(docs []json.RawMessage) Batch {
	b := Batch{Number: p.next, Docs: docs}
	p.next++
	return b
}

// Batch is one unit of restore work.
type Batch struct {
	Number uint32
	Docs   []json.RawMessage
}
