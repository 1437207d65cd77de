package sequence

import "sync/atomic"

// Sequencer hands out strictly increasing ids. The venue keeps three: order
// ids, journal records and events. All are restored from snapshots so that
// replay reproduces the same numbers.
type Sequencer struct {
	last atomic.Uint64
}

// New starts a sequencer whose first Next returns start+1.
func New(start uint64) *Sequencer {
	s := &Sequencer{}
	s.last.Store(start)
	return s
}

func (s *Sequencer) Next() uint64 {
	return s.last.Add(1)
}

// Current is the last id handed out.
func (s *Sequencer) Current() uint64 {
	return s.last.Load()
}

// Reset rewinds or advances to v. Only used while restoring state.
func (s *Sequencer) Reset(v uint64) {
	s.last.Store(v)
}
