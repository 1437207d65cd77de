// Package exit is the durable event outbox. Every event the venue emits is
// stored here before it is published; the broadcaster drains it in sequence
// order and acknowledges what downstream sinks accepted.
package exit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// -------------------- State --------------------

type State uint8

const (
	StateNew State = iota
	StateSent
	StateAcked
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// -------------------- Record --------------------

type Record struct {
	Seq         uint64
	State       State
	Retries     uint32
	LastAttempt int64
	Payload     []byte
}

const recordHeader = 1 + 4 + 8

// binary encoding: [state:1][retries:4][lastAttempt:8][payload]
func encodeRecord(r Record) []byte {
	buf := make([]byte, recordHeader+len(r.Payload))
	buf[0] = byte(r.State)
	binary.BigEndian.PutUint32(buf[1:5], r.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(r.LastAttempt))
	copy(buf[recordHeader:], r.Payload)
	return buf
}

func decodeRecord(seq uint64, b []byte) (Record, error) {
	if len(b) < recordHeader {
		return Record{}, errors.New("invalid outbox record length")
	}
	return Record{
		Seq:         seq,
		State:       State(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
		Payload:     append([]byte(nil), b[recordHeader:]...),
	}, nil
}

// -------------------- Outbox --------------------

var ackedKey = []byte("meta/acked")

const eventPrefix = "event/"

type Outbox struct {
	db *pebble.DB

	mu    sync.Mutex
	acked uint64
}

func Open(dir string) (*Outbox, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	o := &Outbox{db: db}
	if o.acked, err = o.readAcked(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return o, nil
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

// Put stores a NEW record unless seq is already present or acknowledged.
// Replayed events therefore never reach consumers twice.
func (o *Outbox) Put(seq uint64, payload []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if seq <= o.acked {
		return nil
	}
	if _, closer, err := o.db.Get(keyFor(seq)); err == nil {
		return closer.Close()
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return err
	}
	return o.db.Set(keyFor(seq), encodeRecord(Record{State: StateNew, Payload: payload}), pebble.Sync)
}

func (o *Outbox) Get(seq uint64) (Record, error) {
	val, closer, err := o.db.Get(keyFor(seq))
	if err != nil {
		return Record{}, err
	}
	defer closer.Close()
	return decodeRecord(seq, val)
}

// MarkSent records a publish attempt.
func (o *Outbox) MarkSent(seq uint64) error {
	return o.update(seq, func(r *Record) {
		r.State = StateSent
		r.Retries++
		r.LastAttempt = time.Now().UnixNano()
	})
}

func (o *Outbox) MarkFailed(seq uint64) error {
	return o.update(seq, func(r *Record) { r.State = StateFailed })
}

// MarkAcked acknowledges seq and raises the high-water mark to it. The
// broadcaster acknowledges strictly in order.
func (o *Outbox) MarkAcked(seq uint64) error {
	if err := o.update(seq, func(r *Record) { r.State = StateAcked }); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if seq <= o.acked {
		return nil
	}
	o.acked = seq
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return o.db.Set(ackedKey, b[:], pebble.Sync)
}

// Acked is the highest acknowledged sequence.
func (o *Outbox) Acked() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.acked
}

func (o *Outbox) update(seq uint64, fn func(*Record)) error {
	rec, err := o.Get(seq)
	if err != nil {
		return fmt.Errorf("outbox %d: %w", seq, err)
	}
	fn(&rec)
	return o.db.Set(keyFor(seq), encodeRecord(rec), pebble.Sync)
}

// -------------------- Scan --------------------

// ScanPending visits NEW, SENT and FAILED records in sequence order until fn
// returns false or an error.
func (o *Outbox) ScanPending(fn func(Record) (bool, error)) error {
	return o.scan(func(rec Record) (bool, error) {
		if rec.State == StateAcked {
			return true, nil
		}
		return fn(rec)
	})
}

// ScanByState visits records in the given state in sequence order.
func (o *Outbox) ScanByState(state State, fn func(Record) error) error {
	return o.scan(func(rec Record) (bool, error) {
		if rec.State != state {
			return true, nil
		}
		return true, fn(rec)
	})
}

func (o *Outbox) scan(fn func(Record) (bool, error)) error {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(eventPrefix),
		UpperBound: []byte(eventPrefix + "~"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		seq, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		rec, err := decodeRecord(seq, iter.Value())
		if err != nil {
			return err
		}
		more, err := fn(rec)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return iter.Error()
}

// TruncateAckedUpTo deletes acknowledged records at or below seq.
func (o *Outbox) TruncateAckedUpTo(seq uint64) (int, error) {
	var doomed []uint64
	err := o.ScanByState(StateAcked, func(rec Record) error {
		if rec.Seq <= seq {
			doomed = append(doomed, rec.Seq)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	b := o.db.NewBatch()
	defer b.Close()
	for _, s := range doomed {
		if err := b.Delete(keyFor(s), nil); err != nil {
			return 0, err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, err
	}
	return len(doomed), nil
}

// -------------------- Helpers --------------------

func (o *Outbox) readAcked() (uint64, error) {
	val, closer, err := o.db.Get(ackedKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, errors.New("invalid acked marker")
	}
	return binary.BigEndian.Uint64(val), nil
}

func keyFor(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", eventPrefix, seq))
}

func parseKey(b []byte) (uint64, error) {
	return strconv.ParseUint(string(b[len(eventPrefix):]), 10, 64)
}
