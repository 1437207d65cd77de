package entry

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"
)

type Config struct {
	Dir             string
	SegmentSize     int64
	SegmentDuration time.Duration
	// Sync fsyncs every append.
	Sync bool
}

// WAL is the append-only command journal. Each process start writes into a
// fresh segment so a torn tail left by a crash is never appended to.
type WAL struct {
	mu sync.Mutex

	dir        string
	segSize    int64
	segAge     time.Duration
	sync       bool
	current    *segment
	lastRotate time.Time
}

func Open(cfg Config) (*WAL, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	existing, err := listSegments(cfg.Dir)
	if err != nil {
		return nil, err
	}
	next := 0
	if n := len(existing); n > 0 {
		next = existing[n-1] + 1
	}

	seg, err := openSegment(cfg.Dir, next)
	if err != nil {
		return nil, err
	}
	return &WAL{
		dir:        cfg.Dir,
		segSize:    cfg.SegmentSize,
		segAge:     cfg.SegmentDuration,
		sync:       cfg.Sync,
		current:    seg,
		lastRotate: time.Now(),
	}, nil
}

func (w *WAL) Append(r Record) error {
	buf := encode(r)

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.current.append(buf); err != nil {
		return fmt.Errorf("entry wal append seq %d: %w", r.Seq, err)
	}
	if w.sync {
		if err := w.current.sync(); err != nil {
			return fmt.Errorf("entry wal sync: %w", err)
		}
	}

	if (w.segSize > 0 && w.current.offset >= w.segSize) ||
		(w.segAge > 0 && time.Since(w.lastRotate) >= w.segAge) {
		return w.rotate()
	}
	return nil
}

func encode(r Record) []byte {
	n := uint32(len(r.Data))
	buf := make([]byte, headerSize+int(n)+4)

	buf[0] = r.Type
	binary.BigEndian.PutUint64(buf[1:9], r.Seq)
	binary.BigEndian.PutUint64(buf[9:17], uint64(r.Time))
	binary.BigEndian.PutUint32(buf[17:21], n)
	copy(buf[headerSize:], r.Data)

	end := headerSize + int(n)
	binary.BigEndian.PutUint32(buf[end:], checksum(buf[:end]))
	return buf
}

func (w *WAL) rotate() error {
	if err := w.current.close(); err != nil {
		return err
	}
	seg, err := openSegment(w.dir, w.current.index+1)
	if err != nil {
		return err
	}
	w.current = seg
	w.lastRotate = time.Now()
	return nil
}

// TruncateBefore removes closed segments whose records are all at or below
// seq. The segment being written is never removed.
func (w *WAL) TruncateBefore(seq uint64) (int, error) {
	w.mu.Lock()
	current := w.current.index
	w.mu.Unlock()

	idxs, err := listSegments(w.dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, idx := range idxs {
		if idx >= current {
			break
		}
		path := segmentPath(w.dir, idx)
		maxSeq, err := maxSeqInSegment(path)
		if err != nil {
			return removed, err
		}
		if maxSeq > seq {
			// later segments only hold higher sequences
			break
		}
		if err := os.Remove(path); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current.close()
}
