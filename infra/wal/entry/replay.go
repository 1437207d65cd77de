package entry

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

var ErrCorrupt = errors.New("entry wal: checksum mismatch")

type ReplayHandler func(Record) error

// Replay feeds every record with a sequence above after to fn, in order,
// and returns the last sequence seen. A record cut short at the end of a
// segment is treated as the end of that segment.
func Replay(dir string, after uint64, fn ReplayHandler) (uint64, error) {
	idxs, err := listSegments(dir)
	if err != nil {
		return 0, err
	}

	last := after
	for _, idx := range idxs {
		if last, err = replaySegment(segmentPath(dir, idx), last, fn); err != nil {
			return last, err
		}
	}
	return last, nil
}

func replaySegment(path string, last uint64, fn ReplayHandler) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return last, err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	for {
		rec, err := readRecord(r)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return last, nil
		}
		if err != nil {
			return last, fmt.Errorf("%s: %w", path, err)
		}

		if rec.Seq <= last {
			// covered by the snapshot we started from
			continue
		}
		if err := fn(rec); err != nil {
			return last, err
		}
		last = rec.Seq
	}
}

func readRecord(r io.Reader) (Record, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return Record{}, err
	}
	n := binary.BigEndian.Uint32(header[17:21])

	body := make([]byte, int(n)+4)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Record{}, err
	}

	payload := body[:n]
	sum := binary.BigEndian.Uint32(body[n:])
	if checksum(append(header, payload...)) != sum {
		return Record{}, ErrCorrupt
	}

	return Record{
		Type: header[0],
		Seq:  binary.BigEndian.Uint64(header[1:9]),
		Time: int64(binary.BigEndian.Uint64(header[9:17])),
		Data: payload,
	}, nil
}
