package entry

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
)

// maxSeqInSegment returns the highest sequence in a segment by walking
// headers only.
func maxSeqInSegment(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var highest uint64
	header := make([]byte, headerSize)
	for {
		if _, err := io.ReadFull(f, header); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return highest, nil
			}
			return highest, err
		}

		highest = max(highest, binary.BigEndian.Uint64(header[1:9]))

		n := binary.BigEndian.Uint32(header[17:21])
		if _, err := f.Seek(int64(n)+4, io.SeekCurrent); err != nil {
			return highest, err
		}
	}
}
