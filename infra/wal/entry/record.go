package entry

// Record is one journaled command. Type mirrors the command op so a scan can
// filter without decoding the payload.
type Record struct {
	Type uint8
	Seq  uint64
	Time int64
	Data []byte
}

// Frame: [type:1][seq:8][time:8][len:4][payload][crc:4], big endian. The
// CRC covers header and payload.
const headerSize = 1 + 8 + 8 + 4
