package h264

import (
	"bufio"
	"bytes"
	"io"
)

// MaxAccessUnitSize bounds a single access unit read from a byte stream.
const MaxAccessUnitSize = 4 << 20

var audPrefix = []byte{0x00, 0x00, 0x01, 0x09}

// NewAccessUnitScanner returns a scanner over an Annex-B elementary stream
// whose access units each start with an access unit delimiter, as produced
// by encoders told to insert AUDs. Each token is one access unit including
// its start codes.
func NewAccessUnitScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 256<<10), MaxAccessUnitSize)
	s.Split(splitAccessUnit)
	return s
}

// splitAccessUnit is a bufio.SplitFunc cutting before every AUD after the
// first one.
func splitAccessUnit(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	// Skip the current unit's own delimiter (start code and type byte).
	const skip = 5
	if len(data) > skip {
		if i := bytes.Index(data[skip:], audPrefix); i >= 0 {
			end := skip + i
			// belongs to a 4-byte start code
			if data[end-1] == 0x00 {
				end--
			}
			return end, data[:end], nil
		}
	}

	if atEOF {
		return len(data), data, nil
	}

	// Request more data
	return 0, nil, nil
}
