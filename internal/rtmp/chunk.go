package rtmp

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	defaultChunkSize  = 128
	maxChunkSize      = 0xFFFFFF
	extendedTimestamp = 0xFFFFFF
	maxMessageLength  = 0xFFFFFF
)

// chunkWriter splits messages into chunks, compressing headers against the
// previous message on the same chunk stream.
type chunkWriter struct {
	w         io.Writer
	chunkSize int
	prev      map[uint32]messageHeader
	buf       []byte
}

type messageHeader struct {
	typeID    uint8
	streamID  uint32
	timestamp uint32
	length    int
}

func newChunkWriter(w io.Writer) *chunkWriter {
	return &chunkWriter{
		w:         w,
		chunkSize: defaultChunkSize,
		prev:      make(map[uint32]messageHeader),
	}
}

func (cw *chunkWriter) SetChunkSize(size int) {
	cw.chunkSize = size
}

// WriteMessage writes m as one or more chunks.
func (cw *chunkWriter) WriteMessage(m *Message) error {
	if len(m.Payload) > maxMessageLength {
		return errors.Errorf("message too large: %d bytes", len(m.Payload))
	}

	prev, seen := cw.prev[m.CSID]
	format := uint8(0)
	tsField := m.Timestamp
	if seen && prev.streamID == m.StreamID && m.Timestamp >= prev.timestamp {
		tsField = m.Timestamp - prev.timestamp
		if prev.typeID == m.Type && prev.length == len(m.Payload) {
			format = 2
		} else {
			format = 1
		}
	}

	extended := tsField >= extendedTimestamp
	b := cw.buf[:0]
	b = appendBasicHeader(b, format, m.CSID)
	if extended {
		b = appendUint24(b, extendedTimestamp)
	} else {
		b = appendUint24(b, tsField)
	}
	if format <= 1 {
		b = appendUint24(b, uint32(len(m.Payload)))
		b = append(b, m.Type)
	}
	if format == 0 {
		b = binary.LittleEndian.AppendUint32(b, m.StreamID)
	}
	if extended {
		b = binary.BigEndian.AppendUint32(b, tsField)
	}

	payload := m.Payload
	for {
		n := min(len(payload), cw.chunkSize)
		b = append(b, payload[:n]...)
		payload = payload[n:]
		if len(payload) == 0 {
			break
		}
		b = appendBasicHeader(b, 3, m.CSID)
		if extended {
			b = binary.BigEndian.AppendUint32(b, tsField)
		}
	}
	cw.buf = b

	if _, err := cw.w.Write(b); err != nil {
		return err
	}

	cw.prev[m.CSID] = messageHeader{
		typeID:    m.Type,
		streamID:  m.StreamID,
		timestamp: m.Timestamp,
		length:    len(m.Payload),
	}
	return nil
}

func appendBasicHeader(b []byte, format uint8, csid uint32) []byte {
	switch {
	case csid < 64:
		return append(b, format<<6|byte(csid))
	case csid < 320:
		return append(b, format<<6, byte(csid-64))
	default:
		id := csid - 64
		return append(b, format<<6|1, byte(id), byte(id>>8))
	}
}

func appendUint24(b []byte, v uint32) []byte {
	return append(b, byte(v>>16), byte(v>>8), byte(v))
}

func uint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// chunkStream is the inbound state of one chunk stream id.
type chunkStream struct {
	timestamp uint32
	delta     uint32
	length    uint32
	typeID    uint8
	streamID  uint32
	extended  bool
	payload   []byte
}

// chunkReader reassembles inbound chunks into messages.
type chunkReader struct {
	r         io.Reader
	chunkSize int
	streams   map[uint32]*chunkStream
	hdr       [11]byte
}

func newChunkReader(r io.Reader) *chunkReader {
	return &chunkReader{
		r:         r,
		chunkSize: defaultChunkSize,
		streams:   make(map[uint32]*chunkStream),
	}
}

func (cr *chunkReader) SetChunkSize(size int) {
	cr.chunkSize = size
}

// Abort discards a partially received message.
func (cr *chunkReader) Abort(csid uint32) {
	if cs := cr.streams[csid]; cs != nil {
		cs.payload = nil
	}
}

// ReadMessage reads chunks until one message is complete.
func (cr *chunkReader) ReadMessage() (*Message, error) {
	for {
		m, err := cr.readChunk()
		if err != nil || m != nil {
			return m, err
		}
	}
}

func (cr *chunkReader) readChunk() (*Message, error) {
	format, csid, err := cr.readBasicHeader()
	if err != nil {
		return nil, err
	}

	cs := cr.streams[csid]
	if cs == nil {
		if format != 0 {
			return nil, errors.Errorf("chunk stream %d starts with format %d", csid, format)
		}
		cs = &chunkStream{}
		cr.streams[csid] = cs
	}

	h := cr.hdr[:]
	switch format {
	case 0:
		if _, err := io.ReadFull(cr.r, h[:11]); err != nil {
			return nil, err
		}
		cs.timestamp = uint24(h[0:3])
		cs.length = uint24(h[3:6])
		cs.typeID = h[6]
		cs.streamID = binary.LittleEndian.Uint32(h[7:11])
		cs.delta = 0
		cs.extended = cs.timestamp == extendedTimestamp
		if cs.extended {
			if cs.timestamp, err = cr.readUint32(); err != nil {
				return nil, err
			}
		}
		cs.payload = nil
	case 1, 2:
		n := 3
		if format == 1 {
			n = 7
		}
		if _, err := io.ReadFull(cr.r, h[:n]); err != nil {
			return nil, err
		}
		cs.delta = uint24(h[0:3])
		if format == 1 {
			cs.length = uint24(h[3:6])
			cs.typeID = h[6]
		}
		cs.extended = cs.delta == extendedTimestamp
		if cs.extended {
			if cs.delta, err = cr.readUint32(); err != nil {
				return nil, err
			}
		}
		cs.timestamp += cs.delta
		cs.payload = nil
	case 3:
		if cs.extended {
			// repeated extended timestamp
			if _, err := cr.readUint32(); err != nil {
				return nil, err
			}
		}
		if cs.payload == nil {
			// new message with the previous header
			cs.timestamp += cs.delta
		}
	}

	if cs.payload == nil {
		cs.payload = make([]byte, 0, cs.length)
	}
	n := min(int(cs.length)-len(cs.payload), cr.chunkSize)
	start := len(cs.payload)
	cs.payload = cs.payload[:start+n]
	if _, err := io.ReadFull(cr.r, cs.payload[start:]); err != nil {
		return nil, err
	}

	if len(cs.payload) < int(cs.length) {
		return nil, nil
	}

	m := &Message{
		CSID:      csid,
		Type:      cs.typeID,
		StreamID:  cs.streamID,
		Timestamp: cs.timestamp,
		Payload:   cs.payload,
	}
	cs.payload = nil
	return m, nil
}

func (cr *chunkReader) readBasicHeader() (uint8, uint32, error) {
	b := cr.hdr[:1]
	if _, err := io.ReadFull(cr.r, b); err != nil {
		return 0, 0, err
	}
	format := b[0] >> 6
	csid := uint32(b[0] & 0x3F)
	switch csid {
	case 0:
		if _, err := io.ReadFull(cr.r, b); err != nil {
			return 0, 0, err
		}
		csid = uint32(b[0]) + 64
	case 1:
		b = cr.hdr[:2]
		if _, err := io.ReadFull(cr.r, b); err != nil {
			return 0, 0, err
		}
		csid = uint32(b[0]) + uint32(b[1])<<8 + 64
	}
	return format, csid, nil
}

func (cr *chunkReader) readUint32() (uint32, error) {
	b := cr.hdr[:4]
	if _, err := io.ReadFull(cr.r, b); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}
