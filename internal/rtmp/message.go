package rtmp

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Message type ids
const (
	typeSetChunkSize     uint8 = 1
	typeAbort            uint8 = 2
	typeAck              uint8 = 3
	typeUserControl      uint8 = 4
	typeWindowAckSize    uint8 = 5
	typeSetPeerBandwidth uint8 = 6
	typeAudio            uint8 = 8
	typeVideo            uint8 = 9
	typeDataAMF3         uint8 = 15
	typeCommandAMF3      uint8 = 17
	typeDataAMF0         uint8 = 18
	typeCommandAMF0      uint8 = 20
)

// User control event types
const (
	eventStreamBegin  uint16 = 0
	eventStreamEOF    uint16 = 1
	eventStreamDry    uint16 = 2
	eventSetBuffer    uint16 = 3
	eventPingRequest  uint16 = 6
	eventPingResponse uint16 = 7
)

// Chunk stream ids used for outbound messages
const (
	csidControl uint32 = 2
	csidCommand uint32 = 3
	csidStream  uint32 = 4
	csidVideo   uint32 = 6
)

// Message is one reassembled RTMP message.
type Message struct {
	CSID      uint32
	Type      uint8
	StreamID  uint32
	Timestamp uint32
	Payload   []byte
}

func uint32Message(typ uint8, v uint32) *Message {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return &Message{CSID: csidControl, Type: typ, Payload: b}
}

func setChunkSizeMessage(size uint32) *Message {
	return uint32Message(typeSetChunkSize, size&0x7FFFFFFF)
}

func ackMessage(seq uint32) *Message {
	return uint32Message(typeAck, seq)
}

func windowAckSizeMessage(size uint32) *Message {
	return uint32Message(typeWindowAckSize, size)
}

func userControlMessage(event uint16, data []byte) *Message {
	b := make([]byte, 2, 2+len(data))
	binary.BigEndian.PutUint16(b, event)
	return &Message{CSID: csidControl, Type: typeUserControl, Payload: append(b, data...)}
}

func (m *Message) uint32Payload() (uint32, error) {
	if len(m.Payload) < 4 {
		return 0, errors.Errorf("message type %d: payload too short (%d bytes)", m.Type, len(m.Payload))
	}
	return binary.BigEndian.Uint32(m.Payload), nil
}
