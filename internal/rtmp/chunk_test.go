package rtmp

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkRoundTrip(t *testing.T) {
	big := bytes.Repeat([]byte{0xAB}, 1000)
	msgs := []*Message{
		{CSID: csidCommand, Type: typeCommandAMF0, Payload: []byte("connect")},
		{CSID: csidVideo, Type: typeVideo, StreamID: 1, Timestamp: 0, Payload: big},
		{CSID: csidVideo, Type: typeVideo, StreamID: 1, Timestamp: 33, Payload: big},
		{CSID: csidVideo, Type: typeVideo, StreamID: 1, Timestamp: 66, Payload: []byte{1, 2, 3}},
		// extended delta
		{CSID: csidVideo, Type: typeVideo, StreamID: 1, Timestamp: 0x2000000, Payload: big},
		{CSID: csidVideo, Type: typeVideo, StreamID: 1, Timestamp: 0x2000021, Payload: big[:300]},
		// extended absolute timestamp
		{CSID: 7, Type: typeVideo, StreamID: 1, Timestamp: 0x1000000, Payload: big},
		{CSID: 70, Type: typeDataAMF0, StreamID: 1, Timestamp: 5, Payload: []byte{9}},
		{CSID: 400, Type: typeDataAMF0, StreamID: 1, Timestamp: 5, Payload: []byte{}},
	}

	for _, size := range []int{defaultChunkSize, 4096} {
		var buf bytes.Buffer
		w := newChunkWriter(&buf)
		w.SetChunkSize(size)
		for _, m := range msgs {
			require.NoError(t, w.WriteMessage(m))
		}

		r := newChunkReader(&buf)
		r.SetChunkSize(size)
		for i, want := range msgs {
			got, err := r.ReadMessage()
			require.NoError(t, err, "message %d", i)
			assert.Equal(t, want.CSID, got.CSID, "message %d", i)
			assert.Equal(t, want.Type, got.Type, "message %d", i)
			assert.Equal(t, want.StreamID, got.StreamID, "message %d", i)
			assert.Equal(t, want.Timestamp, got.Timestamp, "message %d", i)
			assert.Equal(t, len(want.Payload), len(got.Payload), "message %d", i)
			assert.True(t, bytes.Equal(want.Payload, got.Payload), "message %d", i)
		}
		assert.Equal(t, 0, buf.Len())
	}
}

func TestChunkHeaderCompression(t *testing.T) {
	var buf bytes.Buffer
	w := newChunkWriter(&buf)

	require.NoError(t, w.WriteMessage(&Message{CSID: csidVideo, Type: typeVideo, StreamID: 1, Timestamp: 10, Payload: []byte{1, 2}}))
	// fmt 0: basic header + 11 byte message header
	assert.Equal(t, 1+11+2, buf.Len())
	assert.Equal(t, byte(0x06), buf.Bytes()[0])
	buf.Reset()

	require.NoError(t, w.WriteMessage(&Message{CSID: csidVideo, Type: typeVideo, StreamID: 1, Timestamp: 20, Payload: []byte{3, 4}}))
	// fmt 2: same type and length, delta only
	assert.Equal(t, []byte{0x86, 0, 0, 10, 3, 4}, buf.Bytes())
	buf.Reset()

	require.NoError(t, w.WriteMessage(&Message{CSID: csidVideo, Type: typeVideo, StreamID: 1, Timestamp: 25, Payload: []byte{5}}))
	// fmt 1: length changed
	assert.Equal(t, []byte{0x46, 0, 0, 5, 0, 0, 1, typeVideo, 5}, buf.Bytes())
}

func TestBasicHeaderEncoding(t *testing.T) {
	assert.Equal(t, []byte{0x03}, appendBasicHeader(nil, 0, 3))
	assert.Equal(t, []byte{0xC0, 0x00}, appendBasicHeader(nil, 3, 64))
	assert.Equal(t, []byte{0x40, 0xFF}, appendBasicHeader(nil, 1, 319))
	assert.Equal(t, []byte{0x01, 0x00, 0x01}, appendBasicHeader(nil, 0, 320))
}

func TestChunkReaderAbort(t *testing.T) {
	var buf bytes.Buffer
	w := newChunkWriter(&buf)
	require.NoError(t, w.WriteMessage(&Message{CSID: csidVideo, Type: typeVideo, StreamID: 1, Payload: bytes.Repeat([]byte{1}, 200)}))

	// keep only the first chunk, then abort and send a fresh message
	first := append([]byte(nil), buf.Bytes()[:1+11+defaultChunkSize]...)
	buf.Reset()
	require.NoError(t, w.WriteMessage(&Message{CSID: csidCommand, Type: typeCommandAMF0, Payload: []byte{7}}))

	r := newChunkReader(bytes.NewReader(append(first, buf.Bytes()...)))
	got, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, csidCommand, got.CSID)

	r.Abort(csidVideo)
	assert.Nil(t, r.streams[csidVideo].payload)
}

func TestHandshake(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errc := make(chan error, 1)
	go func() { errc <- serverHandshake(server) }()

	require.NoError(t, clientHandshake(client, 1234))
	require.NoError(t, <-errc)
}

func TestHandshakeRejectsVersion(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		buf := make([]byte, 1+handshakeSize)
		server.Read(buf)
		reply := make([]byte, 1+handshakeSize)
		reply[0] = 6 // RTMPE
		server.Write(reply)
	}()

	assert.Error(t, clientHandshake(client, 0))
}
