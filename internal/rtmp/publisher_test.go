package rtmp

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rysertio/screenstreaming/internal/core"
)

// 1920x1080 baseline parameter sets
var (
	testSPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
		0x20,
	}
	testPPS = []byte{0x68, 0xce, 0x38, 0x80}
)

func annexB(nalus ...[]byte) []byte {
	var b []byte
	for _, n := range nalus {
		b = append(b, 0, 0, 0, 1)
		b = append(b, n...)
	}
	return b
}

func configUnit(pts time.Duration) core.EncodedUnit {
	return core.EncodedUnit{Payload: annexB(testSPS, testPPS), PTS: pts, Kind: core.UnitConfig}
}

func keyUnit(pts time.Duration) core.EncodedUnit {
	return core.EncodedUnit{Payload: annexB([]byte{0x65, 0x88, 0x84, 0x21}), PTS: pts, Kind: core.UnitKey}
}

func interUnit(pts time.Duration) core.EncodedUnit {
	return core.EncodedUnit{Payload: annexB([]byte{0x41, 0x9a, 0x22}), PTS: pts, Kind: core.UnitInter}
}

type event struct {
	ev  core.TransportEvent
	err error
}

type eventLog struct {
	mu     sync.Mutex
	events []event
	ch     chan event
}

func newEventLog() *eventLog {
	return &eventLog{ch: make(chan event, 16)}
}

func (l *eventLog) listener(ev core.TransportEvent, err error) {
	l.mu.Lock()
	l.events = append(l.events, event{ev, err})
	l.mu.Unlock()
	l.ch <- event{ev, err}
}

func (l *eventLog) wait(t *testing.T, want core.TransportEvent) event {
	t.Helper()
	for {
		select {
		case e := <-l.ch:
			if e.ev == want {
				return e
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func (l *eventLog) kinds() []core.TransportEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []core.TransportEvent
	for _, e := range l.events {
		out = append(out, e.ev)
	}
	return out
}

func testOptions() Options {
	return Options{
		ChunkSize:        4096,
		HandshakeTimeout: 2 * time.Second,
		NegotiateTimeout: 2 * time.Second,
		WriteTimeout:     time.Second,
		SendQueue:        16,
	}
}

func connectPublisher(t *testing.T, srv *fakeServer, creds *core.Credentials) (*Publisher, *eventLog) {
	t.Helper()
	p := NewPublisher(testOptions())
	events := newEventLog()
	require.NoError(t, p.Connect(context.Background(), srv.URL("/live/key"), creds, events.listener))
	t.Cleanup(func() { p.Disconnect() })
	return p, events
}

func TestPublisherNegotiatesBeforeMedia(t *testing.T) {
	srv := newFakeServer(t, nil)
	p := NewPublisher(testOptions())
	events := newEventLog()

	require.NoError(t, p.SetVideoParameters(core.VideoParameters{Width: 1280, Height: 720, FrameRate: 30, Bitrate: 2_000_000}))
	require.NoError(t, p.Connect(context.Background(), srv.URL("/live/key"), nil, events.listener))
	events.wait(t, core.TransportConnected)
	assert.Equal(t, StateReady, p.State())

	assert.ErrorIs(t, p.SendUnit(interUnit(0)), core.ErrNoCodecConfig)
	require.NoError(t, p.SendUnit(configUnit(0)))
	require.NoError(t, p.SendUnit(keyUnit(33*time.Millisecond)))
	require.NoError(t, p.SendUnit(interUnit(66*time.Millisecond)))
	assert.ErrorIs(t, p.SendUnit(interUnit(10*time.Millisecond)), core.ErrOutOfOrder)
	assert.ErrorIs(t, p.SetVideoParameters(core.VideoParameters{Width: 640, Height: 480}), core.ErrStreamStarted)

	require.NoError(t, p.Disconnect())
	srv.waitIdle()

	assert.Equal(t, []string{"connect", "releaseStream", "FCPublish", "createStream", "publish", "FCUnpublish", "deleteStream"}, srv.Commands())

	msgs := srv.Received()
	publishAt, firstMediaAt := -1, -1
	for i, m := range msgs {
		if m.Type == typeCommandAMF0 {
			if cmd, _ := parseCommand(m); cmd != nil && cmd.Name == "publish" {
				publishAt = i
			}
		}
		if (m.Type == typeVideo || m.Type == typeDataAMF0) && firstMediaAt < 0 {
			firstMediaAt = i
		}
	}
	require.GreaterOrEqual(t, publishAt, 0)
	require.Greater(t, firstMediaAt, publishAt)

	meta := msgs[firstMediaAt]
	require.Equal(t, typeDataAMF0, meta.Type)
	vals, err := decodeAMF0(meta.Payload)
	require.NoError(t, err)
	require.Len(t, vals, 3)
	assert.Equal(t, "@setDataFrame", vals[0])
	assert.Equal(t, "onMetaData", vals[1])
	props := asMap(vals[2])
	assert.Equal(t, float64(1280), props["width"])
	assert.Equal(t, float64(720), props["height"])
	assert.Equal(t, float64(7), props["videocodecid"])

	video := videoMessages(msgs)
	require.Len(t, video, 4)

	// sequence header first
	assert.Equal(t, []byte{0x17, 0x00, 0, 0, 0}, video[0].Payload[:5])
	assert.Equal(t, byte(0x01), video[0].Payload[5])
	assert.Equal(t, byte(0x42), video[0].Payload[6])
	assert.Equal(t, uint32(0), video[0].Timestamp)

	assert.Equal(t, []byte{0x17, 0x01, 0, 0, 0}, video[1].Payload[:5])
	assert.Equal(t, uint32(4), be32(video[1].Payload[5:9]))
	assert.Equal(t, uint32(33), video[1].Timestamp)

	assert.Equal(t, []byte{0x27, 0x01, 0, 0, 0}, video[2].Payload[:5])
	assert.Equal(t, uint32(66), video[2].Timestamp)

	// end of sequence on disconnect
	assert.Equal(t, []byte{0x17, 0x02}, video[3].Payload[:2])
	for _, m := range video {
		assert.Equal(t, uint32(1), m.StreamID)
	}

	assert.Equal(t, uint64(3), p.Stats().UnitsSent)
	assert.Equal(t, []core.TransportEvent{core.TransportConnected}, events.kinds())
}

func TestPublisherRejectsMalformedConfig(t *testing.T) {
	srv := newFakeServer(t, nil)
	p, events := connectPublisher(t, srv, nil)
	events.wait(t, core.TransportConnected)

	bad := core.EncodedUnit{Payload: annexB([]byte{0x67, 0x42}), Kind: core.UnitConfig}
	assert.ErrorIs(t, p.SendUnit(bad), core.ErrInvalidCodecConfig)
	assert.ErrorIs(t, p.SendUnit(keyUnit(33*time.Millisecond)), core.ErrNoCodecConfig)

	require.NoError(t, p.Disconnect())
	srv.waitIdle()

	assert.Empty(t, videoMessages(srv.Received()))
	assert.Equal(t, uint64(0), p.Stats().UnitsSent)
	assert.Equal(t, uint64(2), p.Stats().UnitsDropped)
}

func TestPublisherKeepsPreviousConfigOnBadUpdate(t *testing.T) {
	srv := newFakeServer(t, nil)
	p, events := connectPublisher(t, srv, nil)
	events.wait(t, core.TransportConnected)

	require.NoError(t, p.SendUnit(configUnit(0)))
	bad := core.EncodedUnit{Payload: annexB([]byte{0x67, 0x42}, testPPS), PTS: 10 * time.Millisecond, Kind: core.UnitConfig}
	assert.ErrorIs(t, p.SendUnit(bad), core.ErrInvalidCodecConfig)
	require.NoError(t, p.SendUnit(keyUnit(33*time.Millisecond)))

	require.NoError(t, p.Disconnect())
	srv.waitIdle()

	video := videoMessages(srv.Received())
	require.Len(t, video, 3)
	assert.Equal(t, []byte{0x17, 0x00}, video[0].Payload[:2])
	assert.Equal(t, []byte{0x17, 0x01}, video[1].Payload[:2])
	assert.Equal(t, []byte{0x17, 0x02}, video[2].Payload[:2])
}

func TestWriterHoldsPicturesUntilSequenceHeader(t *testing.T) {
	p := NewPublisher(testOptions())
	var mx muxer

	// no sequence header yet, so the unit never reaches the connection
	require.NoError(t, p.writeUnit(nil, &mx, keyUnit(0)))
	assert.Equal(t, uint64(1), p.Stats().UnitsDropped)
	assert.Equal(t, uint64(0), p.Stats().UnitsSent)
}

func TestPublisherNeverDropsConfigOnFullQueue(t *testing.T) {
	opts := testOptions()
	opts.SendQueue = 1
	p := NewPublisher(opts)
	// ready without a writer, so nothing drains the queue
	p.state = StateReady

	require.NoError(t, p.SendUnit(configUnit(0)))
	assert.ErrorIs(t, p.SendUnit(keyUnit(33*time.Millisecond)), core.ErrQueueFull)

	// queue still full: the new config is held, not dropped
	require.NoError(t, p.SendUnit(configUnit(66*time.Millisecond)))
	assert.Equal(t, core.UnitConfig, (<-p.queue).Kind)

	// the held config goes out ahead of the picture that follows it
	assert.ErrorIs(t, p.SendUnit(keyUnit(100*time.Millisecond)), core.ErrQueueFull)
	held := <-p.queue
	assert.Equal(t, core.UnitConfig, held.Kind)
	assert.Equal(t, 66*time.Millisecond, held.PTS)

	require.NoError(t, p.SendUnit(keyUnit(133*time.Millisecond)))
	assert.Equal(t, core.UnitKey, (<-p.queue).Kind)
	require.NoError(t, p.Disconnect())
}

func TestPublisherHeldConfigIsSuperseded(t *testing.T) {
	opts := testOptions()
	opts.SendQueue = 1
	p := NewPublisher(opts)
	p.state = StateReady

	require.NoError(t, p.SendUnit(configUnit(0)))
	require.NoError(t, p.SendUnit(configUnit(10*time.Millisecond)))
	require.NoError(t, p.SendUnit(configUnit(20*time.Millisecond)))

	assert.Equal(t, time.Duration(0), (<-p.queue).PTS)
	assert.ErrorIs(t, p.SendUnit(interUnit(30*time.Millisecond)), core.ErrQueueFull)
	assert.Equal(t, 20*time.Millisecond, (<-p.queue).PTS)
	assert.Equal(t, uint64(2), p.Stats().UnitsDropped)
	require.NoError(t, p.Disconnect())
}

func TestPublisherSendBeforeReady(t *testing.T) {
	p := NewPublisher(testOptions())
	assert.ErrorIs(t, p.SendUnit(configUnit(0)), core.ErrNotConnected)
	assert.Equal(t, uint64(1), p.Stats().UnitsDropped)
	require.NoError(t, p.Disconnect())
}

func TestPublisherConnectRejected(t *testing.T) {
	srv := newFakeServer(t, func(s *fakeServer) {
		s.rejectConnect = "application not found"
	})
	p, events := connectPublisher(t, srv, nil)

	e := events.wait(t, core.TransportConnectFailed)
	var cmdErr *CommandError
	require.True(t, errors.As(e.err, &cmdErr))
	assert.Equal(t, "NetConnection.Connect.Rejected", cmdErr.Code)

	assert.ErrorIs(t, p.SendUnit(configUnit(0)), core.ErrNotConnected)
	require.NoError(t, p.Disconnect())
	srv.waitIdle()

	assert.Equal(t, []core.TransportEvent{core.TransportConnectFailed}, events.kinds())
	assert.Empty(t, videoMessages(srv.Received()))
	assert.Equal(t, 1, srv.Conns())
}

func TestPublisherConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	p := NewPublisher(testOptions())
	events := newEventLog()
	require.NoError(t, p.Connect(context.Background(), "rtmp://"+addr+"/live/key", nil, events.listener))
	events.wait(t, core.TransportConnectFailed)
	require.NoError(t, p.Disconnect())

	assert.Equal(t, []core.TransportEvent{core.TransportConnectFailed}, events.kinds())
	assert.Equal(t, StateClosed, p.State())
}

func TestPublisherHandshakeTimeout(t *testing.T) {
	srv := newFakeServer(t, func(s *fakeServer) { s.silent = true })

	opts := testOptions()
	opts.HandshakeTimeout = 200 * time.Millisecond
	p := NewPublisher(opts)
	events := newEventLog()
	require.NoError(t, p.Connect(context.Background(), srv.URL("/live/key"), nil, events.listener))

	e := events.wait(t, core.TransportConnectFailed)
	assert.ErrorIs(t, e.err, ErrTimeout)
	require.NoError(t, p.Disconnect())
}

func TestPublisherInvalidEndpoint(t *testing.T) {
	p := NewPublisher(testOptions())
	assert.Error(t, p.Connect(context.Background(), "http://example.com/live/key", nil, nil))
	assert.Error(t, p.Connect(context.Background(), "rtmp://example.com/key", nil, nil))
}

func TestPublisherAdobeAuth(t *testing.T) {
	alice := &core.Credentials{User: "alice", Password: "secret"}

	t.Run("accepted", func(t *testing.T) {
		srv := newFakeServer(t, func(s *fakeServer) { s.creds = alice })
		_, events := connectPublisher(t, srv, alice)

		events.wait(t, core.TransportConnected)
		assert.Equal(t, []core.TransportEvent{core.TransportAuthSucceeded, core.TransportConnected}, events.kinds())
		assert.Equal(t, 3, srv.Conns())
	})

	t.Run("wrong password", func(t *testing.T) {
		srv := newFakeServer(t, func(s *fakeServer) { s.creds = alice })
		_, events := connectPublisher(t, srv, &core.Credentials{User: "alice", Password: "nope"})

		events.wait(t, core.TransportConnectFailed)
		assert.Equal(t, []core.TransportEvent{core.TransportAuthFailed, core.TransportConnectFailed}, events.kinds())
	})

	t.Run("no credentials", func(t *testing.T) {
		srv := newFakeServer(t, func(s *fakeServer) { s.creds = alice })
		_, events := connectPublisher(t, srv, nil)

		events.wait(t, core.TransportConnectFailed)
		assert.Equal(t, []core.TransportEvent{core.TransportAuthFailed, core.TransportConnectFailed}, events.kinds())
		assert.Equal(t, 1, srv.Conns())
	})
}

func TestPublisherRemoteDisconnect(t *testing.T) {
	srv := newFakeServer(t, func(s *fakeServer) { s.dropAfterPublish = true })
	p, events := connectPublisher(t, srv, nil)

	events.wait(t, core.TransportConnected)
	events.wait(t, core.TransportDisconnected)

	assert.ErrorIs(t, p.SendUnit(configUnit(0)), core.ErrNotConnected)
	require.NoError(t, p.Disconnect())
	require.NoError(t, p.Disconnect())

	assert.Equal(t, []core.TransportEvent{core.TransportConnected, core.TransportDisconnected}, events.kinds())
}

func TestPublisherDisconnectIsQuiet(t *testing.T) {
	srv := newFakeServer(t, nil)
	p, events := connectPublisher(t, srv, nil)
	events.wait(t, core.TransportConnected)

	require.NoError(t, p.Disconnect())
	require.NoError(t, p.Disconnect())
	assert.Equal(t, StateClosed, p.State())
	assert.Equal(t, []core.TransportEvent{core.TransportConnected}, events.kinds())
}
