package rtmp

import (
	"encoding/binary"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nareix/joy4/format/flv/flvio"
	"github.com/stretchr/testify/require"

	"github.com/Rysertio/screenstreaming/internal/core"
	"github.com/Rysertio/screenstreaming/internal/util"
)

// fakeServer is a minimal RTMP ingest used to observe what the publisher
// writes.
type fakeServer struct {
	t  *testing.T
	ln net.Listener

	// behaviour
	rejectConnect    string
	creds            *core.Credentials
	dropAfterPublish bool
	silent           bool

	mu       sync.Mutex
	received []*Message
	commands []string
	conns    int
	wg       sync.WaitGroup
}

func newFakeServer(t *testing.T, configure func(s *fakeServer)) *fakeServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeServer{t: t, ln: ln}
	if configure != nil {
		configure(s)
	}
	go s.acceptLoop()
	t.Cleanup(func() {
		ln.Close()
		s.wg.Wait()
	})
	return s
}

func (s *fakeServer) URL(path string) string {
	return "rtmp://" + s.ln.Addr().String() + path
}

func (s *fakeServer) acceptLoop() {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns++
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serve(nc)
	}
}

// waitIdle waits until every accepted connection has been closed.
func (s *fakeServer) waitIdle() {
	s.ln.Close()
	s.wg.Wait()
}

func (s *fakeServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *fakeServer) Received() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Message(nil), s.received...)
}

func (s *fakeServer) Conns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func (s *fakeServer) record(m *Message, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, m)
	if name != "" {
		s.commands = append(s.commands, name)
	}
}

func serverHandshake(rw io.ReadWriter) error {
	c0c1 := make([]byte, 1+handshakeSize)
	if _, err := io.ReadFull(rw, c0c1); err != nil {
		return err
	}
	s0s1 := make([]byte, 1+handshakeSize)
	s0s1[0] = rtmpVersion
	if _, err := rw.Write(s0s1); err != nil {
		return err
	}
	c2 := make([]byte, handshakeSize)
	if _, err := io.ReadFull(rw, c2); err != nil {
		return err
	}
	_, err := rw.Write(c0c1[1:])
	return err
}

func (s *fakeServer) serve(nc net.Conn) {
	defer s.wg.Done()
	defer nc.Close()

	if s.silent {
		io.Copy(io.Discard, nc)
		return
	}
	if err := serverHandshake(nc); err != nil {
		return
	}

	c := newConn(nc, time.Second, util.GetLogger())
	for {
		m, err := c.readMessage()
		if err != nil {
			return
		}
		if m.Type != typeCommandAMF0 {
			s.record(m, "")
			continue
		}
		cmd, err := parseCommand(m)
		if err != nil {
			s.t.Errorf("bad command from client: %v", err)
			return
		}
		s.record(m, cmd.Name)

		switch cmd.Name {
		case "connect":
			if desc, ok := s.checkConnect(mapString(cmd.Object, "app")); !ok {
				s.reply(c, "_error", cmd.TransactionID, nil, flvio.AMFMap{
					"level":       "error",
					"code":        "NetConnection.Connect.Rejected",
					"description": desc,
				})
				return
			}
			s.reply(c, "_result", cmd.TransactionID, flvio.AMFMap{"fmsVer": "FMS/3,0,1,123"}, flvio.AMFMap{
				"level": "status",
				"code":  "NetConnection.Connect.Success",
			})
		case "createStream":
			s.reply(c, "_result", cmd.TransactionID, nil, float64(1))
		case "publish":
			c.writeMessage(userControlMessage(eventStreamBegin, []byte{0, 0, 0, 1}))
			c.writeMessage(&Message{CSID: 5, Type: typeCommandAMF0, StreamID: 1, Payload: encodeAMF0(
				"onStatus", float64(0), nil, flvio.AMFMap{"level": "status", "code": "NetStream.Publish.Start"},
			)})
			if s.dropAfterPublish {
				// let the client see the status before the connection goes away
				time.Sleep(50 * time.Millisecond)
				return
			}
		}
	}
}

func (s *fakeServer) reply(c *conn, name string, tid float64, object interface{}, info interface{}) {
	c.writeMessage(&Message{CSID: csidCommand, Type: typeCommandAMF0, Payload: encodeAMF0(name, tid, object, info)})
}

// checkConnect implements the server half of authmod=adobe.
func (s *fakeServer) checkConnect(app string) (string, bool) {
	if s.rejectConnect != "" {
		return s.rejectConnect, false
	}
	if s.creds == nil {
		return "", true
	}

	const salt, challenge, opaque = "c2FsdA==", "Y2hhbGxlbmdl", "b3BhcXVl"
	_, query, _ := strings.Cut(app, "?")
	params := map[string]string{}
	for _, kv := range strings.Split(query, "&") {
		k, v, _ := strings.Cut(kv, "=")
		params[k] = v
	}

	switch {
	case params["authmod"] != "adobe":
		return "[ AccessManager.Reject ] : [ code=403 need auth; authmod=adobe ] : ", false
	case params["response"] == "":
		return "[ AccessManager.Reject ] : [ authmod=adobe ] : ?reason=needauth&user=" + params["user"] +
			"&salt=" + salt + "&challenge=" + challenge + "&opaque=" + opaque, false
	}

	want := adobeResponse(s.creds.User, s.creds.Password, salt, opaque, challenge, params["challenge"])
	if params["user"] != s.creds.User || params["response"] != want || params["opaque"] != opaque {
		return "[ AccessManager.Reject ] : [ authmod=adobe ] : ?reason=authfailed", false
	}
	return "", true
}

func videoMessages(msgs []*Message) []*Message {
	var out []*Message
	for _, m := range msgs {
		if m.Type == typeVideo {
			out = append(out, m)
		}
	}
	return out
}

func be32(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}
