package rtmp

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nareix/joy4/format/flv/flvio"
	"github.com/pkg/errors"
)

const (
	defaultWindowAckSize = 2500000
)

// CommandError is an _error response or a failing onStatus.
type CommandError struct {
	Command     string
	Code        string
	Description string
}

func (e *CommandError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Command, e.Code, e.Description)
	}
	return fmt.Sprintf("%s: %s", e.Command, e.Code)
}

type countingReader struct {
	r io.Reader
	n uint64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += uint64(n)
	return n, err
}

// conn is one RTMP network connection. Reads happen on a single goroutine
// at a time; writes are serialized by writeMu.
type conn struct {
	nc     net.Conn
	cr     *chunkReader
	rcount *countingReader
	log    *slog.Logger

	writeMu      sync.Mutex
	bw           *bufio.Writer
	cw           *chunkWriter
	writeTimeout time.Duration

	ackWindow uint32
	lastAck   uint64

	nextTID  float64
	streamID uint32
}

// dial opens the transport connection and performs the handshake.
func dial(ctx context.Context, ep *Endpoint, writeTimeout time.Duration, log *slog.Logger) (*conn, error) {
	var nc net.Conn
	var err error
	if ep.Scheme == "rtmps" {
		d := &tls.Dialer{Config: &tls.Config{ServerName: hostOnly(ep.Addr)}}
		nc, err = d.DialContext(ctx, "tcp", ep.Addr)
	} else {
		var d net.Dialer
		nc, err = d.DialContext(ctx, "tcp", ep.Addr)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", ep.Addr)
	}

	if deadline, ok := ctx.Deadline(); ok {
		nc.SetDeadline(deadline)
	}
	// unblock the handshake if ctx is cancelled
	stop := context.AfterFunc(ctx, func() { nc.SetDeadline(time.Now()) })
	defer stop()

	c := newConn(nc, writeTimeout, log)
	if err := clientHandshake(nc, uint32(time.Now().Unix())); err != nil {
		nc.Close()
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "handshake")
		}
		return nil, errors.Wrap(err, "handshake")
	}
	return c, nil
}

func newConn(nc net.Conn, writeTimeout time.Duration, log *slog.Logger) *conn {
	rc := &countingReader{r: nc}
	bw := bufio.NewWriterSize(nc, 16<<10)
	return &conn{
		nc:           nc,
		rcount:       rc,
		cr:           newChunkReader(bufio.NewReaderSize(rc, 16<<10)),
		bw:           bw,
		cw:           newChunkWriter(bw),
		writeTimeout: writeTimeout,
		log:          log,
		ackWindow:    defaultWindowAckSize,
		nextTID:      1,
	}
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// writeMessage writes and flushes one message.
func (c *conn) writeMessage(m *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(m)
}

func (c *conn) writeLocked(m *Message) error {
	if c.writeTimeout > 0 {
		c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.cw.WriteMessage(m); err != nil {
		return err
	}
	return c.bw.Flush()
}

// setChunkSize announces and applies a new outbound chunk size.
func (c *conn) setChunkSize(size int) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.writeLocked(setChunkSizeMessage(uint32(size))); err != nil {
		return err
	}
	c.cw.SetChunkSize(size)
	return nil
}

// sendCommand writes an AMF0 command and returns its transaction id.
func (c *conn) sendCommand(csid, streamID uint32, name string, object interface{}, args ...interface{}) (float64, error) {
	tid := c.nextTID
	c.nextTID++
	vals := append([]interface{}{name, tid, object}, args...)
	err := c.writeMessage(&Message{
		CSID:     csid,
		Type:     typeCommandAMF0,
		StreamID: streamID,
		Payload:  encodeAMF0(vals...),
	})
	return tid, errors.Wrapf(err, "send %s", name)
}

// readMessage returns the next message that is not protocol control.
// Control messages are applied as they arrive.
func (c *conn) readMessage() (*Message, error) {
	for {
		m, err := c.cr.ReadMessage()
		if err != nil {
			return nil, err
		}
		if err := c.maybeAck(); err != nil {
			return nil, err
		}

		handled, err := c.handleControl(m)
		if err != nil {
			return nil, err
		}
		if !handled {
			return m, nil
		}
	}
}

func (c *conn) maybeAck() error {
	if c.ackWindow == 0 || c.rcount.n-c.lastAck < uint64(c.ackWindow) {
		return nil
	}
	c.lastAck = c.rcount.n
	return c.writeMessage(ackMessage(uint32(c.rcount.n)))
}

func (c *conn) handleControl(m *Message) (bool, error) {
	if m.StreamID != 0 && m.Type <= typeSetPeerBandwidth {
		return false, nil
	}
	switch m.Type {
	case typeSetChunkSize:
		size, err := m.uint32Payload()
		if err != nil {
			return true, err
		}
		size &= 0x7FFFFFFF
		if size == 0 || size > maxChunkSize {
			return true, errors.Errorf("invalid peer chunk size %d", size)
		}
		c.cr.SetChunkSize(int(size))
		c.log.Debug("rtmp peer chunk size", "size", size)
	case typeAbort:
		csid, err := m.uint32Payload()
		if err != nil {
			return true, err
		}
		c.cr.Abort(csid)
	case typeAck:
		// server acknowledgements need no action
	case typeWindowAckSize:
		size, err := m.uint32Payload()
		if err != nil {
			return true, err
		}
		c.ackWindow = size
	case typeSetPeerBandwidth:
		size, err := m.uint32Payload()
		if err != nil {
			return true, err
		}
		return true, c.writeMessage(windowAckSizeMessage(size))
	case typeUserControl:
		if len(m.Payload) < 2 {
			return true, nil
		}
		event := uint16(m.Payload[0])<<8 | uint16(m.Payload[1])
		if event == eventPingRequest {
			return true, c.writeMessage(userControlMessage(eventPingResponse, m.Payload[2:]))
		}
	default:
		return false, nil
	}
	return true, nil
}

// waitResult reads until the _result or _error for tid arrives.
func (c *conn) waitResult(name string, tid float64) (*command, error) {
	for {
		m, err := c.readMessage()
		if err != nil {
			return nil, errors.Wrapf(err, "wait %s result", name)
		}
		if m.Type != typeCommandAMF0 && m.Type != typeCommandAMF3 {
			continue
		}
		cmd, err := parseCommand(m)
		if err != nil {
			c.log.Debug("rtmp ignoring malformed command", "error", err)
			continue
		}
		switch cmd.Name {
		case "_result":
			if cmd.TransactionID == tid {
				return cmd, nil
			}
		case "_error":
			if cmd.TransactionID == tid {
				info := cmd.Info()
				return nil, &CommandError{Command: name, Code: mapString(info, "code"), Description: mapString(info, "description")}
			}
		default:
			c.log.Debug("rtmp command while waiting", "command", cmd.Name, "waiting_for", name)
		}
	}
}

// connectApp sends connect and waits for NetConnection.Connect.Success.
func (c *conn) connectApp(app, tcURL, flashVer string) error {
	object := flvio.AMFMap{
		"app":      app,
		"type":     "nonprivate",
		"flashVer": flashVer,
		"tcUrl":    tcURL,
		"swfUrl":   tcURL,
	}
	tid, err := c.sendCommand(csidCommand, 0, "connect", object)
	if err != nil {
		return err
	}
	res, err := c.waitResult("connect", tid)
	if err != nil {
		return err
	}
	if code := mapString(res.Info(), "code"); code != "" && code != "NetConnection.Connect.Success" {
		return &CommandError{Command: "connect", Code: code, Description: mapString(res.Info(), "description")}
	}
	return nil
}

// createPublishStream runs releaseStream/FCPublish/createStream/publish
// and waits for NetStream.Publish.Start.
func (c *conn) createPublishStream(key string) error {
	// Not every server answers these two, so their results are not awaited.
	if _, err := c.sendCommand(csidCommand, 0, "releaseStream", nil, key); err != nil {
		return err
	}
	if _, err := c.sendCommand(csidCommand, 0, "FCPublish", nil, key); err != nil {
		return err
	}

	tid, err := c.sendCommand(csidCommand, 0, "createStream", nil)
	if err != nil {
		return err
	}
	res, err := c.waitResult("createStream", tid)
	if err != nil {
		return err
	}
	var id float64
	for _, a := range res.Args {
		if f, ok := a.(float64); ok {
			id = f
			break
		}
	}
	if id <= 0 {
		return errors.Errorf("createStream returned no stream id: %v", res.Args)
	}
	c.streamID = uint32(id)

	if _, err := c.sendCommand(csidStream, c.streamID, "publish", nil, key, "live"); err != nil {
		return err
	}
	return c.waitPublishStart()
}

func (c *conn) waitPublishStart() error {
	for {
		m, err := c.readMessage()
		if err != nil {
			return errors.Wrap(err, "wait publish status")
		}
		if m.Type != typeCommandAMF0 && m.Type != typeCommandAMF3 {
			continue
		}
		cmd, err := parseCommand(m)
		if err != nil || cmd.Name != "onStatus" {
			continue
		}
		info := cmd.Info()
		code := mapString(info, "code")
		switch {
		case code == "NetStream.Publish.Start":
			return nil
		case mapString(info, "level") == "error" || code == "NetStream.Publish.BadName":
			return &CommandError{Command: "publish", Code: code, Description: mapString(info, "description")}
		}
	}
}

// unpublish is a best-effort goodbye before closing.
func (c *conn) unpublish(key string) {
	if c.streamID == 0 {
		return
	}
	c.sendCommand(csidCommand, 0, "FCUnpublish", nil, key)
	c.sendCommand(csidCommand, 0, "deleteStream", nil, float64(c.streamID))
}

func (c *conn) Close() error {
	return c.nc.Close()
}
