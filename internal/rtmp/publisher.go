package rtmp

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/Rysertio/screenstreaming/config"
	"github.com/Rysertio/screenstreaming/internal/core"
	"github.com/Rysertio/screenstreaming/internal/h264"
	"github.com/Rysertio/screenstreaming/internal/util"
	"github.com/Rysertio/screenstreaming/internal/version"
)

// State of the connection and publish negotiation.
type State uint8

const (
	StateUnestablished State = iota
	StateHandshaking
	StateNegotiating
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnestablished:
		return "unestablished"
	case StateHandshaking:
		return "handshaking"
	case StateNegotiating:
		return "negotiating-publish"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ErrTimeout marks a connection step that did not finish in time.
var ErrTimeout = errors.New("rtmp timeout")

// maxAuthAttempts covers the anonymous, user and response connects.
const maxAuthAttempts = 3

// Options tune a Publisher.
type Options struct {
	ChunkSize        int
	HandshakeTimeout time.Duration
	NegotiateTimeout time.Duration
	WriteTimeout     time.Duration
	SendQueue        int
	FlashVer         string
}

// DefaultOptions reads the rtmp.* configuration.
func DefaultOptions() Options {
	return Options{
		ChunkSize:        config.RTMPChunkSize(),
		HandshakeTimeout: config.RTMPHandshakeTimeout(),
		NegotiateTimeout: config.RTMPNegotiateTimeout(),
		WriteTimeout:     config.RTMPWriteTimeout(),
		SendQueue:        config.RTMPSendQueue(),
		FlashVer:         version.FlashVersion(),
	}
}

// Stats are publisher counters.
type Stats struct {
	UnitsSent    uint64
	UnitsDropped uint64
	BytesSent    uint64
}

// Publisher is a core.Transport publishing H.264 to an RTMP server. One
// Publisher serves one connection attempt; it is not reusable.
type Publisher struct {
	opts Options
	log  *slog.Logger

	mu         sync.Mutex
	state      State
	ep         *Endpoint
	listener   core.TransportListener
	conn       *conn
	params     core.VideoParameters
	started    bool
	haveConfig bool
	// pending is a config unit accepted while the queue was full. It goes
	// out before any later unit.
	pending    *core.EncodedUnit
	lastPTS    time.Duration
	localClose bool
	cancel     context.CancelFunc

	queue      chan core.EncodedUnit
	stopWriter chan struct{}
	stopOnce   sync.Once
	writerDone chan struct{}
	wg         sync.WaitGroup

	sent      atomic.Uint64
	dropped   atomic.Uint64
	bytes     atomic.Uint64
	seqHeader atomic.Bool
}

var _ core.Transport = (*Publisher)(nil)

// NewPublisher creates an unconnected publisher.
func NewPublisher(opts Options) *Publisher {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 4096
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = 64
	}
	if opts.FlashVer == "" {
		opts.FlashVer = version.FlashVersion()
	}
	return &Publisher{
		opts:       opts,
		log:        util.GetLogger(),
		queue:      make(chan core.EncodedUnit, opts.SendQueue),
		stopWriter: make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// State returns the current connection state.
func (p *Publisher) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stats returns a snapshot of the counters.
func (p *Publisher) Stats() Stats {
	return Stats{
		UnitsSent:    p.sent.Load(),
		UnitsDropped: p.dropped.Load(),
		BytesSent:    p.bytes.Load(),
	}
}

// Connect implements core.Transport. Events are delivered on publisher
// goroutines; l must not block.
func (p *Publisher) Connect(ctx context.Context, endpoint string, creds *core.Credentials, l core.TransportListener) error {
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateUnestablished || p.localClose {
		return errors.Errorf("publisher is %s", p.state)
	}
	p.ep = ep
	p.listener = l
	p.log = p.log.With("endpoint", ep.Redacted())

	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.run(ctx, creds)
	return nil
}

// SetVideoParameters implements core.Transport.
func (p *Publisher) SetVideoParameters(params core.VideoParameters) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return core.ErrStreamStarted
	}
	p.params = params
	return nil
}

// SendUnit implements core.Transport. The publisher takes ownership of
// unit.Payload. Config units are never dropped for lack of queue space: the
// latest one is held and queued ahead of the next unit.
func (p *Publisher) SendUnit(unit core.EncodedUnit) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateReady {
		p.dropped.Add(1)
		return core.ErrNotConnected
	}
	if unit.IsConfig() {
		if _, _, err := avcRecord(unit.Payload); err != nil {
			p.dropped.Add(1)
			return errors.Wrap(core.ErrInvalidCodecConfig, err.Error())
		}
	} else if !p.haveConfig {
		p.dropped.Add(1)
		return core.ErrNoCodecConfig
	}
	if p.started && unit.PTS < p.lastPTS {
		p.dropped.Add(1)
		return core.ErrOutOfOrder
	}

	if p.pending != nil {
		if unit.IsConfig() {
			// superseded before it reached the wire
			p.dropped.Add(1)
			p.pending = nil
		} else {
			select {
			case p.queue <- *p.pending:
				p.pending = nil
			default:
				p.dropped.Add(1)
				return core.ErrQueueFull
			}
		}
	}

	select {
	case p.queue <- unit:
	default:
		if !unit.IsConfig() {
			p.dropped.Add(1)
			return core.ErrQueueFull
		}
		p.pending = &unit
	}
	p.started = true
	p.lastPTS = unit.PTS
	if unit.IsConfig() {
		p.haveConfig = true
	}
	return nil
}

// avcRecord parses an Annex-B config unit and checks that it yields an
// AVCDecoderConfigurationRecord.
func avcRecord(payload []byte) (*h264.Config, []byte, error) {
	cfg, err := h264.ParseConfig(payload)
	if err != nil {
		return nil, nil, err
	}
	record, err := cfg.DecoderConfigurationRecord()
	if err != nil {
		return nil, nil, err
	}
	return cfg, record, nil
}

// Disconnect implements core.Transport. Units accepted before the call are
// written out (bounded by the write timeout), the stream is unpublished and
// the socket closed. A local disconnect raises no event.
func (p *Publisher) Disconnect() error {
	p.mu.Lock()
	if p.localClose {
		p.mu.Unlock()
		p.wg.Wait()
		return nil
	}
	p.localClose = true
	prev := p.state
	p.state = StateClosed
	c := p.conn
	started := p.started
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.stopOnce.Do(func() { close(p.stopWriter) })

	if c != nil {
		if prev == StateReady {
			<-p.writerDone
			if started && p.seqHeader.Load() {
				c.writeMessage(&Message{CSID: csidVideo, Type: typeVideo, StreamID: c.streamID, Payload: endOfSequence()})
			}
			c.unpublish(p.ep.StreamKey)
		}
		c.Close()
	}
	p.wg.Wait()

	if prev != StateUnestablished {
		p.log.Info("RTMP publisher disconnected", "sent", p.sent.Load(), "dropped", p.dropped.Load())
	}
	return nil
}

func (p *Publisher) setState(s State) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.localClose {
		return false
	}
	p.log.Debug("RTMP state", "from", p.state, "to", s)
	p.state = s
	return true
}

func (p *Publisher) emit(ev core.TransportEvent, err error) {
	if p.listener != nil {
		p.listener(ev, err)
	}
}

func (p *Publisher) run(ctx context.Context, creds *core.Credentials) {
	defer p.wg.Done()

	c, authed, err := p.establish(ctx, creds)
	if err != nil {
		p.mu.Lock()
		local := p.localClose
		p.state = StateClosed
		p.mu.Unlock()
		if local {
			return
		}

		p.log.Error("RTMP connect failed", "error", err)
		if errors.Is(err, errAuthRequired) || errors.Is(err, errAuthRejected) {
			p.emit(core.TransportAuthFailed, err)
		}
		p.emit(core.TransportConnectFailed, err)
		return
	}

	p.mu.Lock()
	if p.localClose {
		p.mu.Unlock()
		c.Close()
		return
	}
	p.conn = c
	p.state = StateReady
	p.wg.Add(2)
	go p.readLoop(c)
	go p.writeLoop(c)
	p.mu.Unlock()

	p.log.Info("RTMP publish ready", "stream_id", c.streamID)
	if authed {
		p.emit(core.TransportAuthSucceeded, nil)
	}
	p.emit(core.TransportConnected, nil)
}

// establish connects, retrying only to answer an authentication challenge.
func (p *Publisher) establish(ctx context.Context, creds *core.Credentials) (*conn, bool, error) {
	auth := newAdobeAuth(creds)
	for attempt := 0; attempt < maxAuthAttempts; attempt++ {
		c, err := p.connectOnce(ctx, auth.Query())
		if err == nil {
			return c, auth.Active(), nil
		}

		var cmdErr *CommandError
		if !errors.As(err, &cmdErr) || cmdErr.Command != "connect" {
			return nil, false, err
		}
		challenged, authErr := auth.Next(cmdErr.Description)
		if !challenged {
			return nil, false, err
		}
		if authErr != nil {
			return nil, false, errors.Wrap(authErr, cmdErr.Error())
		}
		p.log.Debug("RTMP auth challenge, reconnecting", "attempt", attempt+1)
	}
	return nil, false, errAuthRejected
}

func (p *Publisher) connectOnce(ctx context.Context, authQuery string) (*conn, error) {
	if !p.setState(StateHandshaking) {
		return nil, context.Canceled
	}
	hctx, cancel := context.WithTimeout(ctx, p.opts.HandshakeTimeout)
	c, err := dial(hctx, p.ep, p.opts.WriteTimeout, p.log)
	cancel()
	if err != nil {
		return nil, stateError(StateHandshaking, err)
	}

	if !p.setState(StateNegotiating) {
		c.Close()
		return nil, context.Canceled
	}
	c.nc.SetDeadline(time.Now().Add(p.opts.NegotiateTimeout))
	stop := context.AfterFunc(ctx, func() { c.nc.SetDeadline(time.Now()) })
	defer stop()

	err = c.setChunkSize(p.opts.ChunkSize)
	if err == nil {
		err = c.connectApp(p.ep.AppWithQuery(authQuery), p.ep.TcURL(authQuery), p.opts.FlashVer)
	}
	if err == nil {
		err = c.createPublishStream(p.ep.StreamKey)
	}
	if err != nil {
		c.Close()
		return nil, stateError(StateNegotiating, err)
	}

	c.nc.SetDeadline(time.Time{})
	return c, nil
}

func stateError(s State, err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return errors.Wrapf(ErrTimeout, "%s: %v", s, err)
	}
	return errors.Wrap(err, s.String())
}

// fail handles a connection error while ready.
func (p *Publisher) fail(c *conn, err error) {
	p.mu.Lock()
	if p.localClose || p.state != StateReady {
		p.mu.Unlock()
		return
	}
	p.state = StateClosed
	p.mu.Unlock()

	p.stopOnce.Do(func() { close(p.stopWriter) })
	c.Close()
	p.log.Warn("RTMP connection lost", "error", err)
	p.emit(core.TransportDisconnected, err)
}

func (p *Publisher) readLoop(c *conn) {
	defer p.wg.Done()
	for {
		m, err := c.readMessage()
		if err != nil {
			p.fail(c, errors.Wrap(err, "read"))
			return
		}
		if m.Type != typeCommandAMF0 && m.Type != typeCommandAMF3 {
			continue
		}
		cmd, err := parseCommand(m)
		if err != nil || cmd.Name != "onStatus" {
			continue
		}
		info := cmd.Info()
		if mapString(info, "level") == "error" {
			p.fail(c, &CommandError{Command: "onStatus", Code: mapString(info, "code"), Description: mapString(info, "description")})
			return
		}
		p.log.Debug("RTMP status", "code", mapString(info, "code"))
	}
}

// muxer holds the writer goroutine's stream state.
type muxer struct {
	base     time.Duration
	haveBase bool
	metaSent bool
}

func (p *Publisher) writeLoop(c *conn) {
	defer p.wg.Done()
	defer close(p.writerDone)

	var mx muxer
	for {
		select {
		case u := <-p.queue:
			if err := p.writeUnit(c, &mx, u); err != nil {
				p.fail(c, errors.Wrap(err, "write"))
				return
			}
		case <-p.stopWriter:
			p.drain(c, &mx)
			return
		}
	}
}

// drain writes what is still queued, giving up after the write timeout.
func (p *Publisher) drain(c *conn, mx *muxer) {
	deadline := time.Now().Add(p.opts.WriteTimeout)
	for time.Now().Before(deadline) {
		select {
		case u := <-p.queue:
			if err := p.writeUnit(c, mx, u); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (p *Publisher) writeUnit(c *conn, mx *muxer, u core.EncodedUnit) error {
	if !mx.haveBase {
		mx.base = u.PTS
		mx.haveBase = true
	}
	ts := uint32((u.PTS - mx.base) / time.Millisecond)

	if !u.IsConfig() && !p.seqHeader.Load() {
		p.dropped.Add(1)
		return nil
	}

	var body []byte
	switch u.Kind {
	case core.UnitConfig:
		// validated in SendUnit
		cfg, record, err := avcRecord(u.Payload)
		if err != nil {
			return err
		}
		if !mx.metaSent {
			meta := metadataPayload(p.videoParameters(cfg), "screenstream "+version.Version)
			if err := c.writeMessage(&Message{CSID: csidStream, Type: typeDataAMF0, StreamID: c.streamID, Payload: meta}); err != nil {
				return err
			}
			mx.metaSent = true
		}
		body = sequenceHeader(record)
	default:
		nalus, err := h264.Split(u.Payload)
		if err != nil {
			p.log.Warn("RTMP dropping malformed unit", "kind", u.Kind, "error", err)
			p.dropped.Add(1)
			return nil
		}
		pics := h264.PictureNALUs(nalus)
		if len(pics) == 0 {
			return nil
		}
		avcc, err := h264.AVCC(pics)
		if err != nil {
			p.dropped.Add(1)
			return nil
		}
		body = naluTag(u.Kind, avcc)
	}

	if err := c.writeMessage(&Message{CSID: csidVideo, Type: typeVideo, StreamID: c.streamID, Timestamp: ts, Payload: body}); err != nil {
		return err
	}
	if u.IsConfig() {
		p.seqHeader.Store(true)
	}
	p.sent.Add(1)
	p.bytes.Add(uint64(len(body)))
	return nil
}

// videoParameters fills what the caller left unset from the SPS.
func (p *Publisher) videoParameters(cfg *h264.Config) core.VideoParameters {
	p.mu.Lock()
	params := p.params
	p.mu.Unlock()

	if params.Width == 0 || params.Height == 0 {
		params.Width, params.Height = cfg.Width, cfg.Height
	}
	if params.FrameRate == 0 && cfg.FPS > 0 {
		params.FrameRate = int(cfg.FPS + 0.5)
	}
	return params
}
