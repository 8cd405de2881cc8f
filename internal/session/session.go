// Package session orchestrates one live stream: a frame source feeding an
// encoder whose units are published by a transport.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/Rysertio/screenstreaming/config"
	"github.com/Rysertio/screenstreaming/internal/core"
	"github.com/Rysertio/screenstreaming/internal/util"
)

// Request describes one stream.
type Request struct {
	Endpoint    string
	Grant       string // capture authorization: adb serial or display name
	Resolution  core.Resolution
	Density     int
	Credentials *core.Credentials

	Bitrate          int
	FrameRate        int
	KeyframeInterval int
}

// withDefaults fills unset encoder settings from config.
func (r Request) withDefaults() Request {
	if r.Bitrate == 0 {
		r.Bitrate = config.Bitrate()
	}
	if r.FrameRate == 0 {
		r.FrameRate = config.FrameRate()
	}
	if r.KeyframeInterval == 0 {
		r.KeyframeInterval = config.KeyframeInterval()
	}
	if r.Resolution.IsZero() {
		w, h := config.Resolution()
		r.Resolution = core.Resolution{Width: w, Height: h}
	}
	if r.Density == 0 {
		r.Density = config.Density()
	}
	return r
}

func (r Request) encoderParams() core.EncoderParams {
	return core.EncoderParams{
		Resolution:       r.Resolution,
		Bitrate:          r.Bitrate,
		FrameRate:        r.FrameRate,
		KeyframeInterval: r.KeyframeInterval,
	}
}

// Components builds fresh collaborators for every start.
type Components struct {
	NewSource    func() core.FrameSource
	NewEncoder   func() core.Encoder
	NewTransport func() core.Transport
}

// Stats is a snapshot of a Session.
type Stats struct {
	ID             string    `json:"id"`
	Grant          string    `json:"device"`
	State          string    `json:"state"`
	StartedAt      time.Time `json:"startedAt"`
	UnitsReceived  int64     `json:"unitsReceived"`
	UnitsForwarded int64     `json:"unitsForwarded"`
	UnitsDropped   int64     `json:"unitsDropped"`
	LastError      string    `json:"lastError,omitempty"`
}

// Session is the single serialization point between the frame source, the
// encoder and the transport. All of its state changes happen on one loop
// goroutine per start.
type Session struct {
	components Components
	listener   core.StatusListener
	mailbox    int
	log        *slog.Logger

	mu        sync.Mutex
	state     State
	run       *run
	notifier  *notifier
	id        string
	grant     string
	startedAt time.Time
	lastErr   error

	received  atomic.Int64
	forwarded atomic.Int64
	dropped   atomic.Int64
}

// New creates an idle Session. listener may be nil.
func New(components Components, listener core.StatusListener) *Session {
	return &Session{
		components: components,
		listener:   listener,
		mailbox:    config.MailboxSize(),
		log:        util.GetLogger(),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the Session to Failed, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		ID:             s.id,
		Grant:          s.grant,
		State:          s.state.String(),
		StartedAt:      s.startedAt,
		UnitsReceived:  s.received.Load(),
		UnitsForwarded: s.forwarded.Load(),
		UnitsDropped:   s.dropped.Load(),
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Start begins a stream in the background. Completion and failure are
// reported through the status listener. It fails only when a stream is
// already active.
func (s *Session) Start(req Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Active() {
		return core.ErrSessionActive
	}

	req = req.withDefaults()
	s.id = uuid.New().String()
	s.grant = req.Grant
	s.startedAt = time.Now()
	s.lastErr = nil
	s.received.Store(0)
	s.forwarded.Store(0)
	s.dropped.Store(0)

	r := newRun(s, req)
	s.run = r
	s.notifier = r.notifier
	s.setStateLocked(StateStarting)
	go r.loop()
	return nil
}

// Stop tears the stream down and blocks until every component confirmed.
// Safe from any goroutine, including status callbacks, and idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	r := s.run
	n := s.notifier
	s.mu.Unlock()

	if r != nil {
		r.stop()
	}
	// a callback already running finishes before Stop returns, unless Stop
	// was called from it
	if n != nil {
		n.wait()
	}

	s.mu.Lock()
	if s.state == StateFailed && s.run == nil {
		s.setStateLocked(StateIdle)
	}
	s.mu.Unlock()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(st)
}

func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.log.Debug("Session state", "session", s.id, "from", s.state, "to", st)
	s.state = st
}

// finish is called by the loop when it exits.
func (s *Session) finish(r *run, st State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == r {
		s.run = nil
	}
	if err != nil {
		s.lastErr = err
	}
	s.setStateLocked(st)
}

type callback uint8

const (
	callbackNone callback = iota
	callbackConnected
	callbackConnectFailed
	callbackDisconnected
	callbackAuthFailed
	callbackAuthSucceeded
)

func (s *Session) notify(n *notifier, cb callback) {
	if s.listener == nil || cb == callbackNone {
		return
	}
	l := s.listener
	n.push(func() {
		switch cb {
		case callbackConnected:
			l.OnConnected()
		case callbackConnectFailed:
			l.OnConnectFailed()
		case callbackDisconnected:
			l.OnDisconnected()
		case callbackAuthFailed:
			l.OnAuthFailed()
		case callbackAuthSucceeded:
			l.OnAuthSucceeded()
		}
	})
}

type eventKind uint8

const (
	eventTransport eventKind = iota
	eventEncoderError
	eventStop
	eventConfig
)

type event struct {
	kind      eventKind
	transport core.TransportEvent
	err       error
}

// run is one start-to-teardown lifetime.
type run struct {
	s   *Session
	req Request
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// acquisition is aborted by Stop, the rest of the run is not
	acqCtx    context.Context
	acqCancel context.CancelFunc

	scope    scope
	events   *queue[event]
	units    chan core.EncodedUnit
	notifier *notifier

	// held is a config unit that found the mailbox full. While it is set
	// nothing newer enters the mailbox.
	heldMu sync.Mutex
	held   *core.EncodedUnit

	done     chan struct{}

	transport core.Transport
	encoder   core.Encoder
	source    core.FrameSource
	faults    <-chan error
}

func newRun(s *Session, req Request) *run {
	ctx, cancel := context.WithCancel(context.Background())
	acqCtx, acqCancel := context.WithCancel(ctx)
	return &run{
		s:         s,
		req:       req,
		log:       s.log.With("session", s.id, "device", req.Grant),
		ctx:       ctx,
		cancel:    cancel,
		acqCtx:    acqCtx,
		acqCancel: acqCancel,
		events:    newQueue[event](),
		units:     make(chan core.EncodedUnit, max(s.mailbox, 1)),
		notifier:  newNotifier(),
		done:      make(chan struct{}),
	}
}

func (r *run) stop() {
	r.acqCancel()
	r.events.push(event{kind: eventStop})
	<-r.done
}

// OnUnit runs on the encoder goroutine. The payload is copied before the
// encoder recycles it. A full mailbox drops picture units; a config unit is
// held and delivered ahead of anything newer.
func (r *run) OnUnit(unit core.EncodedUnit) {
	r.s.received.Add(1)
	u := unit.Clone()

	r.heldMu.Lock()
	defer r.heldMu.Unlock()
	if r.held != nil {
		if u.IsConfig() {
			r.s.dropped.Add(1)
			r.held = &u
			return
		}
		select {
		case r.units <- *r.held:
			r.held = nil
		default:
			r.s.dropped.Add(1)
			r.log.Debug("Session mailbox full, dropping unit", "kind", u.Kind)
			return
		}
	}

	select {
	case r.units <- u:
	default:
		if u.IsConfig() {
			r.held = &u
			r.events.push(event{kind: eventConfig})
			return
		}
		r.s.dropped.Add(1)
		r.log.Debug("Session mailbox full, dropping unit", "kind", u.Kind)
	}
}

// flushHeld forwards what is in the mailbox and then the held config unit.
func (r *run) flushHeld() {
	r.heldMu.Lock()
	held := r.held
	r.held = nil
	var older []core.EncodedUnit
	if held != nil {
	mailbox:
		for {
			select {
			case u := <-r.units:
				older = append(older, u)
			default:
				break mailbox
			}
		}
	}
	r.heldMu.Unlock()

	for _, u := range older {
		r.forward(u)
	}
	if held != nil {
		r.forward(*held)
	}
}

// OnEncoderError runs on the encoder goroutine.
func (r *run) OnEncoderError(err error) {
	r.events.push(event{kind: eventEncoderError, err: errors.Wrap(err, "encoder")})
}

func (r *run) onTransport(ev core.TransportEvent, err error) {
	r.events.push(event{kind: eventTransport, transport: ev, err: err})
}

func (r *run) loop() {
	defer close(r.done)

	if err := r.acquire(); err != nil {
		if r.acqCtx.Err() != nil {
			r.log.Info("Session start aborted")
			r.teardown(StateIdle, nil, callbackNone, true)
			return
		}
		r.log.Error("Session start failed", "error", err)
		r.teardown(StateFailed, err, callbackConnectFailed, false)
		return
	}

	for {
		select {
		case <-r.events.wake:
			for _, ev := range r.events.drain() {
				if r.handle(ev) {
					return
				}
			}
		case unit := <-r.units:
			r.forward(unit)
		case err, ok := <-r.faults:
			if !ok {
				r.faults = nil
				continue
			}
			if r.fatal(errors.Wrap(err, "frame source")) {
				return
			}
		}
	}
}

// acquire connects the transport, opens the source, configures the encoder
// and binds the surface. The encoder starts once the transport is ready.
func (r *run) acquire() error {
	r.transport = r.s.components.NewTransport()
	if err := r.transport.Connect(r.ctx, r.req.Endpoint, r.req.Credentials, r.onTransport); err != nil {
		return errors.Wrap(err, "connect")
	}
	r.scope.push("transport", r.transport.Disconnect)

	r.source = r.s.components.NewSource()
	r.scope.push("frame source", r.source.Close)
	if err := r.source.Open(r.acqCtx, r.req.Grant, r.req.Resolution, r.req.Density); err != nil {
		return errors.Wrap(err, "open frame source")
	}
	r.faults = r.source.Faults()

	r.encoder = r.s.components.NewEncoder()
	surface, err := r.encoder.Configure(r.req.encoderParams())
	if err != nil {
		return errors.Wrap(err, "configure encoder")
	}
	r.scope.push("surface", func() error {
		surface.Release()
		return nil
	})
	r.scope.push("encoder", r.encoder.Stop)

	if err := r.source.Bind(surface); err != nil {
		return errors.Wrap(err, "bind frame source")
	}

	size := r.req.Resolution
	if spec, ok := surface.Spec(); ok && size.IsZero() {
		size = spec.Size
	}
	if err := r.transport.SetVideoParameters(core.VideoParameters{
		Width:     size.Width,
		Height:    size.Height,
		FrameRate: r.req.FrameRate,
		Bitrate:   r.req.Bitrate,
	}); err != nil {
		return errors.Wrap(err, "set video parameters")
	}
	return r.acqCtx.Err()
}

// handle processes one control event and reports whether the loop is done.
func (r *run) handle(ev event) bool {
	switch ev.kind {
	case eventStop:
		r.s.setState(StateStopping)
		r.teardown(StateIdle, nil, callbackNone, true)
		return true

	case eventEncoderError:
		return r.fatal(ev.err)

	case eventConfig:
		r.flushHeld()

	case eventTransport:
		switch ev.transport {
		case core.TransportAuthSucceeded:
			r.s.notify(r.notifier, callbackAuthSucceeded)
		case core.TransportAuthFailed:
			r.log.Warn("RTMP authorization failed", "error", ev.err)
			r.s.notify(r.notifier, callbackAuthFailed)
		case core.TransportConnected:
			if r.s.State() != StateStarting {
				return false
			}
			if err := r.encoder.Start(r.ctx, r); err != nil {
				r.teardown(StateFailed, errors.Wrap(err, "start encoder"), callbackConnectFailed, false)
				return true
			}
			r.s.setState(StateStreaming)
			r.log.Info("Session streaming")
			r.s.notify(r.notifier, callbackConnected)
		case core.TransportConnectFailed:
			r.teardown(StateFailed, errors.Wrap(orUnknown(ev.err), "connect"), callbackConnectFailed, false)
			return true
		case core.TransportDisconnected:
			return r.fatal(errors.Wrap(orUnknown(ev.err), "connection lost"))
		}
	}
	return false
}

// fatal fails the run: before streaming it is a connect failure, after it a
// disconnect.
func (r *run) fatal(err error) bool {
	cb := callbackDisconnected
	if r.s.State() == StateStarting {
		cb = callbackConnectFailed
	}
	r.log.Error("Session failed", "error", err)
	r.teardown(StateFailed, err, cb, false)
	return true
}

func (r *run) forward(unit core.EncodedUnit) {
	if r.s.State() != StateStreaming {
		r.s.dropped.Add(1)
		return
	}
	if err := r.transport.SendUnit(unit); err != nil {
		r.s.dropped.Add(1)
		r.log.Debug("Unit dropped", "kind", unit.Kind, "pts", unit.PTS, "reason", err)
		return
	}
	r.s.forwarded.Add(1)
}

// teardown releases every resource, records the final state and queues the
// status callback. A local stop drops callbacks not yet delivered.
func (r *run) teardown(st State, err error, cb callback, local bool) {
	r.acqCancel()
	if rerr := r.scope.close(r.log); rerr != nil && err == nil && !local {
		err = rerr
	}
	r.cancel()
	r.s.finish(r, st, err)
	r.s.notify(r.notifier, cb)
	r.notifier.close(local)
	r.log.Info("Session ended", "state", st,
		"received", r.s.received.Load(), "forwarded", r.s.forwarded.Load(), "dropped", r.s.dropped.Load())
}

func orUnknown(err error) error {
	if err == nil {
		return errors.New("unknown transport error")
	}
	return err
}
