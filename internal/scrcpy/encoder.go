package scrcpy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/Rysertio/screenstreaming/config"
	"github.com/Rysertio/screenstreaming/internal/core"
	"github.com/Rysertio/screenstreaming/internal/util"
)

var _ core.Encoder = (*Encoder)(nil)

// Options locate the adb binary and the scrcpy server.
type Options struct {
	ADBPath    string
	ServerPath string // local scrcpy-server.jar
	Version    string // must match the jar
	Encoder    string // forced MediaCodec encoder name
}

// DefaultOptions reads the scrcpy options from config.
func DefaultOptions() Options {
	return Options{
		ADBPath:    config.ADBPath(),
		ServerPath: config.ScrcpyServerPath(),
		Version:    config.ScrcpyVersion(),
		Encoder:    config.ScrcpyEncoder(),
	}
}

// Encoder drives the device's MediaCodec AVC encoder through scrcpy-server.
// The surface it hands out is bound by an Android display source.
type Encoder struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	surface *core.Surface
	srv     *serverProcess
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

func NewEncoder(opts Options) *Encoder {
	return &Encoder{opts: opts, log: util.GetLogger()}
}

// Configure validates params and hands out a fresh surface.
func (e *Encoder) Configure(params core.EncoderParams) (*core.Surface, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done != nil || e.stopped {
		return nil, core.ErrEncoderStarted
	}
	if e.surface != nil {
		e.surface.Release()
	}
	e.surface = core.NewSurface(params)
	return e.surface, nil
}

// Start launches the server on the device bound to the surface and returns
// once the local tunnel endpoint is listening. Connection and stream errors
// after that go to sink.OnEncoderError.
func (e *Encoder) Start(ctx context.Context, sink core.UnitSink) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.surface == nil {
		return core.ErrNotConfigured
	}
	if e.done != nil || e.stopped {
		return core.ErrEncoderStarted
	}
	spec, ok := e.surface.Spec()
	if !ok {
		return errors.New("surface is not bound to a frame source")
	}
	if spec.Serial == "" {
		return errors.New("surface is not bound to an Android display")
	}

	srv := newServerProcess(e.opts.ADBPath, e.opts.ServerPath, e.opts.Version, spec.Serial)
	if err := srv.listen(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	e.srv = srv
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(ctx, srv, sink, e.surface.Params(), spec)
	return nil
}

func (e *Encoder) run(ctx context.Context, srv *serverProcess, sink core.UnitSink, params core.EncoderParams, spec core.SourceSpec) {
	defer close(e.done)

	name := pickEncoder(e.opts.Encoder, availableEncoders(ctx, e.opts.ADBPath, spec.Serial))
	if name == "" {
		e.log.Warn("No hardware AVC encoder found on device, letting MediaCodec choose", "device", spec.Serial)
	} else {
		e.log.Info("Using video encoder", "device", spec.Serial, "encoder", name)
	}

	conn, err := srv.start(ctx, serverArgs(params, spec, name))
	if err != nil {
		if ctx.Err() == nil {
			sink.OnEncoderError(err)
		}
		return
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := pump(conn, sink, e.log); err != nil && ctx.Err() == nil {
		sink.OnEncoderError(err)
	}
}

// Stop cancels the stream, waits for the reader goroutine and kills the
// server. Idempotent.
func (e *Encoder) Stop() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	cancel, done, srv := e.cancel, e.done, e.srv
	e.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	srv.close()
	e.log.Debug("Scrcpy encoder stopped", "device", srv.serial)
	return nil
}

// pump reads the video socket and delivers units until it fails. The
// payload buffer is reused once OnUnit returns.
func pump(r io.Reader, sink core.UnitSink, log *slog.Logger) error {
	meta, err := ReadVideoMeta(r)
	if err != nil {
		return err
	}
	if meta.CodecID != CodecIDH264 {
		return fmt.Errorf("unexpected video codec 0x%08x", meta.CodecID)
	}
	log.Info("Video stream started", "device_name", meta.DeviceName, "width", meta.Width, "height", meta.Height)

	header := make([]byte, PacketHeaderSize)
	var buf []byte
	var last time.Duration
	for {
		h, err := ReadPacketHeader(r, header)
		if err != nil {
			if err == io.EOF {
				return errors.New("scrcpy server closed the video stream")
			}
			return err
		}
		if cap(buf) < int(h.Size) {
			buf = make([]byte, h.Size)
		}
		payload := buf[:h.Size]
		if _, err := io.ReadFull(r, payload); err != nil {
			return fmt.Errorf("failed to read packet data: %w", err)
		}

		unit := core.EncodedUnit{Payload: payload, PTS: last}
		switch {
		case h.IsConfig:
			// config packets carry no timestamp
			unit.Kind = core.UnitConfig
		default:
			if pts := time.Duration(h.PTS) * time.Microsecond; pts > last {
				unit.PTS = pts
				last = pts
			}
			unit.Kind = core.UnitInter
			if h.IsKeyFrame {
				unit.Kind = core.UnitKey
			}
		}
		sink.OnUnit(unit)
	}
}
