package ffmpeg

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/Rysertio/screenstreaming/config"
	"github.com/Rysertio/screenstreaming/internal/core"
	"github.com/Rysertio/screenstreaming/internal/h264"
	procgroup "github.com/Rysertio/screenstreaming/internal/proc_group"
	"github.com/Rysertio/screenstreaming/internal/util"
)

var _ core.Encoder = (*Encoder)(nil)

const stopGrace = 3 * time.Second

// Encoder runs ffmpeg with libx264 over a desktop grab device and cuts its
// Annex-B output into access units.
type Encoder struct {
	path string
	log  *slog.Logger

	mu      sync.Mutex
	surface *core.Surface
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

func NewEncoder() *Encoder {
	return NewEncoderWithPath(config.FFmpegPath())
}

func NewEncoderWithPath(path string) *Encoder {
	return &Encoder{path: path, log: util.GetLogger()}
}

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
	if spec.InputFormat == "" {
		return errors.New("surface is not bound to a desktop grab device")
	}
	params := e.surface.Params()

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, e.path, Args(params, spec)...)
	procgroup.Set(cmd)
	cmd.Cancel = func() error { return procgroup.Terminate(cmd) }
	cmd.WaitDelay = stopGrace
	cmd.Stderr = util.NewPrefixLogWriter("[ffmpeg]")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return errors.Wrap(err, "failed to open ffmpeg stdout")
	}
	e.log.Debug("Starting ffmpeg encoder", "command", cmd.String())
	if err := cmd.Start(); err != nil {
		cancel()
		return errors.Wrap(err, "failed to start ffmpeg")
	}
	e.log.Info("FFmpeg encoder started", "pid", cmd.Process.Pid, "input", spec.Input)

	e.cmd = cmd
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(ctx, cmd, stdout, sink, params.FrameRate)
	return nil
}

func (e *Encoder) run(ctx context.Context, cmd *exec.Cmd, stdout io.Reader, sink core.UnitSink, fps int) {
	defer close(e.done)

	err := emitUnits(stdout, fps, sink)
	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = errors.Errorf("ffmpeg exited: %v", waitErr)
	}
	sink.OnEncoderError(err)
}

// Stop terminates ffmpeg and waits for the reader. Idempotent.
func (e *Encoder) Stop() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	e.log.Debug("FFmpeg encoder stopped")
	return nil
}

// Args builds the ffmpeg command line for a grab spec.
func Args(params core.EncoderParams, spec core.SourceSpec) []string {
	gop := strconv.Itoa(params.FrameRate * params.KeyframeInterval)
	bitrate := strconv.Itoa(params.Bitrate)

	args := []string{
		"-hide_banner", "-loglevel", "warning", "-nostdin",
		"-f", spec.InputFormat,
		"-framerate", strconv.Itoa(params.FrameRate),
		"-i", spec.Input,
	}

	size := params.Resolution
	if size.IsZero() {
		size = spec.Size
	}
	if !size.IsZero() {
		args = append(args, "-vf", "scale="+strconv.Itoa(size.Width)+":"+strconv.Itoa(size.Height))
	}

	return append(args,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-pix_fmt", "yuv420p",
		"-b:v", bitrate,
		"-maxrate", bitrate,
		"-bufsize", bitrate,
		"-g", gop,
		"-keyint_min", gop,
		"-sc_threshold", "0",
		"-bf", "0",
		"-threads", "4",
		"-bsf:v", "h264_metadata=aud=insert",
		"-f", "h264",
		"pipe:1",
	)
}

// emitUnits reads AUD-delimited access units and delivers a config unit
// whenever the parameter sets change, followed by the picture unit.
// Timestamps count frames at the nominal rate.
func emitUnits(r io.Reader, fps int, sink core.UnitSink) error {
	scanner := h264.NewAccessUnitScanner(r)
	var lastConfig []byte
	var frame int64

	for scanner.Scan() {
		au := scanner.Bytes()
		nalus, err := h264.Split(au)
		if err != nil {
			continue
		}
		// encoder clock: output is constant-rate at fps
		pts := time.Duration(frame) * time.Second / time.Duration(fps)

		if sps, pps := h264.ParameterSets(nalus); sps != nil && pps != nil {
			cfg, err := h264.JoinAnnexB([][]byte{sps, pps})
			if err == nil && !bytes.Equal(cfg, lastConfig) {
				lastConfig = cfg
				sink.OnUnit(core.EncodedUnit{Payload: cfg, PTS: pts, Kind: core.UnitConfig})
			}
		}

		if len(h264.PictureNALUs(nalus)) == 0 {
			continue
		}
		kind := core.UnitInter
		if h264.HasIDR(nalus) {
			kind = core.UnitKey
		}
		sink.OnUnit(core.EncodedUnit{Payload: au, PTS: pts, Kind: kind})
		frame++
	}
	return scanner.Err()
}
