package scrcpy

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Rysertio/screenstreaming/internal/core"
	procgroup "github.com/Rysertio/screenstreaming/internal/proc_group"
	"github.com/Rysertio/screenstreaming/internal/util"
)

const (
	deviceServerPath = "/data/local/tmp/scrcpy-server.jar"
	acceptTimeout    = 20 * time.Second
)

// preferredAvcEncoders lists vendor hardware AVC encoders first.
var preferredAvcEncoders = []string{
	"c2.qti.avc.encoder",
	"c2.mtk.avc.encoder",
	"c2.exynos.avc.encoder",
	"c2.google.avc.encoder",
	"c2.hisilicon.avc.encoder",
	"c2.unisoc.avc.encoder",
	"OMX.qcom.video.encoder.avc",
	"OMX.MTK.VIDEO.ENCODER.AVC",
	"OMX.Exynos.AVC.Encoder",
}

// softwareAvcEncoders are never picked automatically.
var softwareAvcEncoders = map[string]bool{
	"c2.android.avc.encoder":  true,
	"OMX.google.h264.encoder": true,
}

// serverProcess is one scrcpy-server run on a device, reached through an
// adb reverse tunnel.
type serverProcess struct {
	adbPath  string
	jarPath  string
	version  string
	serial   string
	scid     uint32
	listener net.Listener
	cmd      *exec.Cmd
	conn     net.Conn
	log      *slog.Logger
}

func newServerProcess(adbPath, jarPath, version, serial string) *serverProcess {
	return &serverProcess{
		adbPath: adbPath,
		jarPath: jarPath,
		version: version,
		serial:  serial,
		scid:    rand.Uint32() & 0x7fffffff,
		log:     util.GetLogger().With("device", serial),
	}
}

func (s *serverProcess) socketName() string {
	return fmt.Sprintf("scrcpy_%08x", s.scid)
}

func (s *serverProcess) adb(ctx context.Context, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, s.adbPath, append([]string{"-s", s.serial}, args...)...)
}

// listen opens the local end of the tunnel.
func (s *serverProcess) listen() error {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to listen for scrcpy server: %w", err)
	}
	s.listener = l
	return nil
}

// start pushes the server, sets up the reverse tunnel, launches the server
// with args and waits for the video socket.
func (s *serverProcess) start(ctx context.Context, args []string) (net.Conn, error) {
	if s.listener == nil {
		if err := s.listen(); err != nil {
			return nil, err
		}
	}

	if err := s.pushServerFile(ctx); err != nil {
		return nil, fmt.Errorf("failed to push server file: %w", err)
	}
	if err := s.setupReverse(ctx); err != nil {
		return nil, fmt.Errorf("failed to setup reverse port forward: %w", err)
	}

	full := append([]string{
		"shell",
		"CLASSPATH=" + deviceServerPath,
		"app_process", "/", "com.genymobile.scrcpy.Server",
		s.version,
		"scid=" + fmt.Sprintf("%08x", s.scid),
	}, args...)
	cmd := s.adb(context.Background(), full...)
	procgroup.Set(cmd)
	cmd.Stdout = util.NewPrefixLogWriter("[scrcpy-out]")
	cmd.Stderr = util.NewPrefixLogWriter("[scrcpy-err]")
	s.log.Debug("Starting scrcpy server", "command", cmd.String())
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start scrcpy server: %w", err)
	}
	s.cmd = cmd

	tcp, ok := s.listener.(*net.TCPListener)
	if ok {
		deadline := time.Now().Add(acceptTimeout)
		if d, has := ctx.Deadline(); has && d.Before(deadline) {
			deadline = d
		}
		_ = tcp.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = s.listener.Close() })
	defer stop()

	conn, err := s.listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, fmt.Errorf("timeout waiting for scrcpy server after %v", acceptTimeout)
		}
		return nil, fmt.Errorf("failed to accept connection: %w", err)
	}
	s.log.Debug("Scrcpy server connected")
	s.conn = conn
	return conn, nil
}

func (s *serverProcess) pushServerFile(ctx context.Context) error {
	if s.jarPath == "" {
		// the jar may already be on the device
		if err := s.adb(ctx, "shell", "ls", deviceServerPath).Run(); err != nil {
			return fmt.Errorf("scrcpy-server.jar not found locally or on device")
		}
		return nil
	}
	if output, err := s.adb(ctx, "push", s.jarPath, deviceServerPath).CombinedOutput(); err != nil {
		return fmt.Errorf("failed to push server: %s", strings.TrimSpace(string(output)))
	}
	return nil
}

func (s *serverProcess) setupReverse(ctx context.Context) error {
	_ = s.adb(ctx, "reverse", "--remove", "localabstract:"+s.socketName()).Run()

	port := s.listener.Addr().(*net.TCPAddr).Port
	s.log.Debug("Setting up reverse port forward", "socket", s.socketName(), "port", port)
	output, err := s.adb(ctx, "reverse", "localabstract:"+s.socketName(), "tcp:"+strconv.Itoa(port)).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s", strings.TrimSpace(string(output)))
	}
	return nil
}

// close tears everything down. Safe to call more than once.
func (s *serverProcess) close() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
	if s.cmd != nil {
		if err := procgroup.Terminate(s.cmd); err != nil {
			s.log.Debug("Failed to signal scrcpy server", "error", err)
		}
		_ = s.cmd.Wait()
		s.cmd = nil

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.adb(ctx, "reverse", "--remove", "localabstract:"+s.socketName()).Run()
	}
}

// serverArgs maps encoder parameters and the capture spec onto scrcpy
// server options.
func serverArgs(params core.EncoderParams, spec core.SourceSpec, encoder string) []string {
	args := []string{
		"log_level=info",
		"video=true",
		"audio=false",
		"control=false",
		"cleanup=true",
		"send_device_meta=true",
		"send_frame_meta=true",
		"send_codec_meta=true",
		"send_dummy_byte=false",
		"video_codec=h264",
		"video_bit_rate=" + strconv.Itoa(params.Bitrate),
		"max_fps=" + strconv.Itoa(params.FrameRate),
		"video_codec_options=i-frame-interval:int=" + strconv.Itoa(params.KeyframeInterval),
	}
	if encoder != "" {
		args = append(args, "video_encoder="+encoder)
	}

	size := spec.Size
	if size.IsZero() {
		size = params.Resolution
	}
	if spec.VirtualDisplay {
		display := "new_display"
		if !size.IsZero() {
			display += "=" + size.String()
			if spec.Density > 0 {
				display += "/" + strconv.Itoa(spec.Density)
			}
		}
		args = append(args, display)
	} else {
		args = append(args, "display_id="+strconv.Itoa(spec.DisplayID))
		if !size.IsZero() {
			args = append(args, "max_size="+strconv.Itoa(max(size.Width, size.Height)))
		}
	}
	return args
}

// availableEncoders reads the device media_codecs*.xml files.
func availableEncoders(ctx context.Context, adbPath, serial string) map[string]bool {
	cmd := exec.CommandContext(ctx, adbPath, "-s", serial, "shell",
		"cat /vendor/etc/media_codecs*.xml 2>/dev/null")
	output, err := cmd.Output()
	if err != nil {
		return nil
	}
	return parseMediaCodecsXML(output)
}

// parseMediaCodecsXML collects codec names whose name attribute contains
// "encoder" (case-insensitive).
func parseMediaCodecsXML(data []byte) map[string]bool {
	encoders := make(map[string]bool)
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		for _, a := range start.Attr {
			if a.Name.Local == "name" && strings.Contains(strings.ToLower(a.Value), "encoder") {
				encoders[a.Value] = true
				break
			}
		}
	}
	return encoders
}

// pickEncoder returns the forced encoder, else the first preferred hardware
// encoder present, else the first non-software AVC encoder, else "" to let
// MediaCodec choose.
func pickEncoder(forced string, available map[string]bool) string {
	if forced != "" {
		return forced
	}
	for _, enc := range preferredAvcEncoders {
		if available[enc] {
			return enc
		}
	}
	var others []string
	for name := range available {
		lower := strings.ToLower(name)
		if strings.Contains(lower, "avc") && !softwareAvcEncoders[name] {
			others = append(others, name)
		}
	}
	if len(others) == 0 {
		return ""
	}
	slices.Sort(others)
	return others[0]
}
