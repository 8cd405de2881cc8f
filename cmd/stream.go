package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Rysertio/screenstreaming/config"
	"github.com/Rysertio/screenstreaming/internal/capture"
	"github.com/Rysertio/screenstreaming/internal/core"
	"github.com/Rysertio/screenstreaming/internal/rtmp"
	"github.com/Rysertio/screenstreaming/internal/session"
	"github.com/Rysertio/screenstreaming/internal/util"
)

type StreamOptions struct {
	Device           string
	Source           string
	DisplayID        int
	NewDisplay       bool
	Width            int
	Height           int
	Density          int
	Bitrate          int
	FrameRate        int
	KeyframeInterval int
	User             string
	Password         string
}

func NewStreamCommand() *cobra.Command {
	opts := &StreamOptions{}
	defaultWidth, defaultHeight := config.Resolution()

	cmd := &cobra.Command{
		Use:   "stream <rtmp-url> [flags]",
		Short: "Stream a screen to an RTMP server",
		Long: `Capture the screen of an Android device (through adb and its hardware encoder) or of this desktop (through ffmpeg) and publish it live to an RTMP server until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ExecuteStream(cmd, opts, args[0])
		},
		Example: `  # Stream the only attached Android device
  screenstream stream rtmp://localhost/live/phone

  # Stream a given device at 720p, 4 Mbps
  screenstream stream rtmp://a.rtmp.youtube.com/live2/xxxx-xxxx -d emulator-5554 --width 1280 --height 720 --bitrate 4000000

  # Stream the desktop to a server requiring Adobe authentication
  screenstream stream rtmp://media.example.com/live/desk --source desktop --user alice --password secret`,
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.Device, "device", "d", "", "adb serial of the device to capture (default: the only attached device)")
	flags.StringVar(&opts.Source, "source", sourceAndroid, "Capture source: android or desktop")
	flags.IntVar(&opts.DisplayID, "display", 0, "Android display id to mirror")
	flags.BoolVar(&opts.NewDisplay, "new-display", false, "Capture a new Android virtual display of the given size and density instead of mirroring")
	flags.IntVar(&opts.Width, "width", defaultWidth, "Capture width in pixels (0: native)")
	flags.IntVar(&opts.Height, "height", defaultHeight, "Capture height in pixels (0: native)")
	flags.IntVar(&opts.Density, "density", config.Density(), "Pixel density in dpi (0: native)")
	flags.IntVar(&opts.Bitrate, "bitrate", config.Bitrate(), "Video bitrate in bits per second")
	flags.IntVar(&opts.FrameRate, "fps", config.FrameRate(), "Maximum frame rate")
	flags.IntVar(&opts.KeyframeInterval, "keyframe-interval", config.KeyframeInterval(), "Seconds between keyframes")
	flags.StringVar(&opts.User, "user", "", "User for servers requiring authentication")
	flags.StringVar(&opts.Password, "password", "", "Password for servers requiring authentication")

	cmd.RegisterFlagCompletionFunc("source", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{sourceAndroid, sourceDesktop}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func (o *StreamOptions) request(endpoint, grant string) session.Request {
	req := session.Request{
		Endpoint:         endpoint,
		Grant:            grant,
		Resolution:       core.Resolution{Width: o.Width, Height: o.Height},
		Density:          o.Density,
		Bitrate:          o.Bitrate,
		FrameRate:        o.FrameRate,
		KeyframeInterval: o.KeyframeInterval,
	}
	if o.User != "" {
		req.Credentials = &core.Credentials{User: o.User, Password: o.Password}
	}
	return req
}

func ExecuteStream(cmd *cobra.Command, opts *StreamOptions, endpoint string) error {
	ep, err := rtmp.ParseEndpoint(endpoint)
	if err != nil {
		return err
	}
	if (opts.Width == 0) != (opts.Height == 0) {
		return errors.New("--width and --height must be given together")
	}

	var bridge capture.Bridge
	grant := opts.Device
	if opts.Source == sourceAndroid {
		bridge, err = capture.NewADBBridge()
		if err != nil {
			return err
		}
		if grant, err = pickDevice(bridge, opts.Device); err != nil {
			return err
		}
	}

	components, err := newComponents(captureOptions{
		Source:     opts.Source,
		DisplayID:  opts.DisplayID,
		NewDisplay: opts.NewDisplay,
	}, bridge)
	if err != nil {
		return err
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	listener := newConsoleListener(cmd.OutOrStdout(), ep.Redacted())
	sess := session.New(components, listener)
	listener.spinner = util.NewUISpinner(verbose, fmt.Sprintf("Connecting to %s", ep.Redacted()))

	if err := sess.Start(opts.request(endpoint, grant)); err != nil {
		listener.spinner.Fail(err.Error())
		return err
	}

	select {
	case <-ctx.Done():
		listener.spinner.Stop()
		fmt.Fprintln(cmd.OutOrStdout(), "Stopping stream...")
		sess.Stop()
		printStats(cmd.OutOrStdout(), sess.Stats())
		return nil
	case <-listener.ended:
		err := sess.Err()
		sess.Stop()
		printStats(cmd.OutOrStdout(), sess.Stats())
		if err == nil {
			err = errors.New("stream ended")
		}
		return err
	}
}

func printStats(w io.Writer, st session.Stats) {
	color.New(color.Faint).Fprintf(w, "Units: %d captured, %d sent, %d dropped\n",
		st.UnitsReceived, st.UnitsForwarded, st.UnitsDropped)
}

// consoleListener prints session status. ended closes on the first fatal
// callback.
type consoleListener struct {
	w       io.Writer
	target  string
	spinner *util.UISpinner
	ended   chan struct{}
	endOnce sync.Once
}

func newConsoleListener(w io.Writer, target string) *consoleListener {
	return &consoleListener{w: w, target: target, ended: make(chan struct{})}
}

func (l *consoleListener) end() {
	l.endOnce.Do(func() { close(l.ended) })
}

func (l *consoleListener) OnConnected() {
	if l.spinner != nil {
		l.spinner.Success(fmt.Sprintf("Streaming to %s", color.CyanString(l.target)))
	}
	fmt.Fprintf(l.w, "(Press %s to stop.)\n", color.New(color.FgYellow, color.Bold).Sprint("Ctrl+C"))
}

func (l *consoleListener) OnConnectFailed() {
	if l.spinner != nil {
		l.spinner.Fail("Connection failed")
	}
	l.end()
}

func (l *consoleListener) OnDisconnected() {
	color.New(color.FgRed).Fprintln(l.w, "Stream disconnected")
	l.end()
}

func (l *consoleListener) OnAuthFailed() {
	color.New(color.FgYellow).Fprintln(l.w, "Server rejected the credentials")
}

func (l *consoleListener) OnAuthSucceeded() {
	color.New(color.FgGreen).Fprintln(l.w, "Authenticated")
}
