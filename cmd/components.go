package cmd

import (
	"github.com/pkg/errors"

	"github.com/Rysertio/screenstreaming/internal/capture"
	"github.com/Rysertio/screenstreaming/internal/core"
	"github.com/Rysertio/screenstreaming/internal/ffmpeg"
	"github.com/Rysertio/screenstreaming/internal/rtmp"
	"github.com/Rysertio/screenstreaming/internal/scrcpy"
	"github.com/Rysertio/screenstreaming/internal/session"
)

const (
	sourceAndroid = "android"
	sourceDesktop = "desktop"
)

// captureOptions select the frame source and encoder pair.
type captureOptions struct {
	Source     string
	DisplayID  int
	NewDisplay bool
}

func newComponents(opts captureOptions, bridge capture.Bridge) (session.Components, error) {
	transport := func() core.Transport { return rtmp.NewPublisher(rtmp.DefaultOptions()) }

	switch opts.Source {
	case sourceAndroid:
		if bridge == nil {
			return session.Components{}, errors.New("android capture needs a running adb server")
		}
		return session.Components{
			NewSource: func() core.FrameSource {
				return capture.NewAndroidDisplay(bridge, opts.DisplayID, opts.NewDisplay)
			},
			NewEncoder:   func() core.Encoder { return scrcpy.NewEncoder(scrcpy.DefaultOptions()) },
			NewTransport: transport,
		}, nil
	case sourceDesktop:
		return session.Components{
			NewSource:    func() core.FrameSource { return capture.NewDesktop() },
			NewEncoder:   func() core.Encoder { return ffmpeg.NewEncoder() },
			NewTransport: transport,
		}, nil
	default:
		return session.Components{}, errors.Errorf("unknown source %q, want %s or %s", opts.Source, sourceAndroid, sourceDesktop)
	}
}

// pickDevice returns serial, or the only attached device when serial is
// empty.
func pickDevice(bridge capture.Bridge, serial string) (string, error) {
	if serial != "" {
		return serial, nil
	}
	devices, err := bridge.Devices()
	if err != nil {
		return "", errors.Wrap(err, "failed to list adb devices")
	}
	switch len(devices) {
	case 0:
		return "", errors.New("no Android device attached")
	case 1:
		return devices[0].Serial, nil
	default:
		return "", errors.Errorf("%d devices attached, choose one with --device", len(devices))
	}
}
