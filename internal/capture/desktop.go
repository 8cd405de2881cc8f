package capture

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/Rysertio/screenstreaming/config"
	"github.com/Rysertio/screenstreaming/internal/core"
	"github.com/Rysertio/screenstreaming/internal/util"
)

var _ core.FrameSource = (*Desktop)(nil)

// Desktop captures the local screen through an ffmpeg grab device. The
// grant names the display: an X11 display on Linux, an avfoundation device
// index on macOS or a gdigrab target on Windows. Empty selects the primary
// screen.
type Desktop struct {
	ffmpegPath string
	goos       string
	probe      func(goos string) (core.Resolution, error)

	mu     sync.Mutex
	spec   core.SourceSpec
	opened bool
	closed bool
	faults chan error
}

func NewDesktop() *Desktop {
	return &Desktop{
		ffmpegPath: config.FFmpegPath(),
		goos:       runtime.GOOS,
		probe:      screenSize,
		faults:     make(chan error, 1),
	}
}

func (d *Desktop) Open(ctx context.Context, grant string, res core.Resolution, density int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("capture closed")
	}
	if d.opened {
		return errors.New("capture already open")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := exec.LookPath(d.ffmpegPath); err != nil {
		return errors.Wrapf(err, "ffmpeg not found at %q", d.ffmpegPath)
	}

	format, input, err := grabInput(d.goos, grant, config.FFmpegInput(), os.Getenv("DISPLAY"))
	if err != nil {
		return err
	}
	if res.IsZero() && d.probe != nil {
		if native, err := d.probe(d.goos); err == nil {
			res = native
		} else {
			util.GetLogger().Debug("Failed to probe screen size", "error", err)
		}
	}
	d.spec = core.SourceSpec{InputFormat: format, Input: input, Size: res}
	d.opened = true
	util.GetLogger().Info("Desktop capture opened", "format", format, "input", input, "size", res)
	return nil
}

// grabInput picks the ffmpeg input format and device for a platform.
func grabInput(goos, grant, override, xdisplay string) (format, input string, err error) {
	if override != "" {
		// "format:input", e.g. "kmsgrab:-"
		f, in, ok := strings.Cut(override, ":")
		if !ok || f == "" {
			return "", "", errors.Errorf("invalid ffmpeg input %q, want format:input", override)
		}
		return f, in, nil
	}

	switch goos {
	case "linux", "freebsd", "openbsd":
		display := grant
		if display == "" {
			display = xdisplay
		}
		if display == "" {
			return "", "", errors.Wrap(core.ErrAuthorization, "no X display, set DISPLAY or pass one")
		}
		return "x11grab", display, nil
	case "darwin":
		index := grant
		if index == "" {
			index = "1"
		}
		return "avfoundation", index + ":none", nil
	case "windows":
		target := grant
		if target == "" {
			target = "desktop"
		}
		return "gdigrab", target, nil
	default:
		return "", "", errors.Errorf("desktop capture is not supported on %s", goos)
	}
}

func (d *Desktop) Bind(surface *core.Surface) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opened || d.closed {
		return errors.New("capture not open")
	}
	return surface.Bind(d.spec)
}

// Faults never fires; grab failures surface as encoder errors.
func (d *Desktop) Faults() <-chan error {
	return d.faults
}

func (d *Desktop) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}
