package capture

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"

	adb "github.com/basiooo/goadb"
	"github.com/pkg/errors"

	"github.com/Rysertio/screenstreaming/internal/core"
	"github.com/Rysertio/screenstreaming/internal/util"
)

var _ core.FrameSource = (*AndroidDisplay)(nil)

var (
	sizePattern    = regexp.MustCompile(`(Physical|Override) size:\s*(\d+)x(\d+)`)
	densityPattern = regexp.MustCompile(`(Physical|Override) density:\s*(\d+)`)
)

// AndroidDisplay captures a device display over adb. The grant is the adb
// serial; an unauthorized or missing device refuses the grant.
type AndroidDisplay struct {
	bridge    Bridge
	displayID int
	virtual   bool

	mu      sync.Mutex
	serial  string
	size    core.Resolution
	density int
	opened  bool
	stop    func()
	faults  chan error
	quit    chan struct{}
	done    chan struct{}
	closed  bool
}

// NewAndroidDisplay captures displayID, or a fresh virtual display of the
// requested size when virtual is set.
func NewAndroidDisplay(bridge Bridge, displayID int, virtual bool) *AndroidDisplay {
	return &AndroidDisplay{
		bridge:    bridge,
		displayID: displayID,
		virtual:   virtual,
		faults:    make(chan error, 1),
	}
}

func (d *AndroidDisplay) Open(ctx context.Context, grant string, res core.Resolution, density int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("capture closed")
	}
	if d.opened {
		return errors.New("capture already open")
	}
	if grant == "" {
		return errors.Wrap(core.ErrAuthorization, "no device serial")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	state, err := d.bridge.State(grant)
	if err != nil {
		return errors.Wrapf(core.ErrAuthorization, "device %s: %v", grant, err)
	}
	switch state {
	case adb.StateOnline:
	case adb.StateUnauthorized:
		return errors.Wrapf(core.ErrAuthorization, "device %s is unauthorized, accept the USB debugging prompt", grant)
	default:
		return errors.Wrapf(core.ErrAuthorization, "device %s is %s", grant, StateName(state))
	}

	log := util.GetLogger().With("device", grant)
	if !d.virtual && (res.IsZero() || density == 0) {
		if out, err := d.bridge.Shell(grant, "wm", "size"); err == nil {
			if native, ok := parseDisplaySize(out); ok && res.IsZero() {
				res = native
			}
		} else {
			log.Debug("Failed to query display size", "error", err)
		}
		if density == 0 {
			if out, err := d.bridge.Shell(grant, "wm", "density"); err == nil {
				density = parseDisplayDensity(out)
			}
		}
	}

	d.serial = grant
	d.size = res
	d.density = density
	d.opened = true

	events, stop := d.bridge.Watch()
	d.stop = stop
	d.quit = make(chan struct{})
	d.done = make(chan struct{})
	go d.watch(grant, events)

	log.Info("Android capture opened", "display", d.displayID, "virtual", d.virtual, "size", res, "density", density)
	return nil
}

// watch reports the first transition of the device away from online.
func (d *AndroidDisplay) watch(serial string, events <-chan adb.DeviceStateChangedEvent) {
	defer close(d.done)
	for {
		var ev adb.DeviceStateChangedEvent
		select {
		case <-d.quit:
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			ev = e
		}
		if ev.Serial != serial || ev.NewState == adb.StateOnline {
			continue
		}
		util.GetLogger().Warn("Capture device left", "device", serial, "from", ev.OldState, "to", ev.NewState)
		select {
		case d.faults <- errors.Wrapf(core.ErrAuthorization, "device %s went %s", serial, ev.NewState):
		default:
		}
		return
	}
}

func (d *AndroidDisplay) Bind(surface *core.Surface) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opened || d.closed {
		return errors.New("capture not open")
	}
	return surface.Bind(core.SourceSpec{
		Serial:         d.serial,
		DisplayID:      d.displayID,
		VirtualDisplay: d.virtual,
		Density:        d.density,
		Size:           d.size,
	})
}

func (d *AndroidDisplay) Faults() <-chan error {
	return d.faults
}

func (d *AndroidDisplay) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	stop, quit, done := d.stop, d.quit, d.done
	d.mu.Unlock()

	if stop != nil {
		close(quit)
		stop()
		<-done
	}
	return nil
}

// parseDisplaySize reads `wm size`, preferring the override size.
func parseDisplaySize(out string) (core.Resolution, bool) {
	var res core.Resolution
	found := false
	for _, m := range sizePattern.FindAllStringSubmatch(out, -1) {
		w, _ := strconv.Atoi(m[2])
		h, _ := strconv.Atoi(m[3])
		if !found || m[1] == "Override" {
			res = core.Resolution{Width: w, Height: h}
			found = true
		}
	}
	return res, found
}

func parseDisplayDensity(out string) int {
	density := 0
	for _, m := range densityPattern.FindAllStringSubmatch(strings.TrimSpace(out), -1) {
		v, _ := strconv.Atoi(m[2])
		if density == 0 || m[1] == "Override" {
			density = v
		}
	}
	return density
}
