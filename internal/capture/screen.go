package capture

import (
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/Rysertio/screenstreaming/internal/core"
)

// screenSize probes the primary screen resolution of the local machine.
func screenSize(goos string) (core.Resolution, error) {
	var (
		out []byte
		err error
	)
	switch goos {
	case "darwin":
		out, err = exec.Command("system_profiler", "SPDisplaysDataType").Output()
		if err == nil {
			return parseSystemProfiler(string(out))
		}
	case "linux", "freebsd", "openbsd":
		out, err = exec.Command("xrandr", "--current").Output()
		if err == nil {
			return parseXrandr(string(out))
		}
	case "windows":
		out, err = exec.Command("powershell", "-Command",
			"Get-CimInstance -ClassName Win32_VideoController | Select-Object -First 1 | ForEach-Object { $_.CurrentHorizontalResolution; $_.CurrentVerticalResolution }").Output()
		if err == nil {
			return parseTwoLines(string(out))
		}
	default:
		return core.Resolution{}, errors.Errorf("unsupported OS %s", goos)
	}
	return core.Resolution{}, errors.Wrap(err, "probe screen size")
}

// parseXrandr reads the current mode, preferring the primary output.
func parseXrandr(out string) (core.Resolution, error) {
	var current core.Resolution
	primary := false
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, " connected") {
			primary = strings.Contains(line, " primary ")
			// "eDP-1 connected primary 1920x1080+0+0 ..."
			for _, f := range strings.Fields(line) {
				if res, ok := parseGeometry(f); ok && primary {
					return res, nil
				}
			}
			continue
		}
		if strings.Contains(line, "*") && current.IsZero() {
			fields := strings.Fields(line)
			if len(fields) > 0 {
				if res, ok := parseGeometry(fields[0]); ok {
					current = res
				}
			}
		}
	}
	if current.IsZero() {
		return current, errors.New("no current mode in xrandr output")
	}
	return current, nil
}

// parseSystemProfiler picks the built-in display, then the main one, then
// the first listed.
func parseSystemProfiler(out string) (core.Resolution, error) {
	type display struct {
		res     core.Resolution
		builtIn bool
		primary bool
	}
	var displays []display
	inDisplays := false
	for _, line := range strings.Split(out, "\n") {
		t := strings.TrimSpace(line)
		if t == "Displays:" {
			inDisplays = true
			continue
		}
		if !inDisplays || t == "" {
			continue
		}
		// A display starts with its name: "Color LCD:"
		if strings.HasSuffix(t, ":") && !strings.Contains(strings.TrimSuffix(t, ":"), ":") {
			displays = append(displays, display{})
			continue
		}
		if len(displays) == 0 {
			continue
		}
		cur := &displays[len(displays)-1]
		switch {
		case strings.HasPrefix(t, "Resolution:"):
			if nums := leadingInts(strings.TrimPrefix(t, "Resolution:"), 2); len(nums) == 2 {
				cur.res = core.Resolution{Width: nums[0], Height: nums[1]}
			}
		case strings.HasPrefix(t, "Display Type: Built-in"), t == "Built-in: Yes":
			cur.builtIn = true
		case t == "Main Display: Yes":
			cur.primary = true
		}
	}

	var first, main core.Resolution
	for _, d := range displays {
		if d.res.IsZero() {
			continue
		}
		if d.builtIn {
			return d.res, nil
		}
		if first.IsZero() {
			first = d.res
		}
		if d.primary && main.IsZero() {
			main = d.res
		}
	}
	if !main.IsZero() {
		return main, nil
	}
	if first.IsZero() {
		return first, errors.New("no display in system_profiler output")
	}
	return first, nil
}

func parseTwoLines(out string) (core.Resolution, error) {
	nums := leadingInts(out, 2)
	if len(nums) != 2 {
		return core.Resolution{}, errors.Errorf("unexpected resolution output %q", strings.TrimSpace(out))
	}
	return core.Resolution{Width: nums[0], Height: nums[1]}, nil
}

// parseGeometry accepts "WxH" with an optional "+X+Y" offset.
func parseGeometry(s string) (core.Resolution, bool) {
	s, _, _ = strings.Cut(s, "+")
	w, h, ok := strings.Cut(s, "x")
	if !ok {
		return core.Resolution{}, false
	}
	width, err1 := strconv.Atoi(w)
	height, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil || width <= 0 || height <= 0 {
		return core.Resolution{}, false
	}
	return core.Resolution{Width: width, Height: height}, true
}

func leadingInts(s string, n int) []int {
	var nums []int
	for _, f := range strings.Fields(s) {
		if v, err := strconv.Atoi(f); err == nil {
			nums = append(nums, v)
			if len(nums) == n {
				break
			}
		}
	}
	return nums
}
