// Package version carries build metadata stamped in with -ldflags.
package version

import (
	"runtime"
	"time"
)

// Set at build time:
//
//	-ldflags "-X .../internal/version.Version=v1.2.0 -X .../internal/version.CommitID=abc123"
var (
	Version   = "dev"
	BuildTime = "unknown"
	CommitID  = "unknown"
)

// Build describes the running binary.
type Build struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildTime string `json:"buildTime"`
	GoVersion string `json:"goVersion"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

func Current() Build {
	return Build{
		Version:   Version,
		GitCommit: CommitID,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// FormattedBuildTime renders an RFC 3339 BuildTime for humans and returns
// anything else unchanged.
func (b Build) FormattedBuildTime() string {
	t, err := time.Parse(time.RFC3339, b.BuildTime)
	if err != nil {
		return b.BuildTime
	}
	return t.Format("Mon Jan 2 15:04:05 2006")
}

// FlashVersion is the client version string announced in the RTMP connect
// command. Servers only look at the platform prefix.
func FlashVersion() string {
	return "FMLE/3.0 (compatible; screenstream/" + Version + ")"
}
