package core

import "fmt"

// Resolution is a capture or encode size in pixels. The zero value means
// "whatever the display natively provides".
type Resolution struct {
	Width  int
	Height int
}

func (r Resolution) IsZero() bool {
	return r.Width == 0 && r.Height == 0
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Credentials are presented to the server only if it challenges.
type Credentials struct {
	User     string
	Password string
}

// Empty reports whether no usable credentials were supplied.
func (c *Credentials) Empty() bool {
	return c == nil || c.User == ""
}

// Encoder limits. Hardware AVC encoders on phones top out at level 5.x.
const (
	MaxDimension = 4096
	MaxBitrate   = 50_000_000
	MaxFrameRate = 120
)

// EncoderParams configures a video encoder.
type EncoderParams struct {
	Resolution
	Bitrate          int // bits per second
	FrameRate        int
	KeyframeInterval int // seconds
}

// Validate checks the parameters against what an H.264 encoder accepts.
func (p EncoderParams) Validate() error {
	if !p.Resolution.IsZero() {
		if p.Width <= 0 || p.Height <= 0 {
			return &EncoderConfigError{Field: "resolution", Value: p.Resolution, Reason: "both dimensions must be positive"}
		}
		if p.Width > MaxDimension || p.Height > MaxDimension {
			return &EncoderConfigError{Field: "resolution", Value: p.Resolution, Reason: fmt.Sprintf("exceeds %d pixels", MaxDimension)}
		}
		// 4:2:0 chroma subsampling
		if p.Width%2 != 0 || p.Height%2 != 0 {
			return &EncoderConfigError{Field: "resolution", Value: p.Resolution, Reason: "dimensions must be even"}
		}
	}
	if p.Bitrate <= 0 || p.Bitrate > MaxBitrate {
		return &EncoderConfigError{Field: "bitrate", Value: p.Bitrate, Reason: fmt.Sprintf("must be in (0, %d]", MaxBitrate)}
	}
	if p.FrameRate <= 0 || p.FrameRate > MaxFrameRate {
		return &EncoderConfigError{Field: "frame rate", Value: p.FrameRate, Reason: fmt.Sprintf("must be in (0, %d]", MaxFrameRate)}
	}
	if p.KeyframeInterval <= 0 {
		return &EncoderConfigError{Field: "keyframe interval", Value: p.KeyframeInterval, Reason: "must be positive"}
	}
	return nil
}

// VideoParameters describe the published stream to the server.
type VideoParameters struct {
	Width     int
	Height    int
	FrameRate int
	Bitrate   int
}
