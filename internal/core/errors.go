package core

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNotConnected is returned by Transport.SendUnit when the publish
	// stream is not ready. The unit is dropped.
	ErrNotConnected = errors.New("transport not connected")
	// ErrNoCodecConfig rejects a picture unit sent before any config unit.
	ErrNoCodecConfig = errors.New("picture unit before codec configuration")
	// ErrInvalidCodecConfig rejects a config unit whose parameter sets do not
	// parse. The previous configuration, if any, stays in effect.
	ErrInvalidCodecConfig = errors.New("invalid codec configuration")
	// ErrOutOfOrder rejects a unit whose timestamp is behind the last one sent.
	ErrOutOfOrder = errors.New("unit timestamp out of order")
	// ErrQueueFull means the transport send queue is full and the unit was dropped.
	ErrQueueFull = errors.New("send queue full")
	// ErrStreamStarted rejects parameter changes once media has been sent.
	ErrStreamStarted = errors.New("stream already started")

	ErrSessionActive  = errors.New("session already active")
	ErrEncoderStarted = errors.New("encoder already started")
	ErrNotConfigured  = errors.New("encoder not configured")

	// ErrAuthorization means the capture grant was refused or revoked.
	ErrAuthorization = errors.New("capture authorization refused")

	ErrSurfaceBound    = errors.New("surface already bound")
	ErrSurfaceReleased = errors.New("surface released")
)

// EncoderConfigError is returned by Encoder.Configure when the requested
// format cannot be produced.
type EncoderConfigError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *EncoderConfigError) Error() string {
	return fmt.Sprintf("unsupported encoder %s %v: %s", e.Field, e.Value, e.Reason)
}

// IsEncoderConfigError reports whether err wraps an EncoderConfigError.
func IsEncoderConfigError(err error) bool {
	var cfgErr *EncoderConfigError
	return errors.As(err, &cfgErr)
}
