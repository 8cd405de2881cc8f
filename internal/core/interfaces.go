package core

import (
	"context"
	"fmt"
)

// FrameSource is a platform screen capture capability.
type FrameSource interface {
	// Open validates the capture grant (adb serial, display name) and
	// prepares a capture of the given size and density. Zero values mean
	// native.
	Open(ctx context.Context, grant string, res Resolution, density int) error
	// Bind points the capture at an encoder's surface.
	Bind(surface *Surface) error
	// Faults delivers at most one fatal mid-stream error (grant revoked,
	// display gone).
	Faults() <-chan error
	// Close is idempotent.
	Close() error
}

// UnitSink receives encoder output. Both methods run on the encoder's own
// goroutine. The payload of a unit is only valid until OnUnit returns.
type UnitSink interface {
	OnUnit(unit EncodedUnit)
	OnEncoderError(err error)
}

// Encoder is a black-box H.264 encoder.
type Encoder interface {
	// Configure allocates the encoder and returns the surface the frame
	// source must bind to. It fails with *EncoderConfigError and leaves
	// nothing allocated when params are unsupported.
	Configure(params EncoderParams) (*Surface, error)
	// Start begins producing units into sink. Config units come first.
	Start(ctx context.Context, sink UnitSink) error
	// Stop flushes the in-flight unit and waits for the encoder goroutine.
	// Idempotent.
	Stop() error
}

// TransportEvent is an asynchronous connection status change.
type TransportEvent uint8

const (
	TransportConnected TransportEvent = iota
	TransportConnectFailed
	TransportDisconnected
	TransportAuthFailed
	TransportAuthSucceeded
)

func (e TransportEvent) String() string {
	switch e {
	case TransportConnected:
		return "connected"
	case TransportConnectFailed:
		return "connect_failed"
	case TransportDisconnected:
		return "disconnected"
	case TransportAuthFailed:
		return "auth_failed"
	case TransportAuthSucceeded:
		return "auth_succeeded"
	default:
		return fmt.Sprintf("TransportEvent(%d)", uint8(e))
	}
}

// TransportListener is invoked from transport goroutines. err is set for
// failures and nil otherwise.
type TransportListener func(ev TransportEvent, err error)

// Transport publishes units to a remote media server.
type Transport interface {
	// Connect dials, handshakes and negotiates a publish stream in the
	// background. It returns an error only when the endpoint is unusable;
	// everything else is reported once through l. No retries.
	Connect(ctx context.Context, endpoint string, creds *Credentials, l TransportListener) error
	// SetVideoParameters must precede the first unit; afterwards it fails
	// with ErrStreamStarted.
	SetVideoParameters(p VideoParameters) error
	// SendUnit queues a unit without blocking on the network. It fails with
	// ErrNotConnected when not ready; the unit is then dropped.
	SendUnit(unit EncodedUnit) error
	// Disconnect flushes and closes. Idempotent.
	Disconnect() error
}

// StatusListener is the operator-facing callback set of a session.
type StatusListener interface {
	OnConnected()
	OnConnectFailed()
	OnDisconnected()
	OnAuthFailed()
	OnAuthSucceeded()
}
