package core

import "sync"

// SourceSpec is what a frame source writes into a surface: where the pixels
// come from. Exactly one of the Android or desktop fields is meaningful.
type SourceSpec struct {
	// Android
	Serial         string
	DisplayID      int
	VirtualDisplay bool
	Density        int

	// Desktop (ffmpeg input)
	InputFormat string
	Input       string

	// Size is the capture size; zero means native.
	Size Resolution
}

// Surface is the capture target handed out by Encoder.Configure. The frame
// source binds it once; the encoder reads the binding when it starts. Release
// is triggered only by the session after the encoder has stopped.
type Surface struct {
	mu       sync.Mutex
	params   EncoderParams
	spec     SourceSpec
	bound    bool
	released bool
}

func NewSurface(params EncoderParams) *Surface {
	return &Surface{params: params}
}

// Params returns the encoder parameters the surface was configured with.
func (s *Surface) Params() EncoderParams {
	return s.params
}

// Bind records the frame source's capture spec.
func (s *Surface) Bind(spec SourceSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrSurfaceReleased
	}
	if s.bound {
		return ErrSurfaceBound
	}
	s.spec = spec
	s.bound = true
	return nil
}

// Spec returns the bound capture spec.
func (s *Surface) Spec() (SourceSpec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spec, s.bound && !s.released
}

// Release invalidates the surface. Safe to call more than once.
func (s *Surface) Release() {
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
}

func (s *Surface) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}
