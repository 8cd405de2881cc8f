package core

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncoderParamsValidate(t *testing.T) {
	base := EncoderParams{Resolution: Resolution{1280, 720}, Bitrate: 2_000_000, FrameRate: 30, KeyframeInterval: 5}
	require.NoError(t, base.Validate())

	native := base
	native.Resolution = Resolution{}
	assert.NoError(t, native.Validate())

	tests := []struct {
		name   string
		mutate func(p *EncoderParams)
		field  string
	}{
		{"odd width", func(p *EncoderParams) { p.Width = 1281 }, "resolution"},
		{"negative height", func(p *EncoderParams) { p.Height = -2 }, "resolution"},
		{"too large", func(p *EncoderParams) { p.Width = 8192 }, "resolution"},
		{"zero bitrate", func(p *EncoderParams) { p.Bitrate = 0 }, "bitrate"},
		{"zero fps", func(p *EncoderParams) { p.FrameRate = 0 }, "frame rate"},
		{"fps too high", func(p *EncoderParams) { p.FrameRate = 240 }, "frame rate"},
		{"no keyframes", func(p *EncoderParams) { p.KeyframeInterval = 0 }, "keyframe interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			tt.mutate(&p)
			err := p.Validate()
			require.Error(t, err)

			var cfgErr *EncoderConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.field, cfgErr.Field)
			assert.True(t, IsEncoderConfigError(errors.Wrap(err, "configure")))
		})
	}
}

func TestSurfaceBindOnce(t *testing.T) {
	s := NewSurface(EncoderParams{FrameRate: 30})

	_, ok := s.Spec()
	assert.False(t, ok)

	require.NoError(t, s.Bind(SourceSpec{Serial: "emulator-5554"}))
	assert.ErrorIs(t, s.Bind(SourceSpec{}), ErrSurfaceBound)

	spec, ok := s.Spec()
	assert.True(t, ok)
	assert.Equal(t, "emulator-5554", spec.Serial)

	s.Release()
	s.Release()
	assert.True(t, s.Released())
	_, ok = s.Spec()
	assert.False(t, ok)
}

func TestUnitClone(t *testing.T) {
	u := EncodedUnit{Payload: []byte{1, 2, 3}, PTS: time.Second, Kind: UnitKey}
	c := u.Clone()
	u.Payload[0] = 9
	assert.Equal(t, byte(1), c.Payload[0])
	assert.Equal(t, "key", c.Kind.String())
	assert.False(t, c.IsConfig())
}
