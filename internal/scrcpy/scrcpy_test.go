package scrcpy

import (
	"bytes"
	"encoding/binary"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rysertio/screenstreaming/internal/core"
)

type recordingSink struct {
	units []core.EncodedUnit
	errs  []error
}

func (s *recordingSink) OnUnit(u core.EncodedUnit) { s.units = append(s.units, u.Clone()) }
func (s *recordingSink) OnEncoderError(err error)  { s.errs = append(s.errs, err) }

func writeMeta(buf *bytes.Buffer, codec uint32) {
	name := make([]byte, deviceNameFieldLength)
	copy(name, "Pixel 7")
	buf.Write(name)
	_ = binary.Write(buf, binary.BigEndian, codec)
	_ = binary.Write(buf, binary.BigEndian, uint32(1080))
	_ = binary.Write(buf, binary.BigEndian, uint32(2400))
}

func writePacket(buf *bytes.Buffer, flags uint64, ptsUs uint64, payload []byte) {
	_ = binary.Write(buf, binary.BigEndian, flags|ptsUs)
	_ = binary.Write(buf, binary.BigEndian, uint32(len(payload)))
	buf.Write(payload)
}

func TestReadVideoMeta(t *testing.T) {
	var buf bytes.Buffer
	writeMeta(&buf, CodecIDH264)

	meta, err := ReadVideoMeta(&buf)
	require.NoError(t, err)
	assert.Equal(t, "Pixel 7", meta.DeviceName)
	assert.Equal(t, CodecIDH264, meta.CodecID)
	assert.Equal(t, uint32(1080), meta.Width)
	assert.Equal(t, uint32(2400), meta.Height)

	buf.Reset()
	writeMeta(&buf, CodecIDError)
	_, err = ReadVideoMeta(&buf)
	assert.Error(t, err)
}

func TestReadPacketHeader(t *testing.T) {
	var buf bytes.Buffer
	writePacket(&buf, PacketFlagKeyFrame, 33_000, []byte{1, 2, 3})
	header := make([]byte, PacketHeaderSize)

	h, err := ReadPacketHeader(&buf, header)
	require.NoError(t, err)
	assert.Equal(t, uint64(33_000), h.PTS)
	assert.Equal(t, uint32(3), h.Size)
	assert.True(t, h.IsKeyFrame)
	assert.False(t, h.IsConfig)

	buf.Reset()
	_, err = ReadPacketHeader(&buf, header)
	assert.Equal(t, io.EOF, err)

	buf.Reset()
	writePacket(&buf, 0, 0, nil)
	_, err = ReadPacketHeader(&buf, header)
	assert.Error(t, err)
}

func TestPump(t *testing.T) {
	var buf bytes.Buffer
	writeMeta(&buf, CodecIDH264)
	writePacket(&buf, PacketFlagConfig, 0, []byte{0, 0, 0, 1, 0x67, 0, 0, 0, 1, 0x68})
	writePacket(&buf, PacketFlagKeyFrame, 0, []byte{0, 0, 0, 1, 0x65, 0xaa})
	writePacket(&buf, 0, 33_333, []byte{0, 0, 0, 1, 0x41, 0xbb})
	writePacket(&buf, PacketFlagConfig, 0, []byte{0, 0, 0, 1, 0x67, 1, 0, 0, 0, 1, 0x68})
	writePacket(&buf, PacketFlagKeyFrame, 66_666, []byte{0, 0, 0, 1, 0x65, 0xcc})

	sink := &recordingSink{}
	err := pump(&buf, sink, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed the video stream")

	require.Len(t, sink.units, 5)
	kinds := []core.UnitKind{core.UnitConfig, core.UnitKey, core.UnitInter, core.UnitConfig, core.UnitKey}
	for i, k := range kinds {
		assert.Equal(t, k, sink.units[i].Kind, "unit %d", i)
	}
	assert.Equal(t, time.Duration(0), sink.units[0].PTS)
	assert.Equal(t, 33333*time.Microsecond, sink.units[2].PTS)
	// a mid-stream config keeps the last picture timestamp
	assert.Equal(t, 33333*time.Microsecond, sink.units[3].PTS)
	assert.Equal(t, 66666*time.Microsecond, sink.units[4].PTS)
	assert.Equal(t, []byte{0, 0, 0, 1, 0x41, 0xbb}, sink.units[2].Payload)
}

func TestPumpRejectsOtherCodecs(t *testing.T) {
	var buf bytes.Buffer
	writeMeta(&buf, CodecIDH265)
	err := pump(&buf, &recordingSink{}, slog.Default())
	assert.Error(t, err)
}

func TestServerArgs(t *testing.T) {
	params := core.EncoderParams{
		Resolution:       core.Resolution{Width: 1280, Height: 720},
		Bitrate:          4_000_000,
		FrameRate:        30,
		KeyframeInterval: 2,
	}

	args := serverArgs(params, core.SourceSpec{Serial: "abc", DisplayID: 0}, "c2.qti.avc.encoder")
	assert.Contains(t, args, "video_codec=h264")
	assert.Contains(t, args, "video_bit_rate=4000000")
	assert.Contains(t, args, "max_fps=30")
	assert.Contains(t, args, "video_codec_options=i-frame-interval:int=2")
	assert.Contains(t, args, "video_encoder=c2.qti.avc.encoder")
	assert.Contains(t, args, "audio=false")
	assert.Contains(t, args, "display_id=0")
	assert.Contains(t, args, "max_size=1280")

	args = serverArgs(params, core.SourceSpec{Serial: "abc", VirtualDisplay: true, Density: 320}, "")
	assert.Contains(t, args, "new_display=1280x720/320")
	for _, a := range args {
		assert.NotContains(t, a, "video_encoder=")
		assert.NotContains(t, a, "max_size=")
	}
}

func TestParseMediaCodecsXML(t *testing.T) {
	data := []byte(`<?xml version="1.0" encoding="utf-8" ?>
<MediaCodecs>
    <Encoders>
        <MediaCodec name="c2.qti.avc.encoder" type="video/avc" />
        <MediaCodec name="c2.android.avc.encoder" type="video/avc" />
        <MediaCodec name="OMX.qcom.video.encoder.hevc" type="video/hevc" />
    </Encoders>
    <Decoders>
        <MediaCodec name="c2.qti.avc.decoder" type="video/avc" />
    </Decoders>
</MediaCodecs>`)

	encoders := parseMediaCodecsXML(data)
	assert.True(t, encoders["c2.qti.avc.encoder"])
	assert.True(t, encoders["c2.android.avc.encoder"])
	assert.True(t, encoders["OMX.qcom.video.encoder.hevc"])
	assert.False(t, encoders["c2.qti.avc.decoder"])
}

func TestPickEncoder(t *testing.T) {
	assert.Equal(t, "forced", pickEncoder("forced", nil))
	assert.Equal(t, "", pickEncoder("", nil))
	assert.Equal(t, "c2.mtk.avc.encoder", pickEncoder("", map[string]bool{
		"c2.android.avc.encoder": true,
		"c2.mtk.avc.encoder":     true,
	}))
	assert.Equal(t, "c2.vendor.avc.encoder", pickEncoder("", map[string]bool{
		"c2.android.avc.encoder": true,
		"c2.vendor.avc.encoder":  true,
	}))
	assert.Equal(t, "", pickEncoder("", map[string]bool{"c2.android.avc.encoder": true}))
}

func TestEncoderLifecycle(t *testing.T) {
	enc := NewEncoder(Options{ADBPath: "adb"})

	_, err := enc.Configure(core.EncoderParams{Bitrate: 0, FrameRate: 30, KeyframeInterval: 1})
	assert.True(t, core.IsEncoderConfigError(err))

	assert.ErrorIs(t, enc.Start(t.Context(), &recordingSink{}), core.ErrNotConfigured)

	surface, err := enc.Configure(core.EncoderParams{Bitrate: 1_000_000, FrameRate: 30, KeyframeInterval: 1})
	require.NoError(t, err)
	assert.Error(t, enc.Start(t.Context(), &recordingSink{}), "unbound surface")

	require.NoError(t, surface.Bind(core.SourceSpec{Input: ":0.0", InputFormat: "x11grab"}))
	assert.Error(t, enc.Start(t.Context(), &recordingSink{}), "desktop surface")

	assert.NoError(t, enc.Stop())
	assert.NoError(t, enc.Stop())
}
