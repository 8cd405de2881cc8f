package rtmp

import (
	"github.com/nareix/joy4/format/flv/flvio"

	"github.com/Rysertio/screenstreaming/internal/core"
)

// videoTag builds the body of an RTMP video message: the FLV video tag
// header followed by data.
func videoTag(frameType, packetType uint8, data []byte) []byte {
	tag := flvio.Tag{
		Type:          flvio.TAG_VIDEO,
		FrameType:     frameType,
		CodecID:       flvio.VIDEO_H264,
		AVCPacketType: packetType,
	}
	b := make([]byte, flvio.MaxTagSubHeaderLength+len(data))
	n := tag.FillHeader(b)
	n += copy(b[n:], data)
	return b[:n]
}

// sequenceHeader wraps an AVCDecoderConfigurationRecord.
func sequenceHeader(record []byte) []byte {
	return videoTag(flvio.FRAME_KEY, flvio.AVC_SEQHDR, record)
}

// naluTag wraps length-prefixed NAL units of one picture.
func naluTag(kind core.UnitKind, avcc []byte) []byte {
	frameType := uint8(flvio.FRAME_INTER)
	if kind == core.UnitKey {
		frameType = flvio.FRAME_KEY
	}
	return videoTag(frameType, flvio.AVC_NALU, avcc)
}

// endOfSequence tells players the stream is over.
func endOfSequence() []byte {
	return videoTag(flvio.FRAME_KEY, flvio.AVC_EOS, nil)
}

// metadataPayload is the @setDataFrame(onMetaData) script data.
func metadataPayload(p core.VideoParameters, encoder string) []byte {
	meta := flvio.AMFECMAArray{
		"width":        float64(p.Width),
		"height":       float64(p.Height),
		"videocodecid": float64(flvio.VIDEO_H264),
		"encoder":      encoder,
	}
	if p.FrameRate > 0 {
		meta["framerate"] = float64(p.FrameRate)
	}
	if p.Bitrate > 0 {
		meta["videodatarate"] = float64(p.Bitrate) / 1000
	}
	return encodeAMF0("@setDataFrame", "onMetaData", meta)
}
