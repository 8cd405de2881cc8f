package scrcpy

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// PacketHeaderSize is the size of the frame meta preceding each packet
const PacketHeaderSize = 12

// Packet flags carried in the high bits of the PTS field
const (
	PacketFlagConfig   = uint64(1) << 63
	PacketFlagKeyFrame = uint64(1) << 62
	PacketPTSMask      = PacketFlagKeyFrame - 1
)

// Codec ids announced in the codec meta
const (
	CodecIDH264     = uint32(0x68323634) // "h264"
	CodecIDH265     = uint32(0x68323635) // "h265"
	CodecIDAV1      = uint32(0x00617631) // "av1"
	CodecIDDisabled = uint32(0)
	CodecIDError    = uint32(1)
)

const (
	deviceNameFieldLength = 64
	// MaxPacketSize bounds a single encoded packet
	MaxPacketSize = 10 << 20
)

// PacketHeader is the frame meta of one video packet.
type PacketHeader struct {
	PTS        uint64 // microseconds
	Size       uint32
	IsConfig   bool
	IsKeyFrame bool
}

// VideoMeta is what the server sends once the video socket is connected.
type VideoMeta struct {
	DeviceName string
	CodecID    uint32
	Width      uint32
	Height     uint32
}

// ReadVideoMeta reads the device name and the codec meta.
func ReadVideoMeta(r io.Reader) (*VideoMeta, error) {
	buf := make([]byte, deviceNameFieldLength+12)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("failed to read video meta: %w", err)
	}

	meta := &VideoMeta{
		DeviceName: strings.TrimRight(string(buf[:deviceNameFieldLength]), "\x00"),
		CodecID:    binary.BigEndian.Uint32(buf[64:68]),
		Width:      binary.BigEndian.Uint32(buf[68:72]),
		Height:     binary.BigEndian.Uint32(buf[72:76]),
	}
	switch meta.CodecID {
	case CodecIDDisabled:
		return nil, fmt.Errorf("video stream disabled by device")
	case CodecIDError:
		return nil, fmt.Errorf("device failed to configure the video encoder")
	}
	return meta, nil
}

// ReadPacketHeader reads one frame meta header.
func ReadPacketHeader(r io.Reader, buf []byte) (PacketHeader, error) {
	header := buf[:PacketHeaderSize]
	n, err := io.ReadFull(r, header)
	if err != nil {
		if n == 0 && err == io.EOF {
			return PacketHeader{}, io.EOF
		}
		return PacketHeader{}, fmt.Errorf("failed to read header: %w", err)
	}

	ptsFlags := binary.BigEndian.Uint64(header[0:8])
	size := binary.BigEndian.Uint32(header[8:12])
	if size == 0 {
		return PacketHeader{}, fmt.Errorf("invalid packet size: 0")
	}
	if size > MaxPacketSize {
		return PacketHeader{}, fmt.Errorf("packet size too large: %d", size)
	}

	return PacketHeader{
		PTS:        ptsFlags & PacketPTSMask,
		Size:       size,
		IsConfig:   ptsFlags&PacketFlagConfig != 0,
		IsKeyFrame: ptsFlags&PacketFlagKeyFrame != 0,
	}, nil
}
