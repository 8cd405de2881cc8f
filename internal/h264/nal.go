// Package h264 holds the H.264 bitstream handling shared by the encoders and
// the RTMP muxer: Annex-B splitting, AVCC conversion and decoder
// configuration records.
package h264

import (
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pkg/errors"
)

var (
	// StartCode4 is the 4-byte Annex-B start code
	StartCode4 = []byte{0x00, 0x00, 0x00, 0x01}

	// AUD is an access unit delimiter NAL unit with its start code
	AUD = []byte{0x00, 0x00, 0x00, 0x01, 0x09, 0xf0}
)

// ErrNoNALUnits is returned when a payload holds no Annex-B NAL unit.
var ErrNoNALUnits = errors.New("no NAL units in payload")

// Type returns the NAL unit type of an unprefixed NAL unit.
func Type(nalu []byte) h264.NALUType {
	if len(nalu) == 0 {
		return 0
	}
	return h264.NALUType(nalu[0] & 0x1F)
}

// Split breaks an Annex-B payload into NAL units without start codes.
func Split(payload []byte) ([][]byte, error) {
	var au h264.AnnexB
	if err := au.Unmarshal(payload); err != nil {
		return nil, errors.Wrap(err, "unmarshal annex-b")
	}
	if len(au) == 0 {
		return nil, ErrNoNALUnits
	}
	return au, nil
}

// JoinAnnexB is the inverse of Split.
func JoinAnnexB(nalus [][]byte) ([]byte, error) {
	b, err := h264.AnnexB(nalus).Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshal annex-b")
	}
	return b, nil
}

// ParameterSets returns the first SPS and PPS found in nalus.
func ParameterSets(nalus [][]byte) (sps, pps []byte) {
	for _, n := range nalus {
		switch Type(n) {
		case h264.NALUTypeSPS:
			if sps == nil {
				sps = n
			}
		case h264.NALUTypePPS:
			if pps == nil {
				pps = n
			}
		}
	}
	return sps, pps
}

// PictureNALUs drops the NAL units that do not belong in an FLV picture tag:
// delimiters, parameter sets (they travel in the sequence header) and filler.
func PictureNALUs(nalus [][]byte) [][]byte {
	out := make([][]byte, 0, len(nalus))
	for _, n := range nalus {
		switch Type(n) {
		case h264.NALUTypeAccessUnitDelimiter, h264.NALUTypeSPS, h264.NALUTypePPS, h264.NALUTypeFillerData:
			continue
		}
		if len(n) > 0 {
			out = append(out, n)
		}
	}
	return out
}

// HasIDR reports whether nalus contain an IDR slice.
func HasIDR(nalus [][]byte) bool {
	for _, n := range nalus {
		if Type(n) == h264.NALUTypeIDR {
			return true
		}
	}
	return false
}

// AVCC converts NAL units to the 4-byte length prefixed form FLV expects.
func AVCC(nalus [][]byte) ([]byte, error) {
	b, err := h264.AVCC(nalus).Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshal avcc")
	}
	return b, nil
}
