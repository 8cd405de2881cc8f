package h264

import (
	"encoding/binary"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/nareix/joy4/codec/h264parser"
	"github.com/pkg/errors"

	"github.com/Rysertio/screenstreaming/internal/util"
)

// Config is a parsed codec configuration unit.
type Config struct {
	SPS    []byte
	PPS    []byte
	Width  int
	Height int
	FPS    float64
}

// ParseConfig extracts and parses the parameter sets of an Annex-B config
// unit. Encoders may put other NAL units next to them; those are ignored.
func ParseConfig(payload []byte) (*Config, error) {
	nalus, err := Split(payload)
	if err != nil {
		return nil, err
	}

	sps, pps := ParameterSets(nalus)
	if sps == nil || pps == nil {
		return nil, errors.Errorf("config unit lacks parameter sets (sps=%t pps=%t)", sps != nil, pps != nil)
	}

	var info h264.SPS
	if err := info.Unmarshal(sps); err != nil {
		return nil, errors.Wrap(err, "parse sps")
	}

	return &Config{
		SPS:    append([]byte(nil), sps...),
		PPS:    append([]byte(nil), pps...),
		Width:  info.Width(),
		Height: info.Height(),
		FPS:    info.FPS(),
	}, nil
}

// DecoderConfigurationRecord returns the AVCDecoderConfigurationRecord
// (ISO 14496-15) carried by an FLV AVC sequence header.
func (c *Config) DecoderConfigurationRecord() ([]byte, error) {
	codec, err := h264parser.NewCodecDataFromSPSAndPPS(c.SPS, c.PPS)
	if err == nil {
		return codec.AVCDecoderConfRecordBytes(), nil
	}

	// h264parser rejects some vendor SPS extensions it cannot parse. The
	// record itself only needs the raw bytes.
	util.GetLogger().Debug("h264parser rejected sps, building record directly", "error", err)
	return buildRecord(c.SPS, c.PPS)
}

func buildRecord(sps, pps []byte) ([]byte, error) {
	if len(sps) < 4 {
		return nil, errors.Errorf("sps too short: %d bytes", len(sps))
	}
	if len(sps) > 0xFFFF || len(pps) > 0xFFFF {
		return nil, errors.New("parameter set too large")
	}

	b := make([]byte, 0, 11+len(sps)+len(pps))
	b = append(b,
		1,      // configurationVersion
		sps[1], // AVCProfileIndication
		sps[2], // profile_compatibility
		sps[3], // AVCLevelIndication
		0xFF,   // reserved + lengthSizeMinusOne = 3
		0xE1,   // reserved + numOfSequenceParameterSets = 1
	)
	b = binary.BigEndian.AppendUint16(b, uint16(len(sps)))
	b = append(b, sps...)
	b = append(b, 1)
	b = binary.BigEndian.AppendUint16(b, uint16(len(pps)))
	b = append(b, pps...)
	return b, nil
}
