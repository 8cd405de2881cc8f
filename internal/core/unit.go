package core

import (
	"fmt"
	"time"
)

// UnitKind tells a codec configuration record apart from picture data.
type UnitKind uint8

const (
	// UnitConfig carries parameter sets (SPS/PPS) needed to decode what follows.
	UnitConfig UnitKind = iota
	// UnitKey is an IDR picture, decodable on its own given the config.
	UnitKey
	// UnitInter depends on earlier pictures.
	UnitInter
)

func (k UnitKind) String() string {
	switch k {
	case UnitConfig:
		return "config"
	case UnitKey:
		return "key"
	case UnitInter:
		return "inter"
	default:
		return fmt.Sprintf("UnitKind(%d)", uint8(k))
	}
}

// EncodedUnit is one compressed access unit. Payload is Annex-B H.264.
// PTS is on the encoder clock and never decreases within a stream.
type EncodedUnit struct {
	Payload []byte
	PTS     time.Duration
	Kind    UnitKind
}

// IsConfig reports whether the unit is a codec configuration record.
func (u EncodedUnit) IsConfig() bool {
	return u.Kind == UnitConfig
}

// Clone returns a copy that does not alias the encoder's buffer.
func (u EncodedUnit) Clone() EncodedUnit {
	c := u
	c.Payload = append([]byte(nil), u.Payload...)
	return c
}
