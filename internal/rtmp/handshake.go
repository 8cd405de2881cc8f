package rtmp

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/Rysertio/screenstreaming/internal/util"
)

const (
	rtmpVersion   = 3
	handshakeSize = 1536
)

// clientHandshake performs the plain (unsigned) RTMP handshake:
// C0+C1 -> S0+S1 -> C2 -> S2.
func clientHandshake(rw io.ReadWriter, epoch uint32) error {
	c0c1 := make([]byte, 1+handshakeSize)
	c0c1[0] = rtmpVersion
	binary.BigEndian.PutUint32(c0c1[1:5], epoch)
	// bytes 5..9 stay zero: no digest scheme
	if _, err := rand.Read(c0c1[9:]); err != nil {
		return errors.Wrap(err, "generate C1")
	}
	if _, err := rw.Write(c0c1); err != nil {
		return errors.Wrap(err, "write C0C1")
	}

	s0s1 := make([]byte, 1+handshakeSize)
	if _, err := io.ReadFull(rw, s0s1); err != nil {
		return errors.Wrap(err, "read S0S1")
	}
	if s0s1[0] != rtmpVersion {
		return errors.Errorf("unsupported server version %d", s0s1[0])
	}

	// C2 echoes S1 with our read time in the second field.
	c2 := make([]byte, handshakeSize)
	copy(c2, s0s1[1:])
	binary.BigEndian.PutUint32(c2[4:8], epoch)
	if _, err := rw.Write(c2); err != nil {
		return errors.Wrap(err, "write C2")
	}

	s2 := make([]byte, handshakeSize)
	if _, err := io.ReadFull(rw, s2); err != nil {
		return errors.Wrap(err, "read S2")
	}
	// Servers using the digest scheme do not echo C1 verbatim.
	if !bytes.Equal(s2[8:], c0c1[9:]) {
		util.GetLogger().Debug("rtmp S2 does not echo C1, continuing")
	}
	return nil
}
