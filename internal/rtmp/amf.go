package rtmp

import (
	"github.com/nareix/joy4/format/flv/flvio"
	"github.com/pkg/errors"
)

// encodeAMF0 serializes values back to back. Numbers must be float64.
func encodeAMF0(vals ...interface{}) []byte {
	n := 0
	for _, v := range vals {
		n += flvio.LenAMF0Val(v)
	}
	b := make([]byte, n)
	off := 0
	for _, v := range vals {
		off += flvio.FillAMF0Val(b[off:], v)
	}
	return b
}

// decodeAMF0 parses every value in b.
func decodeAMF0(b []byte) ([]interface{}, error) {
	var vals []interface{}
	for len(b) > 0 {
		v, n, err := flvio.ParseAMF0Val(b)
		if err != nil {
			return vals, errors.Wrap(err, "parse amf0")
		}
		vals = append(vals, v)
		b = b[n:]
	}
	return vals, nil
}

// command is a decoded AMF0 command message.
type command struct {
	Name          string
	TransactionID float64
	Object        flvio.AMFMap
	Args          []interface{}
}

func parseCommand(m *Message) (*command, error) {
	payload := m.Payload
	if m.Type == typeCommandAMF3 && len(payload) > 0 {
		// AMF3 commands start with a format byte, then AMF0
		payload = payload[1:]
	}

	vals, err := decodeAMF0(payload)
	if err != nil {
		return nil, err
	}
	if len(vals) < 2 {
		return nil, errors.Errorf("short command: %d values", len(vals))
	}

	cmd := &command{}
	var ok bool
	if cmd.Name, ok = vals[0].(string); !ok {
		return nil, errors.Errorf("command name is %T", vals[0])
	}
	if cmd.TransactionID, ok = vals[1].(float64); !ok {
		return nil, errors.Errorf("command %s: transaction id is %T", cmd.Name, vals[1])
	}
	if len(vals) > 2 {
		cmd.Object = asMap(vals[2])
		cmd.Args = vals[3:]
	}
	return cmd, nil
}

// Info returns the status object of _result/_error/onStatus, which servers
// put either in the command object slot or the first argument.
func (c *command) Info() flvio.AMFMap {
	for _, a := range c.Args {
		if m := asMap(a); m != nil {
			return m
		}
	}
	return c.Object
}

func asMap(v interface{}) flvio.AMFMap {
	switch m := v.(type) {
	case flvio.AMFMap:
		return m
	case flvio.AMFECMAArray:
		return flvio.AMFMap(m)
	}
	return nil
}

func mapString(m flvio.AMFMap, key string) string {
	s, _ := m[key].(string)
	return s
}
