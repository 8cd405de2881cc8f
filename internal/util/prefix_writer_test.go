package util

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrefixLogWriterSplitsLines(t *testing.T) {
	var buf bytes.Buffer
	InitLoggerTo(&buf, true)
	defer InitLoggerTo(&bytes.Buffer{}, false)

	w := NewPrefixLogWriter("[ffmpeg]")
	n, err := w.Write([]byte("frame=1\r\nfra"))
	assert.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.Contains(t, buf.String(), `msg="[ffmpeg] frame=1"`)
	assert.NotContains(t, buf.String(), "fra\"")

	w.Write([]byte("me=2\n\n"))
	assert.Contains(t, buf.String(), `msg="[ffmpeg] frame=2"`)
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("[ffmpeg]")))
}
