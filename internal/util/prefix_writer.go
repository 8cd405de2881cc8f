package util

import (
	"bytes"
	"sync"
)

// PrefixLogWriter is an io.Writer that forwards each complete line written
// to it to the debug log, tagged with a prefix. It is used to capture the
// output of child processes (scrcpy server, ffmpeg).
type PrefixLogWriter struct {
	mu     sync.Mutex
	prefix string
	buf    bytes.Buffer
}

// NewPrefixLogWriter creates a writer logging lines under prefix.
func NewPrefixLogWriter(prefix string) *PrefixLogWriter {
	return &PrefixLogWriter{prefix: prefix}
}

func (w *PrefixLogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			// partial line, keep it for the next write
			w.buf.Reset()
			w.buf.Write(line)
			break
		}
		if text := string(trimNewline(line)); text != "" {
			GetLogger().Debug(w.prefix + " " + text)
		}
	}
	return len(p), nil
}

func trimNewline(line []byte) []byte {
	return bytes.TrimRight(line, "\r\n")
}
