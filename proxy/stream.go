package proxy

import (
	"io"
	"net/http"
)

// streamBody copies src to w, flushing after every write so that
// streaming responses (event streams, long polls, large downloads) reach
// the client as bytes arrive rather than when the upstream closes.
func streamBody(w http.ResponseWriter, src io.Reader) (int64, error) {
	return io.Copy(&flushWriter{w: w, rc: http.NewResponseController(w)}, src)
}

type flushWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if n > 0 {
		// ErrNotSupported just means the writer doesn't buffer.
		_ = fw.rc.Flush()
	}
	return n, err
}
