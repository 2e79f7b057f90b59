package executor

import (
	"bytes"
	"io"
)

// limitedBuffer keeps the first limit bytes written and counts the rest.
// Writes never fail, so the child is not killed by EPIPE when it produces
// more output than is kept.
type limitedBuffer struct {
	buf     bytes.Buffer
	limit   int
	dropped int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	remaining := l.limit - l.buf.Len()
	if remaining <= 0 {
		l.dropped += len(p)
		return len(p), nil
	}
	if len(p) > remaining {
		l.buf.Write(p[:remaining])
		l.dropped += len(p) - remaining
		return len(p), nil
	}
	return l.buf.Write(p)
}

func (l *limitedBuffer) String() string {
	return l.buf.String()
}

var _ io.Writer = (*limitedBuffer)(nil)
