package httpd

import (
	"bufio"
	"errors"
	"io"
	"syscall"
)

// LineStatus reports how ReadLine ended.
type LineStatus int

const (
	// LineOK means a full line, terminator included, was read.
	LineOK LineStatus = iota
	// LineEOF means the stream ended; the line holds whatever preceded the end.
	LineEOF
	// LineOverflow means maxLen-1 bytes arrived without a terminator.
	LineOverflow
	// LineIOError means the underlying read failed.
	LineIOError
)

func (s LineStatus) String() string {
	switch s {
	case LineOK:
		return "ok"
	case LineEOF:
		return "end of stream"
	case LineOverflow:
		return "overflow"
	case LineIOError:
		return "i/o error"
	}
	return "unknown"
}

// LineReader reads lines from one connection through its own buffer.
type LineReader struct {
	r *bufio.Reader
}

// NewLineReader returns a LineReader buffering size bytes of r.
func NewLineReader(r io.Reader, size int) *LineReader {
	return &LineReader{r: bufio.NewReaderSize(retryReader{r}, size)}
}

// ReadLine reads until '\n', until maxLen-1 bytes have been read or until the
// stream ends. The returned line includes the terminator.
func (lr *LineReader) ReadLine(maxLen int) ([]byte, LineStatus, error) {
	var line []byte
	for len(line) < maxLen-1 {
		c, err := lr.r.ReadByte()
		if err == io.EOF {
			return line, LineEOF, nil
		}
		if err != nil {
			return line, LineIOError, err
		}
		line = append(line, c)
		if c == '\n' {
			return line, LineOK, nil
		}
	}
	return line, LineOverflow, nil
}

// Read reads buffered bytes first and at most one read from the connection otherwise.
func (lr *LineReader) Read(p []byte) (int, error) {
	return lr.r.Read(p)
}

// retryReader retries reads interrupted by a signal.
type retryReader struct {
	r io.Reader
}

func (r retryReader) Read(p []byte) (int, error) {
	for {
		n, err := r.r.Read(p)
		if n == 0 && errors.Is(err, syscall.EINTR) {
			continue
		}
		return n, err
	}
}
