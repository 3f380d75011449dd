package cgi

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/raphaelreyna/ez-httpd/pkg/response"
)

// OutputHandler turns the captured output of the CGI process into a response written to w.
// By the time OutputHandler is called, the CGI process has closed (or lost) its stdout
// and will be reaped right after OutputHandler returns.
type OutputHandler func(w io.Writer, h *Handler, output []byte) error

// Header lines longer than this are not scanned.
const maxHeaderLine = 1024

// EZOutputHandler sends the entire output of the client process without scanning for headers.
// Always responds with a 200 status code.
var EZOutputHandler OutputHandler = func(w io.Writer, h *Handler, output []byte) error {
	var err error
	if len(h.Header) == 0 {
		err = response.WriteStatus(w, response.StatusOK)
	} else {
		err = response.WriteHead(w, response.StatusOK, h.Header)
	}
	if err != nil {
		return fmt.Errorf("cgi: writing headers: %w", err)
	}

	if _, err := response.WriteFull(w, output); err != nil {
		return fmt.Errorf("cgi: copy error: %w", err)
	}
	return nil
}

// EZOutputHandlerReplacer scans the output of the client process for headers which replace the default header values.
// Stops scanning for headers after encountering the first non-header line.
// The rest of the output, starting with that line exactly as it was written, is then sent as the response body.
var EZOutputHandlerReplacer OutputHandler = func(w io.Writer, h *Handler, output []byte) error {
	header := h.Header.Clone()
	statusCode := 0

	body := output
	for len(body) > 0 {
		raw := body
		if i := bytes.IndexByte(body, '\n'); i >= 0 {
			raw = body[:i+1]
		}
		if len(raw) > maxHeaderLine {
			break
		}
		line := bytes.TrimRight(raw, "\r\n")
		if len(line) == 0 {
			body = body[len(raw):]
			break
		}

		parts := strings.SplitN(string(line), ":", 2)
		if len(parts) < 2 {
			// Not a header, it starts the body.
			break
		}
		body = body[len(raw):]

		k := strings.TrimSpace(parts[0])
		v := strings.TrimSpace(parts[1])

		switch {
		case k == "Status":
			code, err := parseStatus(v)
			if err != nil {
				return h.internalError(w, err)
			}
			statusCode = code
		default:
			header.Set(k, v)
		}
	}
	if statusCode == 0 {
		statusCode = response.StatusOK
	}

	if err := response.WriteHead(w, statusCode, header); err != nil {
		return fmt.Errorf("cgi: writing headers: %w", err)
	}
	if _, err := response.WriteFull(w, body); err != nil {
		return fmt.Errorf("cgi: copy error: %w", err)
	}
	return nil
}

// DefaultOutputHandler mimics the behavior of the net/http/cgi package in the Go standard library:
// the process must print a header block, including Content-Type unless it sets Status or Location.
var DefaultOutputHandler OutputHandler = func(w io.Writer, h *Handler, output []byte) error {
	linebody := bufio.NewReaderSize(bytes.NewReader(output), maxHeaderLine)
	header := make(response.Header)
	statusCode := 0
	headerLines := 0
	sawBlankLine := false
	for {
		line, isPrefix, err := linebody.ReadLine()
		if isPrefix {
			return h.internalError(w, fmt.Errorf("cgi: long header line from subprocess"))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return h.internalError(w, fmt.Errorf("cgi: error reading headers: %w", err))
		}
		if len(line) == 0 {
			sawBlankLine = true
			break
		}
		headerLines++
		parts := strings.SplitN(string(line), ":", 2)
		if len(parts) < 2 {
			h.logErr("cgi: bogus header line: %s", string(line))
			continue
		}
		k := strings.TrimSpace(parts[0])
		v := strings.TrimSpace(parts[1])
		switch {
		case k == "Status":
			code, err := parseStatus(v)
			if err != nil {
				return h.internalError(w, err)
			}
			statusCode = code
		default:
			header.Set(k, v)
		}
	}
	if headerLines == 0 || !sawBlankLine {
		return h.internalError(w, fmt.Errorf("cgi: no headers"))
	}

	if loc := header["Location"]; loc != "" && statusCode == 0 {
		statusCode = 302
	}

	if statusCode == 0 && header["Content-Type"] == "" {
		return h.internalError(w, fmt.Errorf("cgi: missing required Content-Type in headers"))
	}

	if statusCode == 0 {
		statusCode = response.StatusOK
	}

	if err := response.WriteHead(w, statusCode, header); err != nil {
		return fmt.Errorf("cgi: writing headers: %w", err)
	}
	return copyRemainder(w, linebody)
}

func parseStatus(v string) (int, error) {
	if len(v) < 3 {
		return 0, fmt.Errorf("cgi: bogus status (short): %q", v)
	}
	code, err := strconv.Atoi(v[0:3])
	if err != nil {
		return 0, fmt.Errorf("cgi: bogus status: %q", v)
	}
	return code, nil
}

func copyRemainder(w io.Writer, r io.Reader) error {
	rest, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("cgi: copy error: %w", err)
	}
	if _, err := response.WriteFull(w, rest); err != nil {
		return fmt.Errorf("cgi: copy error: %w", err)
	}
	return nil
}
