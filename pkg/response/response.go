// Package response writes the fixed HTTP/1.0 header blocks and error pages
// the server emits.
package response

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"sort"
	"strings"
	"syscall"
)

// Version is reported in the Server header.
const Version = "0.1.0"

// ServerHeader is sent with every response.
const ServerHeader = "httpd/" + Version

const (
	StatusOK                  = 200
	StatusMovedPermanently    = 301
	StatusBadRequest          = 400
	StatusNotFound            = 404
	StatusInternalServerError = 500
	StatusNotImplemented      = 501
)

type status struct {
	line        string
	contentType string
	body        string
}

var statusTable = map[int]status{
	StatusOK: {
		line:        "HTTP/1.0 200 OK",
		contentType: "text/html; charset=utf-8",
	},
	StatusMovedPermanently: {
		line:        "HTTP/1.0 301 Moved Permanently",
		contentType: "text/html",
		body: "<HTML><TITLE>Moved Permanently</TITLE>\r\n" +
			"<BODY><P>The document has moved.\r\n" +
			"</BODY></HTML>\r\n",
	},
	StatusBadRequest: {
		line:        "HTTP/1.0 400 BAD REQUEST",
		contentType: "text/html",
		body: "<P>Your browser sent a bad request, " +
			"such as a POST without a Content-Length.\r\n",
	},
	StatusNotFound: {
		line:        "HTTP/1.0 404 NOT FOUND",
		contentType: "text/html",
		body: "<HTML><TITLE>Not Found</TITLE>\r\n" +
			"<BODY><P>The server could not fulfill\r\n" +
			"your request because the resource specified\r\n" +
			"is unavailable or nonexistent.\r\n" +
			"</BODY></HTML>\r\n",
	},
	StatusInternalServerError: {
		line:        "HTTP/1.0 500 Internal Server Error",
		contentType: "text/html",
		body:        "<P>Error prohibited CGI execution.\r\n",
	},
	StatusNotImplemented: {
		line:        "HTTP/1.0 501 Method Not Implemented",
		contentType: "text/html",
		body: "<HTML><HEAD><TITLE>Method Not Implemented\r\n" +
			"</TITLE></HEAD>\r\n" +
			"<BODY><P>HTTP request method not supported.\r\n" +
			"</BODY></HTML>\r\n",
	},
}

// Body returns the fixed HTML snippet sent with code, if any.
func Body(code int) string {
	return statusTable[code].body
}

// StatusLine returns the status line for code without the trailing CRLF.
// Codes outside the table get a generic reason phrase.
func StatusLine(code int) string {
	if s, ok := statusTable[code]; ok {
		return s.line
	}
	return fmt.Sprintf("HTTP/1.0 %d %s", code, reasonPhrase(code))
}

// WriteStatus writes the header block for code and, for error codes, its fixed body.
func WriteStatus(w io.Writer, code int) error {
	s, ok := statusTable[code]
	if !ok {
		return fmt.Errorf("response: no header block for status %d", code)
	}

	var b strings.Builder
	b.WriteString(s.line + "\r\n")
	b.WriteString("Server: " + ServerHeader + "\r\n")
	b.WriteString("Content-Type: " + s.contentType + "\r\n")
	b.WriteString("\r\n")
	b.WriteString(s.body)

	_, err := WriteFull(w, []byte(b.String()))
	return err
}

// Header holds response header fields keyed by their canonical name.
type Header map[string]string

// Set stores v under the canonical form of k.
func (h Header) Set(k, v string) {
	h[textproto.CanonicalMIMEHeaderKey(k)] = v
}

// Clone returns a copy of h.
func (h Header) Clone() Header {
	c := make(Header, len(h))
	for k, v := range h {
		c[k] = v
	}
	return c
}

// WriteHead writes a status line for code followed by header and a blank line.
// Server and Content-Type are always present; header may override Content-Type.
func WriteHead(w io.Writer, code int, header Header) error {
	var b strings.Builder
	b.WriteString(StatusLine(code) + "\r\n")
	b.WriteString("Server: " + ServerHeader + "\r\n")

	ctype := header["Content-Type"]
	if ctype == "" {
		ctype = statusTable[StatusOK].contentType
	}
	b.WriteString("Content-Type: " + ctype + "\r\n")

	keys := make([]string, 0, len(header))
	for k := range header {
		if k == "Content-Type" || k == "Server" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k + ": " + header[k] + "\r\n")
	}
	b.WriteString("\r\n")

	_, err := WriteFull(w, []byte(b.String()))
	return err
}

// WriteFull writes all of p to w. Short writes and interrupted system calls are
// retried; any other error is returned along with the count written so far.
func WriteFull(w io.Writer, p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := w.Write(p[written:])
		written += n
		if err != nil {
			if errors.Is(err, syscall.EINTR) || errors.Is(err, io.ErrShortWrite) {
				continue
			}
			return written, err
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}

func reasonPhrase(code int) string {
	if text := http.StatusText(code); text != "" {
		return text
	}
	return "Status"
}
