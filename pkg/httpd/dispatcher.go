// Package httpd implements a minimal HTTP/1.0 server: one request per connection,
// static files served as-is and executables run through the cgi package.
package httpd

import (
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"

	"github.com/raphaelreyna/ez-httpd/pkg/cgi"
	"github.com/raphaelreyna/ez-httpd/pkg/response"
)

const (
	// DefaultBufferSize bounds the request line, each header line and the POST body.
	DefaultBufferSize = 4096
	// DefaultMaxHeaderLines is the most header lines read before giving up on a request.
	DefaultMaxHeaderLines = 100
)

// ErrBadHeader is returned for a header section the server cannot use.
var ErrBadHeader = errors.New("httpd: malformed request headers")

// Dispatcher handles one request per connection.
type Dispatcher struct {
	Resolver *Resolver
	Files    *FileServer
	CGI      *cgi.Handler
	Logger   *log.Logger

	BufferSize     int
	MaxHeaderLines int
}

// exchange is the state of one request/response cycle.
type exchange struct {
	d    *Dispatcher
	conn io.ReadWriteCloser
	r    *LineReader
	req  *RequestLine
}

type stateFunc func(*exchange) stateFunc

// Serve handles a single request on conn and closes it.
// Dispatcher takes the ownership of conn.
func (d *Dispatcher) Serve(conn io.ReadWriteCloser) {
	x := &exchange{
		d:    d,
		conn: conn,
		r:    NewLineReader(conn, d.bufferSize()),
	}
	for state := awaitRequestLine; state != nil; {
		state = state(x)
	}
}

// state funcs

func awaitRequestLine(x *exchange) stateFunc {
	line, status, err := x.r.ReadLine(x.d.bufferSize())
	switch status {
	case LineIOError:
		x.d.logf("reading request line: %v", err)
		return finish
	case LineOverflow:
		x.d.logf("bad client: request line exceeds %d bytes", x.d.bufferSize()-1)
		return badRequest
	}
	if len(line) == 0 {
		return finish
	}

	req, err := ParseRequestLine(line)
	if err != nil {
		x.d.logf("bad client: %v", err)
		return badRequest
	}
	x.req = req
	x.d.logf("%s %s", req.Token, req.Target)

	switch req.Method {
	case MethodGet, MethodHead:
		return serveGet
	case MethodPost:
		return servePost
	default:
		return notImplemented
	}
}

func serveGet(x *exchange) stateFunc {
	// Closing with unread request bytes resets the connection and can drop the response.
	if _, err := x.readHeaders(); err != nil {
		x.d.logf("discarding headers: %v", err)
	}

	res, err := x.d.resolver().Resolve(x.req.Target)
	if errors.Is(err, ErrNotFound) {
		x.d.logf("can not find: %s", x.req.Target)
		return notFound
	}
	if err != nil {
		x.d.logf("resolving %s: %v", x.req.Target, err)
		return finish
	}

	switch res.Kind {
	case Executable:
		if err := x.d.cgiHandler().Execute(x.conn, res.Path, MethodGet.String(), res.Query); err != nil {
			x.d.logf("cgi %s: %v", res.Path, err)
		}
	default:
		err := x.d.files().Serve(x.conn, res.Path, x.req.Method == MethodHead)
		if errors.Is(err, ErrNotFound) {
			return notFound
		}
		if err != nil {
			x.d.logf("sending %s: %v", res.Path, err)
		}
	}
	return finish
}

func servePost(x *exchange) stateFunc {
	contentLength, err := x.readHeaders()
	if err != nil {
		x.d.logf("bad client: %v", err)
		return badRequest
	}

	// Bodies longer than one buffer are cut short.
	limit := x.d.bufferSize()
	if contentLength < limit {
		limit = contentLength
	}
	body := make([]byte, limit)
	n, err := io.ReadFull(x.r, body)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		x.d.logf("reading request body: %v", err)
		return finish
	}

	res, err := x.d.resolver().Resolve(x.req.Target)
	if err != nil {
		x.d.logf("can not find: %s", x.req.Target)
		return notFound
	}

	if err := x.d.cgiHandler().Execute(x.conn, res.Path, MethodPost.String(), string(body[:n])); err != nil {
		x.d.logf("cgi %s: %v", res.Path, err)
	}
	return finish
}

func badRequest(x *exchange) stateFunc {
	return x.sendStatus(response.StatusBadRequest)
}

func notFound(x *exchange) stateFunc {
	return x.sendStatus(response.StatusNotFound)
}

func notImplemented(x *exchange) stateFunc {
	if _, err := x.readHeaders(); err != nil {
		x.d.logf("discarding headers: %v", err)
	}
	return x.sendStatus(response.StatusNotImplemented)
}

func finish(x *exchange) stateFunc {
	if err := x.conn.Close(); err != nil {
		x.d.logf("closing connection: %v", err)
	}
	return nil
}

func (x *exchange) sendStatus(code int) stateFunc {
	if err := response.WriteStatus(x.conn, code); err != nil {
		x.d.logf("sending %d: %v", code, err)
	}
	return finish
}

// readHeaders consumes header lines up to the blank line ending them and
// returns the declared Content-Length, or 0 when none was sent.
// A request line without a protocol version carries no headers.
func (x *exchange) readHeaders() (int, error) {
	if x.req.Version == "" {
		return 0, nil
	}

	contentLength := 0
	for i := 0; i <= x.d.maxHeaderLines(); i++ {
		line, status, err := x.r.ReadLine(x.d.bufferSize())
		switch status {
		case LineIOError:
			return 0, err
		case LineOverflow:
			return 0, fmt.Errorf("%w: header line exceeds %d bytes", ErrBadHeader, x.d.bufferSize()-1)
		case LineEOF:
			return 0, fmt.Errorf("%w: missing blank line", ErrBadHeader)
		}

		s := strings.TrimRight(string(line), "\r\n")
		if s == "" {
			return contentLength, nil
		}

		kv := strings.SplitN(s, ":", 2)
		if len(kv) != 2 || !strings.EqualFold(strings.TrimSpace(kv[0]), "Content-Length") {
			continue
		}
		cl, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil || cl < 0 {
			return 0, fmt.Errorf("%w: invalid Content-Length %q", ErrBadHeader, kv[1])
		}
		contentLength = cl
	}
	return 0, fmt.Errorf("%w: more than %d header lines", ErrBadHeader, x.d.maxHeaderLines())
}

func (d *Dispatcher) bufferSize() int {
	if d.BufferSize > 0 {
		return d.BufferSize
	}
	return DefaultBufferSize
}

func (d *Dispatcher) maxHeaderLines() int {
	if d.MaxHeaderLines > 0 {
		return d.MaxHeaderLines
	}
	return DefaultMaxHeaderLines
}

func (d *Dispatcher) resolver() *Resolver {
	if d.Resolver != nil {
		return d.Resolver
	}
	return &Resolver{}
}

func (d *Dispatcher) files() *FileServer {
	if d.Files != nil {
		return d.Files
	}
	return &FileServer{}
}

func (d *Dispatcher) cgiHandler() *cgi.Handler {
	if d.CGI != nil {
		return d.CGI
	}
	return &cgi.Handler{Logger: d.Logger}
}

func (d *Dispatcher) logf(format string, args ...interface{}) {
	if d.Logger != nil {
		d.Logger.Printf(format, args...)
	} else {
		log.Printf(format, args...)
	}
}
