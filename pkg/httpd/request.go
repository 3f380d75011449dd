package httpd

import (
	"errors"
	"strings"
)

const (
	// MaxMethodLen is the exclusive upper bound on a method token.
	MaxMethodLen = 128
	// MaxTargetLen is the exclusive upper bound on a request target.
	MaxTargetLen = 512
)

var (
	ErrEmptyRequestLine = errors.New("httpd: empty request line")
	ErrMethodTooLong    = errors.New("httpd: method token too long")
	ErrTargetTooLong    = errors.New("httpd: request target too long")
)

// Method is the closed set of request methods the server tells apart.
type Method int

const (
	MethodUnsupported Method = iota
	MethodGet
	MethodPost
	MethodHead
)

// ParseMethod maps a method token, in any case, onto a Method.
func ParseMethod(token string) Method {
	switch {
	case strings.EqualFold(token, "GET"):
		return MethodGet
	case strings.EqualFold(token, "POST"):
		return MethodPost
	case strings.EqualFold(token, "HEAD"):
		return MethodHead
	}
	return MethodUnsupported
}

func (m Method) String() string {
	switch m {
	case MethodGet:
		return "GET"
	case MethodPost:
		return "POST"
	case MethodHead:
		return "HEAD"
	}
	return "UNSUPPORTED"
}

// RequestLine is the parsed first line of a request.
type RequestLine struct {
	Method Method
	// Token is the method as sent by the client.
	Token string
	// Target is passed through as sent: no unescaping, no path cleaning.
	Target string
	// Version is empty for a request line with no protocol version.
	Version string
}

// ParseRequestLine extracts the method, target and version tokens from line.
// Bytes inside the tokens are never rejected; only their length is.
func ParseRequestLine(line []byte) (*RequestLine, error) {
	s := string(line)

	token, s := nextToken(s)
	if token == "" {
		return nil, ErrEmptyRequestLine
	}
	if len(token) >= MaxMethodLen {
		return nil, ErrMethodTooLong
	}

	target, s := nextToken(s)
	if len(target) >= MaxTargetLen {
		return nil, ErrTargetTooLong
	}

	version, _ := nextToken(s)

	return &RequestLine{
		Method:  ParseMethod(token),
		Token:   token,
		Target:  target,
		Version: version,
	}, nil
}

// nextToken skips leading whitespace and returns the run of non-whitespace
// bytes that follows along with the rest of s.
func nextToken(s string) (string, string) {
	i := 0
	for i < len(s) && isSpace(s[i]) {
		i++
	}
	j := i
	for j < len(s) && !isSpace(s[j]) {
		j++
	}
	return s[i:j], s[j:]
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}
