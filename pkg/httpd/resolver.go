package httpd

import (
	"errors"
	"os"
	"strings"
)

// ErrNotFound is returned for targets that do not map onto a servable file.
var ErrNotFound = errors.New("httpd: resource not found")

// Kind tells how a resource is served.
type Kind int

const (
	Static Kind = iota
	Executable
)

func (k Kind) String() string {
	if k == Executable {
		return "executable"
	}
	return "static"
}

// Resource is a request target mapped onto the filesystem.
type Resource struct {
	Path     string
	Kind     Kind
	Query    string
	HasQuery bool
}

// Resolver maps request targets onto files below Root.
// Targets are appended to Root as-is; nothing keeps them inside it.
type Resolver struct {
	Root string
}

// SplitTarget splits target at its first '?'.
func SplitTarget(target string) (path, query string, hasQuery bool) {
	if i := strings.IndexByte(target, '?'); i >= 0 {
		return target[:i], target[i+1:], true
	}
	return target, "", false
}

// Resolve maps target onto a file. Directories resolve to their index.html.
func (r *Resolver) Resolve(target string) (*Resource, error) {
	p, query, hasQuery := SplitTarget(target)
	p = r.Root + p

	info, err := os.Stat(p)
	if err != nil {
		return nil, ErrNotFound
	}
	if info.IsDir() {
		p = strings.TrimSuffix(p, "/") + "/index.html"
		info, err = os.Stat(p)
		if err != nil || info.IsDir() {
			return nil, ErrNotFound
		}
	}

	return &Resource{
		Path:     p,
		Kind:     Classify(info.Mode(), hasQuery),
		Query:    query,
		HasQuery: hasQuery,
	}, nil
}

// Classify applies the two CGI rules: any execute bit set, or a query string
// present in the target.
func Classify(mode os.FileMode, hasQuery bool) Kind {
	if mode.Perm()&0111 != 0 || hasQuery {
		return Executable
	}
	return Static
}
