package cgi

import (
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Invocation describes a single run of a CGI program.
type Invocation struct {
	Program       string
	Method        string
	Query         string
	ContentLength int
}

// NewInvocation returns the invocation of program for method.
// For GET query is the query string, otherwise it is the request body.
func NewInvocation(program, method, query string) *Invocation {
	return &Invocation{
		Program:       program,
		Method:        strings.ToUpper(method),
		Query:         query,
		ContentLength: len(query),
	}
}

// Env returns the request variables of the invocation: REQUEST_METHOD and exactly
// one of QUERY_STRING (GET) or CONTENT_LENGTH (anything else).
func (inv *Invocation) Env() []string {
	env := []string{"REQUEST_METHOD=" + inv.Method}
	if inv.Method == "GET" {
		return append(env, "QUERY_STRING="+inv.Query)
	}
	env = append(env, "CONTENT_LENGTH="+strconv.Itoa(inv.ContentLength))
	if inv.Method == "POST" {
		env = append(env, "CONTENT_TYPE=application/x-www-form-urlencoded")
	}
	return env
}

// Process is a running subprocess.
type Process interface {
	// Wait blocks until the process exits and releases its resources.
	Wait() error
}

// Spawner starts CGI programs with stdin and stdout redirected to the given files.
type Spawner interface {
	Spawn(inv *Invocation, env []string, stdin, stdout *os.File) (Process, error)
}

// ExecSpawner starts programs with os/exec.
type ExecSpawner struct {
	// Dir is the working directory; empty means the program's own directory.
	Dir    string
	Stderr io.Writer
}

// Spawn starts inv.Program with no arguments beyond its own name.
func (s *ExecSpawner) Spawn(inv *Invocation, env []string, stdin, stdout *os.File) (Process, error) {
	path, err := filepath.Abs(inv.Program)
	if err != nil {
		return nil, err
	}
	cwd := s.Dir
	if cwd == "" {
		cwd = filepath.Dir(path)
	}

	cmd := &exec.Cmd{
		Path:   path,
		Args:   []string{inv.Program},
		Dir:    cwd,
		Env:    env,
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: s.Stderr,
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}
