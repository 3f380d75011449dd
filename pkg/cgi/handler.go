// Package cgi runs executables in a subprocess with a CGI environment and relays
// their output over a raw HTTP/1.0 connection.
package cgi

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"strings"

	"github.com/raphaelreyna/ez-httpd/pkg/response"
)

// DefaultOutputBufferSize bounds how much of a program's output is relayed.
const DefaultOutputBufferSize = 4096

var osDefaultInheritEnv = map[string][]string{
	"darwin":  {"DYLD_LIBRARY_PATH"},
	"freebsd": {"LD_LIBRARY_PATH"},
	"hpux":    {"LD_LIBRARY_PATH", "SHLIB_PATH"},
	"irix":    {"LD_LIBRARY_PATH", "LD_LIBRARYN32_PATH", "LD_LIBRARY64_PATH"},
	"linux":   {"LD_LIBRARY_PATH"},
	"openbsd": {"LD_LIBRARY_PATH"},
	"solaris": {"LD_LIBRARY_PATH", "LD_LIBRARY_PATH_32", "LD_LIBRARY_PATH_64"},
	"windows": {"SystemRoot", "COMSPEC", "PATHEXT", "WINDIR"},
}

// Variables only the invocation itself may set.
var reservedEnv = []string{"REQUEST_METHOD=", "QUERY_STRING=", "CONTENT_LENGTH=", "CONTENT_TYPE="}

// Handler runs an executable in a subprocess with a CGI environment.
// The executable does not need to provide any headers, the OutputHandler decides
// how its output is turned into a response.
type Handler struct {
	Name string // value to use for SERVER_SOFTWARE env var

	// Dir is the working directory of the subprocess.
	// Defaults to the directory holding the executable.
	Dir string

	// InheritEnv names variables copied from the server's environment.
	InheritEnv []string
	// Env holds extra KEY=VALUE pairs passed to every subprocess.
	Env    []string
	Logger *log.Logger
	Stderr io.Writer

	// Header contains header values that should be used by default.
	Header response.Header

	OutputHandler OutputHandler
	// OutputBufferSize is the most output read from the subprocess;
	// anything beyond it is dropped.
	OutputBufferSize int

	Spawner Spawner
}

// Execute runs program with a CGI environment for method, feeds it query on its
// standard input and writes the response built from its output to w.
// The subprocess has been reaped by the time Execute returns.
func (h *Handler) Execute(w io.Writer, program, method, query string) error {
	inv := NewInvocation(program, method, query)
	env := h.environment(inv)

	stdinRead, stdinWrite, err := os.Pipe()
	if err != nil {
		return h.internalError(w, fmt.Errorf("cgi: stdin pipe: %w", err))
	}
	stdoutRead, stdoutWrite, err := os.Pipe()
	if err != nil {
		stdinRead.Close()
		stdinWrite.Close()
		return h.internalError(w, fmt.Errorf("cgi: stdout pipe: %w", err))
	}

	proc, err := h.spawner().Spawn(inv, env, stdinRead, stdoutWrite)

	// The child holds its own copies of these ends.
	stdinRead.Close()
	stdoutWrite.Close()

	if err != nil {
		stdinWrite.Close()
		stdoutRead.Close()
		return h.internalError(w, fmt.Errorf("cgi: spawning %s: %w", program, err))
	}
	defer h.reap(proc, program)

	if _, err := io.WriteString(stdinWrite, inv.Query); err != nil {
		h.logErr("cgi: writing payload to %s: %v", program, err)
	}
	stdinWrite.Close()

	output, err := h.readOutput(stdoutRead)
	// Closing the read end lets a child with truncated output exit.
	stdoutRead.Close()
	if err != nil {
		h.logErr("cgi: reading output of %s: %v", program, err)
	}

	return h.outputHandler()(w, h, output)
}

func (h *Handler) readOutput(r io.Reader) ([]byte, error) {
	size := h.OutputBufferSize
	if size <= 0 {
		size = DefaultOutputBufferSize
	}
	buf := make([]byte, size)
	n, err := io.ReadFull(r, buf)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		err = nil
	}
	return buf[:n], err
}

func (h *Handler) reap(proc Process, program string) {
	if err := proc.Wait(); err != nil {
		h.logErr("cgi: %s exited: %v", program, err)
	}
}

func (h *Handler) environment(inv *Invocation) []string {
	name := h.Name
	if name == "" {
		name = response.ServerHeader
	}

	env := []string{
		"SERVER_SOFTWARE=" + name,
		"SERVER_PROTOCOL=HTTP/1.0",
		"GATEWAY_INTERFACE=CGI/1.1",
		"SCRIPT_FILENAME=" + inv.Program,
	}

	envPath := os.Getenv("PATH")
	if envPath == "" {
		envPath = "/bin:/usr/bin:/usr/ucb:/usr/bsd:/usr/local/bin"
	}
	env = append(env, "PATH="+envPath)

	inherit := make([]string, 0, len(h.InheritEnv)+3)
	inherit = append(inherit, osDefaultInheritEnv[runtime.GOOS]...)
	inherit = append(inherit, h.InheritEnv...)
	for _, e := range inherit {
		if v := os.Getenv(e); v != "" {
			env = appendUnreserved(env, e+"="+v)
		}
	}
	for _, e := range h.Env {
		env = appendUnreserved(env, e)
	}

	env = append(env, inv.Env()...)

	return removeLeadingDuplicates(env)
}

func (h *Handler) spawner() Spawner {
	if h.Spawner != nil {
		return h.Spawner
	}
	stderr := h.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	return &ExecSpawner{Dir: h.Dir, Stderr: stderr}
}

func (h *Handler) outputHandler() OutputHandler {
	if h.OutputHandler != nil {
		return h.OutputHandler
	}
	return EZOutputHandler
}

// internalError sends the fixed CGI failure response and returns err.
func (h *Handler) internalError(w io.Writer, err error) error {
	h.logErr("CGI error: %v", err)
	if werr := response.WriteStatus(w, response.StatusInternalServerError); werr != nil {
		h.logErr("cgi: writing error response: %v", werr)
	}
	return err
}

func (h *Handler) logErr(format string, args ...interface{}) {
	if h.Logger != nil {
		h.Logger.Printf(format, args...)
	} else {
		log.Printf(format, args...)
	}
}

func appendUnreserved(env []string, e string) []string {
	if !strings.Contains(e, "=") {
		return env
	}
	for _, r := range reservedEnv {
		if strings.HasPrefix(e, r) {
			return env
		}
	}
	return append(env, e)
}

func removeLeadingDuplicates(env []string) (ret []string) {
	for i, e := range env {
		found := false
		if eq := strings.IndexByte(e, '='); eq != -1 {
			keq := e[:eq+1]
			for _, e2 := range env[i+1:] {
				if strings.HasPrefix(e2, keq) {
					found = true
					break
				}
			}
		}
		if !found {
			ret = append(ret, e)
		}
	}
	return
}
