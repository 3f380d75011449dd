package cgi

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"

	"github.com/raphaelreyna/ez-httpd/pkg/response"
)

const envScript = `#!/bin/sh
echo "REQUEST_METHOD=$REQUEST_METHOD"
echo "QUERY_STRING=${QUERY_STRING-unset}"
echo "CONTENT_LENGTH=${CONTENT_LENGTH-unset}"
echo "PAYLOAD=$(cat)"
`

const headersScript = `#!/bin/sh
echo "Content-Type: text/plain"
echo "Test-Header: PASS"
echo ""
echo "hello"
`

const noHeadersScript = `#!/bin/sh
echo "hello"
`

const statusScript = `#!/bin/sh
echo "Status: 404 Not Found"
echo "Content-Type: text/plain"
echo ""
echo "gone"
`

const floodScript = `#!/bin/sh
head -c 200000 /dev/zero
`

// writeScript writes an executable shell script into dir.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0755); err != nil {
		t.Fatalf("error while writing %s: %s", name, err)
	}
	return path
}

// splitResponse separates the header block from the body.
func splitResponse(t *testing.T, raw string) ([]string, string) {
	t.Helper()
	parts := strings.SplitN(raw, "\r\n\r\n", 2)
	if len(parts) != 2 {
		t.Fatalf("response has no header block: %q", raw)
	}
	return strings.Split(parts[0], "\r\n"), parts[1]
}

// zombieChildren lists children of the test process that exited but were never reaped.
func zombieChildren(t *testing.T) []string {
	t.Helper()
	if runtime.GOOS != "linux" {
		return nil
	}
	entries, err := os.ReadDir("/proc")
	if err != nil {
		t.Fatalf("error while reading process table: %s", err)
	}
	pid := strconv.Itoa(os.Getpid())
	var zombies []string
	for _, e := range entries {
		if _, err := strconv.Atoi(e.Name()); err != nil {
			continue
		}
		stat, err := os.ReadFile(filepath.Join("/proc", e.Name(), "stat"))
		if err != nil {
			continue
		}
		// Fields after the parenthesised command name: state ppid ...
		s := string(stat)
		fields := strings.Fields(s[strings.LastIndexByte(s, ')')+1:])
		if len(fields) >= 2 && fields[0] == "Z" && fields[1] == pid {
			zombies = append(zombies, e.Name())
		}
	}
	return zombies
}

func TestHandler(t *testing.T) {
	type test struct {
		Name           string
		Script         string
		Method         string
		Query          string
		OutputHandler  OutputHandler
		BufferSize     int
		ExpectedStatus string
		ExpectedHeader []string
		ExpectedBody   string
	}

	tt := []test{
		{
			Name:           "GET sets QUERY_STRING",
			Script:         envScript,
			Method:         "GET",
			Query:          "a=1&b=2",
			ExpectedStatus: "HTTP/1.0 200 OK",
			ExpectedHeader: []string{"Content-Type: text/html; charset=utf-8"},
			ExpectedBody:   "REQUEST_METHOD=GET\nQUERY_STRING=a=1&b=2\nCONTENT_LENGTH=unset\nPAYLOAD=a=1&b=2\n",
		},
		{
			Name:           "POST sets CONTENT_LENGTH",
			Script:         envScript,
			Method:         "POST",
			Query:          "pageIndex=1",
			ExpectedStatus: "HTTP/1.0 200 OK",
			ExpectedBody:   "REQUEST_METHOD=POST\nQUERY_STRING=unset\nCONTENT_LENGTH=11\nPAYLOAD=pageIndex=1\n",
		},
		{
			Name:           "Default headers",
			Script:         headersScript,
			Method:         "GET",
			ExpectedStatus: "HTTP/1.0 200 OK",
			ExpectedHeader: []string{"Content-Type: text/html; charset=utf-8"},
			ExpectedBody:   "Content-Type: text/plain\nTest-Header: PASS\n\nhello\n",
		},
		{
			Name:           "Replace headers",
			Script:         headersScript,
			Method:         "GET",
			OutputHandler:  EZOutputHandlerReplacer,
			ExpectedStatus: "HTTP/1.0 200 OK",
			ExpectedHeader: []string{"Content-Type: text/plain", "Test-Header: PASS"},
			ExpectedBody:   "hello\n",
		},
		{
			Name:           "Replacer keeps body without headers",
			Script:         noHeadersScript,
			Method:         "GET",
			OutputHandler:  EZOutputHandlerReplacer,
			ExpectedStatus: "HTTP/1.0 200 OK",
			ExpectedBody:   "hello\n",
		},
		{
			Name:           "Replacer status",
			Script:         statusScript,
			Method:         "GET",
			OutputHandler:  EZOutputHandlerReplacer,
			ExpectedStatus: "HTTP/1.0 404 NOT FOUND",
			ExpectedHeader: []string{"Content-Type: text/plain"},
			ExpectedBody:   "gone\n",
		},
		{
			Name:           "Default handler requires headers",
			Script:         noHeadersScript,
			Method:         "GET",
			OutputHandler:  DefaultOutputHandler,
			ExpectedStatus: "HTTP/1.0 500 Internal Server Error",
			ExpectedBody:   response.Body(response.StatusInternalServerError),
		},
		{
			Name:           "Default handler with headers",
			Script:         headersScript,
			Method:         "GET",
			OutputHandler:  DefaultOutputHandler,
			ExpectedStatus: "HTTP/1.0 200 OK",
			ExpectedHeader: []string{"Content-Type: text/plain", "Test-Header: PASS"},
			ExpectedBody:   "hello\n",
		},
		{
			Name:           "Output is truncated to the buffer",
			Script:         "#!/bin/sh\nprintf '%s' 0123456789abcdefghij\n",
			Method:         "GET",
			BufferSize:     10,
			ExpectedStatus: "HTTP/1.0 200 OK",
			ExpectedBody:   "0123456789",
		},
		{
			Name:           "Flooding program does not block",
			Script:         floodScript,
			Method:         "GET",
			ExpectedStatus: "HTTP/1.0 200 OK",
			ExpectedBody:   strings.Repeat("\x00", DefaultOutputBufferSize),
		},
	}

	dir := t.TempDir()

	for i, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			script := writeScript(t, dir, "script"+strconv.Itoa(i)+".cgi", tc.Script)
			h := &Handler{
				OutputHandler:    tc.OutputHandler,
				OutputBufferSize: tc.BufferSize,
			}

			w := new(bytes.Buffer)
			err := h.Execute(w, script, tc.Method, tc.Query)
			if tc.ExpectedStatus == "HTTP/1.0 200 OK" && err != nil {
				t.Fatalf("unexpected error: %s", err)
			}

			head, body := splitResponse(t, w.String())
			if head[0] != tc.ExpectedStatus {
				t.Fatalf("wrong status - expected: %s\treceived: %s", tc.ExpectedStatus, head[0])
			}
			for _, expected := range tc.ExpectedHeader {
				found := false
				for _, h := range head[1:] {
					if h == expected {
						found = true
					}
				}
				if !found {
					t.Fatalf("missing header: %s\treceived: %v", expected, head)
				}
			}
			if body != tc.ExpectedBody {
				t.Fatalf("wrong body - expected: %q\treceived: %q", tc.ExpectedBody, body)
			}
		})
	}

	if z := zombieChildren(t); len(z) != 0 {
		t.Fatalf("unreaped children: %v", z)
	}
}

func TestHandlerSpawnFailure(t *testing.T) {
	dir := t.TempDir()
	notExecutable := filepath.Join(dir, "plain.txt")
	if err := os.WriteFile(notExecutable, []byte("hello"), 0644); err != nil {
		t.Fatalf("error while writing plain.txt: %s", err)
	}

	for _, program := range []string{notExecutable, filepath.Join(dir, "missing.cgi")} {
		h := &Handler{}
		w := new(bytes.Buffer)
		if err := h.Execute(w, program, "GET", "x=1"); err == nil {
			t.Fatalf("expected spawn error for %s", program)
		}
		head, body := splitResponse(t, w.String())
		if head[0] != "HTTP/1.0 500 Internal Server Error" {
			t.Fatalf("wrong status: %s", head[0])
		}
		if body != response.Body(response.StatusInternalServerError) {
			t.Fatalf("wrong body: %q", body)
		}
	}

	if z := zombieChildren(t); len(z) != 0 {
		t.Fatalf("unreaped children: %v", z)
	}
}

type fakeSpawner struct {
	inv *Invocation
	env []string
	err error
}

func (s *fakeSpawner) Spawn(inv *Invocation, env []string, stdin, stdout *os.File) (Process, error) {
	s.inv = inv
	s.env = env
	return nil, s.err
}

func TestHandlerSpawner(t *testing.T) {
	s := &fakeSpawner{err: errors.New("fork failed")}
	h := &Handler{Spawner: s}
	w := new(bytes.Buffer)
	err := h.Execute(w, "/bin/true", "post", "a=b")
	if err == nil || !strings.Contains(err.Error(), "fork failed") {
		t.Fatalf("wrong error: %v", err)
	}
	if s.inv.Method != "POST" || s.inv.ContentLength != 3 {
		t.Fatalf("wrong invocation: %+v", s.inv)
	}
	for _, e := range s.env {
		if strings.HasPrefix(e, "QUERY_STRING=") {
			t.Fatalf("QUERY_STRING passed to a POST invocation: %v", s.env)
		}
	}
	if !strings.HasPrefix(w.String(), "HTTP/1.0 500") {
		t.Fatalf("expected 500, received %q", w.String())
	}
}

func TestEZOutputHandlerReplacerBody(t *testing.T) {
	type test struct {
		Name           string
		Output         string
		ExpectedHeader []string
		ExpectedBody   string
	}

	tt := []test{
		{
			Name:         "No trailing newline",
			Output:       "hello",
			ExpectedBody: "hello",
		},
		{
			Name:         "Line endings are kept",
			Output:       "a\nb\n",
			ExpectedBody: "a\nb\n",
		},
		{
			Name:         "CRLF body line",
			Output:       "a\r\nb",
			ExpectedBody: "a\r\nb",
		},
		{
			Name:           "Header without body",
			Output:         "X-Test: yes",
			ExpectedHeader: []string{"X-Test: yes"},
			ExpectedBody:   "",
		},
		{
			Name:           "Blank line ends headers",
			Output:         "X-Test: yes\r\n\r\nbody: not a header\n",
			ExpectedHeader: []string{"X-Test: yes"},
			ExpectedBody:   "body: not a header\n",
		},
		{
			Name:         "Long line is body",
			Output:       strings.Repeat("k", maxHeaderLine) + ": v\n",
			ExpectedBody: strings.Repeat("k", maxHeaderLine) + ": v\n",
		},
	}

	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			w := new(bytes.Buffer)
			if err := EZOutputHandlerReplacer(w, &Handler{}, []byte(tc.Output)); err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			head, body := splitResponse(t, w.String())
			for _, expected := range tc.ExpectedHeader {
				found := false
				for _, h := range head[1:] {
					if h == expected {
						found = true
					}
				}
				if !found {
					t.Fatalf("missing header: %s\treceived: %v", expected, head)
				}
			}
			if body != tc.ExpectedBody {
				t.Fatalf("wrong body - expected: %q\treceived: %q", tc.ExpectedBody, body)
			}
		})
	}
}

func TestHandlerDir(t *testing.T) {
	scriptDir := t.TempDir()
	workDir := t.TempDir()
	script := writeScript(t, scriptDir, "pwd.cgi", "#!/bin/sh\npwd\n")

	type test struct {
		Name     string
		Dir      string
		Expected string
	}

	tt := []test{
		{
			Name:     "Defaults to the program's directory",
			Expected: scriptDir,
		},
		{
			Name:     "Dir overrides the working directory",
			Dir:      workDir,
			Expected: workDir,
		},
	}

	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			expected, err := filepath.EvalSymlinks(tc.Expected)
			if err != nil {
				t.Fatalf("error while resolving %s: %s", tc.Expected, err)
			}

			w := new(bytes.Buffer)
			h := &Handler{Dir: tc.Dir}
			if err := h.Execute(w, script, "GET", ""); err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			_, body := splitResponse(t, w.String())
			if body != expected+"\n" {
				t.Fatalf("wrong working directory - expected: %s\treceived: %q", expected, body)
			}
		})
	}
}

func TestInvocationEnv(t *testing.T) {
	type test struct {
		Name     string
		Method   string
		Query    string
		Expected []string
	}

	tt := []test{
		{
			Name:     "GET",
			Method:   "GET",
			Query:    "a=1&b=2",
			Expected: []string{"REQUEST_METHOD=GET", "QUERY_STRING=a=1&b=2"},
		},
		{
			Name:     "POST",
			Method:   "POST",
			Query:    "pageIndex=1",
			Expected: []string{"REQUEST_METHOD=POST", "CONTENT_LENGTH=11", "CONTENT_TYPE=application/x-www-form-urlencoded"},
		},
		{
			Name:     "Other methods send a length",
			Method:   "head",
			Query:    "",
			Expected: []string{"REQUEST_METHOD=HEAD", "CONTENT_LENGTH=0"},
		},
	}

	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			env := NewInvocation("/x.cgi", tc.Method, tc.Query).Env()
			if strings.Join(env, "\n") != strings.Join(tc.Expected, "\n") {
				t.Fatalf("wrong env - expected: %v\treceived: %v", tc.Expected, env)
			}
		})
	}
}

func TestHandlerEnvironment(t *testing.T) {
	os.Setenv("EZ_HTTPD_TEST_INHERIT", "inherited")
	defer os.Unsetenv("EZ_HTTPD_TEST_INHERIT")

	h := &Handler{
		Name:       "test-server",
		InheritEnv: []string{"EZ_HTTPD_TEST_INHERIT"},
		Env:        []string{"FOO=bar", "QUERY_STRING=injected", "CONTENT_LENGTH=99", "NOEQUALS"},
	}
	env := h.environment(NewInvocation("/srv/x.cgi", "POST", "abc"))

	vars := map[string]string{}
	for _, e := range env {
		kv := strings.SplitN(e, "=", 2)
		if len(kv) != 2 {
			t.Fatalf("malformed env entry: %q", e)
		}
		if _, dup := vars[kv[0]]; dup {
			t.Fatalf("duplicate env entry: %s", kv[0])
		}
		vars[kv[0]] = kv[1]
	}

	expected := map[string]string{
		"SERVER_SOFTWARE":       "test-server",
		"GATEWAY_INTERFACE":     "CGI/1.1",
		"SCRIPT_FILENAME":       "/srv/x.cgi",
		"REQUEST_METHOD":        "POST",
		"CONTENT_LENGTH":        "3",
		"FOO":                   "bar",
		"EZ_HTTPD_TEST_INHERIT": "inherited",
	}
	for k, v := range expected {
		if vars[k] != v {
			t.Fatalf("wrong %s - expected: %s\treceived: %s", k, v, vars[k])
		}
	}
	if _, ok := vars["QUERY_STRING"]; ok {
		t.Fatal("QUERY_STRING must not be set for POST")
	}
	if _, ok := vars["PATH"]; !ok {
		t.Fatal("PATH must always be set")
	}
}
