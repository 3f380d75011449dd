package cmd

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/raphaelreyna/ez-httpd/pkg/cgi"
	"github.com/raphaelreyna/ez-httpd/pkg/httpd"
	"github.com/raphaelreyna/ez-httpd/pkg/response"
	"github.com/spf13/viper"
)

type server struct {
	*httpd.Server
	stderr *os.File
}

func newServer(conf *viper.Viper, port int) (*server, error) {
	s := &server{}

	logger := log.New(os.Stderr, "ez-httpd :: ", log.LstdFlags)
	if conf.GetBool("quiet") {
		logger = log.New(io.Discard, "", 0)
	}

	handler := &cgi.Handler{
		Name:             conf.GetString("name"),
		Dir:              conf.GetString("cgi-dir"),
		Env:              conf.GetStringSlice("env-var"),
		InheritEnv:       conf.GetStringSlice("inherit"),
		Logger:           logger,
		OutputBufferSize: conf.GetInt("cgi-buffer"),
	}

	if path := conf.GetString("stderr"); path != "" {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("error opening stderr: %w", err)
		}
		s.stderr = f
		handler.Stderr = f
	}

	header := response.Header{}
	for _, rh := range conf.GetStringSlice("header") {
		parts := strings.SplitN(rh, ":", 2)
		if len(parts) < 2 {
			s.release()
			return nil, fmt.Errorf("invalid header: %s", rh)
		}
		k := strings.TrimSpace(parts[0])
		v := strings.TrimSpace(parts[1])
		header.Set(k, v)
	}
	if len(header) != 0 {
		handler.Header = header
	}

	switch {
	case conf.GetBool("cgi"):
		handler.OutputHandler = cgi.DefaultOutputHandler
	case conf.GetBool("replace"):
		handler.OutputHandler = cgi.EZOutputHandlerReplacer
	default:
		handler.OutputHandler = cgi.EZOutputHandler
	}

	s.Server = &httpd.Server{
		Port: port,
		Dispatcher: &httpd.Dispatcher{
			Resolver: &httpd.Resolver{Root: conf.GetString("root")},
			Files:    &httpd.FileServer{},
			CGI:      handler,
			Logger:   logger,
		},
		Logger:     logger,
		Concurrent: conf.GetBool("concurrent"),
	}
	return s, nil
}

// release closes what newServer opened.
func (s *server) release() {
	if s.stderr != nil {
		s.stderr.Close()
	}
}
