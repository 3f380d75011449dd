package cmd

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/raphaelreyna/ez-httpd/pkg/httpd"
	"github.com/raphaelreyna/ez-httpd/pkg/response"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var version = response.Version

var RootCmd = &cobra.Command{
	Use:     "ez-httpd [flags]... port",
	Version: version,
	Short:   "A tiny HTTP/1.0 server for static files and CGI programs.",
	Long: `Start an HTTP/1.0 server on 0.0.0.0:port.
Request targets are looked up below the --root directory. Directories are served through their index.html.
Files with an execute bit set, and any target carrying a query string, are run as CGI programs;
everything else is sent as-is.

Every flag can also be set through an EZHTTPD_<FLAG> environment variable (dashes become underscores)
or a config file passed with --config.
`,
	Args: cobra.MaximumNArgs(1),
	Run:  run,
}

func SetFlags(fs *pflag.FlagSet) {
	fs.BoolP("version", "v", false, "Version for ez-httpd.")

	fs.StringP("root", "d", ".", "Directory request targets are resolved against.")

	fs.BoolP("concurrent", "c", false, `Handle every connection on its own goroutine.
By default connections are served one at a time.`)

	fs.BoolP("quiet", "q", false,
		`Don't show error messages.`,
	)

	fs.StringSliceP("header", "H", nil, `HTTP header to send to client with CGI output.
To allow executable to override header see the --replace flag.
Must be in the form 'KEY: VALUE'.`,
	)
	fs.BoolP("replace", "r", false, `Allow executable to replace default header values.
See also: --cgi, -C.`)

	fs.BoolP("cgi", "C", false, `Conform to the CGI standard: executables must print a header block.
This flag overrides the --replace, -r flag.`,
	)

	fs.StringSliceP("env-var", "e", nil, `Environment variable to pass on to executables.
Must be in the form 'KEY=VALUE'.`,
	)
	fs.StringSliceP("inherit", "i", nil, `Name of an environment variable of the server to pass on to executables.`)

	fs.StringP("stderr", "E", "", `Where to redirect executables' stderr.`)

	fs.String("cgi-dir", "", `Working directory for executables.
Defaults to the directory holding each executable.`)

	fs.String("name", "", `Value of SERVER_SOFTWARE passed on to executables.
Defaults to the Server header value.`)

	fs.Int("cgi-buffer", 4096, `Most bytes of an executable's output sent to the client.
Output beyond it is dropped.`)

	fs.String("config", "", "Config file (any format viper reads) holding flag values.")
}

// loadConfig layers flags, EZHTTPD_* environment variables and the config file.
func loadConfig(fs *pflag.FlagSet) (*viper.Viper, error) {
	conf := viper.New()
	conf.SetEnvPrefix("EZHTTPD")
	conf.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	conf.AutomaticEnv()

	if err := conf.BindPFlags(fs); err != nil {
		return nil, err
	}

	if file := conf.GetString("config"); file != "" {
		conf.SetConfigFile(file)
		if err := conf.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", file, err)
		}
	}
	return conf, nil
}

func parsePort(arg string) (int, error) {
	port, err := strconv.Atoi(arg)
	if err != nil || port < 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port: %s", arg)
	}
	return port, nil
}

func run(cmd *cobra.Command, args []string) {
	if len(args) == 0 {
		if err := cmd.Usage(); err != nil {
			log.Println(err)
		}
		os.Exit(0)
	}

	port, err := parsePort(args[0])
	if err != nil {
		log.Println(err)
		os.Exit(1)
	}

	conf, err := loadConfig(cmd.Flags())
	if err != nil {
		log.Printf("error loading configuration: %s", err.Error())
		os.Exit(1)
	}

	s, err := newServer(conf, port)
	if err != nil {
		log.Println(err)
		os.Exit(1)
	}
	defer s.release()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigChan
		s.Close()
	}()

	ln, err := httpd.Listen(port)
	if err != nil {
		log.Printf("listen failed: %s", err.Error())
		s.release()
		os.Exit(1)
	}
	fmt.Printf("httpd running on port %d\n", port)
	if err := s.Serve(ln); err != nil && !errors.Is(err, httpd.ErrServerClosed) {
		log.Println(err)
		s.release()
		os.Exit(1)
	}
}

func Execute() {
	SetFlags(RootCmd.Flags())
	if err := RootCmd.Execute(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
