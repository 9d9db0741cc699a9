// Command wsmux is a fast TCP/UDP tunnel, transported over HTTP WebSockets.
//
// Usage:
//
//	wsmux server [flags]
//	wsmux client [flags] <server-url> <remote> [<remote>...]
//
// Run "wsmux server -h" or "wsmux client -h" for the flag lists.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sammck-go/wsmux/pkg/wstunnel"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s <server|client> [flags]\n", os.Args[0])
	}
	if len(os.Args) < 2 {
		flag.Usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "server":
		err = serverMain(os.Args[2:])
	case "client":
		err = clientMain(os.Args[2:])
	case "-h", "--help", "help":
		flag.Usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand '%s'\n", os.Args[1])
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Giving up: %s\n", err)
		os.Exit(1)
	}
}

// signalContext returns a context cancelled by SIGINT/SIGTERM.
func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()
	return ctx
}

func serverMain(args []string) error {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	config := &wstunnel.ServerConfig{}
	fs.StringVar(&config.Host, "host", "0.0.0.0", "HTTP listen host")
	fs.StringVar(&config.Port, "port", "8080", "HTTP listen port")
	fs.StringVar(&config.PSK, "psk", "", "require this pre-shared key from clients")
	fs.StringVar(&config.Auth, "auth", "", "require this user:pass from clients")
	fs.StringVar(&config.AuthFile, "authfile", "", "require credentials from this file (watched for changes)")
	fs.StringVar(&config.Backend, "backend", "", "reverse-proxy non-tunnel requests to this URL")
	fs.StringVar(&config.NotFoundBody, "not-found", "", "response body for non-tunnel requests without a backend")
	fs.BoolVar(&config.AllowUDPBind, "udp-bind", false, "allow clients to bind remote UDP sockets")
	fs.BoolVar(&config.Debug, "v", false, "verbose logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("unexpected argument '%s'", fs.Arg(0))
	}
	server, err := wstunnel.NewServer(config)
	if err != nil {
		return err
	}
	return server.Run(signalContext())
}

func clientMain(args []string) error {
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	config := &wstunnel.ClientConfig{}
	var headers headerFlags
	var keepalive time.Duration
	fs.StringVar(&config.PSK, "psk", "", "pre-shared key to present to the server")
	fs.StringVar(&config.Auth, "auth", "", "user:pass credentials to present to the server")
	fs.StringVar(&config.HostHeader, "hostname", "", "override the Host header")
	fs.StringVar(&config.HTTPProxy, "proxy", "", "connect through this HTTP CONNECT proxy URL")
	fs.IntVar(&config.MaxRetryCount, "max-retry-count", -1, "give up after this many reconnect attempts (-1: never)")
	fs.DurationVar(&config.MaxRetryInterval, "max-retry-interval", 5*time.Minute, "cap the reconnect backoff delay")
	fs.DurationVar(&keepalive, "keepalive", 0, "mux keep-alive interval (0: default, <0: disabled)")
	fs.Var(&headers, "header", "extra upgrade header 'Name: value' (repeatable)")
	fs.BoolVar(&config.Debug, "v", false, "verbose logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: client [flags] <server-url> <remote> [<remote>...]")
	}
	config.Server = fs.Arg(0)
	config.Remotes = fs.Args()[1:]
	config.Headers = headers.header
	config.Mux.KeepAliveInterval = keepalive
	client, err := wstunnel.NewClient(config)
	if err != nil {
		return err
	}
	return client.Run(signalContext())
}

// headerFlags collects repeatable "Name: value" flags into an http.Header.
type headerFlags struct {
	header http.Header
}

func (h *headerFlags) String() string {
	return ""
}

func (h *headerFlags) Set(v string) error {
	i := strings.Index(v, ":")
	if i <= 0 {
		return fmt.Errorf("expected 'Name: value', got '%s'", v)
	}
	if h.header == nil {
		h.header = http.Header{}
	}
	h.header.Add(strings.TrimSpace(v[:i]), strings.TrimSpace(v[i+1:]))
	return nil
}
