// Command h2fetch issues one or more HTTP/2 requests through a session and
// prints the responses.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"example.com/h2stream/internal/config"
	"example.com/h2stream/internal/logger"
	"example.com/h2stream/internal/session"
)

type options struct {
	configPath     string
	method         string
	data           string
	json           bool
	headers        []string
	encodedHeaders []string
	count          int
	concurrency    int
	timeout        time.Duration
	include        bool
	caCert         string
	insecure       bool
	verbose        bool
	output         string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:          "h2fetch [flags] URL",
		Short:        "Fetch a URL over HTTP/2 using h2stream sessions",
		SilenceUsage: true,
		Args:         cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd.Context(), opts, args[0], cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "configuration file whose client and stream sections tune the session")
	f.StringVarP(&opts.method, "request", "X", "", "request method (default GET, or POST with --data)")
	f.StringVarP(&opts.data, "data", "d", "", "request payload")
	f.BoolVar(&opts.json, "json", false, "send --data as application/json")
	f.StringArrayVarP(&opts.headers, "header", "H", nil, `request header "Name: value" (repeatable)`)
	f.StringArrayVar(&opts.encodedHeaders, "encoded-header", nil, `request header sent base64 encoded, "Name: value" (repeatable)`)
	f.IntVarP(&opts.count, "count", "n", 1, "number of requests")
	f.IntVarP(&opts.concurrency, "concurrency", "p", 1, "requests in flight at once")
	f.DurationVar(&opts.timeout, "timeout", 30*time.Second, "deadline for each request")
	f.BoolVarP(&opts.include, "include", "i", false, "print response headers")
	f.StringVar(&opts.caCert, "cacert", "", "PEM file with CA certificates to trust")
	f.BoolVarP(&opts.insecure, "insecure", "k", false, "skip TLS certificate verification")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "log stream diagnostics to stderr")
	f.StringVarP(&opts.output, "output", "o", "", "stream the response payload into this file instead of stdout")
	return cmd
}

func runFetch(ctx context.Context, opts options, url string, stdout, stderr io.Writer) error {
	if opts.count < 1 {
		return fmt.Errorf("--count must be at least 1")
	}
	if opts.output != "" && opts.count != 1 {
		return fmt.Errorf("--output requires --count 1")
	}
	if opts.concurrency < 1 {
		opts.concurrency = 1
	}

	clientCfg, streamCfg, err := loadSessionConfig(opts.configPath)
	if err != nil {
		return err
	}
	if strings.HasPrefix(url, "http://") && !*clientCfg.AllowHTTP {
		allow := true
		clientCfg.AllowHTTP = &allow
	}

	level := config.LogLevelWarning
	if opts.verbose {
		level = config.LogLevelDebug
	}
	lg := logger.New(stderr, level)

	tlsCfg, err := tlsConfig(opts)
	if err != nil {
		return err
	}
	sess, err := session.New(clientCfg, lg, nil, session.WithTLSConfig(tlsCfg), session.WithStreamConfig(streamCfg))
	if err != nil {
		return err
	}
	defer sess.Close()

	spec, err := newRequestSpec(opts, url)
	if err != nil {
		return err
	}
	results := fetchAll(ctx, sess, spec, opts.count, opts.concurrency, opts.timeout)
	return report(results, opts.include, stdout, stderr)
}

// loadSessionConfig returns the client and stream sections of the
// configuration file, or defaults when path is empty.
func loadSessionConfig(path string) (*config.ClientConfig, *config.StreamConfig, error) {
	if path == "" {
		c, s := &config.ClientConfig{}, &config.StreamConfig{}
		config.ApplyClientDefaults(c)
		config.ApplyStreamDefaults(s)
		return c, s, nil
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, nil, err
	}
	return cfg.Client, cfg.Stream, nil
}

func tlsConfig(opts options) (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: opts.insecure, MinVersion: tls.VersionTLS12}
	if opts.caCert == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(opts.caCert)
	if err != nil {
		return nil, fmt.Errorf("reading --cacert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", opts.caCert)
	}
	cfg.RootCAs = pool
	return cfg, nil
}
