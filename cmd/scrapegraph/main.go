// Command scrapegraph runs declarative scraping instructions.
//
// Usage:
//
//	scrapegraph run [flags] <instruction-uri>
//	scrapegraph validate [flags] <instruction-uri>
//	scrapegraph inspect --url <page> [--selector css] [--find instruction]
//	scrapegraph serve [--addr :8080]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"scrapegraph/internal/config"
	"scrapegraph/internal/httpclient"
	"scrapegraph/internal/logger"
)

// transport is what the commands need from HTTP: request execution for Load
// instructions and plain GETs for documents and inspected pages.
// *httpclient.Client satisfies it.
type transport interface {
	Do(ctx context.Context, req httpclient.Request) (*httpclient.Response, error)
	Get(ctx context.Context, rawURL string) (string, error)
}

// deps are external seams for testability.
//
// When to use:
//   - Unit tests: capture stdout/stderr, feed stdin and isolate the
//     environment.
//   - Alternate runtimes: swap the HTTP transport or metrics backend.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer
	Stdin  io.Reader

	// Environ replaces the process environment for config loading.
	Environ func(key string) (string, bool)
	// EnvFiles are dotenv files loaded before the environment. Nil means ".env".
	EnvFiles []string
	// Transport replaces the HTTP client built from config.
	Transport transport
	// BackendFactory builds the metrics backend named by config. A nil
	// backend with a nil error leaves metrics disabled.
	BackendFactory func(ctx context.Context, cfg config.Metrics) (backendCloser, error)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], deps{
		Stdout:         os.Stdout,
		Stderr:         os.Stderr,
		Stdin:          os.Stdin,
		BackendFactory: newMetricsBackend,
	})
	stop()
	os.Exit(code)
}

// exitError carries a process exit code out of a cobra command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func usageErr(err error) error   { return &exitError{code: 2, err: err} }
func runtimeErr(err error) error { return &exitError{code: 1, err: err} }

// run executes the command line and returns an exit code.
//
// Exit codes:
//   - 0: success.
//   - 1: a run aborted, a document was invalid, or --strict saw stuck or
//     failed executables.
//   - 2: usage, configuration or initialization error.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.BackendFactory == nil {
		d.BackendFactory = newMetricsBackend
	}

	a := &app{d: d}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(d.Stdout)
	root.SetErr(d.Stderr)
	if d.Stdin != nil {
		root.SetIn(d.Stdin)
	}

	err := root.ExecuteContext(ctx)
	if a.log != nil {
		_ = a.log.Sync()
	}
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(d.Stderr, "error:", ee.err)
		}
		return ee.code
	}
	// Flag and argument errors from cobra itself.
	fmt.Fprintln(d.Stderr, "error:", err)
	return 2
}

// app holds what every subcommand shares once configuration is loaded.
type app struct {
	d deps

	cfgPath  string
	logLevel string

	cfg config.Config
	log logger.Logger
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "scrapegraph",
		Short:         "Run declarative scraping instructions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
	}
	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "config file (yaml, json or toml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level override: debug, info, warn or error")

	root.AddCommand(a.runCmd(), a.validateCmd(), a.inspectCmd(), a.serveCmd())
	return root
}

// setup loads and validates configuration and builds the logger.
func (a *app) setup() error {
	cfg, err := config.Load(config.Options{Path: a.cfgPath, EnvFiles: a.d.EnvFiles, Environ: a.d.Environ})
	if err != nil {
		return usageErr(err)
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}

	issues := config.Validate(cfg)
	for _, iss := range issues {
		fmt.Fprintln(a.d.Stderr, iss)
	}
	if config.HasErrors(issues) {
		return usageErr(errors.New("configuration is invalid"))
	}

	log, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Writer: a.d.Stderr})
	if err != nil {
		return usageErr(err)
	}
	a.cfg, a.log = cfg, log
	return nil
}
