package main

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"scrapegraph/internal/engine"
	"scrapegraph/internal/input"
	"scrapegraph/internal/loader"
	"scrapegraph/internal/logger"
)

type runFlags struct {
	defaults     string
	input        string
	delimiter    string
	outputFormat string
	output       string
	workers      int
	strict       bool
}

func (a *app) runCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run [flags] <instruction-uri>",
		Short: "Execute an instruction document until nothing more can run",
		Long: `Execute an instruction document until nothing more can run.

The document is a URI (http, https, file, a path, or "-" for stdin) or inline
JSON. With --input, the document runs once per row of the table, each row's
columns bound on top of --defaults.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runRun(cmd.Context(), args[0], f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.defaults, "defaults", "", "initial bindings, form-encoded (a=1&b=2)")
	fl.StringVar(&f.input, "input", "", `CSV or JSON table, one run per row ("-" for stdin)`)
	fl.StringVar(&f.delimiter, "column-delimiter", ",", `CSV column delimiter for --input ("\t" for tab)`)
	fl.StringVar(&f.outputFormat, "output-format", "", "csv, tab, jsonl, sqlite, postgres, mssql or elasticsearch (default from config)")
	fl.StringVar(&f.output, "output", "", "output file, or DSN for database formats (default stdout)")
	fl.IntVar(&f.workers, "workers", 0, "executables attempted at once (default from config)")
	fl.BoolVar(&f.strict, "strict", false, "exit 1 when any executable is left stuck or failed")
	return cmd
}

// tally aggregates reports across runs.
type tally struct {
	runs       int
	incomplete int
	succeeded  int
	stuck      int
	failed     int
	badRows    int
}

func (t *tally) add(rep *engine.Report) {
	if rep == nil {
		return
	}
	t.runs++
	if !rep.Complete() {
		t.incomplete++
	}
	t.succeeded += rep.Succeeded
	t.stuck += rep.Stuck
	t.failed += rep.Failed
}

func (a *app) runRun(ctx context.Context, uri string, f runFlags) (retErr error) {
	defaults, err := input.ParseDefaults(f.defaults)
	if err != nil {
		return usageErr(err)
	}
	comma, err := parseDelimiter(f.delimiter)
	if err != nil {
		return usageErr(err)
	}
	ref, err := refFor(uri)
	if err != nil {
		return usageErr(fmt.Errorf("instruction uri: %w", err))
	}

	t, err := a.transport()
	if err != nil {
		return usageErr(err)
	}
	d, err := a.deserializer(t, loader.Policy{})
	if err != nil {
		return usageErr(err)
	}
	st, closeStore, err := a.store(ctx)
	if err != nil {
		return usageErr(err)
	}
	defer closeStore()
	sk, err := a.openSink(ctx, f.outputFormat, f.output)
	if err != nil {
		return usageErr(err)
	}
	defer func() {
		if err := sk.Close(); err != nil && retErr == nil {
			retErr = runtimeErr(fmt.Errorf("close output: %w", err))
		}
	}()
	_, stopMetrics := a.startMetrics(ctx)
	defer stopMetrics()

	sched := a.scheduler(st, d, t, sk, f.workers)
	var sum tally
	runOne := func(vars map[string]string) error {
		rep, err := sched.Start(ctx, ref, vars)
		sum.add(rep)
		return err
	}

	switch f.input {
	case "":
		err = runOne(defaults)
	default:
		opts := input.Options{Format: input.FormatFor(f.input), Comma: comma, TrimSpace: true}
		emit := func(row input.Row) error { return runOne(input.Merge(defaults, row.Vars)) }
		onErr := func(line int, err error) {
			sum.badRows++
			a.log.Warn("skipping input row", logger.Int("line", line), logger.Error(err))
		}
		if f.input == "-" {
			opts.Format = input.FormatCSV
			err = input.Stream(ctx, a.d.Stdin, opts, emit, onErr)
		} else {
			err = input.ReadFile(ctx, f.input, opts, emit, onErr)
		}
	}

	a.log.Info("all runs finished",
		logger.Int("runs", sum.runs),
		logger.Int("incomplete", sum.incomplete),
		logger.Int("succeeded", sum.succeeded),
		logger.Int("stuck", sum.stuck),
		logger.Int("failed", sum.failed),
		logger.Int("bad_rows", sum.badRows),
	)

	var fatal *engine.FatalError
	switch {
	case errors.As(err, &fatal):
		return runtimeErr(err)
	case err != nil:
		return usageErr(err)
	case f.strict && sum.incomplete > 0:
		return runtimeErr(fmt.Errorf("%d of %d runs left stuck or failed executables", sum.incomplete, sum.runs))
	}
	return nil
}

// parseDelimiter accepts a single character, or `\t` and "tab" for a tab.
func parseDelimiter(s string) (rune, error) {
	switch s {
	case "":
		return 0, nil
	case `\t`, "tab":
		return '\t', nil
	}
	if utf8.RuneCountInString(s) != 1 {
		return 0, fmt.Errorf("column delimiter must be one character, got %q", s)
	}
	r, _ := utf8.DecodeRuneInString(s)
	return r, nil
}
