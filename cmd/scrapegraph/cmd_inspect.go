package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"scrapegraph/internal/input"
	"scrapegraph/internal/inspect"
	"scrapegraph/internal/instruction"
	"scrapegraph/internal/loader"
	"scrapegraph/internal/template"
)

type inspectFlags struct {
	url      string
	selector string
	text     bool
	find     string
	defaults string
	links    bool
}

func (a *app) inspectCmd() *cobra.Command {
	var f inspectFlags
	cmd := &cobra.Command{
		Use:   "inspect [flags]",
		Short: "Print regions of a page to help author find patterns",
		Long: `Print regions of a page to help author find patterns.

The page is fetched from --url or read from stdin. --selector narrows the
output to matching elements; --find runs a find instruction (inline JSON or a
URI) against each printed region and shows what it would bind.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runInspect(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.url, "url", "", "page to fetch (default: read stdin)")
	fl.StringVar(&f.selector, "selector", "", "CSS selector picking the regions to print")
	fl.BoolVar(&f.text, "text", false, "print trimmed text instead of outer HTML")
	fl.StringVar(&f.find, "find", "", "find instruction to try against each region")
	fl.StringVar(&f.defaults, "defaults", "", "bindings for tags in --find, form-encoded")
	fl.BoolVar(&f.links, "links", false, "list absolute link targets instead of regions")
	return cmd
}

func (a *app) runInspect(ctx context.Context, stdin io.Reader, out io.Writer, f inspectFlags) error {
	vars, err := input.ParseDefaults(f.defaults)
	if err != nil {
		return usageErr(err)
	}
	t, err := a.transport()
	if err != nil {
		return usageErr(err)
	}

	var html string
	if f.url != "" {
		html, err = t.Get(ctx, f.url)
		if err != nil {
			return runtimeErr(err)
		}
	} else {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return runtimeErr(fmt.Errorf("read stdin: %w", err))
		}
		html = string(b)
	}

	if f.links {
		links, err := inspect.Links(html, f.url)
		if err != nil {
			return runtimeErr(err)
		}
		for _, l := range links {
			fmt.Fprintln(out, l)
		}
		return nil
	}

	opts := inspect.Options{Selector: f.selector, TextOnly: f.text, Vars: template.MapLookup(vars)}
	if f.find != "" {
		find, err := a.findFor(ctx, t, f.find, vars)
		if err != nil {
			return usageErr(err)
		}
		opts.Find = find
	}
	if err := inspect.Print(out, html, opts); err != nil {
		return runtimeErr(err)
	}
	return nil
}

// findFor resolves arg to a find instruction with vars bound.
func (a *app) findFor(ctx context.Context, t transport, arg string, vars map[string]string) (*instruction.Find, error) {
	ref, err := refFor(arg)
	if err != nil {
		return nil, fmt.Errorf("--find: %w", err)
	}
	d, err := a.deserializer(t, loader.Policy{})
	if err != nil {
		return nil, err
	}
	inst, err := d.Resolve(ctx, ref, "inspect", template.MapLookup(vars))
	if template.IsMissing(err) {
		return nil, fmt.Errorf("--find needs --defaults for: %s", strings.Join(template.MissingTags(err), ", "))
	}
	if err != nil {
		return nil, fmt.Errorf("--find: %w", err)
	}
	if inst.Find == nil {
		return nil, errors.New("--find must be a find instruction")
	}
	return inst.Find, nil
}
