package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"scrapegraph/internal/input"
	"scrapegraph/internal/loader"
	"scrapegraph/internal/server"
)

func (a *app) validateCmd() *cobra.Command {
	var defaults string
	cmd := &cobra.Command{
		Use:   "validate [flags] <instruction-uri>",
		Short: "Parse an instruction document and everything it reaches without executing it",
		Long: `Parse an instruction document and everything it reaches without executing it.

Refs whose URIs need bindings that --defaults does not provide are listed as
missing; they are expected to resolve during a run. Exits 1 if any document
is malformed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := input.ParseDefaults(defaults)
			if err != nil {
				return usageErr(err)
			}
			ref, err := refFor(args[0])
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

			res := server.Validate(cmd.Context(), d, ref, vars)
			printNodes(cmd.OutOrStdout(), res.Nodes)
			if !res.Valid {
				return runtimeErr(errors.New("instruction document is invalid"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&defaults, "defaults", "", "bindings available to URIs, form-encoded (a=1&b=2)")
	return cmd
}

// printNodes writes one line per node, indented by depth.
func printNodes(w io.Writer, nodes []server.Node) {
	for _, n := range nodes {
		indent := strings.Repeat("  ", n.Depth)
		switch {
		case n.Error != "":
			fmt.Fprintf(w, "%s%s: error: %s\n", indent, n.Instruction, n.Error)
		case len(n.Missing) > 0:
			fmt.Fprintf(w, "%s%s: missing %s\n", indent, n.Instruction, strings.Join(n.Missing, ", "))
		default:
			fmt.Fprintf(w, "%s%s: %s\n", indent, n.Instruction, n.Kind)
		}
	}
}
