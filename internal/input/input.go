// Package input reads tables of initial bindings, one scrape run per row.
package input

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Row is one record: column name to value. Line is 1-based, counting the
// CSV header.
type Row struct {
	Line int
	Vars map[string]string
}

// Format of an input table.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// Options controls parsing.
type Options struct {
	Format Format
	// Comma is the CSV delimiter. Default ','.
	Comma rune
	// TrimSpace trims CSV fields. Empty fields are always kept as "".
	TrimSpace bool
	// ArrayJoin flattens JSON arrays of scalars. Default ",".
	ArrayJoin string
}

// FormatFor picks a format from a file extension; CSV unless the file looks
// like JSON.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonl", ".ndjson":
		return FormatJSON
	default:
		return FormatCSV
	}
}

// ReadFile streams rows from path, or from stdin when path is "-".
func ReadFile(ctx context.Context, path string, opts Options, emit func(Row) error, onErr func(line int, err error)) error {
	var r io.ReadCloser
	if path == "-" {
		r = io.NopCloser(os.Stdin)
	} else {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("input: %w", err)
		}
		r = f
		if opts.Format == "" {
			opts.Format = FormatFor(path)
		}
	}
	defer r.Close()
	return Stream(ctx, r, opts, emit, onErr)
}

// Stream parses r and calls emit once per row, stopping at the first emit
// error. Malformed CSV records are reported to onErr and skipped; malformed
// JSON ends the stream.
func Stream(ctx context.Context, r io.Reader, opts Options, emit func(Row) error, onErr func(line int, err error)) error {
	switch opts.Format {
	case FormatJSON:
		return streamJSON(ctx, r, opts, emit, onErr)
	case FormatCSV, "":
		return streamCSV(ctx, r, opts, emit, onErr)
	default:
		return fmt.Errorf("input: unsupported format %q", opts.Format)
	}
}

func streamCSV(ctx context.Context, r io.Reader, opts Options, emit func(Row) error, onErr func(line int, err error)) error {
	cr := csv.NewReader(r)
	if opts.Comma != 0 {
		cr.Comma = opts.Comma
	}
	cr.FieldsPerRecord = -1

	line := 1
	hdr, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("input: read header: %w", err)
	}
	names := make([]string, len(hdr))
	for i, h := range hdr {
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		names[i] = strings.TrimSpace(h)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := cr.Read()
		line++
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if onErr != nil {
				onErr(line, fmt.Errorf("csv read: %w", err))
			}
			continue
		}

		vars := make(map[string]string, len(names))
		for i, name := range names {
			if name == "" || i >= len(rec) {
				continue
			}
			v := rec[i]
			if opts.TrimSpace {
				v = strings.TrimSpace(v)
			}
			vars[name] = v
		}
		if err := emit(Row{Line: line, Vars: vars}); err != nil {
			return err
		}
	}
}

// streamJSON accepts a root array of objects followed by, or replaced with,
// newline-delimited objects.
func streamJSON(ctx context.Context, r io.Reader, opts Options, emit func(Row) error, onErr func(line int, err error)) error {
	sep := opts.ArrayJoin
	if sep == "" {
		sep = ","
	}
	dec := json.NewDecoder(r)
	dec.UseNumber()

	line := 0
	emitObject := func(obj map[string]any) error {
		line++
		vars, err := flatten(obj, sep)
		if err != nil {
			if onErr != nil {
				onErr(line, err)
			}
			return err
		}
		return emit(Row{Line: line, Vars: vars})
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var raw any
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if onErr != nil {
				onErr(line+1, err)
			}
			return fmt.Errorf("input: decode json: %w", err)
		}
		switch v := raw.(type) {
		case nil:
		case map[string]any:
			if err := emitObject(v); err != nil {
				return err
			}
		case []any:
			for _, el := range v {
				if el == nil {
					continue
				}
				obj, ok := el.(map[string]any)
				if !ok {
					return fmt.Errorf("input: array element not an object (got %T)", el)
				}
				if err := emitObject(obj); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("input: unsupported json value %T (want object or array)", raw)
		}
	}
}

func flatten(obj map[string]any, sep string) (map[string]string, error) {
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		switch x := v.(type) {
		case nil:
		case []any:
			parts := make([]string, 0, len(x))
			for _, el := range x {
				s, err := scalar(k, el)
				if err != nil {
					return nil, err
				}
				parts = append(parts, s)
			}
			out[k] = strings.Join(parts, sep)
		default:
			s, err := scalar(k, x)
			if err != nil {
				return nil, err
			}
			out[k] = s
		}
	}
	return out, nil
}

func scalar(key string, v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case bool:
		if x {
			return "true", nil
		}
		return "false", nil
	default:
		return "", fmt.Errorf("input: field %q: nested %T is not supported", key, v)
	}
}

// ParseDefaults decodes form-encoded bindings such as "q=go+lang&page=1".
// The first value of a repeated name wins.
func ParseDefaults(s string) (map[string]string, error) {
	vals, err := url.ParseQuery(s)
	if err != nil {
		return nil, fmt.Errorf("input: defaults: %w", err)
	}
	out := make(map[string]string, len(vals))
	for k, v := range vals {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out, nil
}

// Merge returns base overlaid with row. Neither argument is modified.
func Merge(base, row map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(row))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range row {
		out[k] = v
	}
	return out
}

// Columns returns the sorted union of names across rows.
func Columns(rows []Row) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range rows {
		for k := range r.Vars {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	sort.Strings(out)
	return out
}
