package input

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, src string, opts Options) ([]Row, []int, error) {
	t.Helper()
	var rows []Row
	var bad []int
	err := Stream(context.Background(), strings.NewReader(src), opts, func(r Row) error {
		rows = append(rows, r)
		return nil
	}, func(line int, err error) { bad = append(bad, line) })
	return rows, bad, err
}

func TestStream_CSV(t *testing.T) {
	t.Parallel()

	rows, bad, err := collect(t, "\uFEFFquery, page\ngo lang,1\n\"a,b\", 2 \n", Options{TrimSpace: true})
	require.NoError(t, err)
	assert.Empty(t, bad)
	require.Len(t, rows, 2)
	assert.Equal(t, Row{Line: 2, Vars: map[string]string{"query": "go lang", "page": "1"}}, rows[0])
	assert.Equal(t, Row{Line: 3, Vars: map[string]string{"query": "a,b", "page": "2"}}, rows[1])
}

func TestStream_CSVDelimiterAndShortRows(t *testing.T) {
	t.Parallel()

	rows, _, err := collect(t, "a\tb\n1\n", Options{Comma: '\t'})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, map[string]string{"a": "1"}, rows[0].Vars)
}

func TestStream_CSVBadRecordIsSkipped(t *testing.T) {
	t.Parallel()

	rows, bad, err := collect(t, "a\n\"open\n", Options{})
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.NotEmpty(t, bad)
}

func TestStream_JSON(t *testing.T) {
	t.Parallel()

	src := `[{"q":"x","n":3,"tags":["a","b"],"skip":null}]
{"q":"y","flag":true}`
	rows, _, err := collect(t, src, Options{Format: FormatJSON})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, map[string]string{"q": "x", "n": "3", "tags": "a,b"}, rows[0].Vars)
	assert.Equal(t, map[string]string{"q": "y", "flag": "true"}, rows[1].Vars)
	assert.Equal(t, 2, rows[1].Line)
}

func TestStream_JSONNestedObjectFails(t *testing.T) {
	t.Parallel()

	_, bad, err := collect(t, `{"a":{"b":1}}`, Options{Format: FormatJSON})
	assert.ErrorContains(t, err, `field "a"`)
	assert.Equal(t, []int{1}, bad)
}

func TestStream_EmitErrorStops(t *testing.T) {
	t.Parallel()

	stop := errors.New("stop")
	n := 0
	err := Stream(context.Background(), strings.NewReader("a\n1\n2\n"), Options{}, func(Row) error {
		n++
		return stop
	}, nil)
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, n)
}

func TestFormatFor(t *testing.T) {
	t.Parallel()
	assert.Equal(t, FormatJSON, FormatFor("rows.JSONL"))
	assert.Equal(t, FormatCSV, FormatFor("rows.tsv"))
}

func TestParseDefaults(t *testing.T) {
	t.Parallel()

	got, err := ParseDefaults("q=go+lang&page=1&page=2&empty=")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"q": "go lang", "page": "1", "empty": ""}, got)

	_, err = ParseDefaults("bad=%zz")
	assert.Error(t, err)
}

func TestMergeAndColumns(t *testing.T) {
	t.Parallel()

	base := map[string]string{"a": "1", "b": "2"}
	got := Merge(base, map[string]string{"b": "3"})
	assert.Equal(t, map[string]string{"a": "1", "b": "3"}, got)
	assert.Equal(t, "2", base["b"])

	cols := Columns([]Row{{Vars: map[string]string{"z": ""}}, {Vars: map[string]string{"a": "", "z": ""}}})
	assert.Equal(t, []string{"a", "z"}, cols)
}
