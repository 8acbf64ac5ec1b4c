package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	calls atomic.Int32
	body  string
	err   error
}

func (f *fakeFetcher) Get(_ context.Context, rawURL string) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return f.body + "@" + rawURL, nil
}

func TestURILoader_Schemes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "root.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"find":"x"}`), 0o600))

	f := &fakeFetcher{body: "remote"}
	l := New(f, strings.NewReader("from stdin"))
	ctx := context.Background()

	got, err := l.Load(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, `{"find":"x"}`, got)

	got, err = l.Load(ctx, "file://"+path)
	require.NoError(t, err)
	assert.Equal(t, `{"find":"x"}`, got)

	got, err = l.Load(ctx, "https://example.com/a.json")
	require.NoError(t, err)
	assert.Equal(t, "remote@https://example.com/a.json", got)

	got, err = l.Load(ctx, Stdin)
	require.NoError(t, err)
	assert.Equal(t, "from stdin", got)

	_, err = l.Load(ctx, "ftp://example.com/x")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)

	_, err = l.Load(ctx, filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestURILoader_NoFetcher(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil).Load(context.Background(), "http://example.com")
	assert.Error(t, err)

	got, err := New(nil, nil).Load(context.Background(), Stdin)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestResolve(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name, base, ref, want string
	}{
		{name: "empty_ref", base: "http://a.com/x/y.json", ref: "", want: "http://a.com/x/y.json"},
		{name: "absolute_ref", base: "http://a.com/x/y.json", ref: "https://b.com/z", want: "https://b.com/z"},
		{name: "relative_http", base: "http://a.com/x/y.json", ref: "z.json", want: "http://a.com/x/z.json"},
		{name: "rooted_http", base: "http://a.com/x/y.json", ref: "/z.json", want: "http://a.com/z.json"},
		{name: "relative_file_url", base: "file:///srv/i/root.json", ref: "child.json", want: "file:///srv/i/child.json"},
		{name: "relative_path", base: "/srv/i/root.json", ref: "sub/child.json", want: "/srv/i/sub/child.json"},
		{name: "absolute_path", base: "/srv/i/root.json", ref: "/etc/child.json", want: "/etc/child.json"},
		{name: "stdin_base", base: Stdin, ref: "child.json", want: "child.json"},
		{name: "no_base", base: "", ref: "child.json", want: "child.json"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Resolve(tc.base, tc.ref))
		})
	}
}

func TestCached_LoadsOnce(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{body: "doc"}
	c, err := NewCached(New(f, nil), 4)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, err := c.Load(context.Background(), "http://a.com/x")
		require.NoError(t, err)
		assert.Equal(t, "doc@http://a.com/x", got)
	}
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, 1, c.Len())
}

func TestCached_DoesNotCacheErrors(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{err: errors.New("boom")}
	c, err := NewCached(New(f, nil), 0)
	require.NoError(t, err)

	_, err = c.Load(context.Background(), "http://a.com/x")
	require.Error(t, err)
	_, err = c.Load(context.Background(), "http://a.com/x")
	require.Error(t, err)
	assert.Equal(t, int32(2), f.calls.Load())
	assert.Zero(t, c.Len())
}

func TestCached_StdinReadOnce(t *testing.T) {
	t.Parallel()

	c, err := NewCached(New(nil, strings.NewReader("once")), 2)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		got, err := c.Load(context.Background(), Stdin)
		require.NoError(t, err)
		assert.Equal(t, "once", got)
	}
}
