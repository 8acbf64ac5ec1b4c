package sqlite

import (
	"context"
	"testing"
	"time"

	"scrapegraph/internal/scope"
	"scrapegraph/internal/sink"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T) *Sink {
	t.Helper()
	s, err := Open(context.Background(), "file::memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSink_PersistsEvents(t *testing.T) {
	t.Parallel()

	s := openMemory(t)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	ctx := context.Background()

	require.NoError(t, s.OnBinding(ctx, "root", "q", "first"))
	require.NoError(t, s.OnBinding(ctx, "root", "q", "second"))
	require.NoError(t, s.OnNewScope(ctx, "root", "c1", "item"))
	require.NoError(t, s.OnNewScope(ctx, "root", "c1", "item"))
	require.NoError(t, s.OnNewScope(ctx, "root", "c2", "item"))
	require.NoError(t, s.OnBinding(ctx, "c1", "item", "a"))

	got, err := s.Bindings(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"q": "second"}, got)

	kids, err := s.Children(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, []scope.ID{"c1", "c2"}, kids)

	_, _, ok, err := s.Run(ctx, "root")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.OnRunComplete(ctx, "root", sink.Summary{Succeeded: 1, Stuck: 2}))
	require.NoError(t, s.OnRunComplete(ctx, "root", sink.Summary{Succeeded: 3}))
	sum, at, ok, err := s.Run(ctx, "root")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sink.Summary{Succeeded: 3}, sum)
	assert.True(t, at.Equal(fixed))
}

func TestRegistry_OpensSQLite(t *testing.T) {
	t.Parallel()

	s, err := sink.New(context.Background(), sink.Config{Kind: "sqlite", DSN: "file::memory:"})
	require.NoError(t, err)
	require.NoError(t, s.OnBinding(context.Background(), "r", "a", "1"))
	require.NoError(t, s.Close())

	_, err = sink.New(context.Background(), sink.Config{Kind: "sqlite"})
	assert.Error(t, err)
}

func TestParseSQLiteTime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "2026-01-27T12:17:08.123456789Z", want: "2026-01-27T12:17:08.123456789Z"},
		{in: "2026-01-27 12:17:08+00:00", want: "2026-01-27T12:17:08Z"},
		{in: "2026-01-27 12:17:08", want: "2026-01-27T12:17:08Z"},
		{in: "not-a-time", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseSQLiteTime(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Format(time.RFC3339Nano))
		})
	}
}
