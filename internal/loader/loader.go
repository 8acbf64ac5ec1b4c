// Package loader reads instruction documents by URI: http(s) through a
// Fetcher, file:// and bare paths from disk, and "-" from stdin.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
)

// Stdin is the URI that reads the process's standard input.
const Stdin = "-"

// ErrUnsupportedScheme is returned for URIs other than http, https and file.
var ErrUnsupportedScheme = errors.New("unsupported uri scheme")

// Loader returns the text found at uri.
type Loader interface {
	Load(ctx context.Context, uri string) (string, error)
}

// Fetcher retrieves remote documents. *httpclient.Client satisfies it.
type Fetcher interface {
	Get(ctx context.Context, rawURL string) (string, error)
}

// URILoader dispatches on the URI scheme.
type URILoader struct {
	fetch Fetcher
	stdin io.Reader

	readFile func(string) ([]byte, error)
}

var _ Loader = (*URILoader)(nil)

// New creates a URILoader. A nil fetch rejects remote URIs; a nil stdin
// reads "-" as empty.
func New(fetch Fetcher, stdin io.Reader) *URILoader {
	return &URILoader{fetch: fetch, stdin: stdin, readFile: os.ReadFile}
}

// Load returns the document at uri.
//
// Edge cases:
//   - "-" consumes stdin; a second read returns what is left (usually "").
//     Wrap in Cached to read it once.
//   - Windows-style drive paths are treated as bare paths.
func (l *URILoader) Load(ctx context.Context, uri string) (string, error) {
	uri = strings.TrimSpace(uri)
	if uri == Stdin {
		if l.stdin == nil {
			return "", nil
		}
		b, err := io.ReadAll(l.stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(b), nil
	}

	switch scheme(uri) {
	case "http", "https":
		if l.fetch == nil {
			return "", fmt.Errorf("load %s: no http fetcher configured", uri)
		}
		body, err := l.fetch.Get(ctx, uri)
		if err != nil {
			return "", fmt.Errorf("load %s: %w", uri, err)
		}
		return body, nil
	case "file":
		u, err := url.Parse(uri)
		if err != nil {
			return "", fmt.Errorf("load %s: %w", uri, err)
		}
		return l.file(u.Path)
	case "":
		return l.file(uri)
	default:
		return "", fmt.Errorf("load %s: %w", uri, ErrUnsupportedScheme)
	}
}

func (l *URILoader) file(path string) (string, error) {
	b, err := l.readFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(b), nil
}

// scheme returns the lowercased scheme of uri, or "" for bare paths.
func scheme(uri string) string {
	i := strings.Index(uri, "://")
	if i <= 1 {
		return ""
	}
	s := strings.ToLower(uri[:i])
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.') {
			return ""
		}
	}
	return s
}
