package loader

import (
	"net/url"
	"path/filepath"
	"strings"
)

// Resolve returns ref made absolute against base, the URI of the document
// that mentions it.
//
// Remote and file:// bases resolve like hrefs. Bare-path bases resolve
// relative to their directory. An absolute ref, or an empty or stdin base,
// is returned unchanged.
func Resolve(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return base
	}
	if scheme(ref) != "" || base == "" || base == Stdin {
		return ref
	}

	if scheme(base) != "" {
		b, err := url.Parse(base)
		if err != nil {
			return ref
		}
		r, err := url.Parse(ref)
		if err != nil {
			return ref
		}
		return b.ResolveReference(r).String()
	}

	if filepath.IsAbs(ref) {
		return ref
	}
	return filepath.Join(filepath.Dir(base), ref)
}
