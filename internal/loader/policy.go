package loader

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// ErrNotAllowed is returned for URIs a Policy rejects.
var ErrNotAllowed = errors.New("uri not allowed")

// Policy limits which URIs may be loaded or requested. The zero Policy
// allows everything.
type Policy struct {
	// Schemes lists allowed schemes, for example http and https. Bare paths
	// and "-" count as file. Empty allows every scheme.
	Schemes []string
	// Hosts lists allowed hosts for http and https URIs. "*.example.com"
	// matches any subdomain of example.com. Empty allows every host.
	Hosts []string
}

// IsZero reports whether p allows everything.
func (p Policy) IsZero() bool { return len(p.Schemes) == 0 && len(p.Hosts) == 0 }

// Check returns an error wrapping ErrNotAllowed when p rejects uri.
func (p Policy) Check(uri string) error {
	if p.IsZero() {
		return nil
	}
	uri = strings.TrimSpace(uri)
	s := scheme(uri)
	if s == "" {
		s = "file"
	}
	if len(p.Schemes) > 0 && !slices.ContainsFunc(p.Schemes, func(a string) bool { return strings.EqualFold(a, s) }) {
		return fmt.Errorf("%s: scheme %q: %w", uri, s, ErrNotAllowed)
	}
	if len(p.Hosts) == 0 || (s != "http" && s != "https") {
		return nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("%s: %w", uri, err)
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range p.Hosts {
		h = strings.ToLower(h)
		if suffix, ok := strings.CutPrefix(h, "*."); ok {
			if strings.HasSuffix(host, "."+suffix) {
				return nil
			}
			continue
		}
		if host == h {
			return nil
		}
	}
	return fmt.Errorf("%s: host %q: %w", uri, host, ErrNotAllowed)
}

// Restrict returns a Loader that refuses URIs outside p before reaching l.
func Restrict(l Loader, p Policy) Loader {
	if p.IsZero() {
		return l
	}
	return &restricted{next: l, policy: p}
}

type restricted struct {
	next   Loader
	policy Policy
}

func (r *restricted) Load(ctx context.Context, uri string) (string, error) {
	if err := r.policy.Check(uri); err != nil {
		return "", fmt.Errorf("load %w", err)
	}
	return r.next.Load(ctx, uri)
}
