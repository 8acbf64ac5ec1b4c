// Package inspect helps author find patterns: it prints the regions of a
// page a CSS selector picks, and what a find would bind in each.
package inspect

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"scrapegraph/internal/instruction"
	"scrapegraph/internal/template"
)

// Options controls Print.
type Options struct {
	// Selector picks regions. Empty means the whole document.
	Selector string
	// TextOnly prints trimmed text instead of outer HTML.
	TextOnly bool
	// Find, when set, runs against each printed region.
	Find *instruction.Find
	// Vars resolves tags in Find. Nil means no bindings.
	Vars template.Lookup
}

// Print writes each selected region followed by a blank line.
func Print(w io.Writer, html string, opts Options) error {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return fmt.Errorf("parse html: %w", err)
	}

	sel := doc.Selection
	if opts.Selector != "" {
		sel = doc.Find(opts.Selector)
	}

	var werr error
	sel.EachWithBreak(func(i int, s *goquery.Selection) bool {
		region := regionOf(s, opts.TextOnly)
		if _, werr = fmt.Fprintln(w, region); werr != nil {
			return false
		}
		if opts.Find != nil {
			if werr = printFind(w, region, opts); werr != nil {
				return false
			}
		}
		_, werr = fmt.Fprintln(w)
		return werr == nil
	})
	return werr
}

func regionOf(s *goquery.Selection, textOnly bool) string {
	if textOnly {
		return strings.TrimSpace(s.Text())
	}
	out, err := goquery.OuterHtml(s)
	if err != nil {
		in, _ := s.Html()
		return in
	}
	return out
}

func printFind(w io.Writer, region string, opts Options) error {
	vars := opts.Vars
	if vars == nil {
		vars = template.MapLookup{}
	}
	res, err := opts.Find.Execute(region, nil, vars)
	var nm *instruction.NoMatchesError
	switch {
	case err == nil:
		for i, v := range res.Values {
			if _, err := fmt.Fprintf(w, "  %s[%d] = %q\n", res.Name, i, v); err != nil {
				return err
			}
		}
		return nil
	case template.IsMissing(err):
		_, err = fmt.Fprintf(w, "  missing: %s\n", strings.Join(template.MissingTags(err), ", "))
		return err
	case errors.As(err, &nm):
		_, err = fmt.Fprintf(w, "  no matches (%d before the window)\n", nm.Matches)
		return err
	default:
		_, err = fmt.Fprintf(w, "  error: %v\n", err)
		return err
	}
}

// Links returns the href of every anchor, resolved against base when base
// parses as an absolute URL. Duplicates are kept in document order.
func Links(html, base string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	var bu *url.URL
	if u, err := url.Parse(base); err == nil && u.IsAbs() {
		bu = u
	}

	var out []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		out = append(out, resolveHref(bu, href))
	})
	return out, nil
}

// resolveHref resolves href against base. An unparsable href is returned
// unchanged.
func resolveHref(base *url.URL, href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if base == nil {
		return u.String()
	}
	return base.ResolveReference(u).String()
}
