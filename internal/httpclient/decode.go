package httpclient

import (
	"fmt"
	"io"
	"mime"
	"strings"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

func lookupEncoding(name string) (encoding.Encoding, error) {
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unknown charset %q: %w", name, err)
	}
	return enc, nil
}

// decodeReader returns r converted to UTF-8. A forced charset wins over the
// Content-Type header. Without either, the first KB is sniffed, which blocks
// until that much arrives or the body ends.
func decodeReader(r io.Reader, contentType, forced string) (io.Reader, error) {
	name := forced
	if name == "" {
		if _, params, err := mime.ParseMediaType(contentType); err == nil {
			name = strings.TrimSpace(params["charset"])
		}
	}
	if name != "" {
		enc, err := lookupEncoding(name)
		if err != nil {
			if forced != "" {
				return nil, err
			}
		} else {
			if enc == unicode.UTF8 {
				return r, nil
			}
			return transform.NewReader(r, enc.NewDecoder()), nil
		}
	}

	dec, err := charset.NewReader(r, contentType)
	if err != nil {
		return nil, fmt.Errorf("charset: %w", err)
	}
	return dec, nil
}
