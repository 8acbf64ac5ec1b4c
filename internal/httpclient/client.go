// Package httpclient is the HTTP transport used by Load instructions and the
// document loader.
//
// It wraps resty with a per-session cookie jar (so preload/login flows carry
// their session into later requests of the same run), bounded redirects,
// optional retries, charset decoding, and streamed reads that can stop early
// on a termination pattern.
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"

	"scrapegraph/internal/logger"
	"scrapegraph/internal/metrics"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/net/publicsuffix"
)

var tracer = otel.Tracer("scrapegraph/httpclient")

// Methods supported by Request.
const (
	MethodGet  = http.MethodGet
	MethodPost = http.MethodPost
	MethodHead = http.MethodHead
)

const (
	defaultUserAgent = "scrapegraph/1.0"
	readChunk        = 32 << 10
	snippetLimit     = 4096
)

// Pair is one ordered name/value entry.
type Pair struct {
	Name  string
	Value string
}

// Request is one HTTP exchange.
type Request struct {
	Method  string
	URL     string
	Headers []Pair
	Cookies []Pair
	// Form is sent url-encoded. Ignored when Body is set.
	Form []Pair
	// Body is sent verbatim when HasBody is true.
	Body    string
	HasBody bool
	// Stop ends the body read as soon as any pattern matches the bytes read
	// so far.
	Stop []*regexp.Regexp
}

// Response is the result of a successful exchange.
type Response struct {
	// URL is the final URL after redirects.
	URL        string
	StatusCode int
	Header     http.Header
	Body       string
	// Stopped reports that a termination pattern ended the read early.
	Stopped bool
	Cookies []*http.Cookie
	Bytes   int64
}

// Options configures a Client.
type Options struct {
	Timeout         time.Duration
	UserAgent       string
	MaxRedirects    int
	MaxConnsPerHost int
	// MaxAttempts includes the first attempt. Values below 1 mean 1.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Charset forces body decoding with the named encoding instead of
	// sniffing the Content-Type header and document.
	Charset string
	// MaxBodyBytes caps the bytes read from one body. 0 means unlimited.
	MaxBodyBytes int64
	// Headers are sent on every request unless overridden per request.
	Headers map[string]string
	// JobName labels HTTP metrics.
	JobName string
	Logger  logger.Logger

	// sleep is a test seam.
	sleep func(ctx context.Context, d time.Duration) bool
}

// Client is safe for concurrent use.
//
// A Client owns one cookie jar. Session returns a Client with its own jar
// over the same connection pool, so independent runs never see each other's
// cookies.
type Client struct {
	rc        *resty.Client
	jar       http.CookieJar
	transport *http.Transport
	opts      Options
	log       logger.Logger
}

// New builds a Client with a fresh cookie jar.
func New(opts Options) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 100
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 2 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 60 * time.Second
	}
	if opts.JobName == "" {
		opts.JobName = "scrapegraph"
	}
	if opts.sleep == nil {
		opts.sleep = sleepContext
	}
	if opts.Charset != "" {
		if _, err := lookupEncoding(opts.Charset); err != nil {
			return nil, err
		}
	}
	return newClient(opts, newTransport(opts.MaxConnsPerHost), logger.OrNop(opts.Logger))
}

// Session returns a Client sharing c's options and connection pool with an
// empty cookie jar of its own.
func (c *Client) Session() (*Client, error) {
	return newClient(c.opts, c.transport, c.log)
}

func newClient(opts Options, tr *http.Transport, log logger.Logger) (*Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}

	rc := resty.New()
	rc.SetTransport(tr)
	rc.SetCookieJar(jar)
	rc.SetRedirectPolicy(resty.FlexibleRedirectPolicy(opts.MaxRedirects))
	rc.SetTimeout(opts.Timeout)
	rc.SetHeader("User-Agent", opts.UserAgent)
	rc.SetHeader("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	rc.SetHeader("Accept-Language", "en-US,en;q=0.5")
	for k, v := range opts.Headers {
		rc.SetHeader(k, v)
	}

	return &Client{rc: rc, jar: jar, transport: tr, opts: opts, log: log}, nil
}

func newTransport(maxConnsPerHost int) *http.Transport {
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: 64,
		MaxConnsPerHost:     maxConnsPerHost,
	}
}

// Jar returns the client's cookie jar.
func (c *Client) Jar() http.CookieJar { return c.jar }

// Get fetches rawURL and returns its decoded body.
func (c *Client) Get(ctx context.Context, rawURL string) (string, error) {
	resp, err := c.Do(ctx, Request{Method: MethodGet, URL: rawURL})
	if err != nil {
		return "", err
	}
	return resp.Body, nil
}

// Do performs req, retrying according to Options.
//
// Errors:
//   - *TransportError for network failures and non-2xx statuses.
//   - ctx errors are returned unwrapped when the context ends mid-flight.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = MethodGet
	}

	u, err := url.Parse(req.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, &TransportError{Method: method, URL: req.URL, Err: ErrInvalidURL}
	}
	if len(req.Cookies) > 0 {
		cookies := make([]*http.Cookie, 0, len(req.Cookies))
		for _, p := range req.Cookies {
			cookies = append(cookies, &http.Cookie{Name: p.Name, Value: p.Value, Path: "/"})
		}
		c.jar.SetCookies(u, cookies)
	}

	ctx, span := tracer.Start(ctx, "httpclient.Do")
	defer span.End()
	span.SetAttributes(attribute.String("http.method", method), attribute.String("http.url", req.URL))

	for attempt := 1; ; attempt++ {
		resp, retryAfter, err := c.attempt(ctx, method, req)
		if err == nil {
			span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			span.SetStatus(codes.Error, "canceled")
			return nil, ctxErr
		}

		var te *TransportError
		if !errors.As(err, &te) || !te.Retryable() || attempt >= c.opts.MaxAttempts {
			span.RecordError(err)
			span.SetStatus(codes.Error, "request failed")
			return nil, err
		}

		wait := nextRetryDelay(te.StatusCode, retryAfter, attempt, c.opts.BaseBackoff, c.opts.MaxBackoff)
		c.log.Warn("http retry",
			logger.String("url", req.URL),
			logger.Int("attempt", attempt),
			logger.Int("status", te.StatusCode),
			logger.Duration("wait", wait),
		)
		if !c.opts.sleep(ctx, wait) {
			return nil, ctx.Err()
		}
	}
}

func (c *Client) attempt(ctx context.Context, method string, req Request) (*Response, time.Duration, error) {
	start := time.Now()

	r := c.rc.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("Referer", req.URL)
	for _, h := range req.Headers {
		r.SetHeader(h.Name, h.Value)
	}
	switch {
	case req.HasBody:
		r.SetBody(req.Body)
	case len(req.Form) > 0:
		form := url.Values{}
		for _, p := range req.Form {
			form.Add(p.Name, p.Value)
		}
		r.SetFormDataFromValues(form)
	}

	resp, err := r.Execute(method, req.URL)
	reqDur := time.Since(start)
	if err != nil {
		metrics.RecordHTTP(c.opts.JobName, 0, err, reqDur, -1, -1)
		return nil, 0, &TransportError{Method: method, URL: req.URL, Err: err}
	}

	raw := resp.RawBody()
	defer func() {
		if raw != nil {
			_ = raw.Close()
		}
	}()

	status := resp.StatusCode()
	final := req.URL
	if rr := resp.RawResponse; rr != nil && rr.Request != nil && rr.Request.URL != nil {
		final = rr.Request.URL.String()
	}

	c.log.Debug("http response",
		logger.String("method", method),
		logger.String("url", req.URL),
		logger.Int("status", status),
		logger.Duration("duration", reqDur),
	)

	if status < 200 || status >= 300 {
		var snippet []byte
		if raw != nil {
			snippet, _ = io.ReadAll(io.LimitReader(raw, snippetLimit))
		}
		err := &TransportError{
			Method:     method,
			URL:        req.URL,
			StatusCode: status,
			Snippet:    strings.TrimSpace(string(snippet)),
		}
		metrics.RecordHTTP(c.opts.JobName, status, err, reqDur, time.Since(start)-reqDur, int64(len(snippet)))
		return nil, parseRetryAfter(resp.Header()), err
	}

	out := &Response{
		URL:        final,
		StatusCode: status,
		Header:     resp.Header(),
	}

	if method != MethodHead && raw != nil {
		body, n, stopped, err := c.readBody(raw, resp.Header().Get("Content-Type"), req.Stop)
		respDur := time.Since(start) - reqDur
		if err != nil {
			metrics.RecordHTTP(c.opts.JobName, status, err, reqDur, respDur, n)
			return nil, 0, &TransportError{Method: method, URL: req.URL, StatusCode: status, Err: fmt.Errorf("read body: %w", err)}
		}
		out.Body, out.Bytes, out.Stopped = body, n, stopped
		metrics.RecordHTTP(c.opts.JobName, status, nil, reqDur, respDur, n)
		if stopped {
			c.log.Debug("http body stopped by pattern", logger.String("url", req.URL), logger.Int64("bytes", n))
		}
	} else {
		metrics.RecordHTTP(c.opts.JobName, status, nil, reqDur, 0, 0)
	}

	if fu, err := url.Parse(final); err == nil {
		out.Cookies = c.jar.Cookies(fu)
	}
	return out, 0, nil
}

// readBody decodes body to UTF-8 and reads it in chunks, checking stop
// patterns against everything read so far after each chunk.
func (c *Client) readBody(body io.Reader, contentType string, stop []*regexp.Regexp) (string, int64, bool, error) {
	if c.opts.MaxBodyBytes > 0 {
		body = io.LimitReader(body, c.opts.MaxBodyBytes)
	}
	counted := &countingReader{r: body}

	dec, err := decodeReader(counted, contentType, c.opts.Charset)
	if err != nil {
		return "", 0, false, err
	}

	var buf bytes.Buffer
	chunk := make([]byte, readChunk)
	for {
		n, rerr := dec.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			for _, re := range stop {
				if re.Match(buf.Bytes()) {
					return buf.String(), counted.n, true, nil
				}
			}
		}
		if rerr == io.EOF {
			return buf.String(), counted.n, false, nil
		}
		if rerr != nil {
			return "", counted.n, false, rerr
		}
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
