// Package transport issues the HEAD/GET requests a download item needs:
// capability probing and range-decorated byte streams, wrapped in
// github.com/hashicorp/go-retryablehttp for transient-failure retry.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// DefaultUserAgent is a fixed desktop browser string, since some origins
// reject unrecognized clients outright.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// ErrorKind tags a transport failure with one of the taxonomy's kinds.
type ErrorKind string

const (
	KindInvalidUrl    ErrorKind = "InvalidUrl"
	KindDns           ErrorKind = "Dns"
	KindConnect       ErrorKind = "Connect"
	KindTimeout       ErrorKind = "Timeout"
	KindHttpStatus    ErrorKind = "HttpStatus"
	KindCancelled     ErrorKind = "Cancelled"
	KindIo            ErrorKind = "Io"
	KindCorrupt       ErrorKind = "Corrupt"
	KindHelperMissing ErrorKind = "HelperMissing"
	KindHelperFailed  ErrorKind = "HelperFailed"
)

// Error is a tagged transport failure.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Kind == KindHttpStatus {
		return fmt.Sprintf("%s{%d}", e.Kind, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func tagged(kind ErrorKind, err error) *Error { return &Error{Kind: kind, Err: err} }

// IsCancelled reports whether err is (or wraps) a Cancelled transport error.
func IsCancelled(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == KindCancelled
	}
	return false
}

// ProbeResult is the outcome of a capability probe.
type ProbeResult struct {
	TotalSize     int64
	SupportsRange bool
}

// Client issues probe/get operations against remote resources. The zero
// value is not usable; use New.
type Client struct {
	http *http.Client
}

// New builds a Client with a tuned Transport in the style of
// multistream.go's MultiStreamDownload: modest idle-conn reuse, HTTP/2
// attempted, compression left to the caller so Content-Length stays exact.
// proxyURL, if non-empty, routes every request through that proxy.
func New(proxyURL string) (*Client, error) {
	transport := &http.Transport{
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		DisableCompression:  true,
		WriteBufferSize:     128 * 1024,
		ReadBufferSize:      128 * 1024,
	}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, tagged(KindInvalidUrl, err)
		}
		transport.Proxy = http.ProxyURL(u)
	} else {
		transport.Proxy = http.ProxyFromEnvironment
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient.Transport = transport
	rc.HTTPClient.Timeout = 0 // per-request idle timeout is enforced via context, not a hard client deadline
	rc.RetryMax = 2
	rc.Logger = nil

	return &Client{http: rc.StandardClient()}, nil
}

// Probe issues a HEAD request and extracts size/range-capability from
// Content-Length and a case-insensitive "bytes" in Accept-Ranges. Any HEAD
// failure (including non-2xx or a missing length) resolves to
// single-segment mode; callers should treat a returned error as "fall
// back to GET", not a fatal item error, except for InvalidUrl which is
// always fatal.
func (c *Client) Probe(ctx context.Context, rawURL string) (ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return ProbeResult{}, tagged(KindInvalidUrl, err)
	}
	decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return ProbeResult{}, classifyNetErr(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ProbeResult{}, &Error{Kind: KindHttpStatus, StatusCode: resp.StatusCode, Err: fmt.Errorf("HEAD status %d", resp.StatusCode)}
	}

	supportsRange := strings.Contains(strings.ToLower(resp.Header.Get("Accept-Ranges")), "bytes")
	total := int64(-1)
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			total = n
		}
	}
	if total <= 0 {
		// No usable length: treat the same as a HEAD failure, needing GET fallback.
		return ProbeResult{TotalSize: 0, SupportsRange: false}, tagged(KindHttpStatus, fmt.Errorf("HEAD missing Content-Length"))
	}
	return ProbeResult{TotalSize: total, SupportsRange: supportsRange}, nil
}

// Stream is an open byte stream from a GET, plus the declared length if any.
type Stream struct {
	Body          io.ReadCloser
	ContentLength int64 // -1 if unknown
	StatusCode    int
}

// Get issues a GET, optionally with a byte range [start, end). end < 0
// means "to EOF" (an open-ended range, used for resuming single-segment
// downloads: "Range: bytes=${downloaded_size}-").
func (c *Client) Get(ctx context.Context, rawURL string, start, end int64) (*Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, tagged(KindInvalidUrl, err)
	}
	decorate(req)
	if start > 0 || end >= 0 {
		if end >= 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end-1))
		} else {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyNetErr(err)
	}

	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, &Error{Kind: KindHttpStatus, StatusCode: resp.StatusCode, Err: fmt.Errorf("GET status %d", resp.StatusCode)}
	}
	// A range request answered with plain 200 means the server ignored the
	// range header; multi-segment callers must detect this themselves
	// (writes landing past segment.End), since a single 200 here is not
	// inherently wrong for a single-segment request.
	return &Stream{Body: resp.Body, ContentLength: resp.ContentLength, StatusCode: resp.StatusCode}, nil
}

func decorate(req *http.Request) {
	req.Header.Set("User-Agent", DefaultUserAgent)
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
}

func classifyNetErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return tagged(KindCancelled, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return tagged(KindTimeout, err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return tagged(KindDns, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return tagged(KindConnect, err)
	}
	return tagged(KindIo, err)
}
