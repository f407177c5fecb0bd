// Package fetch issues network requests on behalf of the proxy and captures
// the results as immutable response values.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Type classifies a response by how much of it the requesting page may see.
type Type string

const (
	// TypeBasic is a same-origin response.
	TypeBasic Type = "basic"
	// TypeCORS is a cross-origin response the origin explicitly shared with us.
	TypeCORS Type = "cors"
	// TypeOpaque is a cross-origin response whose content cannot be validated.
	TypeOpaque Type = "opaque"
)

// Response is a fully read network response.
// The body is owned by the response; use Clone before handing a copy
// to code that may modify it.
type Response struct {
	URL        string
	Type       Type
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the status code is in the 2xx range.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Clone returns a deep copy of the response.
func (r *Response) Clone() *Response {
	c := *r
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = http.Header{}
	}
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

// Fetcher performs a network request for the given request.
// Implementations must be safe for concurrent use.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*Response, error)
}

// HTTPFetcher fetches over HTTP using an http.Client.
// Origin-relative requests are resolved against the origin URL.
type HTTPFetcher struct {
	client *http.Client
	origin url.URL
	// Host header to send to the origin, if it differs from the origin URL host.
	originHost string
}

// NewHTTPFetcher returns a fetcher for the given origin.
// If client is nil, http.DefaultClient is used.
func NewHTTPFetcher(origin url.URL, originHost string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{
		client:     client,
		origin:     origin,
		originHost: originHost,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req *http.Request) (*Response, error) {
	target := Resolve(f.origin, req.URL)
	var body io.Reader
	if req.Method != http.MethodGet && req.Method != http.MethodHead && req.Body != nil {
		body = req.Body
	}
	upReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	copyHeader(upReq.Header, req.Header)
	if f.originHost != "" && SameOrigin(f.origin, target) {
		upReq.Host = f.originHost
	}

	upRes, err := f.client.Do(upReq)
	if err != nil {
		return nil, err
	}
	defer upRes.Body.Close()
	b, err := io.ReadAll(upRes.Body)
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", target, err)
	}
	return &Response{
		URL:        target.String(),
		Type:       Classify(f.origin, target, upRes.Header),
		StatusCode: upRes.StatusCode,
		Header:     upRes.Header,
		Body:       b,
	}, nil
}

// Resolve returns the absolute URL of u, using origin for relative URLs.
// The fragment is dropped.
func Resolve(origin url.URL, u *url.URL) *url.URL {
	var abs *url.URL
	if u.IsAbs() {
		c := *u
		abs = &c
	} else {
		abs = origin.ResolveReference(&url.URL{Path: u.Path, RawPath: u.RawPath, RawQuery: u.RawQuery})
	}
	abs.Fragment = ""
	abs.RawFragment = ""
	return abs
}

// SameOrigin reports whether u has the same scheme and host as origin.
func SameOrigin(origin url.URL, u *url.URL) bool {
	return strings.EqualFold(origin.Scheme, u.Scheme) && strings.EqualFold(origin.Host, u.Host)
}

// Classify determines the response type for a response to target.
// Cross-origin responses are cors only when Access-Control-Allow-Origin
// shares them with everybody or with the origin.
func Classify(origin url.URL, target *url.URL, header http.Header) Type {
	if SameOrigin(origin, target) {
		return TypeBasic
	}
	allowed := strings.TrimSpace(header.Get("Access-Control-Allow-Origin"))
	if allowed == "*" || strings.EqualFold(allowed, origin.Scheme+"://"+origin.Host) {
		return TypeCORS
	}
	return TypeOpaque
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// an upstream proxy may add these, some origins do not like them
		if k == "X-Forwarded-For" || k == "X-Forwarded-Proto" || k == "X-Forwarded-Host" {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}

// NewResponse is a convenience for building responses in fakes and tests.
func NewResponse(rawURL string, typ Type, statusCode int, body string) *Response {
	return &Response{
		URL:        rawURL,
		Type:       typ,
		StatusCode: statusCode,
		Header:     http.Header{"Content-Length": []string{fmt.Sprint(len(body))}},
		Body:       bytes.Clone([]byte(body)),
	}
}
