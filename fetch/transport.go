package fetch

import (
	"crypto/tls"
	"net/http"
	"strings"
)

// OriginTransport returns a transport that negotiates TLS with the origin using
// originHost as the server name, e.g. when the origin URL is just an IP address.
// Requests to other hosts go through base unchanged.
// If base is nil, http.DefaultTransport is used.
func OriginTransport(base http.RoundTripper, origin string, originHost string) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if originHost == "" {
		return base
	}
	t, ok := base.(*http.Transport)
	if !ok {
		return base
	}
	originT := t.Clone()
	if originT.TLSClientConfig == nil {
		originT.TLSClientConfig = &tls.Config{}
	}
	originT.TLSClientConfig.ServerName = originHost
	return &originRoundTripper{
		originAddr: origin,
		origin:     originT,
		other:      base,
	}
}

type originRoundTripper struct {
	// host[:port] of the origin URL
	originAddr string
	origin     http.RoundTripper
	other      http.RoundTripper
}

func (t *originRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if strings.EqualFold(req.URL.Host, t.originAddr) {
		return t.origin.RoundTrip(req)
	}
	return t.other.RoundTrip(req)
}
