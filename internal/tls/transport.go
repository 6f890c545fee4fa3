package tls

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// HTTPClientOptions configures NewHTTPClient.
type HTTPClientOptions struct {
	Timeout time.Duration
	TLS     ClientConfig
	// ForceHTTP2 enables HTTP/2 on the transport even without TLS.
	ForceHTTP2 bool
	// Headers are added to every request that does not already set them.
	Headers map[string]string
}

// NewHTTPClient returns an HTTP client with pooled connections, optional TLS,
// HTTP/2 when TLS is on or forced, and static headers.
func NewHTTPClient(opts HTTPClientOptions) (*http.Client, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     opts.ForceHTTP2,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	tlsConfig, err := NewClientTLSConfig(opts.TLS)
	if err != nil {
		return nil, err
	}
	transport.TLSClientConfig = tlsConfig

	if opts.ForceHTTP2 || tlsConfig != nil {
		h2, err := http2.ConfigureTransports(transport)
		if err != nil {
			return nil, fmt.Errorf("configure http2: %w", err)
		}
		h2.ReadIdleTimeout = 30 * time.Second
		h2.PingTimeout = 15 * time.Second
	}

	var rt http.RoundTripper = transport
	if len(opts.Headers) > 0 {
		rt = &headerTransport{headers: opts.Headers, base: transport}
	}
	return &http.Client{Transport: rt, Timeout: opts.Timeout}, nil
}

type headerTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	return t.base.RoundTrip(req)
}
