package upstream

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

type Options struct {
	InsecureSkipVerify bool
	DialTimeout        time.Duration
	// ResponseHeaderTimeout bounds how long an origin may think before it is
	// treated as unreachable. Zero leaves it to the dial and TLS timeouts.
	ResponseHeaderTimeout time.Duration
}

// NewTransport returns the origin transport: pooled, HTTP/2 capable, proxy
// aware.
func NewTransport(opts Options) (*http.Transport, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 30 * time.Second
	}

	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: opts.InsecureSkipVerify,
		},
		DialContext: (&net.Dialer{
			Timeout:   opts.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     true,
	}
	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, fmt.Errorf("http2.ConfigureTransport failed: %w", err)
	}
	return tr, nil
}
