// Package httpkit provides shared HTTP client construction for all
// outbound calls (LLM providers, embeddings). It enforces consistent
// timeouts and connection pooling across packages.
package httpkit

import (
	"io"
	"net"
	"net/http"
	"time"
)

const (
	dialTimeout         = 10 * time.Second
	keepAlive           = 30 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
	idleConnTimeout     = 90 * time.Second
	maxIdleConns        = 20
	maxIdleConnsPerHost = 5
)

// NewClient returns an http.Client with pooled transport defaults and the
// given overall request timeout. A zero timeout disables it.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   dialTimeout,
				KeepAlive: keepAlive,
			}).DialContext,
			TLSHandshakeTimeout: tlsHandshakeTimeout,
			IdleConnTimeout:     idleConnTimeout,
			MaxIdleConns:        maxIdleConns,
			MaxIdleConnsPerHost: maxIdleConnsPerHost,
		},
	}
}

// ReadErrorBody reads at most limit bytes of an error response body for
// inclusion in an error message.
func ReadErrorBody(r io.Reader, limit int64) string {
	b, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return ""
	}
	return string(b)
}
