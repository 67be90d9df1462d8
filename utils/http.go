package utils

import (
	"net/http"
	"time"
)

// NewHTTPClient returns the client used for calls to the scorer and the
// gateway. Per-call deadlines come from the request context.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
