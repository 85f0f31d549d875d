package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPChecker is healthy when a request to URL answers with a status in
// [StatusMin, StatusMax].
type HTTPChecker struct {
	URL       string
	Method    string
	Headers   map[string]string
	StatusMin int
	StatusMax int
	Client    *http.Client
}

// NewHTTPChecker returns a GET checker accepting 200-399.
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:       url,
		Method:    http.MethodGet,
		Headers:   make(map[string]string),
		StatusMin: 200,
		StatusMax: 399,
		Client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, h.Method, h.URL, nil)
	if err != nil {
		return result(start, false, fmt.Sprintf("bad request: %v", err))
	}
	for k, v := range h.Headers {
		req.Header.Set(k, v)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return result(start, false, fmt.Sprintf("request failed: %v", err))
	}
	resp.Body.Close()

	msg := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	ok := resp.StatusCode >= h.StatusMin && resp.StatusCode <= h.StatusMax
	if !ok {
		msg = fmt.Sprintf("%s (expected %d-%d)", msg, h.StatusMin, h.StatusMax)
	}
	return result(start, ok, msg)
}

func (h *HTTPChecker) Type() CheckType { return CheckTypeHTTP }

// WithStatusRange sets the accepted status codes.
func (h *HTTPChecker) WithStatusRange(min, max int) *HTTPChecker {
	h.StatusMin = min
	h.StatusMax = max
	return h
}

func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.Client.Timeout = timeout
	return h
}
