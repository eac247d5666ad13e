// Package metadataclient talks to the instance metadata service: a fixed
// link-local HTTP endpoint reachable only from inside a cloud instance.
package metadataclient

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// DefaultAddr is the well-known link-local address of the metadata service.
const DefaultAddr = "169.254.169.254"

// DefaultTimeout bounds every request; the metadata service is local and has
// no business taking longer than this.
const DefaultTimeout = time.Second

// Client is a constrained HTTP client for the metadata service. It performs
// plain HTTP GET/HEAD requests only, never follows redirects, never uses a
// proxy, and opens a fresh connection for every invocation of the process
// (DisableKeepAlives), matching the short-lived, single-shot nature of each
// agent invocation.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client against addr (host or host:port) with the given
// per-request timeout. An empty addr defaults to DefaultAddr.
func New(addr string, timeout time.Duration) *Client {
	if addr == "" {
		addr = DefaultAddr
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: "http://" + addr + "/latest",
		http: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
			Transport: &http.Transport{
				Proxy:             nil,
				DisableKeepAlives: true,
				DialContext: (&net.Dialer{
					Timeout: timeout,
				}).DialContext,
			},
		},
	}
}

// Error is a terminal, non-404 failure of a metadata fetch: a transport
// error, a redirect, or a non-200/404 status.
type Error struct {
	Path   string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("metadata fetch %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("metadata fetch %s: unexpected status %d", e.Path, e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

// Fetch issues a GET against path (relative to /latest). It returns
// (body, true, nil) on HTTP 200, (nil, false, nil) on HTTP 404, and a
// non-nil *Error for anything else, including transport failures.
func (c *Client) Fetch(ctx context.Context, path string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, false, &Error{Path: path, Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, &Error{Path: path, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, false, &Error{Path: path, Err: err}
		}
		return body, true, nil
	case http.StatusNotFound:
		return nil, false, nil
	default:
		return nil, false, &Error{Path: path, Status: resp.StatusCode}
	}
}

// HeadStatus issues a HEAD against path and returns only the status code.
func (c *Client) HeadStatus(ctx context.Context, path string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+path, nil)
	if err != nil {
		return 0, &Error{Path: path, Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, &Error{Path: path, Err: err}
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
