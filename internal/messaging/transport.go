package messaging

import (
	"context"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// DefaultBaseURL is the provider's REST endpoint.
const DefaultBaseURL = "https://api.twilio.com"

// NewHTTPClient returns the pooled client both transports share. The
// timeout is the only bound on a hanging provider call.
func NewHTTPClient(timeout time.Duration) *http.Client {
	c := cleanhttp.DefaultPooledClient()
	c.Timeout = timeout
	return c
}

// contextTransport attaches ctx to requests built without one.
type contextTransport struct {
	ctx  context.Context
	next http.RoundTripper
}

func (t contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.next.RoundTrip(req.WithContext(t.ctx))
}

// rebaseTransport points requests at another scheme and host, so the SDK
// can be aimed at a regional edge or a test server.
type rebaseTransport struct {
	base *url.URL
	next http.RoundTripper
}

func (t rebaseTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.URL.Scheme = t.base.Scheme
	r.URL.Host = t.base.Host
	r.Host = t.base.Host
	return t.next.RoundTrip(r)
}

func roundTripper(c *http.Client) http.RoundTripper {
	if c != nil && c.Transport != nil {
		return c.Transport
	}
	return http.DefaultTransport
}

// scoped copies c with ctx attached to every request and, when baseURL
// is not the provider default, rebased onto it.
func scoped(ctx context.Context, c *http.Client, baseURL string) *http.Client {
	next := roundTripper(c)
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" && baseURL != DefaultBaseURL {
		next = rebaseTransport{base: u, next: next}
	}

	out := &http.Client{Transport: contextTransport{ctx: ctx, next: next}}
	if c != nil {
		out.Timeout = c.Timeout
		out.CheckRedirect = c.CheckRedirect
		out.Jar = c.Jar
	}
	return out
}

// writeTracker notes when a request has been fully written to the wire.
type writeTracker struct {
	wrote atomic.Bool
}

func (w *writeTracker) trace(ctx context.Context) context.Context {
	return httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				w.wrote.Store(true)
			}
		},
	})
}

func (w *writeTracker) sent() bool {
	return w.wrote.Load()
}
