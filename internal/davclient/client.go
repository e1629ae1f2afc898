// Package davclient talks WebDAV to the server behind the mount: metadata
// discovery with PROPFIND and HEAD, content transfer with GET and PUT, the
// namespace mutations, and class 2 locking.
package davclient

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	derrors "github.com/javi11/davmount/internal/errors"
	"github.com/javi11/davmount/internal/httpclient"
	"github.com/javi11/davmount/internal/pathutil"
)

const defaultUserAgent = "davmount"

// Client is a WebDAV client bound to one server. Every method takes
// canonical keys and escapes them itself.
type Client struct {
	base            *url.URL
	http            *http.Client
	username        string
	password        string
	followRedirects bool
	userAgent       string
	logger          *slog.Logger
	locks           *Locker
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client. It must not follow
// redirects on its own.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithCredentials enables basic authentication.
func WithCredentials(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithFollowRedirects controls whether a same-host redirect is followed.
func WithFollowRedirects(follow bool) Option {
	return func(c *Client) {
		c.followRedirects = follow
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a client for the server hosting rawURL. Only the scheme and
// host are kept; request paths come from the keys passed to each method.
func New(rawURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, derrors.NewInvalidPath(rawURL, err.Error())
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, derrors.NewInvalidPath(rawURL, "scheme must be http or https")
	}
	if u.Host == "" {
		return nil, derrors.NewInvalidPath(rawURL, "missing host")
	}

	c := &Client{
		base:            &url.URL{Scheme: u.Scheme, Host: u.Host},
		followRedirects: true,
		userAgent:       defaultUserAgent,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = httpclient.New(httpclient.WithoutAutoRedirect())
	}
	c.locks = newLocker(c)

	return c, nil
}

// Locks returns the lock table of the client.
func (c *Client) Locks() *Locker {
	return c.locks
}

// URL returns the absolute URL of key.
func (c *Client) URL(key string, collection bool) *url.URL {
	p := key
	if collection && key != pathutil.Root {
		p += "/"
	}
	u := *c.base
	u.Path = p
	u.RawPath = pathutil.Escape(p)
	return &u
}

type request struct {
	method     string
	key        string
	collection bool
	header     http.Header
	body       io.ReaderAt
	size       int64
}

// do sends req and returns the first non-redirect response. A redirect to
// the same host is followed once; anything else ends the request with a
// KindRedirected error. The caller owns the response body.
func (c *Client) do(ctx context.Context, req request) (*http.Response, error) {
	target := c.URL(req.key, req.collection)

	for hop := 0; ; hop++ {
		resp, err := c.send(ctx, req, target)
		if err != nil {
			return nil, derrors.NewWebdavError(derrors.KindTransport, req.method, req.key, 0, err)
		}
		if !isRedirect(resp.StatusCode) {
			return resp, nil
		}

		loc := resp.Header.Get("Location")
		status := resp.StatusCode
		drain(resp)
		if loc == "" {
			return nil, derrors.NewWebdavError(derrors.KindTransport, req.method, req.key, status,
				fmt.Errorf("redirect without location"))
		}

		next, err := target.Parse(loc)
		if err != nil {
			return nil, derrors.NewWebdavError(derrors.KindRedirected, req.method, req.key, status, err)
		}
		if !c.followRedirects || hop > 0 || !strings.EqualFold(next.Hostname(), target.Hostname()) {
			return nil, derrors.NewWebdavError(derrors.KindRedirected, req.method, req.key, status,
				fmt.Errorf("redirect to %s", loc))
		}

		c.logger.DebugContext(ctx, "Following redirect", "method", req.method, "path", req.key, "location", next.String())
		target = next
	}
}

func (c *Client) send(ctx context.Context, req request, target *url.URL) (*http.Response, error) {
	var body io.Reader = http.NoBody
	if req.body != nil && req.size > 0 {
		body = io.NewSectionReader(req.body, 0, req.size)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, target.String(), body)
	if err != nil {
		return nil, err
	}
	if req.body != nil && req.size > 0 {
		httpReq.ContentLength = req.size
		httpReq.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(io.NewSectionReader(req.body, 0, req.size)), nil
		}
	}

	for k, v := range req.header {
		httpReq.Header[k] = v
	}
	httpReq.Header.Set("User-Agent", c.userAgent)
	if c.username != "" {
		httpReq.SetBasicAuth(c.username, c.password)
	}

	return c.http.Do(httpReq)
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// statusError maps a non-success HTTP status to a WebdavError.
func statusError(method, key string, status int) error {
	kind := derrors.KindTransport
	switch status {
	case http.StatusNotFound, http.StatusGone:
		kind = derrors.KindNotFound
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusLocked, http.StatusPreconditionFailed:
		kind = derrors.KindForbidden
	case http.StatusConflict:
		kind = derrors.KindConflict
	}
	return derrors.NewWebdavError(kind, method, key, status, nil)
}

func checkStatus(resp *http.Response, method, key string, ok ...int) error {
	for _, s := range ok {
		if resp.StatusCode == s {
			return nil
		}
	}
	return statusError(method, key, resp.StatusCode)
}

// drain discards the rest of the body so the connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	_ = resp.Body.Close()
}
