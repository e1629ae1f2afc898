// Package httpclient provides the HTTP client factory used for WebDAV traffic.
package httpclient

import (
	"crypto/tls"
	"net/http"
	"time"
)

// DefaultTimeout bounds every request unless configured otherwise. Large
// GET and PUT transfers run under the same bound, so it should be raised
// for slow links rather than disabled.
const DefaultTimeout = 30 * time.Second

// Options configures an HTTP client.
type Options struct {
	Timeout        time.Duration
	InsecureTLS    bool
	NoAutoRedirect bool
}

// Option is a functional option for configuring HTTP clients.
type Option func(*Options)

// WithTimeout sets the client timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}

// WithInsecureTLS disables server certificate verification.
func WithInsecureTLS(insecure bool) Option {
	return func(o *Options) {
		o.InsecureTLS = insecure
	}
}

// WithoutAutoRedirect makes the client hand every 3xx response back to the
// caller instead of following it.
func WithoutAutoRedirect() Option {
	return func(o *Options) {
		o.NoAutoRedirect = true
	}
}

// New creates an HTTP client. The timeout defaults to DefaultTimeout.
func New(opts ...Option) *http.Client {
	cfg := &Options{
		Timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	client := &http.Client{
		Timeout: cfg.Timeout,
	}

	if cfg.InsecureTLS {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if transport.TLSClientConfig == nil {
			transport.TLSClientConfig = &tls.Config{}
		}
		transport.TLSClientConfig.InsecureSkipVerify = true //nolint:gosec // opt-in via webdav.insecure_tls
		client.Transport = transport
	}

	if cfg.NoAutoRedirect {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	return client
}
