// Package httpclient builds the HTTP client used to fetch third-party pages.
//
// Redirect targets are validated like the original request and bounded in
// number. With BlockPrivateIP, hosts that resolve to loopback, private or
// link-local space are refused at dial time, so a listing that links to an
// internal address cannot reach the deployment network.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/4liaghaie/scraper-dashboard/errors"
)

// Options configures a Client
type Options struct {
	Timeout         time.Duration // whole-request timeout, 0 = none (callers pass a context deadline)
	MaxRedirects    int           // default 10
	BlockPrivateIP  bool
	MaxConnsPerHost int
}

// Client wraps http.Client with URL validation
type Client struct {
	*http.Client
	blockPrivateIP bool
	maxRedirects   int
}

// New creates a client
func New(opts Options) *Client {
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 10
	}
	c := &Client{
		blockPrivateIP: opts.BlockPrivateIP,
		maxRedirects:   opts.MaxRedirects,
	}

	dialer := &net.Dialer{Timeout: 15 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		MaxConnsPerHost:       opts.MaxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	if opts.BlockPrivateIP {
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, errors.Wrap(err, "invalid address")
			}
			ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to resolve host %q", host)
			}
			for _, ip := range ips {
				if IsPrivateAddr(ip) {
					return nil, errors.Newf("private address blocked: %s", ip)
				}
			}
			// dial the vetted address so a second lookup cannot rebind
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
		}
	}

	c.Client = &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= c.maxRedirects {
				return errors.Newf("stopped after %d redirects", c.maxRedirects)
			}
			return errors.Wrap(c.Validate(req.URL), "redirect blocked")
		},
	}
	return c
}

// Wrap adopts an existing http.Client (httptest servers) without address checks
func Wrap(client *http.Client) *Client {
	return &Client{Client: client, maxRedirects: 10}
}

// Validate checks a URL before it is requested
func (c *Client) Validate(u *url.URL) error {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return errors.Newf("scheme %q not allowed", u.Scheme)
	}
	if u.User != nil {
		return errors.New("URL carries credentials")
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("URL missing hostname")
	}
	if !c.blockPrivateIP {
		return nil
	}
	if isLocalhost(host) {
		return errors.New("localhost access blocked")
	}
	if ip, err := netip.ParseAddr(host); err == nil && IsPrivateAddr(ip) {
		return errors.Newf("private address blocked: %s", host)
	}
	return nil
}

// Do validates the request URL and executes it
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := c.Validate(req.URL); err != nil {
		return nil, errors.Wrap(err, "request blocked")
	}
	return c.Client.Do(req)
}

var documentationPrefix = netip.MustParsePrefix("2001:db8::/32")

// IsPrivateAddr reports loopback, private, link-local, multicast,
// unspecified and reserved addresses
func IsPrivateAddr(ip netip.Addr) bool {
	ip = ip.Unmap()
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	if ip.Is4() {
		b := ip.As4()
		// 0.0.0.0/8 and 240.0.0.0/4
		return b[0] == 0 || b[0] >= 240
	}
	if documentationPrefix.Contains(ip) {
		return true
	}
	// fec0::/10 site-local
	b := ip.As16()
	return b[0] == 0xfe && b[1]&0xc0 == 0xc0
}

func isLocalhost(host string) bool {
	host = strings.ToLower(host)
	return host == "localhost" || host == "localhost.localdomain" || strings.HasSuffix(host, ".localhost")
}
