// Package fetch performs outbound HTTP(S) requests on the host while
// refusing any destination that resolves to a private, loopback, link-local,
// or otherwise reserved address. Every redirect hop is re-validated, and the
// connection path dials only addresses that passed validation, so a DNS
// answer cannot change between check and connect.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Sentinel errors returned by Fetch.
var (
	// ErrBadScheme indicates a scheme other than http or https.
	ErrBadScheme = errors.New("fetch: scheme must be http or https")

	// ErrBadURL indicates an unparseable URL or one carrying userinfo.
	ErrBadURL = errors.New("fetch: bad url")

	// ErrDNSFailed indicates the host did not resolve.
	ErrDNSFailed = errors.New("fetch: dns resolution failed")

	// ErrBlockedAddress indicates the host resolved to a blocked range.
	ErrBlockedAddress = errors.New("fetch: destination address blocked")

	// ErrRedirectBlocked indicates a redirect hop failed validation or the
	// hop limit was exceeded.
	ErrRedirectBlocked = errors.New("fetch: redirect blocked")

	// ErrTimeout indicates the total time budget expired.
	ErrTimeout = errors.New("fetch: timeout")
)

// BlockedAddressError reports which resolved address fell into a blocked
// range. It wraps ErrBlockedAddress.
type BlockedAddressError struct {
	Host string
	IP   net.IP
}

func (e *BlockedAddressError) Error() string {
	return fmt.Sprintf("%s: %s resolves to %s", ErrBlockedAddress.Error(), e.Host, e.IP)
}

func (e *BlockedAddressError) Unwrap() error {
	return ErrBlockedAddress
}

// RedirectBlockedError reports why a redirect chain was cut.
// It wraps ErrRedirectBlocked.
type RedirectBlockedError struct {
	Reason string
	Cause  error
}

func (e *RedirectBlockedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrRedirectBlocked.Error(), e.Reason)
}

func (e *RedirectBlockedError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrRedirectBlocked, e.Cause}
	}
	return []error{ErrRedirectBlocked}
}

// HTTPError reports a response status >= 400.
type HTTPError struct {
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("fetch: http status %d", e.Status)
}

// blockedRanges is the fixed set of destination ranges that are never
// dialed. IPv4-mapped IPv6 addresses are unmapped before matching, so the
// IPv4 rules apply to them.
var blockedRanges = mustParseCIDRs(
	// IPv4.
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"224.0.0.0/4",
	"240.0.0.0/4",
	// IPv6.
	"::1/128",
	"fc00::/7",
	"fe80::/10",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("bad blocked range %q: %v", c, err))
		}
		nets = append(nets, n)
	}
	return nets
}

// Blocked reports whether ip falls into any blocked range.
func Blocked(ip net.IP) bool {
	// To4 unmaps ::ffff:0:0/96 addresses so the IPv4 rules apply to the
	// embedded address.
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, n := range blockedRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Result is the outcome of a successful fetch.
type Result struct {
	// FinalURL is the URL after following redirects.
	FinalURL string

	// Status is the HTTP status code.
	Status int

	// Body holds the response bytes, up to the cap.
	Body []byte

	// ContentType is the response Content-Type header.
	ContentType string

	// Truncated is set when the body exceeded the cap.
	Truncated bool
}

// Options configures a Fetcher.
type Options struct {
	// MaxBytes caps the response body. Excess bytes are discarded.
	MaxBytes int64

	// Timeout is the total time budget per fetch, covering DNS, connect,
	// TLS, and body read across all redirect hops.
	Timeout time.Duration

	// MaxRedirects is the maximum number of redirect hops followed.
	MaxRedirects int
}

// Fetcher issues validated outbound requests. It never retries: a single
// Fetch opens at most 1 + MaxRedirects connections.
type Fetcher struct {
	opts     Options
	client   *http.Client
	resolver *net.Resolver

	// blockedFn is swapped in tests to point fetches at local fixtures.
	blockedFn func(net.IP) bool
}

// New creates a Fetcher.
func New(opts Options) *Fetcher {
	f := &Fetcher{
		opts:      opts,
		resolver:  net.DefaultResolver,
		blockedFn: Blocked,
	}

	transport := &http.Transport{
		DialContext:       f.dialValidated,
		ForceAttemptHTTP2: true,
		// One fetch, one connection chain. Keeping idle connections would
		// let a later fetch reuse a socket validated under an older DNS
		// answer.
		DisableKeepAlives: true,
	}

	f.client = &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > opts.MaxRedirects {
				return &RedirectBlockedError{Reason: "too many redirects"}
			}
			if err := f.preflight(req.Context(), req.URL); err != nil {
				return &RedirectBlockedError{Reason: err.Error(), Cause: err}
			}
			return nil
		},
	}
	return f
}

// Fetch performs a validated request. method defaults to GET; headers and
// body may be nil. maxBytes <= 0 uses the configured default.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, method string, headers map[string]string, body io.Reader, maxBytes int64) (*Result, error) {
	if method == "" {
		method = http.MethodGet
	}
	if maxBytes <= 0 {
		maxBytes = f.opts.MaxBytes
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadURL, err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	if err := f.preflight(ctx, u); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	// Read one byte past the cap to learn whether the body was larger.
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, classifyError(err)
	}
	truncated := int64(len(data)) > maxBytes
	if truncated {
		data = data[:maxBytes]
	}

	if resp.StatusCode >= 400 {
		return nil, &HTTPError{Status: resp.StatusCode}
	}

	return &Result{
		FinalURL:    resp.Request.URL.String(),
		Status:      resp.StatusCode,
		Body:        data,
		ContentType: resp.Header.Get("Content-Type"),
		Truncated:   truncated,
	}, nil
}

// preflight validates scheme, shape, and every resolved address of u.
// A single blocked address rejects the whole host: accepting "any public
// address" would let split-horizon DNS steer the connection privately.
func (f *Fetcher) preflight(ctx context.Context, u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: %q", ErrBadScheme, u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("%w: userinfo not permitted", ErrBadURL)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrBadURL)
	}

	addrs, err := f.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDNSFailed, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("%w: no addresses for %s", ErrDNSFailed, host)
	}
	for _, a := range addrs {
		if f.blockedFn(a.IP) {
			return &BlockedAddressError{Host: host, IP: a.IP}
		}
	}
	return nil
}

// dialValidated resolves the host itself and connects to the first address
// of a fully validated answer. Validation and connect use the same
// resolution result, so a rebinding answer between preflight and connect
// cannot redirect the socket.
func (f *Fetcher) dialValidated(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadURL, err)
	}

	addrs, err := f.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDNSFailed, err)
	}
	for _, a := range addrs {
		if f.blockedFn(a.IP) {
			return nil, &BlockedAddressError{Host: host, IP: a.IP}
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: no addresses for %s", ErrDNSFailed, host)
	}

	dialer := &net.Dialer{}
	return dialer.DialContext(ctx, network, net.JoinHostPort(addrs[0].IP.String(), port))
}

// classifyError maps transport failures onto the fetch error taxonomy.
func classifyError(err error) error {
	var rb *RedirectBlockedError
	if errors.As(err, &rb) {
		return rb
	}
	var ba *BlockedAddressError
	if errors.As(err, &ba) {
		return ba
	}
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, ErrDNSFailed) || errors.Is(err, ErrBadURL) {
		return err
	}
	return err
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Kind returns the taxonomy name for a fetch error, for logging and tool
// results.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	// A blocked redirect hop may wrap another taxonomy error as its cause;
	// the redirect classification wins.
	case errors.Is(err, ErrRedirectBlocked):
		return "RedirectBlocked"
	case errors.Is(err, ErrBadScheme):
		return "BadScheme"
	case errors.Is(err, ErrBadURL):
		return "BadUrl"
	case errors.Is(err, ErrBlockedAddress):
		return "BlockedAddress"
	case errors.Is(err, ErrDNSFailed):
		return "DnsFailed"
	case errors.Is(err, ErrTimeout):
		return "FetchTimeout"
	default:
		var he *HTTPError
		if errors.As(err, &he) {
			return "HttpError"
		}
		return "FetchError"
	}
}
