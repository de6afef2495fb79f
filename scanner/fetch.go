package scanner

import (
	"context"
	"crypto/tls"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"time"

	"github.com/projectdiscovery/gologger"
)

const (
	DefaultTimeout = 10 * time.Second

	// MaxTitleBytes is how much of a body is buffered for title extraction.
	MaxTitleBytes = 64 << 10
	// MaxCountBytes caps body reads when the server sends no Content-Length.
	MaxCountBytes = 10 << 20
)

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/115.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 13_2) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/115.0.0.0 Safari/537.36",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 16_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Mobile/15E148 Safari/604.1",
}

// Fetcher issues the request(s) for a single target. Implementations must
// report failures in the returned outcome, never by panicking.
type Fetcher interface {
	Fetch(ctx context.Context, target Target) FetchOutcome
}

type FetcherOptions struct {
	// Timeout bounds each attempt, redirect attempt included.
	Timeout   time.Duration
	UserAgent string
	Insecure  bool
	// DenyPrivate refuses connections to loopback, private and metadata
	// addresses after DNS resolution.
	DenyPrivate bool
	// Limiter gates the redirect attempt. Share it with Options.Limiter so
	// both attempts of a target count against the same rate.
	Limiter *RateLimiter
}

type HTTPFetcher struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
	limiter   *RateLimiter
}

func NewFetcher(opts FetcherOptions) *HTTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	dialer := &net.Dialer{
		Timeout:   opts.Timeout,
		KeepAlive: 30 * time.Second,
	}
	if opts.DenyPrivate {
		dialer.Control = denyPrivateControl
	}

	// No proxy: the reported IP must be the target's, not a proxy's.
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: opts.Insecure}, //nolint:gosec
		TLSHandshakeTimeout: opts.Timeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
	}

	return &HTTPFetcher{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout:   opts.Timeout,
		userAgent: opts.UserAgent,
		limiter:   opts.Limiter,
	}
}

type response struct {
	url      *url.URL
	status   int
	location string
	title    string
	length   int64
	ip       string
}

// Fetch requests the target and follows at most one 301/303 redirect. The
// outcome describes the last attempt made.
func (f *HTTPFetcher) Fetch(ctx context.Context, target Target) FetchOutcome {
	start := time.Now()
	outcome := FetchOutcome{Target: target}

	first, err := f.attempt(ctx, target)
	if err != nil {
		outcome.fail(first, err)
		outcome.Elapsed = time.Since(start)
		return outcome
	}
	outcome.apply(first)

	if next, ok := first.redirectTarget(); ok {
		outcome.RedirectedTo = &next
		if err := f.limiter.Acquire(ctx); err != nil {
			outcome.fail(response{}, err)
		} else if second, err := f.attempt(ctx, next); err != nil {
			outcome.fail(second, err)
		} else {
			outcome.apply(second)
		}
	}

	outcome.Elapsed = time.Since(start)
	return outcome
}

func (o *FetchOutcome) apply(res response) {
	o.StatusCode = res.status
	o.Title = res.title
	o.ContentLength = res.length
	o.IP = res.ip
}

func (o *FetchOutcome) fail(res response, err error) {
	o.StatusCode = 0
	o.Title = ""
	o.ContentLength = 0
	o.IP = res.ip
	o.Error = classifyError(err)
	o.ErrorDetail = err.Error()
}

func (f *HTTPFetcher) attempt(ctx context.Context, target Target) (response, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var res response
	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			res.ip = remoteIP(info.Conn.RemoteAddr())
		},
	}

	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), http.MethodGet, target.URL, nil)
	if err != nil {
		return res, &InvalidTargetError{Line: target.URL, Err: err}
	}
	f.setHeaders(req)

	resp, err := f.client.Do(req)
	if err != nil {
		return res, err
	}
	defer resp.Body.Close()

	res.url = req.URL
	res.status = resp.StatusCode
	res.location = resp.Header.Get("Location")

	prefix, err := io.ReadAll(io.LimitReader(resp.Body, MaxTitleBytes))
	if err != nil {
		return res, err
	}

	read := int64(len(prefix))
	if resp.ContentLength >= 0 {
		res.length = resp.ContentLength
	} else {
		n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, MaxCountBytes-read))
		if err != nil {
			return res, err
		}
		res.length = read + n
	}

	res.title = extractTitle(prefix, resp.Header.Get("Content-Type"))
	return res, nil
}

func (f *HTTPFetcher) setHeaders(req *http.Request) {
	ua := f.userAgent
	if ua == "" {
		ua = userAgents[rand.Intn(len(userAgents))]
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
	req.Header.Set("Referer", "https://www.google.com")
}

// redirectTarget returns the single hop to follow, if any.
func (r response) redirectTarget() (Target, bool) {
	if r.status != http.StatusMovedPermanently && r.status != http.StatusSeeOther {
		return Target{}, false
	}
	if r.location == "" {
		return Target{}, false
	}

	next, err := resolveLocation(r.url, r.location)
	if err != nil {
		gologger.Debug().Msgf("Not following redirect from %s: %s", r.url, err)
		return Target{}, false
	}
	return next, true
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
