package scanner

import (
	"bufio"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func mustTarget(t *testing.T, line string) Target {
	t.Helper()
	target, err := Normalize(line)
	ok(t, err)
	return target
}

func TestFetchTitleAndSize(t *testing.T) {
	body := "<html><head><title>\n  Hello   World </title></head><body>hi</body></html>"
	var userAgent atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent.Store(r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	fetcher := NewFetcher(FetcherOptions{Timeout: 2 * time.Second, UserAgent: "domainmap-test"})
	outcome := fetcher.Fetch(context.Background(), mustTarget(t, srv.URL))

	equals(t, ErrorKind(""), outcome.Error)
	equals(t, http.StatusOK, outcome.StatusCode)
	equals(t, "Hello World", outcome.Title)
	equals(t, int64(len(body)), outcome.ContentLength)
	equals(t, "127.0.0.1", outcome.IP)
	equals(t, "domainmap-test", userAgent.Load())
	assert(t, outcome.RedirectedTo == nil, "no redirect expected")
	assert(t, outcome.Elapsed > 0, "elapsed should be recorded")
}

func TestFetchRandomUserAgent(t *testing.T) {
	var userAgent atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent.Store(r.Header.Get("User-Agent"))
	}))
	defer srv.Close()

	NewFetcher(FetcherOptions{}).Fetch(context.Background(), mustTarget(t, srv.URL))

	got, _ := userAgent.Load().(string)
	found := false
	for _, ua := range userAgents {
		if ua == got {
			found = true
		}
	}
	assert(t, found, "unexpected User-Agent %q", got)
}

func TestFetchCountsBodyWithoutContentLength(t *testing.T) {
	chunk := strings.Repeat("a", 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		for i := 0; i < 25; i++ {
			fmt.Fprint(w, chunk)
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	outcome := NewFetcher(FetcherOptions{Timeout: 2 * time.Second}).Fetch(context.Background(), mustTarget(t, srv.URL))

	equals(t, http.StatusOK, outcome.StatusCode)
	equals(t, int64(25*4096), outcome.ContentLength)
	equals(t, "", outcome.Title)
}

func TestFetchTitleOnlyForMarkup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/json":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"html":"<title>nope</title>"}`)
		case "/latin1":
			w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
			w.Write([]byte("<html><title>caf\xe9</title></html>"))
		case "/sniffed":
			w.Header()["Content-Type"] = nil
			fmt.Fprint(w, "<!DOCTYPE html><html><head><title>Sniffed</title></head></html>")
		}
	}))
	defer srv.Close()

	fetcher := NewFetcher(FetcherOptions{Timeout: 2 * time.Second})

	outcome := fetcher.Fetch(context.Background(), mustTarget(t, srv.URL+"/json"))
	equals(t, "", outcome.Title)

	outcome = fetcher.Fetch(context.Background(), mustTarget(t, srv.URL+"/latin1"))
	equals(t, "café", outcome.Title)

	outcome = fetcher.Fetch(context.Background(), mustTarget(t, srv.URL+"/sniffed"))
	equals(t, "Sniffed", outcome.Title)
}

func TestFetchFollowsSingleHop(t *testing.T) {
	var finalHits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/second", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/second", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/final")
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusMovedPermanently)
		fmt.Fprint(w, "<title>Moved again</title>")
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&finalHits, 1)
		fmt.Fprint(w, "<title>Final</title>")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	outcome := NewFetcher(FetcherOptions{Timeout: 2 * time.Second}).Fetch(context.Background(), mustTarget(t, srv.URL+"/start"))

	equals(t, http.StatusMovedPermanently, outcome.StatusCode)
	equals(t, "Moved again", outcome.Title)
	assert(t, outcome.RedirectedTo != nil, "redirect should be recorded")
	equals(t, srv.URL+"/second", outcome.RedirectedTo.URL)
	equals(t, srv.URL+"/start", outcome.Target.URL)
	equals(t, int32(0), atomic.LoadInt32(&finalHits))
}

func TestFetchRedirectHonorsRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/moved" {
			http.Redirect(w, r, "/here", http.StatusMovedPermanently)
			return
		}
		fmt.Fprint(w, "<title>Here</title>")
	}))
	defer srv.Close()

	limiter := NewRateLimiter(4)
	fetcher := NewFetcher(FetcherOptions{Timeout: 2 * time.Second, Limiter: limiter})

	// the first attempt takes the only token, as Scan does
	ok(t, limiter.Acquire(context.Background()))
	start := time.Now()
	outcome := fetcher.Fetch(context.Background(), mustTarget(t, srv.URL+"/moved"))
	elapsed := time.Since(start)

	equals(t, http.StatusOK, outcome.StatusCode)
	equals(t, "Here", outcome.Title)
	assert(t, outcome.RedirectedTo != nil, "redirect should be followed")
	assert(t, elapsed >= 200*time.Millisecond, "redirect attempt skipped the rate gate: %v", elapsed)

	// cancellation while waiting for the redirect slot fails the target
	slow := NewRateLimiter(1)
	fetcher = NewFetcher(FetcherOptions{Timeout: 2 * time.Second, Limiter: slow})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ok(t, slow.Acquire(ctx))
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	outcome = fetcher.Fetch(ctx, mustTarget(t, srv.URL+"/moved"))
	assert(t, outcome.RedirectedTo != nil, "redirect target should still be recorded")
	equals(t, KindCanceled, outcome.Error)
	equals(t, 0, outcome.StatusCode)
}

func TestFetchRedirectPolicy(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/nested/see-other", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "../done")
		w.WriteHeader(http.StatusSeeOther)
	})
	mux.HandleFunc("/found", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/done", http.StatusFound)
	})
	mux.HandleFunc("/temporary", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/done", http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("/no-location", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMovedPermanently)
	})
	mux.HandleFunc("/bad-location", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "ftp://files.example.com/")
		w.WriteHeader(http.StatusMovedPermanently)
	})
	mux.HandleFunc("/done", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	fetcher := NewFetcher(FetcherOptions{Timeout: 2 * time.Second})
	ctx := context.Background()

	// relative Location resolves against the request URL
	outcome := fetcher.Fetch(ctx, mustTarget(t, srv.URL+"/nested/see-other"))
	equals(t, http.StatusAccepted, outcome.StatusCode)
	equals(t, srv.URL+"/done", outcome.RedirectedTo.URL)

	for _, path := range []string{"/found", "/temporary"} {
		outcome = fetcher.Fetch(ctx, mustTarget(t, srv.URL+path))
		assert(t, outcome.RedirectedTo == nil, "%s should not be followed", path)
		assert(t, outcome.StatusCode == http.StatusFound || outcome.StatusCode == http.StatusTemporaryRedirect,
			"unexpected status %d for %s", outcome.StatusCode, path)
	}

	outcome = fetcher.Fetch(ctx, mustTarget(t, srv.URL+"/no-location"))
	equals(t, http.StatusMovedPermanently, outcome.StatusCode)
	assert(t, outcome.RedirectedTo == nil, "no Location, nothing to follow")

	outcome = fetcher.Fetch(ctx, mustTarget(t, srv.URL+"/bad-location"))
	equals(t, http.StatusMovedPermanently, outcome.StatusCode)
	assert(t, outcome.RedirectedTo == nil, "non-http Location must not be followed")
}

func TestFetchRedirectTargetFails(t *testing.T) {
	dead := closedAddr(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://"+dead+"/", http.StatusMovedPermanently)
	}))
	defer srv.Close()

	outcome := NewFetcher(FetcherOptions{Timeout: 2 * time.Second}).Fetch(context.Background(), mustTarget(t, srv.URL))

	equals(t, KindConnection, outcome.Error)
	equals(t, 0, outcome.StatusCode)
	assert(t, outcome.RedirectedTo != nil, "attempted redirect target should be kept")
	equals(t, "http://"+dead+"/", outcome.RedirectedTo.URL)
}

func TestFetchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	start := time.Now()
	outcome := NewFetcher(FetcherOptions{Timeout: 100 * time.Millisecond}).Fetch(context.Background(), mustTarget(t, srv.URL))

	equals(t, KindTimeout, outcome.Error)
	equals(t, 0, outcome.StatusCode)
	assert(t, time.Since(start) < time.Second, "timeout not enforced: %s", time.Since(start))
}

func TestFetchConnectionRefused(t *testing.T) {
	target := mustTarget(t, "http://"+closedAddr(t))

	outcome := NewFetcher(FetcherOptions{Timeout: 2 * time.Second}).Fetch(context.Background(), target)

	equals(t, KindConnection, outcome.Error)
	equals(t, 0, outcome.StatusCode)
	assert(t, outcome.ErrorDetail != "", "error detail should be kept")
}

func TestFetchMalformedResponse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	ok(t, err)
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				reader := bufio.NewReader(c)
				for {
					line, err := reader.ReadString('\n')
					if err != nil || line == "\r\n" {
						break
					}
				}
				io.WriteString(c, "HELLO THERE\r\n\r\n")
			}(conn)
		}
	}()

	outcome := NewFetcher(FetcherOptions{Timeout: 2 * time.Second}).Fetch(context.Background(), mustTarget(t, "http://"+ln.Addr().String()))

	equals(t, KindProtocol, outcome.Error)
	equals(t, 0, outcome.StatusCode)
	equals(t, "127.0.0.1", outcome.IP)
}

func TestFetchTLS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<title>secure</title>")
	}))
	defer srv.Close()

	target := mustTarget(t, srv.URL)
	equals(t, SchemeHTTPS, target.Scheme)

	outcome := NewFetcher(FetcherOptions{Timeout: 2 * time.Second}).Fetch(context.Background(), target)
	equals(t, KindConnection, outcome.Error)

	outcome = NewFetcher(FetcherOptions{Timeout: 2 * time.Second, Insecure: true}).Fetch(context.Background(), target)
	equals(t, http.StatusOK, outcome.StatusCode)
	equals(t, "secure", outcome.Title)
}

func TestFetchDenyPrivate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should have been refused before connecting")
	}))
	defer srv.Close()

	outcome := NewFetcher(FetcherOptions{Timeout: 2 * time.Second, DenyPrivate: true}).Fetch(context.Background(), mustTarget(t, srv.URL))

	equals(t, KindConnection, outcome.Error)
	assert(t, strings.Contains(outcome.ErrorDetail, ErrPrivateIP.Error()), "unexpected detail %q", outcome.ErrorDetail)
}

func TestClassifyError(t *testing.T) {
	refused := &url.Error{Op: "Get", URL: "http://x", Err: &net.OpError{
		Op:  "dial",
		Net: "tcp",
		Err: os.NewSyscallError("connect", syscall.ECONNREFUSED),
	}}

	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, ""},
		{&net.DNSError{Err: "no such host", Name: "nope.invalid", IsNotFound: true}, KindDNS},
		{&url.Error{Op: "Get", URL: "http://x", Err: &net.OpError{Op: "dial", Err: &net.DNSError{Name: "x", IsNotFound: true}}}, KindDNS},
		{&net.DNSError{Err: "i/o timeout", Name: "slow.example", IsTimeout: true}, KindTimeout},
		{context.DeadlineExceeded, KindTimeout},
		{fmt.Errorf("read body: %w", context.DeadlineExceeded), KindTimeout},
		{context.Canceled, KindCanceled},
		{refused, KindConnection},
		{&url.Error{Op: "Get", URL: "https://x", Err: x509.UnknownAuthorityError{}}, KindConnection},
		{fmt.Errorf("dial: %w", ErrPrivateIP), KindConnection},
		{&url.Error{Op: "Get", URL: "http://x", Err: io.EOF}, KindConnection},
		{errors.New(`malformed HTTP response "HELLO"`), KindProtocol},
		{io.ErrUnexpectedEOF, KindProtocol},
		{&InvalidTargetError{Line: "x", Err: ErrInvalidURL}, KindInvalidTarget},
	}

	for _, tt := range tests {
		equals(t, tt.want, classifyError(tt.err))
	}
}

// closedAddr returns a loopback address nothing is listening on.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	ok(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}
