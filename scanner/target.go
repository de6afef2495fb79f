package scanner

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

var (
	ErrEmptyTarget   = errors.New("empty target")
	ErrURLTooLong    = errors.New("URL exceeds maximum length")
	ErrInvalidScheme = errors.New("only http and https schemes are allowed")
	ErrInvalidURL    = errors.New("invalid URL")
	ErrEmptyHost     = errors.New("URL must have a valid hostname")
	ErrInvalidHost   = errors.New("hostname contains invalid characters")
)

const (
	MaxURLLength = 2048
)

var hostnamePattern = regexp.MustCompile(`^[A-Za-z0-9_]([A-Za-z0-9_-]*[A-Za-z0-9_])?(\.[A-Za-z0-9_]([A-Za-z0-9_-]*[A-Za-z0-9_])?)*\.?$`)

// InvalidTargetError is returned when an input line cannot become a Target.
type InvalidTargetError struct {
	Line string
	Err  error
}

func (e *InvalidTargetError) Error() string {
	return fmt.Sprintf("invalid target %q: %v", e.Line, e.Err)
}

func (e *InvalidTargetError) Unwrap() error {
	return e.Err
}

// Normalize parses a raw input line into a Target, assuming https when the
// line has no scheme.
func Normalize(line string) (Target, error) {
	return NormalizeWithScheme(line, SchemeHTTPS)
}

// NormalizeWithScheme is Normalize with a configurable default scheme.
func NormalizeWithScheme(line string, defaultScheme Scheme) (Target, error) {
	raw := line
	line = strings.TrimSpace(line)
	if line == "" {
		return Target{}, &InvalidTargetError{Line: raw, Err: ErrEmptyTarget}
	}
	if len(line) > MaxURLLength {
		return Target{}, &InvalidTargetError{Line: raw, Err: ErrURLTooLong}
	}

	lower := strings.ToLower(line)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
	case strings.Contains(line, "://"):
		return Target{}, &InvalidTargetError{Line: raw, Err: ErrInvalidScheme}
	default:
		line = string(defaultScheme) + "://" + line
	}

	parsed, err := url.Parse(line)
	if err != nil {
		return Target{}, &InvalidTargetError{Line: raw, Err: ErrInvalidURL}
	}
	return targetFromURL(raw, parsed)
}

func targetFromURL(raw string, parsed *url.URL) (Target, error) {
	scheme := Scheme(strings.ToLower(parsed.Scheme))
	if scheme != SchemeHTTP && scheme != SchemeHTTPS {
		return Target{}, &InvalidTargetError{Line: raw, Err: ErrInvalidScheme}
	}
	parsed.Scheme = string(scheme)

	host := parsed.Hostname()
	if host == "" {
		return Target{}, &InvalidTargetError{Line: raw, Err: ErrEmptyHost}
	}
	if net.ParseIP(host) == nil && !hostnamePattern.MatchString(host) {
		return Target{}, &InvalidTargetError{Line: raw, Err: ErrInvalidHost}
	}

	return Target{
		Raw:    raw,
		Scheme: scheme,
		Host:   host,
		URL:    parsed.String(),
	}, nil
}

// resolveLocation builds the redirect Target for a Location header value,
// resolved against the URL of the request that produced it.
func resolveLocation(base *url.URL, location string) (Target, error) {
	ref, err := url.Parse(strings.TrimSpace(location))
	if err != nil {
		return Target{}, &InvalidTargetError{Line: location, Err: ErrInvalidURL}
	}
	return targetFromURL(location, base.ResolveReference(ref))
}
