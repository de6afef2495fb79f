package scanner

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"syscall"
)

// ErrorKind tags a failed fetch. The zero value means no error.
type ErrorKind string

const (
	KindInvalidTarget ErrorKind = "InvalidTargetError"
	KindDNS           ErrorKind = "DnsResolutionError"
	KindConnection    ErrorKind = "ConnectionError"
	KindTimeout       ErrorKind = "TimeoutError"
	KindProtocol      ErrorKind = "ProtocolError"
	KindCanceled      ErrorKind = "CanceledError"
	KindInternal      ErrorKind = "InternalError"
)

// classifyError maps a transport or body-read error to an ErrorKind.
// Order matters: a DNS lookup that timed out is a timeout, and a dial
// refusal wrapped in *url.Error is still a connection error.
func classifyError(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var invalid *InvalidTargetError
	if errors.As(err, &invalid) {
		return KindInvalidTarget
	}

	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ETIMEDOUT) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindDNS
	}

	if isTLSError(err) {
		return KindConnection
	}

	if errors.Is(err, ErrPrivateIP) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.EOF) {
		return KindConnection
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnection
	}

	return KindProtocol
}

func isTLSError(err error) bool {
	var (
		recordErr  tls.RecordHeaderError
		alertErr   tls.AlertError
		verifyErr  *tls.CertificateVerificationError
		unknownCA  x509.UnknownAuthorityError
		hostErr    x509.HostnameError
		invalidErr x509.CertificateInvalidError
	)
	return errors.As(err, &recordErr) ||
		errors.As(err, &alertErr) ||
		errors.As(err, &verifyErr) ||
		errors.As(err, &unknownCA) ||
		errors.As(err, &hostErr) ||
		errors.As(err, &invalidErr)
}
