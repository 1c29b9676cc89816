// Package classify decides whether a failed remote call may be replayed.
//
// It is the only place that inspects transport and HTTP errors; the
// coordinator and the sync worker branch on its verdict alone.
package classify

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/steveyegge/taskcache/internal/remote"
)

// Class is the verdict for a failure.
type Class int

const (
	// Fatal failures are surfaced to the user and never replayed.
	Fatal Class = iota
	// Retriable failures are safe to replay verbatim later.
	Retriable
)

func (c Class) String() string {
	switch c {
	case Retriable:
		return "retriable"
	default:
		return "fatal"
	}
}

// Classify maps an error from the remote client to Retriable or Fatal.
//
// Certificate and TLS failures are checked first: they often surface wrapped
// in a *net.OpError or *url.Error and must never be mistaken for a network
// blip. Anything not explicitly recognised is Fatal.
func Classify(err error) Class {
	if err == nil {
		return Fatal
	}

	if isTLSFailure(err) {
		return Fatal
	}

	var statusErr *remote.StatusError
	if errors.As(err, &statusErr) {
		code := statusErr.StatusCode
		if code >= 500 || code == http.StatusTooManyRequests {
			return Retriable
		}
		return Fatal
	}

	var decodeErr *remote.DecodeError
	if errors.As(err, &decodeErr) {
		return Fatal
	}

	if errors.Is(err, remote.ErrOffline) {
		return Retriable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retriable
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return Retriable
	}
	// Connection dropped before a complete response arrived.
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Retriable
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Retriable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Retriable
	}

	// A connection that could not be opened or broke while reading the
	// response. Other socket operations (listen, setsockopt ...) stay Fatal.
	var opErr *net.OpError
	if errors.As(err, &opErr) && (opErr.Op == "dial" || opErr.Op == "read") {
		return Retriable
	}

	return Fatal
}

// IsRetriable is shorthand for Classify(err) == Retriable.
func IsRetriable(err error) bool {
	return Classify(err) == Retriable
}

func isTLSFailure(err error) bool {
	var (
		unknownAuthority x509.UnknownAuthorityError
		hostname         x509.HostnameError
		invalidCert      x509.CertificateInvalidError
		verifyErr        *tls.CertificateVerificationError
		recordHeader     tls.RecordHeaderError
		alert            tls.AlertError
	)
	return errors.As(err, &unknownAuthority) ||
		errors.As(err, &hostname) ||
		errors.As(err, &invalidCert) ||
		errors.As(err, &verifyErr) ||
		errors.As(err, &recordHeader) ||
		errors.As(err, &alert)
}
