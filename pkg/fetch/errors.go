package fetch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/Sriram-PR/sitecrawl/pkg/utils"
)

// Code identifies the kind of a fetch failure
type Code string

const (
	CodeTimeout         Code = "ETIMEDOUT"
	CodeMaxRedirects    Code = "MAX_REDIRECTS_REACHED"
	CodeConnRefused     Code = "ECONNREFUSED"
	CodeNotFound        Code = "ENOTFOUND"
	CodeTLS             Code = "ETLS"
	CodeParse           Code = "EPARSE" // Malformed HTTP framing or truncated body
	CodeCanceled        Code = "ECANCELED"
	CodeInvalidURL      Code = "EINVALIDURL"
	CodeRequestCreation Code = "EREQUEST"
	CodeTransport       Code = "ETRANSPORT"
)

// Error is the error carried by a FetchResult
type Error struct {
	Code Code
	URL  string
	Err  error
}

func newError(code Code, rawURL string, err error) *Error {
	return &Error{Code: code, URL: rawURL, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.URL)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.URL, e.Err)
}

// Unwrap exposes both the underlying error and the matching utils sentinel
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	switch e.Code {
	case CodeTimeout:
		errs = append(errs, utils.ErrTimeout)
	case CodeMaxRedirects:
		errs = append(errs, utils.ErrMaxRedirects)
	case CodeInvalidURL:
		errs = append(errs, utils.ErrMalformedURL)
	case CodeRequestCreation:
		errs = append(errs, utils.ErrRequestCreation)
	case CodeCanceled:
		// context.Canceled from Err is enough
	default:
		errs = append(errs, utils.ErrTransport)
	}
	return errs
}

// CodeOf returns the fetch code carried by err, or "" if err is not a fetch error
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// classify maps a transport error to a Code.
// hopCtx is the per-request context; parent is the caller's context.
func classify(err error, hopCtx, parent context.Context) Code {
	if parent.Err() != nil {
		return CodeCanceled
	}
	if errors.Is(hopCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return CodeConnRefused
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CodeNotFound
	}
	if isTLSError(err) {
		return CodeTLS
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || strings.Contains(strings.ToLower(err.Error()), "malformed") {
		return CodeParse
	}
	return CodeTransport
}

func isTLSError(err error) bool {
	var recordErr tls.RecordHeaderError
	var alertErr tls.AlertError
	var verifyErr *tls.CertificateVerificationError
	var authorityErr x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	switch {
	case errors.As(err, &recordErr), errors.As(err, &alertErr), errors.As(err, &verifyErr),
		errors.As(err, &authorityErr), errors.As(err, &hostErr):
		return true
	}
	return strings.Contains(err.Error(), "tls: ")
}
