package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// --- Sentinel Errors for Categorization ---
var (
	ErrMalformedURL     = errors.New("malformed URL")
	ErrTimeout          = errors.New("request timed out")
	ErrMaxRedirects     = errors.New("maximum redirects reached")
	ErrTransport        = errors.New("transport error") // Wraps net/TLS/protocol errors
	ErrHTTPStatus       = errors.New("unexpected HTTP status")
	ErrBodyDecode       = errors.New("failed to decode response body")
	ErrResponseBodyRead = errors.New("failed to read response body")
	ErrRequestCreation  = errors.New("failed to create HTTP request")
	ErrScopeViolation   = errors.New("URL out of scope (scheme/host/pattern/origin)")
	ErrMaxDepthExceeded = errors.New("maximum crawl depth exceeded")
	ErrCrawlKilled      = errors.New("crawl killed")
	ErrParsing          = errors.New("parsing error") // Wraps specific parsing error (HTML, URL, cookie)
	ErrFilesystem       = errors.New("filesystem error")
	ErrDatabase         = errors.New("database error") // Wraps badger errors
	ErrConfigValidation = errors.New("configuration validation error")
)

// WrapErrorf annotates err with a formatted message, keeping it unwrappable.
// Returns nil when err is nil.
func WrapErrorf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// CategorizeError maps an error to a predefined category string for logging and the outcome log.
func CategorizeError(err error) string {
	if err == nil {
		return "None"
	}

	switch {
	case errors.Is(err, ErrTimeout):
		return "Network_Timeout"
	case errors.Is(err, ErrMaxRedirects):
		return "HTTP_MaxRedirects"
	case errors.Is(err, ErrCrawlKilled):
		return "System_Killed"
	case errors.Is(err, ErrResponseBodyRead):
		return "Network_BodyRead"
	case errors.Is(err, ErrHTTPStatus):
		errMsg := err.Error()
		switch {
		case strings.Contains(errMsg, " 401"):
			return "HTTP_401"
		case strings.Contains(errMsg, " 403"):
			return "HTTP_403"
		case strings.Contains(errMsg, " 404"):
			return "HTTP_404"
		case strings.Contains(errMsg, " 5"):
			return "HTTP_5xx"
		}
		return "HTTP_OtherStatus"
	case errors.Is(err, ErrTransport):
		// Fall through to the string checks below for a finer category
		if cat := categorizeNetwork(err); cat != "" {
			return cat
		}
		return "Network_Other"
	case errors.Is(err, ErrMalformedURL):
		return "Content_MalformedURL"
	case errors.Is(err, ErrScopeViolation):
		return "Policy_Scope"
	case errors.Is(err, ErrMaxDepthExceeded):
		return "Policy_MaxDepth"
	case errors.Is(err, ErrBodyDecode):
		return "Content_Decode"
	case errors.Is(err, ErrRequestCreation):
		return "Internal_RequestCreation"
	case errors.Is(err, ErrParsing):
		errMsg := err.Error()
		if strings.Contains(errMsg, "URL") {
			return "Content_ParsingURL"
		}
		if strings.Contains(errMsg, "HTML") {
			return "Content_ParsingHTML"
		}
		if strings.Contains(errMsg, "cookie") {
			return "Content_ParsingCookie"
		}
		return "Content_ParsingOther"
	case errors.Is(err, ErrFilesystem):
		if errors.Is(err, os.ErrPermission) {
			return "Filesystem_Permission"
		}
		if errors.Is(err, os.ErrNotExist) {
			return "Filesystem_NotExist"
		}
		return "Filesystem_Other"
	case errors.Is(err, ErrDatabase):
		return "Database_Other"
	case errors.Is(err, ErrConfigValidation):
		return "Config_Validation"
	}

	if errors.Is(err, context.Canceled) {
		return "System_ContextCanceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "System_ContextDeadlineExceeded"
	}

	if cat := categorizeNetwork(err); cat != "" {
		return cat
	}
	return "Unknown"
}

// categorizeNetwork inspects net.Error and common error strings.
// Returns "" when nothing matched.
func categorizeNetwork(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "Network_Timeout"
	}
	lowerErrMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lowerErrMsg, "timeout"):
		return "Network_TimeoutGeneric"
	case strings.Contains(lowerErrMsg, "connection refused"):
		return "Network_ConnectionRefused"
	case strings.Contains(lowerErrMsg, "no such host"):
		return "Network_DNSLookup"
	case strings.Contains(lowerErrMsg, "tls") || strings.Contains(lowerErrMsg, "certificate"):
		return "Network_TLS"
	case strings.Contains(lowerErrMsg, "reset by peer"):
		return "Network_ConnectionReset"
	case strings.Contains(lowerErrMsg, "broken pipe"):
		return "Network_BrokenPipe"
	case strings.Contains(lowerErrMsg, "malformed"):
		return "Network_MalformedResponse"
	}
	return ""
}
