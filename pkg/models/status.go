package models

// PageStatus represents the terminal outcome of a page in the outcome log
type PageStatus string

const (
	PageStatusUnset      PageStatus = ""           // Zero value = unset/unknown
	PageStatusSuccess    PageStatus = "success"    // Page fetched with a 200 and delivered
	PageStatusFailure    PageStatus = "failure"    // Retry budget exhausted
	PageStatusRedirected PageStatus = "redirected" // URL resolved to a different final URL
	PageStatusNotFound   PageStatus = "not_found"  // Page not in database
	PageStatusDBError    PageStatus = "db_error"   // Database error occurred
)

// String implements fmt.Stringer for logging
func (s PageStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the status is a known operational value
func (s PageStatus) IsValid() bool {
	switch s {
	case PageStatusSuccess, PageStatusFailure, PageStatusRedirected:
		return true
	}
	return false
}
